package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"utm_sector/internal/events"
	"utm_sector/internal/model"
	"utm_sector/internal/store"
)

// nullPersister satisfies store.Persister for handler tests.
type nullPersister struct{}

func (nullPersister) UpsertDrone(model.DroneState) error      { return nil }
func (nullPersister) UpsertToken(string, string) error        { return nil }
func (nullPersister) UpsertGeofence(model.Geofence) error     { return nil }
func (nullPersister) DeleteGeofence(string) error             { return nil }
func (nullPersister) UpsertFlightPlan(model.FlightPlan) error { return nil }
func (nullPersister) UpsertCommand(model.Command) error       { return nil }
func (nullPersister) Load() (store.PersistedState, error)     { return store.PersistedState{}, nil }
func (nullPersister) Reset() error                            { return nil }
func (nullPersister) Ping() error                             { return nil }
func (nullPersister) Close() error                            { return nil }

func newTestServer(cfg Config) (*Server, *store.World) {
	bus := events.NewBus()
	world := store.New(store.DefaultLimits(), nullPersister{}, nil, bus)
	return NewServer(world, bus, cfg), world
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndTelemetryFlow(t *testing.T) {
	s, _ := newTestServer(Config{})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/drones/register",
		map[string]interface{}{"owner_id": "op-1", "priority": 2}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body)
	}
	var reg struct {
		DroneID      string `json:"drone_id"`
		SessionToken string `json:"session_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	if reg.DroneID == "" || reg.SessionToken == "" {
		t.Fatalf("incomplete registration response: %+v", reg)
	}

	// Telemetry with the session token is accepted.
	tel := map[string]interface{}{
		"drone_id":    reg.DroneID,
		"lat":         33.6846,
		"lon":         -117.8265,
		"altitude_m":  50,
		"heading_deg": 90,
		"speed_mps":   10,
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	rec = doJSON(t, router, http.MethodPost, "/v1/telemetry", tel,
		map[string]string{"Authorization": "Bearer " + reg.SessionToken})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("telemetry status = %d, body %s", rec.Code, rec.Body)
	}

	// Without a token it is refused.
	rec = doJSON(t, router, http.MethodPost, "/v1/telemetry", tel, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("telemetry without token status = %d, want 401", rec.Code)
	}

	// The drone shows up in the list.
	rec = doJSON(t, router, http.MethodGet, "/v1/drones", nil, nil)
	var drones []model.DroneState
	if err := json.Unmarshal(rec.Body.Bytes(), &drones); err != nil {
		t.Fatalf("decode drones: %v", err)
	}
	if len(drones) != 1 || drones[0].Status != model.StatusActive {
		t.Errorf("drones = %+v, want one active drone", drones)
	}
}

func TestTelemetryFutureTimestampCode(t *testing.T) {
	s, _ := newTestServer(Config{})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/drones/register",
		map[string]interface{}{"drone_id": "DRONE0001"}, nil)
	var reg struct {
		SessionToken string `json:"session_token"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &reg)

	tel := map[string]interface{}{
		"drone_id":   "DRONE0001",
		"lat":        33.6846,
		"lon":        -117.8265,
		"altitude_m": 50,
		"timestamp":  time.Now().UTC().Add(time.Minute).Format(time.RFC3339Nano),
	}
	rec = doJSON(t, router, http.MethodPost, "/v1/telemetry", tel,
		map[string]string{"Authorization": "Bearer " + reg.SessionToken})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != "TimestampFuture" {
		t.Errorf("code = %q, want TimestampFuture", body.Code)
	}

	// The drone state is unchanged by the rejection.
	rec = doJSON(t, router, http.MethodGet, "/v1/drones/DRONE0001", nil, nil)
	var drone model.DroneState
	_ = json.Unmarshal(rec.Body.Bytes(), &drone)
	if drone.Status != model.StatusInactive {
		t.Errorf("status = %s, want inactive", drone.Status)
	}
}

func TestRegistrationTokenGate(t *testing.T) {
	s, _ := newTestServer(Config{RegistrationToken: "secret"})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/drones/register", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("ungated register status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/drones/register", nil,
		map[string]string{"X-Registration-Token": "secret"})
	if rec.Code != http.StatusCreated {
		t.Errorf("gated register status = %d, want 201", rec.Code)
	}
}

func TestComplianceLimits(t *testing.T) {
	s, _ := newTestServer(Config{})
	rec := doJSON(t, s.Router(), http.MethodGet, "/v1/compliance/limits", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var limits store.Limits
	if err := json.Unmarshal(rec.Body.Bytes(), &limits); err != nil {
		t.Fatalf("decode limits: %v", err)
	}
	if limits.MinHorizontalSepM != 50 || limits.LookaheadS != 20 {
		t.Errorf("limits = %+v, want defaults", limits)
	}
}

func TestCommandPullAckCycle(t *testing.T) {
	s, world := newTestServer(Config{})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/drones/register",
		map[string]interface{}{"drone_id": "DRONE0001"}, nil)
	var reg struct {
		SessionToken string `json:"session_token"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &reg)

	// Issue a hold via the operator endpoint.
	rec = doJSON(t, router, http.MethodPost, "/v1/commands", map[string]interface{}{
		"drone_id": "DRONE0001",
		"payload":  map[string]interface{}{"type": "hold", "duration_s": 30},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue status = %d, body %s", rec.Code, rec.Body)
	}
	var issued struct {
		CommandID string `json:"command_id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &issued)

	// Pull requires the session token.
	rec = doJSON(t, router, http.MethodGet, "/v1/commands/next?drone_id=DRONE0001", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated pull status = %d, want 401", rec.Code)
	}

	auth := map[string]string{"Authorization": "Bearer " + reg.SessionToken}
	rec = doJSON(t, router, http.MethodGet, "/v1/commands/next?drone_id=DRONE0001", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("pull status = %d", rec.Code)
	}
	var cmd model.Command
	if err := json.Unmarshal(rec.Body.Bytes(), &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.CommandID != issued.CommandID || cmd.State != model.CommandDelivered {
		t.Errorf("pulled command = %+v", cmd)
	}

	// Ack flips the drone to holding and drains the queue.
	rec = doJSON(t, router, http.MethodPost, "/v1/commands/ack",
		map[string]string{"command_id": issued.CommandID}, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status = %d, body %s", rec.Code, rec.Body)
	}
	drone, _ := world.GetDrone("DRONE0001")
	if drone.Status != model.StatusHolding {
		t.Errorf("status after hold ack = %s, want holding", drone.Status)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/commands/next?drone_id=DRONE0001", nil, auth)
	if body := rec.Body.String(); body != "null\n" {
		t.Errorf("pull after ack = %q, want null", body)
	}
}

func TestAdminResetGate(t *testing.T) {
	s, _ := newTestServer(Config{AdminToken: "admin-secret", AllowAdminReset: true})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/admin/reset", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/v1/admin/reset", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/v1/admin/reset", nil,
		map[string]string{"Authorization": "Bearer admin-secret"})
	if rec.Code != http.StatusOK {
		t.Errorf("admin reset status = %d, want 200", rec.Code)
	}

	// Disabled by config regardless of token.
	s2, _ := newTestServer(Config{AdminToken: "admin-secret"})
	rec = doJSON(t, s2.Router(), http.MethodPost, "/v1/admin/reset", nil,
		map[string]string{"Authorization": "Bearer admin-secret"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("disabled reset status = %d, want 403", rec.Code)
	}
}

func TestSubmitPlanGeofenceVeto(t *testing.T) {
	s, world := newTestServer(Config{})
	router := s.Router()

	doJSON(t, router, http.MethodPost, "/v1/drones/register",
		map[string]interface{}{"drone_id": "DRONE0001"}, nil)

	// A no-fly zone across the route.
	world.UpsertGeofence(model.Geofence{
		ID: "NFZ", Name: "stadium", Type: model.GeofenceNoFly,
		Vertices: [][2]float64{
			{33.6821, -117.8290}, {33.6821, -117.8240},
			{33.6871, -117.8240}, {33.6871, -117.8290}, {33.6821, -117.8290},
		},
		LowerAltitudeM: 0, UpperAltitudeM: 120, Active: true,
	})

	rec := doJSON(t, router, http.MethodPost, "/v1/flights/plan", map[string]interface{}{
		"drone_id": "DRONE0001",
		"waypoints": []map[string]interface{}{
			{"lat": 33.6846, "lon": -117.8400, "altitude_m": 50},
			{"lat": 33.6846, "lon": -117.8100, "altitude_m": 50},
		},
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for vetoed plan, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Plan       model.FlightPlan `json:"plan"`
		Violations []struct {
			GeofenceID string `json:"geofence_id"`
			Fatal      bool   `json:"fatal"`
		} `json:"violations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Plan.Status != model.FlightRejected {
		t.Errorf("plan status = %s, want rejected", resp.Plan.Status)
	}
	if len(resp.Violations) != 1 || !resp.Violations[0].Fatal {
		t.Errorf("violations = %+v, want one fatal", resp.Violations)
	}
}

func TestRateLimiter(t *testing.T) {
	s, _ := newTestServer(Config{RateLimitRPS: 2})
	router := s.Router()

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := doJSON(t, router, http.MethodPost, "/v1/drones/register",
			map[string]interface{}{"drone_id": fmt.Sprintf("DRONE%04d", i+1)}, nil)
		statuses = append(statuses, rec.Code)
	}
	if statuses[0] != http.StatusCreated || statuses[1] != http.StatusCreated {
		t.Errorf("first two registrations = %v, want 201s", statuses[:2])
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third registration = %d, want 429", statuses[2])
	}
}
