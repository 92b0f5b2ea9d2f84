package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"utm_sector/internal/model"
)

// memPersister is an in-memory Persister for store tests. failNext makes
// the next write fail so rollback paths can be exercised.
type memPersister struct {
	drones   map[string]model.DroneState
	tokens   map[string]string
	fences   map[string]model.Geofence
	plans    map[string]model.FlightPlan
	commands map[string]model.Command
	failNext bool
}

func newMemPersister() *memPersister {
	return &memPersister{
		drones:   make(map[string]model.DroneState),
		tokens:   make(map[string]string),
		fences:   make(map[string]model.Geofence),
		plans:    make(map[string]model.FlightPlan),
		commands: make(map[string]model.Command),
	}
}

func (m *memPersister) fail() error {
	if m.failNext {
		m.failNext = false
		return errors.New("backend down")
	}
	return nil
}

func (m *memPersister) UpsertDrone(s model.DroneState) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.drones[s.DroneID] = s
	return nil
}

func (m *memPersister) UpsertToken(droneID, token string) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.tokens[droneID] = token
	return nil
}

func (m *memPersister) UpsertGeofence(g model.Geofence) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.fences[g.ID] = g
	return nil
}

func (m *memPersister) DeleteGeofence(id string) error {
	if err := m.fail(); err != nil {
		return err
	}
	delete(m.fences, id)
	return nil
}

func (m *memPersister) UpsertFlightPlan(p model.FlightPlan) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.plans[p.FlightID] = p
	return nil
}

func (m *memPersister) UpsertCommand(c model.Command) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.commands[c.CommandID] = c
	return nil
}

func (m *memPersister) Load() (PersistedState, error) {
	var snap PersistedState
	for _, d := range m.drones {
		snap.Drones = append(snap.Drones, d)
	}
	snap.Tokens = m.tokens
	for _, g := range m.fences {
		snap.Geofences = append(snap.Geofences, g)
	}
	for _, p := range m.plans {
		snap.Plans = append(snap.Plans, p)
	}
	for _, c := range m.commands {
		snap.Commands = append(snap.Commands, c)
	}
	return snap, nil
}

func (m *memPersister) Reset() error {
	*m = *newMemPersister()
	return nil
}

func (m *memPersister) Ping() error  { return nil }
func (m *memPersister) Close() error { return nil }

func newTestWorld() (*World, *memPersister) {
	p := newMemPersister()
	return New(DefaultLimits(), p, nil, nil), p
}

func validTelemetry(droneID string) model.Telemetry {
	return model.Telemetry{
		DroneID:    droneID,
		Lat:        33.6846,
		Lon:        -117.8265,
		AltitudeM:  50,
		HeadingDeg: 90,
		SpeedMPS:   10,
		Timestamp:  time.Now().UTC(),
	}
}

func TestRegisterMintsID(t *testing.T) {
	w, p := newTestWorld()

	id, token, err := w.Register("", "op-1", 0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id != "DRONE0001" {
		t.Errorf("minted id = %q, want DRONE0001", id)
	}
	if token == "" {
		t.Error("expected a session token")
	}
	if p.tokens[id] != token {
		t.Error("token not persisted")
	}

	id2, _, _ := w.Register("", "", 0)
	if id2 != "DRONE0002" {
		t.Errorf("second minted id = %q, want DRONE0002", id2)
	}
}

func TestReRegisterRotatesToken(t *testing.T) {
	w, _ := newTestWorld()

	id, token1, _ := w.Register("DRONE0042", "op-1", 0)
	if err := w.IngestTelemetry(token1, validTelemetry(id)); err != nil {
		t.Fatalf("telemetry: %v", err)
	}

	id2, token2, err := w.Register("DRONE0042", "", 0)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if id2 != id {
		t.Errorf("re-register changed id: %q", id2)
	}
	if token2 == token1 {
		t.Error("re-register must rotate the token")
	}

	// State survives the rotation; the old token is dead.
	drone, _ := w.GetDrone(id)
	if drone.Status != model.StatusActive {
		t.Errorf("state lost on re-register: status %s", drone.Status)
	}
	if w.ValidateToken(id, token1) {
		t.Error("old token still valid after rotation")
	}
	if !w.ValidateToken(id, token2) {
		t.Error("new token not valid")
	}
}

func TestRegisterRollsBackOnPersistFailure(t *testing.T) {
	w, p := newTestWorld()
	p.failNext = true

	if _, _, err := w.Register("DRONE0001", "", 0); !errors.Is(err, model.ErrPersistenceFailure) {
		t.Fatalf("err = %v, want persistence failure", err)
	}
	if _, ok := w.GetDrone("DRONE0001"); ok {
		t.Error("failed registration left drone in memory")
	}
	if !w.Degraded() {
		t.Error("store should be degraded after persist failure")
	}
}

func TestTelemetryRejections(t *testing.T) {
	w, _ := newTestWorld()
	id, token, _ := w.Register("DRONE0001", "", 0)

	cases := []struct {
		name    string
		mutate  func(*model.Telemetry)
		token   string
		wantErr error
	}{
		{"altitude too low", func(t *model.Telemetry) { t.AltitudeM = 1 }, token, model.ErrAltitudeOutOfRange},
		{"altitude too high", func(t *model.Telemetry) { t.AltitudeM = 500 }, token, model.ErrAltitudeOutOfRange},
		{"too fast", func(t *model.Telemetry) { t.SpeedMPS = 80 }, token, model.ErrSpeedOutOfRange},
		{"stale", func(t *model.Telemetry) { t.Timestamp = time.Now().Add(-time.Minute) }, token, model.ErrTimestampStale},
		{"future", func(t *model.Telemetry) { t.Timestamp = time.Now().Add(time.Minute) }, token, model.ErrTimestampFuture},
		{"bad token", func(t *model.Telemetry) {}, "nope", model.ErrTokenMismatch},
	}

	for _, tc := range cases {
		tel := validTelemetry(id)
		tc.mutate(&tel)
		err := w.IngestTelemetry(tc.token, tel)
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.wantErr)
		}
	}

	// Unknown drone is its own reason.
	tel := validTelemetry("DRONE9999")
	if err := w.IngestTelemetry(token, tel); !errors.Is(err, model.ErrUnknownDrone) {
		t.Errorf("unknown drone: err = %v", err)
	}

	// Rejections leave the drone untouched.
	drone, _ := w.GetDrone(id)
	if drone.Status != model.StatusInactive {
		t.Errorf("rejected telemetry mutated state: status %s", drone.Status)
	}
}

func TestTelemetryActivatesAndOrders(t *testing.T) {
	w, _ := newTestWorld()
	id, token, _ := w.Register("DRONE0001", "", 0)

	first := validTelemetry(id)
	if err := w.IngestTelemetry(token, first); err != nil {
		t.Fatalf("first sample: %v", err)
	}
	drone, _ := w.GetDrone(id)
	if drone.Status != model.StatusActive {
		t.Errorf("status = %s, want active", drone.Status)
	}

	// An older timestamp is rejected, not reordered.
	older := validTelemetry(id)
	older.Timestamp = first.Timestamp.Add(-2 * time.Second)
	if err := w.IngestTelemetry(token, older); !errors.Is(err, model.ErrTimestampStale) {
		t.Errorf("out-of-order sample: err = %v, want stale", err)
	}
}

func TestTelemetryDerivesVelocity(t *testing.T) {
	w, _ := newTestWorld()
	id, token, _ := w.Register("DRONE0001", "", 0)

	first := validTelemetry(id)
	first.SpeedMPS = 0
	first.HeadingDeg = 0
	if err := w.IngestTelemetry(token, first); err != nil {
		t.Fatalf("first: %v", err)
	}

	// 2 seconds later, ~20m east: expect ~10 m/s eastward.
	second := first
	second.Timestamp = first.Timestamp.Add(2 * time.Second)
	second.Lon = first.Lon + 20.0/(111320.0*0.832)
	if err := w.IngestTelemetry(token, second); err != nil {
		t.Fatalf("second: %v", err)
	}

	drone, _ := w.GetDrone(id)
	if drone.Velocity.E < 8 || drone.Velocity.E > 12 {
		t.Errorf("derived eastward velocity = %.2f, want ~10", drone.Velocity.E)
	}
	if drone.SpeedMPS < 8 || drone.SpeedMPS > 12 {
		t.Errorf("derived speed = %.2f, want ~10", drone.SpeedMPS)
	}
}

func makeCommand(id, droneID string, kind model.CommandKind, ttl time.Duration) model.Command {
	now := time.Now().UTC()
	return model.Command{
		CommandID: id,
		DroneID:   droneID,
		Payload:   model.CommandPayload{Type: kind, DurationS: 30},
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		State:     model.CommandIssued,
	}
}

func TestCommandKindUniqueness(t *testing.T) {
	w, _ := newTestWorld()
	w.Register("DRONE0001", "", 0)

	if err := w.EnqueueCommand(makeCommand("C1", "DRONE0001", model.CommandHold, time.Minute)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := w.EnqueueCommand(makeCommand("C2", "DRONE0001", model.CommandHold, time.Minute))
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("duplicate kind: err = %v, want conflict", err)
	}
	// A different kind is fine.
	if err := w.EnqueueCommand(makeCommand("C3", "DRONE0001", model.CommandResume, time.Minute)); err != nil {
		t.Errorf("different kind: %v", err)
	}
}

func TestPopAckPopOrdering(t *testing.T) {
	w, _ := newTestWorld()
	id, _, _ := w.Register("DRONE0001", "", 0)

	w.EnqueueCommand(makeCommand("C1", id, model.CommandHold, time.Minute))
	w.EnqueueCommand(makeCommand("C2", id, model.CommandResume, time.Minute))

	first, ok := w.PopNextCommand(id)
	if !ok || first.CommandID != "C1" {
		t.Fatalf("first pop = %+v, want C1", first)
	}
	if first.State != model.CommandDelivered {
		t.Errorf("pop did not mark delivered: %s", first.State)
	}

	// Pop is idempotent until ack.
	again, _ := w.PopNextCommand(id)
	if again.CommandID != "C1" {
		t.Errorf("re-pop = %s, want C1", again.CommandID)
	}

	if _, err := w.AckCommand("C1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	next, ok := w.PopNextCommand(id)
	if !ok || next.CommandID != "C2" {
		t.Errorf("pop after ack = %+v, want C2", next)
	}

	// Acked commands never come back and never mutate again.
	if _, err := w.AckCommand("C1"); !errors.Is(err, model.ErrConflict) {
		t.Errorf("double ack: err = %v, want conflict", err)
	}
}

func TestAckAppliesDroneTransitions(t *testing.T) {
	w, _ := newTestWorld()
	id, token, _ := w.Register("DRONE0001", "", 0)
	w.IngestTelemetry(token, validTelemetry(id))

	wps := []model.Waypoint{
		{Lat: 33.6846, Lon: -117.8265, AltitudeM: 50},
		{Lat: 33.6850, Lon: -117.8260, AltitudeM: 50},
		{Lat: 33.6855, Lon: -117.8255, AltitudeM: 50},
	}
	cmd := makeCommand("C1", id, model.CommandReroute, time.Minute)
	cmd.Payload.Waypoints = wps
	w.EnqueueCommand(cmd)

	if _, err := w.AckCommand("C1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	drone, _ := w.GetDrone(id)
	if drone.Status != model.StatusRerouting {
		t.Errorf("status = %s, want rerouting", drone.Status)
	}
	if len(drone.AssignedWaypoints) != 3 {
		t.Fatalf("assigned waypoints = %d, want 3", len(drone.AssignedWaypoints))
	}
	for i := range wps {
		if drone.AssignedWaypoints[i] != wps[i] {
			t.Errorf("waypoint %d mismatch", i)
		}
	}

	// Resume returns to Active and clears the assignment.
	w.EnqueueCommand(makeCommand("C2", id, model.CommandResume, time.Minute))
	w.AckCommand("C2")
	drone, _ = w.GetDrone(id)
	if drone.Status != model.StatusActive || drone.AssignedWaypoints != nil {
		t.Errorf("resume: status %s, waypoints %v", drone.Status, drone.AssignedWaypoints)
	}

	// Land is terminal.
	w.EnqueueCommand(makeCommand("C3", id, model.CommandLand, time.Minute))
	w.AckCommand("C3")
	drone, _ = w.GetDrone(id)
	if drone.Status != model.StatusLanded {
		t.Errorf("land: status %s", drone.Status)
	}
}

func TestExpireRevertsRerouting(t *testing.T) {
	w, _ := newTestWorld()
	id, token, _ := w.Register("DRONE0001", "", 0)
	w.IngestTelemetry(token, validTelemetry(id))

	reroute := makeCommand("C1", id, model.CommandReroute, time.Minute)
	reroute.Payload.Waypoints = []model.Waypoint{{}, {}}
	w.EnqueueCommand(reroute)
	w.AckCommand("C1")

	// A second directive expires unacknowledged.
	short := makeCommand("C2", id, model.CommandHold, 10*time.Millisecond)
	w.EnqueueCommand(short)
	w.PopNextCommand(id)

	expired := w.ExpireCommands(time.Now().Add(time.Second))
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
	drone, _ := w.GetDrone(id)
	if drone.Status != model.StatusActive {
		t.Errorf("status after expiry = %s, want active (reverted from rerouting)", drone.Status)
	}
}

func TestCommandInvariantExpiryOrAck(t *testing.T) {
	// Invariant 1: every stored command is acked, unexpired, or expired.
	w, _ := newTestWorld()
	id, _, _ := w.Register("DRONE0001", "", 0)

	for i := 0; i < 5; i++ {
		kind := []model.CommandKind{
			model.CommandHold, model.CommandResume, model.CommandReroute,
			model.CommandAltitudeChange, model.CommandLand,
		}[i]
		ttl := time.Duration(i+1) * 10 * time.Millisecond
		cmd := makeCommand(fmt.Sprintf("C%d", i), id, kind, ttl)
		if kind == model.CommandReroute {
			cmd.Payload.Waypoints = []model.Waypoint{{}, {}}
		}
		w.EnqueueCommand(cmd)
	}
	w.AckCommand("C0")

	now := time.Now().Add(time.Second)
	w.ExpireCommands(now)

	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()
	for _, cmd := range w.commands {
		if cmd.Acknowledged || cmd.State == model.CommandExpired || cmd.ExpiresAt.After(now) {
			continue
		}
		t.Errorf("command %s violates lifecycle invariant: %+v", cmd.CommandID, cmd)
	}
}

func TestSweepTimeoutsLostThenLand(t *testing.T) {
	w, _ := newTestWorld()
	id, token, _ := w.Register("DRONE0001", "", 0)

	tel := validTelemetry(id)
	w.IngestTelemetry(token, tel)

	// First window: Lost + Hold failsafe.
	later := time.Now().Add(11 * time.Second)
	actions := w.SweepTimeouts(later)
	if len(actions) != 1 || actions[0].Escalate {
		t.Fatalf("first sweep actions = %+v, want one Hold failsafe", actions)
	}
	drone, _ := w.GetDrone(id)
	if drone.Status != model.StatusLost {
		t.Errorf("status = %s, want lost", drone.Status)
	}

	// Second sweep inside the same window: nothing new.
	if actions := w.SweepTimeouts(later.Add(time.Second)); len(actions) != 0 {
		t.Errorf("repeat sweep issued %+v", actions)
	}

	// A full window later: escalate to Land.
	actions = w.SweepTimeouts(later.Add(11 * time.Second))
	if len(actions) != 1 || !actions[0].Escalate {
		t.Fatalf("second sweep actions = %+v, want one Land escalation", actions)
	}
}

func TestGeofenceUpsertIdempotent(t *testing.T) {
	w, _ := newTestWorld()

	g := model.Geofence{
		ID: "GF1", Name: "test", Type: model.GeofenceNoFly,
		Vertices:       [][2]float64{{33.68, -117.83}, {33.68, -117.82}, {33.69, -117.82}, {33.68, -117.83}},
		LowerAltitudeM: 0, UpperAltitudeM: 120, Active: true,
	}
	if err := w.UpsertGeofence(g); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	stored, _ := w.GetGeofence("GF1")
	firstUpdated := stored.UpdatedAt

	// Identical payload: no-op, updated_at untouched.
	if err := w.UpsertGeofence(g); err != nil {
		t.Fatalf("idempotent upsert: %v", err)
	}
	stored, _ = w.GetGeofence("GF1")
	if !stored.UpdatedAt.Equal(firstUpdated) {
		t.Error("identical upsert changed updated_at")
	}

	// A real change bumps it.
	g.Name = "renamed"
	time.Sleep(2 * time.Millisecond)
	if err := w.UpsertGeofence(g); err != nil {
		t.Fatalf("changed upsert: %v", err)
	}
	stored, _ = w.GetGeofence("GF1")
	if stored.UpdatedAt.Equal(firstUpdated) {
		t.Error("changed upsert did not bump updated_at")
	}
}

func TestAdminReset(t *testing.T) {
	w, p := newTestWorld()
	id, _, _ := w.Register("DRONE0001", "", 0)
	w.EnqueueCommand(makeCommand("C1", id, model.CommandHold, time.Minute))

	if err := w.AdminReset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(w.ListDrones()) != 0 || len(w.AllPendingCommands()) != 0 {
		t.Error("reset left state behind")
	}
	if len(p.drones) != 0 {
		t.Error("reset left durable state behind")
	}

	// Counter restarts.
	id2, _, _ := w.Register("", "", 0)
	if id2 != "DRONE0001" {
		t.Errorf("post-reset minted id = %q, want DRONE0001", id2)
	}
}

func TestLoadExpiresUnknownCommandKinds(t *testing.T) {
	w, p := newTestWorld()
	id, _, _ := w.Register("DRONE0001", "", 0)

	good := makeCommand("C1", id, model.CommandHold, time.Minute)
	p.commands["C1"] = good
	unknown := makeCommand("C2", id, model.CommandKind("teleport"), time.Minute)
	p.commands["C2"] = unknown

	if err := w.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	pending := w.PendingCommands(id)
	if len(pending) != 1 || pending[0].CommandID != "C1" {
		t.Errorf("pending after load = %+v, want only C1", pending)
	}
}
