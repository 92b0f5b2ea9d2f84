package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"utm_sector/internal/geofence"
	"utm_sector/internal/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports degraded persistence as unhealthy so orchestrators
// stop routing to this instance.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.world.Degraded() {
		writeError(w, http.StatusServiceUnavailable, codePersistenceFailure, "persistence degraded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type registerRequest struct {
	DroneID  string `json:"drone_id,omitempty"`
	OwnerID  string `json:"owner_id,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

type registerResponse struct {
	DroneID      string `json:"drone_id"`
	SessionToken string `json:"session_token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RegistrationToken != "" {
		provided := r.Header.Get("X-Registration-Token")
		if provided == "" {
			provided = bearerToken(r)
		}
		if provided != s.cfg.RegistrationToken {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "registration token required")
			return
		}
	}

	var req registerRequest
	if r.Body != nil {
		// An empty body registers an anonymous drone.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	droneID, token, err := s.world.Register(req.DroneID, req.OwnerID, req.Priority)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{DroneID: droneID, SessionToken: token})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "session token required")
		return
	}

	var t model.Telemetry
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON: "+err.Error())
		return
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	if err := s.world.IngestTelemetry(token, t); err != nil {
		writeTelemetryError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

// writeTelemetryError surfaces the specific rejection reason as the code.
func writeTelemetryError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, model.ErrUnknownDrone):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrTokenMismatch):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrPersistenceFailure):
		writeStoreError(w, err)
		return
	}
	writeError(w, status, err.Error(), "telemetry rejected: "+err.Error())
}

func (s *Server) handleListDrones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.world.ListDrones())
}

func (s *Server) handleGetDrone(w http.ResponseWriter, r *http.Request) {
	drone, ok := s.world.GetDrone(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "drone not found")
		return
	}
	writeJSON(w, http.StatusOK, drone)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := s.world.ListConflicts()
	if conflicts == nil {
		conflicts = []model.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type submitPlanRequest struct {
	DroneID       string                  `json:"drone_id"`
	OwnerID       string                  `json:"owner_id,omitempty"`
	Origin        *model.Waypoint         `json:"origin,omitempty"`
	Destination   *model.Waypoint         `json:"destination,omitempty"`
	Waypoints     []model.Waypoint        `json:"waypoints"`
	TrajectoryLog []model.TrajectoryPoint `json:"trajectory_log,omitempty"`
	Metadata      map[string]string       `json:"metadata,omitempty"`
	StartTime     *time.Time              `json:"start_time,omitempty"`
}

type submitPlanResponse struct {
	Plan       model.FlightPlan     `json:"plan"`
	Violations []geofence.Violation `json:"violations,omitempty"`
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req submitPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON: "+err.Error())
		return
	}
	if req.DroneID == "" || len(req.Waypoints) < 2 {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "drone_id and at least 2 waypoints are required")
		return
	}
	if _, ok := s.world.GetDrone(req.DroneID); !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "drone not registered")
		return
	}

	now := time.Now().UTC()
	violations := geofence.CheckRoute(s.world.ListGeofences(), req.Waypoints, now)
	status := model.FlightPending
	for _, v := range violations {
		if v.Fatal {
			status = model.FlightRejected
			break
		}
	}

	origin := req.Waypoints[0]
	if req.Origin != nil {
		origin = *req.Origin
	}
	destination := req.Waypoints[len(req.Waypoints)-1]
	if req.Destination != nil {
		destination = *req.Destination
	}
	start := now
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}

	plan := model.FlightPlan{
		FlightID:      fmt.Sprintf("FLT-%s", uuid.NewString()[:8]),
		DroneID:       req.DroneID,
		OwnerID:       req.OwnerID,
		Origin:        origin,
		Destination:   destination,
		Waypoints:     req.Waypoints,
		TrajectoryLog: req.TrajectoryLog,
		Metadata:      req.Metadata,
		Status:        status,
		StartTime:     start,
		CreatedAt:     now,
	}
	if err := s.world.SubmitFlightPlan(plan); err != nil {
		writeStoreError(w, err)
		return
	}

	code := http.StatusCreated
	if status == model.FlightRejected {
		code = http.StatusConflict
	}
	writeJSON(w, code, submitPlanResponse{Plan: plan, Violations: violations})
}

func (s *Server) handleListFlights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.world.ListFlightPlans())
}

type planStatusRequest struct {
	Status model.FlightStatus `json:"status"`
}

func (s *Server) handleSetPlanStatus(w http.ResponseWriter, r *http.Request) {
	var req planStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON: "+err.Error())
		return
	}
	switch req.Status {
	case model.FlightPending, model.FlightApproved, model.FlightRejected,
		model.FlightActive, model.FlightCompleted, model.FlightCancelled:
	default:
		writeError(w, http.StatusBadRequest, codeInvalidInput, "unknown flight status")
		return
	}
	if err := s.world.SetPlanStatus(chi.URLParam(r, "id"), req.Status); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

func (s *Server) handleListGeofences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.world.ListGeofences())
}

func (s *Server) handleUpsertGeofence(w http.ResponseWriter, r *http.Request) {
	var g model.Geofence
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON: "+err.Error())
		return
	}
	if g.ID == "" {
		g.ID = fmt.Sprintf("GF-%s", uuid.NewString()[:8])
	}
	geofence.Normalize(&g)
	if errs := geofence.Validate(&g); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"code":    codeInvalidInput,
			"message": "geofence validation failed",
			"errors":  errs,
		})
		return
	}
	if err := s.world.UpsertGeofence(g); err != nil {
		writeStoreError(w, err)
		return
	}
	stored, _ := s.world.GetGeofence(g.ID)
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetGeofence(w http.ResponseWriter, r *http.Request) {
	g, ok := s.world.GetGeofence(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "geofence not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGeofence(w http.ResponseWriter, r *http.Request) {
	if err := s.world.DeleteGeofence(chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type checkRouteRequest struct {
	Waypoints []model.Waypoint `json:"waypoints"`
}

func (s *Server) handleCheckRoute(w http.ResponseWriter, r *http.Request) {
	var req checkRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Waypoints) < 2 {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "at least 2 waypoints are required")
		return
	}
	violations := geofence.CheckRoute(s.world.ListGeofences(), req.Waypoints, time.Now().UTC())
	if violations == nil {
		violations = []geofence.Violation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"violations": violations})
}

type issueCommandRequest struct {
	DroneID    string               `json:"drone_id"`
	OwnerID    string               `json:"owner_id,omitempty"`
	Payload    model.CommandPayload `json:"payload"`
	ExpiresInS int                  `json:"expires_in_s,omitempty"`
}

func (s *Server) handleIssueCommand(w http.ResponseWriter, r *http.Request) {
	var req issueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON: "+err.Error())
		return
	}
	drone, ok := s.world.GetDrone(req.DroneID)
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "drone not found")
		return
	}
	if drone.OwnerID != "" && req.OwnerID != drone.OwnerID {
		writeError(w, http.StatusForbidden, codeUnauthorized, "owner mismatch")
		return
	}
	if !req.Payload.Known() {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "unknown command type")
		return
	}

	now := time.Now().UTC()
	ttl := req.ExpiresInS
	if ttl <= 0 {
		ttl = s.world.Limits().CommandTTLS
	}
	cmd := model.Command{
		CommandID: fmt.Sprintf("CMD-%s", uuid.NewString()[:8]),
		DroneID:   req.DroneID,
		Payload:   req.Payload,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(ttl) * time.Second),
		State:     model.CommandIssued,
	}
	if err := s.world.EnqueueCommand(cmd); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"command_id": cmd.CommandID,
		"drone_id":   cmd.DroneID,
		"status":     "queued",
	})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	commands := s.world.AllPendingCommands()
	if commands == nil {
		commands = []model.Command{}
	}
	writeJSON(w, http.StatusOK, commands)
}

func (s *Server) handleNextCommand(w http.ResponseWriter, r *http.Request) {
	droneID := r.URL.Query().Get("drone_id")
	if droneID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "drone_id is required")
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "session token required")
		return
	}
	if !s.world.ValidateToken(droneID, token) {
		writeError(w, http.StatusForbidden, codeUnauthorized, "token mismatch")
		return
	}

	cmd, ok := s.world.PopNextCommand(droneID)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

type ackCommandRequest struct {
	CommandID string `json:"command_id"`
}

func (s *Server) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "session token required")
		return
	}
	droneID, ok := s.world.DroneIDForToken(token)
	if !ok {
		writeError(w, http.StatusForbidden, codeUnauthorized, "unknown session token")
		return
	}

	var req ackCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON: "+err.Error())
		return
	}
	if owner, ok := s.world.CommandDroneID(req.CommandID); ok && owner != droneID {
		writeError(w, http.StatusForbidden, codeUnauthorized, "command belongs to another drone")
		return
	}

	cmd, err := s.world.AckCommand(req.CommandID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "acknowledged",
		"command_id": cmd.CommandID,
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.world.Limits())
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowAdminReset {
		writeError(w, http.StatusForbidden, codeUnauthorized, "admin reset disabled")
		return
	}
	if !s.requireAdmin(r) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "admin token required")
		return
	}
	if err := s.world.AdminReset(); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
