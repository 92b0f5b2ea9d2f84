// Package api exposes the world model over the versioned /v1 HTTP surface
// and the WebSocket streams.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"utm_sector/internal/events"
	"utm_sector/internal/model"
	"utm_sector/internal/store"
)

// Config holds the HTTP server settings.
type Config struct {
	Port int
	// AdminToken protects admin endpoints; compared in constant time.
	AdminToken string
	// RegistrationToken, when set, is required on drone registration.
	RegistrationToken string
	// RateLimitRPS caps per-source registration/telemetry requests per
	// second. Zero disables limiting.
	RateLimitRPS int
	// TrustProxy honours X-Forwarded-For for rate limiting.
	TrustProxy bool
	// AllowAdminReset enables POST /v1/admin/reset.
	AllowAdminReset bool
}

// Server serves the HTTP and WebSocket API.
type Server struct {
	world   *store.World
	bus     *events.Bus
	cfg     Config
	limiter *rateLimiter
}

// NewServer wires the API to the world store and event bus.
func NewServer(world *store.World, bus *events.Bus, cfg Config) *Server {
	return &Server{
		world:   world,
		bus:     bus,
		cfg:     cfg,
		limiter: newRateLimiter(cfg.RateLimitRPS, cfg.TrustProxy),
	}
}

// Router builds the chi router with the full /v1 surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/v1", func(r chi.Router) {
		r.With(s.rateLimit).Post("/drones/register", s.handleRegister)
		r.With(s.rateLimit).Post("/telemetry", s.handleTelemetry)

		r.Get("/drones", s.handleListDrones)
		r.Get("/drones/{id}", s.handleGetDrone)
		r.Get("/conflicts", s.handleListConflicts)

		r.Get("/flights", s.handleListFlights)
		r.Post("/flights/plan", s.handleSubmitPlan)
		r.Post("/flights/{id}/status", s.handleSetPlanStatus)

		r.Get("/geofences", s.handleListGeofences)
		r.Post("/geofences", s.handleUpsertGeofence)
		r.Get("/geofences/{id}", s.handleGetGeofence)
		r.Delete("/geofences/{id}", s.handleDeleteGeofence)
		r.Post("/geofences/check-route", s.handleCheckRoute)

		r.Get("/commands", s.handleListCommands)
		r.Post("/commands", s.handleIssueCommand)
		r.Get("/commands/next", s.handleNextCommand)
		r.Post("/commands/ack", s.handleAckCommand)

		r.Get("/compliance/limits", s.handleLimits)

		r.Post("/admin/reset", s.handleAdminReset)

		r.Get("/ws", s.handleWorldWS)
		r.Get("/commands/ws", s.handleCommandWS)
	})

	return r
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := ":" + strconv.Itoa(s.cfg.Port)
	log.Printf("api: listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

// corsMiddleware allows browser dashboards to call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Registration-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the Authorization bearer credential.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// requireAdmin validates the admin token in constant time.
func (s *Server) requireAdmin(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return false
	}
	token := bearerToken(r)
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1
}

// Stable error codes for HTTP responses.
const (
	codeInvalidInput        = "invalid_input"
	codeNotFound            = "not_found"
	codeUnauthorized        = "unauthorized"
	codeRateLimited         = "rate_limited"
	codeConflict            = "conflict"
	codePersistenceFailure  = "persistence_failure"
	codeExternalUnavailable = "external_unavailable"
	codeInternal            = "internal"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// writeStoreError maps store error kinds to HTTP statuses with stable codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, model.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, codeUnauthorized, err.Error())
	case errors.Is(err, model.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, codeRateLimited, err.Error())
	case errors.Is(err, model.ErrConflict):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, model.ErrPersistenceFailure):
		writeError(w, http.StatusServiceUnavailable, codePersistenceFailure, err.Error())
	case errors.Is(err, model.ErrExternalUnavailable):
		writeError(w, http.StatusBadGateway, codeExternalUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}
