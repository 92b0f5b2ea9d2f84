// Package store holds the authoritative in-memory world model: drones,
// session tokens, geofences, flight plans, commands and the current
// conflict set. Mutations write through to the configured persister; a
// failed first write rolls the mutation back and marks the store degraded
// until a background probe sees the backend healthy again.
package store

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"utm_sector/internal/model"
)

// Limits are the operational thresholds enforced by the core and exposed at
// /v1/compliance/limits so clients display the authoritative values.
type Limits struct {
	MinHorizontalSepM   float64 `json:"min_horizontal_sep_m"`
	MinVerticalSepM     float64 `json:"min_vertical_sep_m"`
	LookaheadS          float64 `json:"lookahead_s"`
	ConflictTickMS      int     `json:"conflict_tick_ms"`
	DroneTimeoutS       int     `json:"drone_timeout_s"`
	MinAltitudeM        float64 `json:"min_altitude_m"`
	MaxAltitudeM        float64 `json:"max_altitude_m"`
	MaxSpeedMPS         float64 `json:"max_speed_mps"`
	TelemetryMaxAgeS    int     `json:"telemetry_max_age_s"`
	TelemetryMaxFutureS int     `json:"telemetry_max_future_s"`
	CommandCooldownS    int     `json:"command_cooldown_s"`
	CommandAckTimeoutS  int     `json:"command_ack_timeout_s"`
	CommandTTLS         int     `json:"command_ttl_s"`
	MaxExternalTracks   int     `json:"max_external_tracks"`
}

// DefaultLimits returns the stock sector thresholds.
func DefaultLimits() Limits {
	return Limits{
		MinHorizontalSepM:   50,
		MinVerticalSepM:     30,
		LookaheadS:          20,
		ConflictTickMS:      250,
		DroneTimeoutS:       10,
		MinAltitudeM:        10,
		MaxAltitudeM:        121,
		MaxSpeedMPS:         30,
		TelemetryMaxAgeS:    10,
		TelemetryMaxFutureS: 5,
		CommandCooldownS:    5,
		CommandAckTimeoutS:  30,
		CommandTTLS:         60,
		MaxExternalTracks:   500,
	}
}

// PersistedState is everything the persister reloads at startup.
type PersistedState struct {
	Drones    []model.DroneState
	Tokens    map[string]string
	Geofences []model.Geofence
	Plans     []model.FlightPlan
	Commands  []model.Command
}

// Persister is the write-through durable backend. Implementations live in
// internal/persist (SQLite and Postgres).
type Persister interface {
	UpsertDrone(state model.DroneState) error
	UpsertToken(droneID, token string) error
	UpsertGeofence(g model.Geofence) error
	DeleteGeofence(id string) error
	UpsertFlightPlan(p model.FlightPlan) error
	UpsertCommand(c model.Command) error
	Load() (PersistedState, error)
	Reset() error
	Ping() error
	Close() error
}

// Archiver receives high-volume samples for long-term analytics storage.
// Failures are logged, never surfaced: the archive is advisory.
type Archiver interface {
	ArchiveTelemetry(state model.DroneState)
	ArchiveConflicts(conflicts []model.Conflict)
}

// EventSink receives world-model change notifications.
type EventSink interface {
	PublishDrone(state model.DroneState)
	PublishConflicts(conflicts []model.Conflict)
	PublishCommand(cmd model.Command)
}

type droneEntry struct {
	mu    sync.Mutex
	state model.DroneState
	// lastTelemetry orders samples per session; older timestamps reject.
	lastTelemetry time.Time
	// lostAt drives the Lost -> Land escalation.
	lostAt time.Time
	// holdIssued / landIssued dedupe the failsafe commands.
	holdIssued bool
	landIssued bool
}

// World is the process-wide state container.
type World struct {
	limits Limits

	persister Persister
	archiver  Archiver
	events    EventSink

	dronesMu sync.RWMutex
	drones   map[string]*droneEntry

	tokensMu sync.RWMutex
	tokens   map[string]string

	fencesMu sync.RWMutex
	fences   map[string]*model.Geofence

	plansMu sync.RWMutex
	plans   map[string]*model.FlightPlan

	cmdMu    sync.Mutex
	commands map[string]*model.Command
	queues   map[string][]string
	lastAck  map[string]time.Time

	tracksMu sync.RWMutex
	tracks   map[string]*model.ExternalTrack

	conflictsMu sync.RWMutex
	conflicts   []model.Conflict

	droneCounter uint32
	degraded     atomic.Bool
}

// New creates a world store. persister is required; archiver and events may
// be nil.
func New(limits Limits, persister Persister, archiver Archiver, events EventSink) *World {
	return &World{
		limits:    limits,
		persister: persister,
		archiver:  archiver,
		events:    events,
		drones:    make(map[string]*droneEntry),
		tokens:    make(map[string]string),
		fences:    make(map[string]*model.Geofence),
		plans:     make(map[string]*model.FlightPlan),
		commands:  make(map[string]*model.Command),
		queues:    make(map[string][]string),
		lastAck:   make(map[string]time.Time),
		tracks:    make(map[string]*model.ExternalTrack),
	}
}

// Limits returns the configured thresholds.
func (w *World) Limits() Limits {
	return w.limits
}

// Degraded reports whether the durable backend is failing; health endpoints
// report unhealthy while set.
func (w *World) Degraded() bool {
	return w.degraded.Load()
}

// persistFailed records a write-through failure. The caller rolls back its
// in-memory mutation; the probe loop clears the flag once the backend
// recovers.
func (w *World) persistFailed(op string, err error) error {
	w.degraded.Store(true)
	log.Printf("store: persist %s failed: %v", op, err)
	return fmt.Errorf("%s: %w", op, model.ErrPersistenceFailure)
}

// ProbePersister retries the backend with exponential backoff until it
// responds, then clears the degraded flag. Run from a background goroutine.
func (w *World) ProbePersister(stop <-chan struct{}) {
	backoff := time.Second
	const maxBackoff = time.Minute
	for {
		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}
		if !w.degraded.Load() {
			backoff = time.Second
			continue
		}
		if err := w.persister.Ping(); err != nil {
			log.Printf("store: persistence still degraded: %v", err)
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		log.Printf("store: persistence recovered")
		w.degraded.Store(false)
		backoff = time.Second
	}
}

// Load replaces in-memory state with the persisted snapshot. Pending
// commands with an unknown payload discriminator expire immediately rather
// than aborting startup.
func (w *World) Load() error {
	snap, err := w.persister.Load()
	if err != nil {
		return fmt.Errorf("load persisted state: %w", err)
	}

	w.dronesMu.Lock()
	w.drones = make(map[string]*droneEntry, len(snap.Drones))
	maxSuffix := uint32(0)
	for _, d := range snap.Drones {
		w.drones[d.DroneID] = &droneEntry{state: d, lastTelemetry: d.LastUpdate}
		if n, ok := droneNumericSuffix(d.DroneID); ok && n > maxSuffix {
			maxSuffix = n
		}
	}
	w.dronesMu.Unlock()
	atomic.StoreUint32(&w.droneCounter, maxSuffix)

	w.tokensMu.Lock()
	w.tokens = make(map[string]string, len(snap.Tokens))
	for id, tok := range snap.Tokens {
		w.tokens[id] = tok
	}
	w.tokensMu.Unlock()

	w.fencesMu.Lock()
	w.fences = make(map[string]*model.Geofence, len(snap.Geofences))
	for i := range snap.Geofences {
		g := snap.Geofences[i]
		w.fences[g.ID] = &g
	}
	w.fencesMu.Unlock()

	w.plansMu.Lock()
	w.plans = make(map[string]*model.FlightPlan, len(snap.Plans))
	for i := range snap.Plans {
		p := snap.Plans[i]
		w.plans[p.FlightID] = &p
	}
	w.plansMu.Unlock()

	w.cmdMu.Lock()
	w.commands = make(map[string]*model.Command, len(snap.Commands))
	w.queues = make(map[string][]string)
	for i := range snap.Commands {
		c := snap.Commands[i]
		if !c.Payload.Known() && !c.Terminal() {
			log.Printf("store: expiring persisted command %s with unknown payload type %q", c.CommandID, c.Payload.Type)
			c.State = model.CommandExpired
		}
		w.commands[c.CommandID] = &c
		if !c.Terminal() {
			w.queues[c.DroneID] = append(w.queues[c.DroneID], c.CommandID)
		}
	}
	w.cmdMu.Unlock()

	return nil
}

// AdminReset clears every entity, durable state included.
func (w *World) AdminReset() error {
	if err := w.persister.Reset(); err != nil {
		return w.persistFailed("admin reset", err)
	}

	w.dronesMu.Lock()
	w.drones = make(map[string]*droneEntry)
	w.dronesMu.Unlock()
	atomic.StoreUint32(&w.droneCounter, 0)

	w.tokensMu.Lock()
	w.tokens = make(map[string]string)
	w.tokensMu.Unlock()

	w.fencesMu.Lock()
	w.fences = make(map[string]*model.Geofence)
	w.fencesMu.Unlock()

	w.plansMu.Lock()
	w.plans = make(map[string]*model.FlightPlan)
	w.plansMu.Unlock()

	w.cmdMu.Lock()
	w.commands = make(map[string]*model.Command)
	w.queues = make(map[string][]string)
	w.lastAck = make(map[string]time.Time)
	w.cmdMu.Unlock()

	w.tracksMu.Lock()
	w.tracks = make(map[string]*model.ExternalTrack)
	w.tracksMu.Unlock()

	w.conflictsMu.Lock()
	w.conflicts = nil
	w.conflictsMu.Unlock()

	log.Printf("store: world state reset")
	return nil
}

// newSessionToken mints an opaque random credential.
func newSessionToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for credential minting.
		panic(fmt.Sprintf("store: session token entropy: %v", err))
	}
	return hex.EncodeToString(buf)
}

// tokenEqual compares credentials in constant time.
func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// droneNumericSuffix parses ids of the DRONE#### shape for counter seeding.
func droneNumericSuffix(droneID string) (uint32, bool) {
	upper := strings.ToUpper(strings.TrimSpace(droneID))
	rest := strings.TrimPrefix(upper, "DRONE")
	if rest == upper {
		return 0, false
	}
	rest = strings.TrimLeft(rest, "-_")
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func ackKey(droneID string, kind model.CommandKind) string {
	return droneID + "/" + string(kind)
}
