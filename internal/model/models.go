// Package model defines the entities shared across the UTM core: drones,
// telemetry, geofences, flight plans, commands and conflicts.
package model

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// DroneStatus tracks the operational state of a registered drone.
type DroneStatus string

const (
	StatusInactive  DroneStatus = "inactive"
	StatusActive    DroneStatus = "active"
	StatusHolding   DroneStatus = "holding"
	StatusRerouting DroneStatus = "rerouting"
	StatusLost      DroneStatus = "lost"
	StatusLanded    DroneStatus = "landed"
)

// Airborne reports whether the status participates in conflict detection.
func (s DroneStatus) Airborne() bool {
	return s == StatusActive || s == StatusHolding || s == StatusRerouting
}

// Velocity is an East-North-Up velocity vector in m/s.
type Velocity struct {
	E float64 `json:"e"`
	N float64 `json:"n"`
	U float64 `json:"u"`
}

// DroneState is the current known state of a registered drone.
type DroneState struct {
	DroneID           string      `json:"drone_id"`
	OwnerID           string      `json:"owner_id,omitempty"`
	Lat               float64     `json:"lat"`
	Lon               float64     `json:"lon"`
	AltitudeM         float64     `json:"altitude_m"`
	Velocity          Velocity    `json:"velocity"`
	SpeedMPS          float64     `json:"speed_mps"`
	HeadingDeg        float64     `json:"heading_deg"`
	Status            DroneStatus `json:"status"`
	LastUpdate        time.Time   `json:"last_update"`
	Priority          int         `json:"priority,omitempty"`
	AssignedWaypoints []Waypoint  `json:"assigned_waypoints,omitempty"`
}

// Telemetry is a transient position report from a drone. Velocity is
// optional; when absent the store derives it from the previous sample.
type Telemetry struct {
	DroneID    string    `json:"drone_id"`
	OwnerID    string    `json:"owner_id,omitempty"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AltitudeM  float64   `json:"altitude_m"`
	Velocity   *Velocity `json:"velocity,omitempty"`
	HeadingDeg float64   `json:"heading_deg"`
	SpeedMPS   float64   `json:"speed_mps"`
	Timestamp  time.Time `json:"timestamp"`
}

// Waypoint is a geodetic route point.
type Waypoint struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AltitudeM float64 `json:"altitude_m"`
	SpeedMPS  float64 `json:"speed_mps,omitempty"`
}

// TrajectoryPoint is a time-stamped 4D sample attached to a flight plan.
type TrajectoryPoint struct {
	Lat         float64  `json:"lat"`
	Lon         float64  `json:"lon"`
	AltitudeM   float64  `json:"altitude_m"`
	TimeOffsetS *float64 `json:"time_offset_s,omitempty"`
}

// GeofenceType classifies a geofence volume.
type GeofenceType string

const (
	GeofenceAdvisory   GeofenceType = "advisory"
	GeofenceNoFly      GeofenceType = "no_fly"
	GeofenceRestricted GeofenceType = "restricted"
)

// Geofence is a polygonal volume with an altitude floor and ceiling.
// Vertices are [lat, lon] pairs forming a closed simple polygon; input
// polygons are auto-closed on upsert.
type Geofence struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Type           GeofenceType `json:"type"`
	Vertices       [][2]float64 `json:"vertices"`
	LowerAltitudeM float64      `json:"lower_altitude_m"`
	UpperAltitudeM float64      `json:"upper_altitude_m"`
	Active         bool         `json:"active"`
	EffectiveFrom  *time.Time   `json:"effective_from,omitempty"`
	EffectiveTo    *time.Time   `json:"effective_to,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ActiveAt reports whether the geofence is enforced at the given instant.
func (g *Geofence) ActiveAt(now time.Time) bool {
	if !g.Active {
		return false
	}
	if g.EffectiveFrom != nil && now.Before(*g.EffectiveFrom) {
		return false
	}
	if g.EffectiveTo != nil && now.After(*g.EffectiveTo) {
		return false
	}
	return true
}

// Fingerprint hashes the fields that define the geofence volume. Identical
// payloads upsert as no-ops and external sync dedups on this value.
func (g *Geofence) Fingerprint() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%.1f|%.1f|%t", g.ID, g.Name, g.Type, g.LowerAltitudeM, g.UpperAltitudeM, g.Active)
	for _, v := range g.Vertices {
		fmt.Fprintf(h, "|%.7f,%.7f", v[0], v[1])
	}
	if g.EffectiveFrom != nil {
		fmt.Fprintf(h, "|from=%d", g.EffectiveFrom.Unix())
	}
	if g.EffectiveTo != nil {
		fmt.Fprintf(h, "|to=%d", g.EffectiveTo.Unix())
	}
	return h.Sum64()
}

// FlightStatus tracks a flight plan through its lifecycle.
type FlightStatus string

const (
	FlightPending   FlightStatus = "pending"
	FlightApproved  FlightStatus = "approved"
	FlightRejected  FlightStatus = "rejected"
	FlightActive    FlightStatus = "active"
	FlightCompleted FlightStatus = "completed"
	FlightCancelled FlightStatus = "cancelled"
)

// FlightPlan is a submitted flight with its route and opaque metadata.
type FlightPlan struct {
	FlightID      string            `json:"flight_id"`
	DroneID       string            `json:"drone_id"`
	OwnerID       string            `json:"owner_id,omitempty"`
	Origin        Waypoint          `json:"origin"`
	Destination   Waypoint          `json:"destination"`
	Waypoints     []Waypoint        `json:"waypoints"`
	TrajectoryLog []TrajectoryPoint `json:"trajectory_log,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        FlightStatus      `json:"status"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// CommandKind is the discriminator for command payloads.
type CommandKind string

const (
	CommandReroute        CommandKind = "reroute"
	CommandHold           CommandKind = "hold"
	CommandResume         CommandKind = "resume"
	CommandAltitudeChange CommandKind = "altitude_change"
	CommandLand           CommandKind = "land"
)

// CommandPayload is the tagged command variant. Persistence stores it as a
// single JSON column keyed by Type; unknown discriminators loaded from disk
// expire immediately instead of aborting startup.
type CommandPayload struct {
	Type            CommandKind `json:"type"`
	Waypoints       []Waypoint  `json:"waypoints,omitempty"`
	DurationS       int         `json:"duration_s,omitempty"`
	TargetAltitudeM float64     `json:"target_altitude_m,omitempty"`
	Reason          string      `json:"reason,omitempty"`
}

// Known reports whether the payload discriminator is one this build handles.
func (p CommandPayload) Known() bool {
	switch p.Type {
	case CommandReroute, CommandHold, CommandResume, CommandAltitudeChange, CommandLand:
		return true
	}
	return false
}

// CommandState tracks a command through issue, delivery and terminal states.
type CommandState string

const (
	CommandIssued    CommandState = "issued"
	CommandDelivered CommandState = "delivered"
	CommandAcked     CommandState = "acked"
	CommandExpired   CommandState = "expired"
)

// Command is a directive issued to a single drone.
type Command struct {
	CommandID    string         `json:"command_id"`
	DroneID      string         `json:"drone_id"`
	Payload      CommandPayload `json:"payload"`
	IssuedAt     time.Time      `json:"issued_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	State        CommandState   `json:"state"`
	Acknowledged bool           `json:"acknowledged"`
	AckedAt      *time.Time     `json:"acked_at,omitempty"`
}

// Terminal reports whether the command can no longer change.
func (c *Command) Terminal() bool {
	return c.State == CommandAcked || c.State == CommandExpired
}

// PayloadJSON renders the tagged payload for persistence.
func (c *Command) PayloadJSON() (string, error) {
	b, err := json.Marshal(c.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal command payload: %w", err)
	}
	return string(b), nil
}

// Severity classifies a detected conflict.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Position is a geodetic point.
type Position struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AltitudeM float64 `json:"altitude_m"`
}

// Conflict is a predicted separation breach between two drones. DroneA is
// always the lexicographically smaller id so the pair key is stable.
type Conflict struct {
	DroneA         string    `json:"drone_a"`
	DroneB         string    `json:"drone_b"`
	TimeToCPAS     float64   `json:"time_to_cpa_s"`
	MinSeparationM float64   `json:"min_separation_m"`
	Severity       Severity  `json:"severity"`
	Location       Position  `json:"location"`
	DetectedAt     time.Time `json:"detected_at"`
}

// Key returns the stable pair identifier.
func (c *Conflict) Key() string {
	return c.DroneA + "-" + c.DroneB
}

// ExternalTrack is a Remote-ID track mirrored from the external UTM. Tracks
// feed conflict detection but are not registered drones.
type ExternalTrack struct {
	TrackID    string    `json:"track_id"`
	Source     string    `json:"source"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AltitudeM  float64   `json:"altitude_m"`
	HeadingDeg float64   `json:"heading_deg"`
	SpeedMPS   float64   `json:"speed_mps"`
	LastUpdate time.Time `json:"last_update"`
}
