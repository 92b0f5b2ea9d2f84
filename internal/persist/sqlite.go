package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"utm_sector/internal/model"
	"utm_sector/internal/store"
)

// SQLite is the default durable backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. An empty path or
// ":memory:" uses an in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The modernc driver serialises writes; a single connection avoids
	// SQLITE_BUSY under concurrent loops.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping probes the backend for the degraded-recovery loop.
func (s *SQLite) Ping() error {
	return s.db.Ping()
}

// UpsertDrone writes a drone state row.
func (s *SQLite) UpsertDrone(d model.DroneState) error {
	wps, err := marshalJSON(d.AssignedWaypoints)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO drones (drone_id, owner_id, lat, lon, altitude_m, velocity_e, velocity_n, velocity_u,
		                    speed_mps, heading_deg, status, priority, assigned_waypoints, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(drone_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			lat = excluded.lat,
			lon = excluded.lon,
			altitude_m = excluded.altitude_m,
			velocity_e = excluded.velocity_e,
			velocity_n = excluded.velocity_n,
			velocity_u = excluded.velocity_u,
			speed_mps = excluded.speed_mps,
			heading_deg = excluded.heading_deg,
			status = excluded.status,
			priority = excluded.priority,
			assigned_waypoints = excluded.assigned_waypoints,
			last_update = excluded.last_update
	`, d.DroneID, d.OwnerID, d.Lat, d.Lon, d.AltitudeM, d.Velocity.E, d.Velocity.N, d.Velocity.U,
		d.SpeedMPS, d.HeadingDeg, string(d.Status), d.Priority, wps, formatTime(d.LastUpdate))
	if err != nil {
		return fmt.Errorf("upsert drone: %w", err)
	}
	return nil
}

// UpsertToken writes a session token row.
func (s *SQLite) UpsertToken(droneID, token string) error {
	_, err := s.db.Exec(`
		INSERT INTO drone_tokens (drone_id, session_token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(drone_id) DO UPDATE SET
			session_token = excluded.session_token,
			updated_at = excluded.updated_at
	`, droneID, token, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// UpsertGeofence writes a geofence row.
func (s *SQLite) UpsertGeofence(g model.Geofence) error {
	vertices, err := marshalJSON(g.Vertices)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO geofences (id, name, type, vertices, lower_altitude_m, upper_altitude_m,
		                       active, effective_from, effective_to, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			vertices = excluded.vertices,
			lower_altitude_m = excluded.lower_altitude_m,
			upper_altitude_m = excluded.upper_altitude_m,
			active = excluded.active,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			updated_at = excluded.updated_at
	`, g.ID, g.Name, string(g.Type), vertices, g.LowerAltitudeM, g.UpperAltitudeM,
		boolToInt(g.Active), formatTimePtr(g.EffectiveFrom), formatTimePtr(g.EffectiveTo),
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert geofence: %w", err)
	}
	return nil
}

// DeleteGeofence removes a geofence row.
func (s *SQLite) DeleteGeofence(id string) error {
	if _, err := s.db.Exec(`DELETE FROM geofences WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete geofence: %w", err)
	}
	return nil
}

// UpsertFlightPlan writes a flight plan row, trajectory log and metadata
// included.
func (s *SQLite) UpsertFlightPlan(p model.FlightPlan) error {
	origin, err := marshalJSON(p.Origin)
	if err != nil {
		return err
	}
	dest, err := marshalJSON(p.Destination)
	if err != nil {
		return err
	}
	wps, err := marshalJSON(p.Waypoints)
	if err != nil {
		return err
	}
	trajectory, err := marshalJSON(p.TrajectoryLog)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(p.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO flight_plans (flight_id, drone_id, owner_id, origin, destination, waypoints,
		                          trajectory_log, metadata, status, start_time, end_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flight_id) DO UPDATE SET
			drone_id = excluded.drone_id,
			owner_id = excluded.owner_id,
			origin = excluded.origin,
			destination = excluded.destination,
			waypoints = excluded.waypoints,
			trajectory_log = excluded.trajectory_log,
			metadata = excluded.metadata,
			status = excluded.status,
			start_time = excluded.start_time,
			end_time = excluded.end_time
	`, p.FlightID, p.DroneID, p.OwnerID, origin, dest, wps,
		trajectory, metadata, string(p.Status), formatTime(p.StartTime),
		formatTimePtr(p.EndTime), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert flight plan: %w", err)
	}
	return nil
}

// UpsertCommand writes a command row with its tagged payload column.
func (s *SQLite) UpsertCommand(c model.Command) error {
	payload, err := c.PayloadJSON()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO commands (command_id, drone_id, payload, issued_at, expires_at, state, acknowledged, acked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET
			payload = excluded.payload,
			state = excluded.state,
			acknowledged = excluded.acknowledged,
			acked_at = excluded.acked_at
	`, c.CommandID, c.DroneID, payload, formatTime(c.IssuedAt), formatTime(c.ExpiresAt),
		string(c.State), boolToInt(c.Acknowledged), formatTimePtr(c.AckedAt))
	if err != nil {
		return fmt.Errorf("upsert command: %w", err)
	}
	return nil
}

// Load reads the full persisted snapshot for startup.
func (s *SQLite) Load() (store.PersistedState, error) {
	var snap store.PersistedState

	rows, err := s.db.Query(`
		SELECT drone_id, owner_id, lat, lon, altitude_m, velocity_e, velocity_n, velocity_u,
		       speed_mps, heading_deg, status, priority, assigned_waypoints, last_update
		FROM drones
	`)
	if err != nil {
		return snap, fmt.Errorf("load drones: %w", err)
	}
	for rows.Next() {
		var d model.DroneState
		var owner, wps sql.NullString
		var status, lastUpdate string
		if err := rows.Scan(&d.DroneID, &owner, &d.Lat, &d.Lon, &d.AltitudeM,
			&d.Velocity.E, &d.Velocity.N, &d.Velocity.U, &d.SpeedMPS, &d.HeadingDeg,
			&status, &d.Priority, &wps, &lastUpdate); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("scan drone: %w", err)
		}
		d.OwnerID = owner.String
		d.Status = model.DroneStatus(status)
		if wps.Valid {
			if d.AssignedWaypoints, err = unmarshalWaypoints(wps.String); err != nil {
				_ = rows.Close()
				return snap, err
			}
		}
		if d.LastUpdate, err = parseTime(lastUpdate); err != nil {
			_ = rows.Close()
			return snap, err
		}
		snap.Drones = append(snap.Drones, d)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	snap.Tokens = make(map[string]string)
	rows, err = s.db.Query(`SELECT drone_id, session_token FROM drone_tokens`)
	if err != nil {
		return snap, fmt.Errorf("load tokens: %w", err)
	}
	for rows.Next() {
		var id, token string
		if err := rows.Scan(&id, &token); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("scan token: %w", err)
		}
		snap.Tokens[id] = token
	}
	_ = rows.Close()

	rows, err = s.db.Query(`
		SELECT id, name, type, vertices, lower_altitude_m, upper_altitude_m,
		       active, effective_from, effective_to, created_at, updated_at
		FROM geofences
	`)
	if err != nil {
		return snap, fmt.Errorf("load geofences: %w", err)
	}
	for rows.Next() {
		var g model.Geofence
		var gtype, vertices, createdAt, updatedAt string
		var active int
		var from, to sql.NullString
		if err := rows.Scan(&g.ID, &g.Name, &gtype, &vertices, &g.LowerAltitudeM,
			&g.UpperAltitudeM, &active, &from, &to, &createdAt, &updatedAt); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("scan geofence: %w", err)
		}
		g.Type = model.GeofenceType(gtype)
		g.Active = active != 0
		if err := json.Unmarshal([]byte(vertices), &g.Vertices); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("unmarshal geofence vertices: %w", err)
		}
		if g.EffectiveFrom, err = parseTimePtr(nullToPtr(from)); err != nil {
			_ = rows.Close()
			return snap, err
		}
		if g.EffectiveTo, err = parseTimePtr(nullToPtr(to)); err != nil {
			_ = rows.Close()
			return snap, err
		}
		if g.CreatedAt, err = parseTime(createdAt); err != nil {
			_ = rows.Close()
			return snap, err
		}
		if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
			_ = rows.Close()
			return snap, err
		}
		snap.Geofences = append(snap.Geofences, g)
	}
	_ = rows.Close()

	rows, err = s.db.Query(`
		SELECT flight_id, drone_id, owner_id, origin, destination, waypoints,
		       trajectory_log, metadata, status, start_time, end_time, created_at
		FROM flight_plans
	`)
	if err != nil {
		return snap, fmt.Errorf("load flight plans: %w", err)
	}
	for rows.Next() {
		var p model.FlightPlan
		var owner, trajectory, metadata, endTime sql.NullString
		var origin, dest, wps, status, startTime, createdAt string
		if err := rows.Scan(&p.FlightID, &p.DroneID, &owner, &origin, &dest, &wps,
			&trajectory, &metadata, &status, &startTime, &endTime, &createdAt); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("scan flight plan: %w", err)
		}
		p.OwnerID = owner.String
		p.Status = model.FlightStatus(status)
		if err := json.Unmarshal([]byte(origin), &p.Origin); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("unmarshal plan origin: %w", err)
		}
		if err := json.Unmarshal([]byte(dest), &p.Destination); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("unmarshal plan destination: %w", err)
		}
		if p.Waypoints, err = unmarshalWaypoints(wps); err != nil {
			_ = rows.Close()
			return snap, err
		}
		if trajectory.Valid && trajectory.String != "" && trajectory.String != "null" {
			if err := json.Unmarshal([]byte(trajectory.String), &p.TrajectoryLog); err != nil {
				_ = rows.Close()
				return snap, fmt.Errorf("unmarshal trajectory log: %w", err)
			}
		}
		if metadata.Valid && metadata.String != "" && metadata.String != "null" {
			if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
				_ = rows.Close()
				return snap, fmt.Errorf("unmarshal plan metadata: %w", err)
			}
		}
		if p.StartTime, err = parseTime(startTime); err != nil {
			_ = rows.Close()
			return snap, err
		}
		if p.EndTime, err = parseTimePtr(nullToPtr(endTime)); err != nil {
			_ = rows.Close()
			return snap, err
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			_ = rows.Close()
			return snap, err
		}
		snap.Plans = append(snap.Plans, p)
	}
	_ = rows.Close()

	rows, err = s.db.Query(`
		SELECT command_id, drone_id, payload, issued_at, expires_at, state, acknowledged, acked_at
		FROM commands
	`)
	if err != nil {
		return snap, fmt.Errorf("load commands: %w", err)
	}
	for rows.Next() {
		var c model.Command
		var payload, issuedAt, expiresAt, state string
		var acked int
		var ackedAt sql.NullString
		if err := rows.Scan(&c.CommandID, &c.DroneID, &payload, &issuedAt, &expiresAt,
			&state, &acked, &ackedAt); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("scan command: %w", err)
		}
		c.Payload = decodeCommandPayload(payload)
		c.State = model.CommandState(state)
		c.Acknowledged = acked != 0
		if c.IssuedAt, err = parseTime(issuedAt); err != nil {
			_ = rows.Close()
			return snap, err
		}
		if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
			_ = rows.Close()
			return snap, err
		}
		if c.AckedAt, err = parseTimePtr(nullToPtr(ackedAt)); err != nil {
			_ = rows.Close()
			return snap, err
		}
		snap.Commands = append(snap.Commands, c)
	}
	_ = rows.Close()

	return snap, rows.Err()
}

// Reset clears every table.
func (s *SQLite) Reset() error {
	for _, table := range []string{"commands", "flight_plans", "geofence_sync", "geofences", "drone_tokens", "drones"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// LoadSyncState reads the external-sync mapping table.
func (s *SQLite) LoadSyncState() (map[string]SyncEntry, error) {
	rows, err := s.db.Query(`SELECT local_id, external_id, fingerprint, expires_at FROM geofence_sync`)
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]SyncEntry)
	for rows.Next() {
		var e SyncEntry
		var expires sql.NullString
		if err := rows.Scan(&e.LocalID, &e.ExternalID, &e.Fingerprint, &expires); err != nil {
			return nil, fmt.Errorf("scan sync entry: %w", err)
		}
		var perr error
		if e.ExpiresAt, perr = parseTimePtr(nullToPtr(expires)); perr != nil {
			return nil, perr
		}
		out[e.LocalID] = e
	}
	return out, rows.Err()
}

// UpsertSyncEntry writes one external-sync mapping row.
func (s *SQLite) UpsertSyncEntry(e SyncEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO geofence_sync (local_id, external_id, fingerprint, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			external_id = excluded.external_id,
			fingerprint = excluded.fingerprint,
			expires_at = excluded.expires_at
	`, e.LocalID, e.ExternalID, e.Fingerprint, formatTimePtr(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert sync entry: %w", err)
	}
	return nil
}

// DeleteSyncEntry removes one mapping row.
func (s *SQLite) DeleteSyncEntry(localID string) error {
	if _, err := s.db.Exec(`DELETE FROM geofence_sync WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("delete sync entry: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullToPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
