package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"utm_sector/internal/model"
	"utm_sector/internal/store"
)

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Postgres is the shared-deployment durable backend.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool and ensures the schema exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping probes the backend for the degraded-recovery loop.
func (p *Postgres) Ping() error {
	return p.pool.Ping(context.Background())
}

// UpsertDrone writes a drone state row.
func (p *Postgres) UpsertDrone(d model.DroneState) error {
	wps, err := marshalJSON(d.AssignedWaypoints)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(context.Background(), `
		INSERT INTO drones (drone_id, owner_id, lat, lon, altitude_m, velocity_e, velocity_n, velocity_u,
		                    speed_mps, heading_deg, status, priority, assigned_waypoints, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (drone_id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			altitude_m = EXCLUDED.altitude_m,
			velocity_e = EXCLUDED.velocity_e,
			velocity_n = EXCLUDED.velocity_n,
			velocity_u = EXCLUDED.velocity_u,
			speed_mps = EXCLUDED.speed_mps,
			heading_deg = EXCLUDED.heading_deg,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			assigned_waypoints = EXCLUDED.assigned_waypoints,
			last_update = EXCLUDED.last_update
	`, d.DroneID, d.OwnerID, d.Lat, d.Lon, d.AltitudeM, d.Velocity.E, d.Velocity.N, d.Velocity.U,
		d.SpeedMPS, d.HeadingDeg, string(d.Status), d.Priority, wps, formatTime(d.LastUpdate))
	if err != nil {
		return fmt.Errorf("upsert drone: %w", err)
	}
	return nil
}

// UpsertToken writes a session token row.
func (p *Postgres) UpsertToken(droneID, token string) error {
	_, err := p.pool.Exec(context.Background(), `
		INSERT INTO drone_tokens (drone_id, session_token, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (drone_id) DO UPDATE SET
			session_token = EXCLUDED.session_token,
			updated_at = EXCLUDED.updated_at
	`, droneID, token, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// UpsertGeofence writes a geofence row.
func (p *Postgres) UpsertGeofence(g model.Geofence) error {
	vertices, err := marshalJSON(g.Vertices)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(context.Background(), `
		INSERT INTO geofences (id, name, type, vertices, lower_altitude_m, upper_altitude_m,
		                       active, effective_from, effective_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			vertices = EXCLUDED.vertices,
			lower_altitude_m = EXCLUDED.lower_altitude_m,
			upper_altitude_m = EXCLUDED.upper_altitude_m,
			active = EXCLUDED.active,
			effective_from = EXCLUDED.effective_from,
			effective_to = EXCLUDED.effective_to,
			updated_at = EXCLUDED.updated_at
	`, g.ID, g.Name, string(g.Type), vertices, g.LowerAltitudeM, g.UpperAltitudeM,
		g.Active, formatTimePtr(g.EffectiveFrom), formatTimePtr(g.EffectiveTo),
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert geofence: %w", err)
	}
	return nil
}

// DeleteGeofence removes a geofence row.
func (p *Postgres) DeleteGeofence(id string) error {
	if _, err := p.pool.Exec(context.Background(), `DELETE FROM geofences WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete geofence: %w", err)
	}
	return nil
}

// UpsertFlightPlan writes a flight plan row.
func (p *Postgres) UpsertFlightPlan(plan model.FlightPlan) error {
	origin, err := marshalJSON(plan.Origin)
	if err != nil {
		return err
	}
	dest, err := marshalJSON(plan.Destination)
	if err != nil {
		return err
	}
	wps, err := marshalJSON(plan.Waypoints)
	if err != nil {
		return err
	}
	trajectory, err := marshalJSON(plan.TrajectoryLog)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(plan.Metadata)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(context.Background(), `
		INSERT INTO flight_plans (flight_id, drone_id, owner_id, origin, destination, waypoints,
		                          trajectory_log, metadata, status, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (flight_id) DO UPDATE SET
			drone_id = EXCLUDED.drone_id,
			owner_id = EXCLUDED.owner_id,
			origin = EXCLUDED.origin,
			destination = EXCLUDED.destination,
			waypoints = EXCLUDED.waypoints,
			trajectory_log = EXCLUDED.trajectory_log,
			metadata = EXCLUDED.metadata,
			status = EXCLUDED.status,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time
	`, plan.FlightID, plan.DroneID, plan.OwnerID, origin, dest, wps,
		trajectory, metadata, string(plan.Status), formatTime(plan.StartTime),
		formatTimePtr(plan.EndTime), formatTime(plan.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert flight plan: %w", err)
	}
	return nil
}

// UpsertCommand writes a command row.
func (p *Postgres) UpsertCommand(c model.Command) error {
	payload, err := c.PayloadJSON()
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(context.Background(), `
		INSERT INTO commands (command_id, drone_id, payload, issued_at, expires_at, state, acknowledged, acked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (command_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			state = EXCLUDED.state,
			acknowledged = EXCLUDED.acknowledged,
			acked_at = EXCLUDED.acked_at
	`, c.CommandID, c.DroneID, payload, formatTime(c.IssuedAt), formatTime(c.ExpiresAt),
		string(c.State), c.Acknowledged, formatTimePtr(c.AckedAt))
	if err != nil {
		return fmt.Errorf("upsert command: %w", err)
	}
	return nil
}

// Load reads the full persisted snapshot for startup.
func (p *Postgres) Load() (store.PersistedState, error) {
	ctx := context.Background()
	var snap store.PersistedState

	rows, err := p.pool.Query(ctx, `
		SELECT drone_id, owner_id, lat, lon, altitude_m, velocity_e, velocity_n, velocity_u,
		       speed_mps, heading_deg, status, priority, assigned_waypoints, last_update
		FROM drones
	`)
	if err != nil {
		return snap, fmt.Errorf("load drones: %w", err)
	}
	for rows.Next() {
		var d model.DroneState
		var owner, wps *string
		var status, lastUpdate string
		if err := rows.Scan(&d.DroneID, &owner, &d.Lat, &d.Lon, &d.AltitudeM,
			&d.Velocity.E, &d.Velocity.N, &d.Velocity.U, &d.SpeedMPS, &d.HeadingDeg,
			&status, &d.Priority, &wps, &lastUpdate); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan drone: %w", err)
		}
		if owner != nil {
			d.OwnerID = *owner
		}
		d.Status = model.DroneStatus(status)
		if wps != nil {
			if d.AssignedWaypoints, err = unmarshalWaypoints(*wps); err != nil {
				rows.Close()
				return snap, err
			}
		}
		if d.LastUpdate, err = parseTime(lastUpdate); err != nil {
			rows.Close()
			return snap, err
		}
		snap.Drones = append(snap.Drones, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	snap.Tokens = make(map[string]string)
	rows, err = p.pool.Query(ctx, `SELECT drone_id, session_token FROM drone_tokens`)
	if err != nil {
		return snap, fmt.Errorf("load tokens: %w", err)
	}
	for rows.Next() {
		var id, token string
		if err := rows.Scan(&id, &token); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan token: %w", err)
		}
		snap.Tokens[id] = token
	}
	rows.Close()

	rows, err = p.pool.Query(ctx, `
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
		var from, to *string
		if err := rows.Scan(&g.ID, &g.Name, &gtype, &vertices, &g.LowerAltitudeM,
			&g.UpperAltitudeM, &g.Active, &from, &to, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan geofence: %w", err)
		}
		g.Type = model.GeofenceType(gtype)
		if err := json.Unmarshal([]byte(vertices), &g.Vertices); err != nil {
			rows.Close()
			return snap, fmt.Errorf("unmarshal geofence vertices: %w", err)
		}
		if g.EffectiveFrom, err = parseTimePtr(from); err != nil {
			rows.Close()
			return snap, err
		}
		if g.EffectiveTo, err = parseTimePtr(to); err != nil {
			rows.Close()
			return snap, err
		}
		if g.CreatedAt, err = parseTime(createdAt); err != nil {
			rows.Close()
			return snap, err
		}
		if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
			rows.Close()
			return snap, err
		}
		snap.Geofences = append(snap.Geofences, g)
	}
	rows.Close()

	rows, err = p.pool.Query(ctx, `
		SELECT flight_id, drone_id, owner_id, origin, destination, waypoints,
		       trajectory_log, metadata, status, start_time, end_time, created_at
		FROM flight_plans
	`)
	if err != nil {
		return snap, fmt.Errorf("load flight plans: %w", err)
	}
	for rows.Next() {
		var plan model.FlightPlan
		var owner, trajectory, metadata, endTime *string
		var origin, dest, wps, status, startTime, createdAt string
		if err := rows.Scan(&plan.FlightID, &plan.DroneID, &owner, &origin, &dest, &wps,
			&trajectory, &metadata, &status, &startTime, &endTime, &createdAt); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan flight plan: %w", err)
		}
		if owner != nil {
			plan.OwnerID = *owner
		}
		plan.Status = model.FlightStatus(status)
		if err := json.Unmarshal([]byte(origin), &plan.Origin); err != nil {
			rows.Close()
			return snap, fmt.Errorf("unmarshal plan origin: %w", err)
		}
		if err := json.Unmarshal([]byte(dest), &plan.Destination); err != nil {
			rows.Close()
			return snap, fmt.Errorf("unmarshal plan destination: %w", err)
		}
		if plan.Waypoints, err = unmarshalWaypoints(wps); err != nil {
			rows.Close()
			return snap, err
		}
		if trajectory != nil && *trajectory != "" && *trajectory != "null" {
			if err := json.Unmarshal([]byte(*trajectory), &plan.TrajectoryLog); err != nil {
				rows.Close()
				return snap, fmt.Errorf("unmarshal trajectory log: %w", err)
			}
		}
		if metadata != nil && *metadata != "" && *metadata != "null" {
			if err := json.Unmarshal([]byte(*metadata), &plan.Metadata); err != nil {
				rows.Close()
				return snap, fmt.Errorf("unmarshal plan metadata: %w", err)
			}
		}
		if plan.StartTime, err = parseTime(startTime); err != nil {
			rows.Close()
			return snap, err
		}
		if plan.EndTime, err = parseTimePtr(endTime); err != nil {
			rows.Close()
			return snap, err
		}
		if plan.CreatedAt, err = parseTime(createdAt); err != nil {
			rows.Close()
			return snap, err
		}
		snap.Plans = append(snap.Plans, plan)
	}
	rows.Close()

	rows, err = p.pool.Query(ctx, `
		SELECT command_id, drone_id, payload, issued_at, expires_at, state, acknowledged, acked_at
		FROM commands
	`)
	if err != nil {
		return snap, fmt.Errorf("load commands: %w", err)
	}
	for rows.Next() {
		var c model.Command
		var payload, issuedAt, expiresAt, state string
		var ackedAt *string
		if err := rows.Scan(&c.CommandID, &c.DroneID, &payload, &issuedAt, &expiresAt,
			&state, &c.Acknowledged, &ackedAt); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan command: %w", err)
		}
		c.Payload = decodeCommandPayload(payload)
		c.State = model.CommandState(state)
		if c.IssuedAt, err = parseTime(issuedAt); err != nil {
			rows.Close()
			return snap, err
		}
		if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
			rows.Close()
			return snap, err
		}
		if c.AckedAt, err = parseTimePtr(ackedAt); err != nil {
			rows.Close()
			return snap, err
		}
		snap.Commands = append(snap.Commands, c)
	}
	rows.Close()

	return snap, rows.Err()
}

// Reset clears every table.
func (p *Postgres) Reset() error {
	ctx := context.Background()
	for _, table := range []string{"commands", "flight_plans", "geofence_sync", "geofences", "drone_tokens", "drones"} {
		if _, err := p.pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// LoadSyncState reads the external-sync mapping table.
func (p *Postgres) LoadSyncState() (map[string]SyncEntry, error) {
	rows, err := p.pool.Query(context.Background(),
		`SELECT local_id, external_id, fingerprint, expires_at FROM geofence_sync`)
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SyncEntry)
	for rows.Next() {
		var e SyncEntry
		var expires *string
		if err := rows.Scan(&e.LocalID, &e.ExternalID, &e.Fingerprint, &expires); err != nil {
			return nil, fmt.Errorf("scan sync entry: %w", err)
		}
		var perr error
		if e.ExpiresAt, perr = parseTimePtr(expires); perr != nil {
			return nil, perr
		}
		out[e.LocalID] = e
	}
	return out, rows.Err()
}

// UpsertSyncEntry writes one external-sync mapping row.
func (p *Postgres) UpsertSyncEntry(e SyncEntry) error {
	_, err := p.pool.Exec(context.Background(), `
		INSERT INTO geofence_sync (local_id, external_id, fingerprint, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (local_id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			fingerprint = EXCLUDED.fingerprint,
			expires_at = EXCLUDED.expires_at
	`, e.LocalID, e.ExternalID, e.Fingerprint, formatTimePtr(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert sync entry: %w", err)
	}
	return nil
}

// DeleteSyncEntry removes one mapping row.
func (p *Postgres) DeleteSyncEntry(localID string) error {
	if _, err := p.pool.Exec(context.Background(), `DELETE FROM geofence_sync WHERE local_id = $1`, localID); err != nil {
		return fmt.Errorf("delete sync entry: %w", err)
	}
	return nil
}
