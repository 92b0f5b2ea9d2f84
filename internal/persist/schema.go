// Package persist provides the durable write-through backends for the world
// store: SQLite by default, Postgres as the shared-deployment alternative.
// All timestamps are stored as ISO-8601 UTC text.
package persist

// sqliteSchema defines the SQLite tables.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS drones (
	drone_id           TEXT PRIMARY KEY,
	owner_id           TEXT,
	lat                REAL NOT NULL DEFAULT 0,
	lon                REAL NOT NULL DEFAULT 0,
	altitude_m         REAL NOT NULL DEFAULT 0,
	velocity_e         REAL NOT NULL DEFAULT 0,
	velocity_n         REAL NOT NULL DEFAULT 0,
	velocity_u         REAL NOT NULL DEFAULT 0,
	speed_mps          REAL NOT NULL DEFAULT 0,
	heading_deg        REAL NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 0,
	assigned_waypoints TEXT,
	last_update        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS drone_tokens (
	drone_id      TEXT PRIMARY KEY,
	session_token TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS geofences (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	type             TEXT NOT NULL,
	vertices         TEXT NOT NULL,
	lower_altitude_m REAL NOT NULL,
	upper_altitude_m REAL NOT NULL,
	active           INTEGER NOT NULL DEFAULT 1,
	effective_from   TEXT,
	effective_to     TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flight_plans (
	flight_id      TEXT PRIMARY KEY,
	drone_id       TEXT NOT NULL,
	owner_id       TEXT,
	origin         TEXT NOT NULL,
	destination    TEXT NOT NULL,
	waypoints      TEXT NOT NULL,
	trajectory_log TEXT,
	metadata       TEXT,
	status         TEXT NOT NULL,
	start_time     TEXT NOT NULL,
	end_time       TEXT,
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flight_plans_drone ON flight_plans(drone_id);
CREATE INDEX IF NOT EXISTS idx_flight_plans_status ON flight_plans(status);

CREATE TABLE IF NOT EXISTS commands (
	command_id   TEXT PRIMARY KEY,
	drone_id     TEXT NOT NULL,
	payload      TEXT NOT NULL,
	issued_at    TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	state        TEXT NOT NULL,
	acknowledged INTEGER NOT NULL DEFAULT 0,
	acked_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_commands_drone ON commands(drone_id);
CREATE INDEX IF NOT EXISTS idx_commands_state ON commands(state);

CREATE TABLE IF NOT EXISTS geofence_sync (
	local_id    TEXT PRIMARY KEY,
	external_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	expires_at  TEXT
);
`

// postgresSchema defines the same layout for Postgres.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS drones (
	drone_id           TEXT PRIMARY KEY,
	owner_id           TEXT,
	lat                DOUBLE PRECISION NOT NULL DEFAULT 0,
	lon                DOUBLE PRECISION NOT NULL DEFAULT 0,
	altitude_m         DOUBLE PRECISION NOT NULL DEFAULT 0,
	velocity_e         DOUBLE PRECISION NOT NULL DEFAULT 0,
	velocity_n         DOUBLE PRECISION NOT NULL DEFAULT 0,
	velocity_u         DOUBLE PRECISION NOT NULL DEFAULT 0,
	speed_mps          DOUBLE PRECISION NOT NULL DEFAULT 0,
	heading_deg        DOUBLE PRECISION NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 0,
	assigned_waypoints TEXT,
	last_update        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS drone_tokens (
	drone_id      TEXT PRIMARY KEY,
	session_token TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS geofences (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	type             TEXT NOT NULL,
	vertices         TEXT NOT NULL,
	lower_altitude_m DOUBLE PRECISION NOT NULL,
	upper_altitude_m DOUBLE PRECISION NOT NULL,
	active           BOOLEAN NOT NULL DEFAULT TRUE,
	effective_from   TEXT,
	effective_to     TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flight_plans (
	flight_id      TEXT PRIMARY KEY,
	drone_id       TEXT NOT NULL,
	owner_id       TEXT,
	origin         TEXT NOT NULL,
	destination    TEXT NOT NULL,
	waypoints      TEXT NOT NULL,
	trajectory_log TEXT,
	metadata       TEXT,
	status         TEXT NOT NULL,
	start_time     TEXT NOT NULL,
	end_time       TEXT,
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flight_plans_drone ON flight_plans(drone_id);
CREATE INDEX IF NOT EXISTS idx_flight_plans_status ON flight_plans(status);

CREATE TABLE IF NOT EXISTS commands (
	command_id   TEXT PRIMARY KEY,
	drone_id     TEXT NOT NULL,
	payload      TEXT NOT NULL,
	issued_at    TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	state        TEXT NOT NULL,
	acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
	acked_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_commands_drone ON commands(drone_id);
CREATE INDEX IF NOT EXISTS idx_commands_state ON commands(state);

CREATE TABLE IF NOT EXISTS geofence_sync (
	local_id    TEXT PRIMARY KEY,
	external_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	expires_at  TEXT
);
`
