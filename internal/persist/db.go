package persist

import (
	"context"
	"fmt"
	"time"

	"utm_sector/internal/store"
)

// SyncEntry maps a local geofence to its external UTM counterpart. The
// fingerprint dedupes pushes; mirrored ATC-owned geofences are guarded by
// this mapping, never by name.
type SyncEntry struct {
	LocalID     string
	ExternalID  string
	Fingerprint string
	ExpiresAt   *time.Time
}

// SyncMap is the external-sync mapping store shared by the sync loops.
type SyncMap interface {
	LoadSyncState() (map[string]SyncEntry, error)
	UpsertSyncEntry(e SyncEntry) error
	DeleteSyncEntry(localID string) error
}

// Backend bundles the world persister with the sync mapping store. Both
// supported databases implement it.
type Backend interface {
	store.Persister
	SyncMap
}

// Config selects and configures the durable backend.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// Path is the SQLite database file.
	Path string
	// Postgres connection settings.
	Postgres PostgresConfig
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}
