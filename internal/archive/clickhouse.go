// Package archive streams high-volume telemetry and conflict events into
// ClickHouse for offline analytics. The archive is advisory: writes are
// batched, failures are logged and dropped, and the core never blocks on it.
package archive

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"utm_sector/internal/model"
)

// Config holds ClickHouse connection settings.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// flushInterval bounds how long samples sit in the buffer.
const flushInterval = 2 * time.Second

// bufferCap bounds memory when ClickHouse is slow. Telemetry overflow drops
// the oldest sample; conflict overflow drops the incoming conflicts.
const bufferCap = 4096

type telemetryRow struct {
	state model.DroneState
	at    time.Time
}

type conflictRow struct {
	conflict model.Conflict
}

// ClickHouse is the archive sink.
type ClickHouse struct {
	conn      driver.Conn
	telemetry chan telemetryRow
	conflicts chan conflictRow
	stop      chan struct{}
}

// Open connects and ensures the archive tables exist.
func Open(ctx context.Context, cfg Config) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	schemas := []string{
		`CREATE TABLE IF NOT EXISTS telemetry_archive (
			recorded_at DateTime64(3, 'UTC'),
			drone_id    String,
			owner_id    String,
			lat         Float64,
			lon         Float64,
			altitude_m  Float64,
			speed_mps   Float64,
			heading_deg Float64,
			status      String
		) ENGINE = MergeTree()
		ORDER BY (drone_id, recorded_at)
		TTL toDateTime(recorded_at) + INTERVAL 30 DAY`,
		`CREATE TABLE IF NOT EXISTS conflict_archive (
			detected_at      DateTime64(3, 'UTC'),
			drone_a          String,
			drone_b          String,
			severity         String,
			t_cpa_s          Float64,
			min_separation_m Float64,
			lat              Float64,
			lon              Float64,
			altitude_m       Float64
		) ENGINE = MergeTree()
		ORDER BY (detected_at)
		TTL toDateTime(detected_at) + INTERVAL 90 DAY`,
	}
	for _, schema := range schemas {
		if err := conn.Exec(ctx, schema); err != nil {
			return nil, fmt.Errorf("create archive schema: %w", err)
		}
	}

	ch := &ClickHouse{
		conn:      conn,
		telemetry: make(chan telemetryRow, bufferCap),
		conflicts: make(chan conflictRow, bufferCap),
		stop:      make(chan struct{}),
	}
	go ch.run()
	return ch, nil
}

// Close flushes pending rows and closes the connection.
func (c *ClickHouse) Close() error {
	close(c.stop)
	return c.conn.Close()
}

// ArchiveTelemetry queues one drone state sample. Never blocks.
func (c *ClickHouse) ArchiveTelemetry(state model.DroneState) {
	row := telemetryRow{state: state, at: time.Now().UTC()}
	select {
	case c.telemetry <- row:
	default:
		select {
		case <-c.telemetry:
		default:
		}
		select {
		case c.telemetry <- row:
		default:
		}
	}
}

// ArchiveConflicts queues the tick's conflict set. Never blocks.
func (c *ClickHouse) ArchiveConflicts(conflicts []model.Conflict) {
	for _, conflict := range conflicts {
		select {
		case c.conflicts <- conflictRow{conflict: conflict}:
		default:
			return
		}
	}
}

func (c *ClickHouse) run() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *ClickHouse) flush() {
	ctx := context.Background()

	var telemetry []telemetryRow
	for {
		select {
		case row := <-c.telemetry:
			telemetry = append(telemetry, row)
			continue
		default:
		}
		break
	}
	if len(telemetry) > 0 {
		batch, err := c.conn.PrepareBatch(ctx, `
			INSERT INTO telemetry_archive
			(recorded_at, drone_id, owner_id, lat, lon, altitude_m, speed_mps, heading_deg, status)
		`)
		if err != nil {
			log.Printf("archive: prepare telemetry batch: %v", err)
		} else {
			for _, row := range telemetry {
				s := row.state
				if err := batch.Append(row.at, s.DroneID, s.OwnerID, s.Lat, s.Lon,
					s.AltitudeM, s.SpeedMPS, s.HeadingDeg, string(s.Status)); err != nil {
					log.Printf("archive: append telemetry: %v", err)
					break
				}
			}
			if err := batch.Send(); err != nil {
				log.Printf("archive: send telemetry batch: %v", err)
			}
		}
	}

	var conflicts []conflictRow
	for {
		select {
		case row := <-c.conflicts:
			conflicts = append(conflicts, row)
			continue
		default:
		}
		break
	}
	if len(conflicts) > 0 {
		batch, err := c.conn.PrepareBatch(ctx, `
			INSERT INTO conflict_archive
			(detected_at, drone_a, drone_b, severity, t_cpa_s, min_separation_m, lat, lon, altitude_m)
		`)
		if err != nil {
			log.Printf("archive: prepare conflict batch: %v", err)
			return
		}
		for _, row := range conflicts {
			cf := row.conflict
			if err := batch.Append(cf.DetectedAt, cf.DroneA, cf.DroneB, string(cf.Severity),
				cf.TimeToCPAS, cf.MinSeparationM, cf.Location.Lat, cf.Location.Lon,
				cf.Location.AltitudeM); err != nil {
				log.Printf("archive: append conflict: %v", err)
				return
			}
		}
		if err := batch.Send(); err != nil {
			log.Printf("archive: send conflict batch: %v", err)
		}
	}
}
