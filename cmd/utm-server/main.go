// Command utm-server runs the sector UTM core: the world store, the
// conflict/resolution loops and the HTTP/WebSocket API.
//
// Configuration comes from flags whose defaults are read from the
// environment, so every knob is settable either way:
//
//	utm-server [options]
//
//	-port N                 HTTP port (env: UTM_PORT, default 3000)
//	-db-backend NAME        sqlite or postgres (env: UTM_DB_BACKEND)
//	-db-path PATH           SQLite file (env: UTM_DB_PATH, default data/utm.db)
//	-ref-lat / -ref-lon     sector ENU anchor (env: UTM_REF_LAT / UTM_REF_LON)
//	-nats-url URL           optional NATS event bridge (env: UTM_NATS_URL)
//	-clickhouse-host HOST   optional telemetry archive (env: UTM_CLICKHOUSE_HOST)
//	-external-url URL       optional external UTM endpoint (env: UTM_EXTERNAL_URL)
//
// Separation thresholds, altitude/speed bounds, telemetry age bounds and
// tick rates are environment-only (UTM_MIN_HORIZONTAL_SEP_M, ...); they are
// served back to clients at /v1/compliance/limits.
//
// Exit codes: 0 normal, 1 fatal configuration error, 2 persistence init
// failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"utm_sector/internal/api"
	"utm_sector/internal/archive"
	"utm_sector/internal/conflict"
	"utm_sector/internal/events"
	"utm_sector/internal/geo"
	"utm_sector/internal/loops"
	"utm_sector/internal/persist"
	"utm_sector/internal/resolve"
	"utm_sector/internal/store"
	"utm_sector/internal/utmlink"
)

func main() {
	// Core server flags.
	port := flag.Int("port", envOrDefaultInt("UTM_PORT", 3000), "HTTP port")
	dbBackend := flag.String("db-backend", envOrDefault("UTM_DB_BACKEND", "sqlite"), "Persistence backend (sqlite or postgres)")
	dbPath := flag.String("db-path", envOrDefault("UTM_DB_PATH", "data/utm.db"), "SQLite database path")
	refLat := flag.Float64("ref-lat", envOrDefaultFloat("UTM_REF_LAT", 33.6846), "Sector reference latitude")
	refLon := flag.Float64("ref-lon", envOrDefaultFloat("UTM_REF_LON", -117.8265), "Sector reference longitude")

	// Postgres flags (used when -db-backend=postgres).
	pgHost := flag.String("pg-host", envOrDefault("UTM_POSTGRES_HOST", "localhost"), "PostgreSQL host")
	pgPort := flag.Int("pg-port", envOrDefaultInt("UTM_POSTGRES_PORT", 5432), "PostgreSQL port")
	pgDB := flag.String("pg-database", envOrDefault("UTM_POSTGRES_DATABASE", "utm_sector"), "PostgreSQL database")
	pgUser := flag.String("pg-user", envOrDefault("UTM_POSTGRES_USER", "utm"), "PostgreSQL user")
	pgPassword := flag.String("pg-password", envOrDefault("UTM_POSTGRES_PASSWORD", "utm"), "PostgreSQL password")

	// Optional integrations.
	natsURL := flag.String("nats-url", envOrDefault("UTM_NATS_URL", ""), "NATS server URL for the event bridge (empty = disabled)")
	chHost := flag.String("clickhouse-host", envOrDefault("UTM_CLICKHOUSE_HOST", ""), "ClickHouse host for the telemetry archive (empty = disabled)")
	chPort := flag.Int("clickhouse-port", envOrDefaultInt("UTM_CLICKHOUSE_PORT", 9000), "ClickHouse port")
	chDB := flag.String("clickhouse-database", envOrDefault("UTM_CLICKHOUSE_DATABASE", "utm"), "ClickHouse database")
	chUser := flag.String("clickhouse-user", envOrDefault("UTM_CLICKHOUSE_USER", "default"), "ClickHouse user")
	chPassword := flag.String("clickhouse-password", envOrDefault("UTM_CLICKHOUSE_PASSWORD", ""), "ClickHouse password")
	externalURL := flag.String("external-url", envOrDefault("UTM_EXTERNAL_URL", ""), "External UTM base URL (empty = disabled)")
	externalToken := flag.String("external-token", envOrDefault("UTM_EXTERNAL_TOKEN", ""), "External UTM auth token")
	externalSession := flag.String("external-session", envOrDefault("UTM_EXTERNAL_SESSION_ID", ""), "External UTM session id")

	flag.Parse()

	limits := limitsFromEnv()
	if limits.MinAltitudeM >= limits.MaxAltitudeM {
		fmt.Fprintf(os.Stderr, "Invalid altitude bounds: min %.0f >= max %.0f\n", limits.MinAltitudeM, limits.MaxAltitudeM)
		os.Exit(1)
	}
	if limits.LookaheadS < 10 || limits.LookaheadS > 30 {
		fmt.Fprintf(os.Stderr, "Lookahead must be within 10-30s, got %.0f\n", limits.LookaheadS)
		os.Exit(1)
	}
	if limits.ConflictTickMS <= 0 || limits.ConflictTickMS > 1000 {
		fmt.Fprintf(os.Stderr, "Conflict tick must be within 1-1000ms, got %d\n", limits.ConflictTickMS)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable backend.
	if *dbBackend == "sqlite" {
		if dir := dirOf(*dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to create data directory: %v\n", err)
				os.Exit(2)
			}
		}
	}
	backend, err := persist.Open(ctx, persist.Config{
		Driver: *dbBackend,
		Path:   *dbPath,
		Postgres: persist.PostgresConfig{
			Host:     *pgHost,
			Port:     *pgPort,
			Database: *pgDB,
			User:     *pgUser,
			Password: *pgPassword,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open persistence: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = backend.Close() }()

	// Optional telemetry archive.
	var archiver store.Archiver
	if *chHost != "" {
		ch, err := archive.Open(ctx, archive.Config{
			Host:     *chHost,
			Port:     *chPort,
			Database: *chDB,
			User:     *chUser,
			Password: *chPassword,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "ClickHouse archive unavailable, continuing without: %v\n", err)
		} else {
			archiver = ch
			defer func() { _ = ch.Close() }()
		}
	}

	bus := events.NewBus()
	world := store.New(limits, backend, archiver, bus)
	if err := world.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load persisted state: %v\n", err)
		os.Exit(2)
	}

	// Optional NATS event bridge.
	if *natsURL != "" {
		bridge, err := events.NewNATSBridge(*natsURL, bus)
		if err != nil {
			fmt.Fprintf(os.Stderr, "NATS bridge unavailable, continuing without: %v\n", err)
		} else {
			defer bridge.Close()
		}
	}

	// Engine loops.
	frame := geo.NewFrame(*refLat, *refLon)
	runner := &loops.Runner{
		World:    world,
		Detector: conflict.New(frame, limits.LookaheadS, limits.MinHorizontalSepM, limits.MinVerticalSepM),
		Resolver: resolve.New(frame, resolve.Rules{
			MinHorizontalM: limits.MinHorizontalSepM,
			MinVerticalM:   limits.MinVerticalSepM,
			LookaheadS:     limits.LookaheadS,
			MaxAltitudeM:   limits.MaxAltitudeM,
			CooldownS:      limits.CommandCooldownS,
			CommandTTLS:    limits.CommandTTLS,
		}),
	}
	go runner.RunConflictLoop(ctx)
	go runner.RunTimeoutSweeper(ctx)
	go runner.RunExpirySweeper(ctx)
	go runner.RunMissionLoop(ctx)

	stopProbe := make(chan struct{})
	go world.ProbePersister(stopProbe)
	defer close(stopProbe)

	// Optional external UTM sync loops.
	if *externalURL != "" {
		client := utmlink.NewHTTPClient(*externalURL, *externalSession, *externalToken)
		syncer := utmlink.NewSyncer(world, client, backend)
		go syncer.RunTelemetryPush(ctx, time.Second)
		go syncer.RunGeofenceMirror(ctx, 5*time.Second)
		go syncer.RunTrafficIngest(ctx, 2*time.Second)
		go syncer.RunDeclarationIngest(ctx, 10*time.Second)
	}

	server := api.NewServer(world, bus, api.Config{
		Port:              *port,
		AdminToken:        os.Getenv("UTM_ADMIN_TOKEN"),
		RegistrationToken: os.Getenv("UTM_REGISTRATION_TOKEN"),
		RateLimitRPS:      envOrDefaultInt("UTM_RATE_LIMIT_RPS", 50),
		TrustProxy:        os.Getenv("UTM_TRUST_PROXY") == "1",
		AllowAdminReset:   os.Getenv("UTM_ALLOW_ADMIN_RESET") == "1",
	})

	// Drain on SIGINT/SIGTERM so in-flight persistence completes.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
		time.Sleep(500 * time.Millisecond)
		os.Exit(0)
	}()

	if err := server.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// limitsFromEnv builds the operational thresholds from the environment.
func limitsFromEnv() store.Limits {
	limits := store.DefaultLimits()
	limits.MinHorizontalSepM = envOrDefaultFloat("UTM_MIN_HORIZONTAL_SEP_M", limits.MinHorizontalSepM)
	limits.MinVerticalSepM = envOrDefaultFloat("UTM_MIN_VERTICAL_SEP_M", limits.MinVerticalSepM)
	limits.LookaheadS = envOrDefaultFloat("UTM_LOOKAHEAD_S", limits.LookaheadS)
	limits.ConflictTickMS = envOrDefaultInt("UTM_CONFLICT_TICK_MS", limits.ConflictTickMS)
	limits.DroneTimeoutS = envOrDefaultInt("UTM_DRONE_TIMEOUT_S", limits.DroneTimeoutS)
	limits.MinAltitudeM = envOrDefaultFloat("UTM_MIN_ALT_M", limits.MinAltitudeM)
	limits.MaxAltitudeM = envOrDefaultFloat("UTM_MAX_ALT_M", limits.MaxAltitudeM)
	limits.MaxSpeedMPS = envOrDefaultFloat("UTM_MAX_SPEED_MPS", limits.MaxSpeedMPS)
	limits.TelemetryMaxAgeS = envOrDefaultInt("UTM_TELEMETRY_MAX_AGE_S", limits.TelemetryMaxAgeS)
	limits.TelemetryMaxFutureS = envOrDefaultInt("UTM_TELEMETRY_MAX_FUTURE_S", limits.TelemetryMaxFutureS)
	limits.CommandCooldownS = envOrDefaultInt("UTM_COMMAND_COOLDOWN_S", limits.CommandCooldownS)
	limits.CommandAckTimeoutS = envOrDefaultInt("UTM_COMMAND_ACK_TIMEOUT_S", limits.CommandAckTimeoutS)
	limits.CommandTTLS = envOrDefaultInt("UTM_COMMAND_TTL_S", limits.CommandTTLS)
	limits.MaxExternalTracks = envOrDefaultInt("UTM_MAX_EXTERNAL_TRACKS", limits.MaxExternalTracks)
	return limits
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
