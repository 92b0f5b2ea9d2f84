package utmlink

import (
	"context"
	"testing"
	"time"

	"utm_sector/internal/model"
	"utm_sector/internal/persist"
	"utm_sector/internal/store"
)

// nullPersister satisfies store.Persister for sync tests.
type nullPersister struct{}

func (nullPersister) UpsertDrone(model.DroneState) error      { return nil }
func (nullPersister) UpsertToken(string, string) error        { return nil }
func (nullPersister) UpsertGeofence(model.Geofence) error     { return nil }
func (nullPersister) DeleteGeofence(string) error             { return nil }
func (nullPersister) UpsertFlightPlan(model.FlightPlan) error { return nil }
func (nullPersister) UpsertCommand(model.Command) error       { return nil }
func (nullPersister) Load() (store.PersistedState, error)     { return store.PersistedState{}, nil }
func (nullPersister) Reset() error                            { return nil }
func (nullPersister) Ping() error                             { return nil }
func (nullPersister) Close() error                            { return nil }

// memSyncMap is an in-memory persist.SyncMap.
type memSyncMap struct {
	entries map[string]persist.SyncEntry
}

func newMemSyncMap() *memSyncMap {
	return &memSyncMap{entries: make(map[string]persist.SyncEntry)}
}

func (m *memSyncMap) LoadSyncState() (map[string]persist.SyncEntry, error) {
	out := make(map[string]persist.SyncEntry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}

func (m *memSyncMap) UpsertSyncEntry(e persist.SyncEntry) error {
	m.entries[e.LocalID] = e
	return nil
}

func (m *memSyncMap) DeleteSyncEntry(localID string) error {
	delete(m.entries, localID)
	return nil
}

// fakeClient records calls and serves canned responses.
type fakeClient struct {
	pushedGeofences []ExternalGeofence
	deleted         []string
	declarations    []Declaration
	nextID          int
}

func (f *fakeClient) PushTelemetry(ctx context.Context, tracks []RIDTrack) error { return nil }

func (f *fakeClient) PushGeofence(ctx context.Context, g ExternalGeofence) (string, error) {
	f.pushedGeofences = append(f.pushedGeofences, g)
	if g.ExternalID != "" {
		return g.ExternalID, nil
	}
	f.nextID++
	return "ext-" + string(rune('0'+f.nextID)), nil
}

func (f *fakeClient) DeleteGeofence(ctx context.Context, externalID string) error {
	f.deleted = append(f.deleted, externalID)
	return nil
}

func (f *fakeClient) FetchTraffic(ctx context.Context) ([]RIDTrack, error) { return nil, nil }

func (f *fakeClient) FetchDeclarations(ctx context.Context) ([]Declaration, error) {
	return f.declarations, nil
}

func newTestSyncer() (*Syncer, *store.World, *fakeClient, *memSyncMap) {
	world := store.New(store.DefaultLimits(), nullPersister{}, nil, nil)
	client := &fakeClient{}
	syncMap := newMemSyncMap()
	return NewSyncer(world, client, syncMap), world, client, syncMap
}

func testFence(id string) model.Geofence {
	return model.Geofence{
		ID:   id,
		Name: id,
		Type: model.GeofenceNoFly,
		Vertices: [][2]float64{
			{33.68, -117.83}, {33.68, -117.82}, {33.69, -117.82}, {33.68, -117.83},
		},
		LowerAltitudeM: 0,
		UpperAltitudeM: 120,
		Active:         true,
	}
}

func TestMirrorGeofencesIdempotent(t *testing.T) {
	syncer, world, client, syncMap := newTestSyncer()

	if err := world.UpsertGeofence(testFence("GF1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := syncer.mirrorGeofences(context.Background()); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if len(client.pushedGeofences) != 1 {
		t.Fatalf("pushes = %d, want 1", len(client.pushedGeofences))
	}
	if _, ok := syncMap.entries["GF1"]; !ok {
		t.Fatal("sync mapping not recorded")
	}

	// Unchanged geofence: no second push.
	if err := syncer.mirrorGeofences(context.Background()); err != nil {
		t.Fatalf("mirror 2: %v", err)
	}
	if len(client.pushedGeofences) != 1 {
		t.Errorf("pushes after no-op = %d, want 1", len(client.pushedGeofences))
	}

	// Changed geofence: pushed again, to the SAME external id via the
	// mapping (never matched by name).
	g, _ := world.GetGeofence("GF1")
	g.UpperAltitudeM = 100
	if err := world.UpsertGeofence(g); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := syncer.mirrorGeofences(context.Background()); err != nil {
		t.Fatalf("mirror 3: %v", err)
	}
	if len(client.pushedGeofences) != 2 {
		t.Fatalf("pushes after change = %d, want 2", len(client.pushedGeofences))
	}
	if client.pushedGeofences[1].ExternalID != syncMap.entries["GF1"].ExternalID {
		t.Error("update did not target the mapped external id")
	}

	// Deleted locally: deleted upstream and unmapped.
	if err := world.DeleteGeofence("GF1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := syncer.mirrorGeofences(context.Background()); err != nil {
		t.Fatalf("mirror 4: %v", err)
	}
	if len(client.deleted) != 1 {
		t.Errorf("upstream deletes = %d, want 1", len(client.deleted))
	}
	if len(syncMap.entries) != 0 {
		t.Errorf("mapping after delete = %d entries, want 0", len(syncMap.entries))
	}
}

func TestDeclarationIngestDedupes(t *testing.T) {
	syncer, world, client, _ := newTestSyncer()

	client.declarations = []Declaration{
		{
			DeclarationID: "D1",
			DroneID:       "EXT-DRONE",
			Waypoints: []model.Waypoint{
				{Lat: 33.6846, Lon: -117.8265, AltitudeM: 50},
				{Lat: 33.6846, Lon: -117.8200, AltitudeM: 50},
			},
			StartTime: time.Now().UTC(),
		},
	}

	// Drive two ingest rounds through the loop body by invoking it with a
	// short-lived context and a fast interval.
	ctx, cancel := context.WithTimeout(context.Background(), 130*time.Millisecond)
	defer cancel()
	syncer.RunDeclarationIngest(ctx, 50*time.Millisecond)

	plans := world.ListFlightPlans()
	if len(plans) != 1 {
		t.Fatalf("plans = %d, want 1 (deduplicated)", len(plans))
	}
	if plans[0].Status != model.FlightPending {
		t.Errorf("ingested plan status = %s, want pending", plans[0].Status)
	}
	if plans[0].Metadata["external_declaration_id"] != "D1" {
		t.Errorf("declaration id not recorded: %+v", plans[0].Metadata)
	}
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 80*time.Millisecond)
	if !b.Ready() {
		t.Fatal("fresh backoff must be ready")
	}

	d1 := b.Fail()
	if b.Ready() {
		t.Error("backoff ready immediately after failure")
	}
	d2 := b.Fail()
	if d2 <= d1/2 {
		t.Errorf("delay did not grow: %v then %v", d1, d2)
	}

	// The cap bounds growth (jitter allows up to +20%).
	for i := 0; i < 10; i++ {
		if d := b.Fail(); d > 100*time.Millisecond {
			t.Fatalf("delay %v exceeded cap with jitter", d)
		}
	}

	b.Reset()
	if !b.Ready() {
		t.Error("reset backoff must be ready")
	}
}
