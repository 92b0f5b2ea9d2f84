package utmlink

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"utm_sector/internal/model"
	"utm_sector/internal/persist"
	"utm_sector/internal/store"
)

// declarationKey marks ingested external declarations in plan metadata so
// re-fetching the same declaration never creates a duplicate plan.
const declarationKey = "external_declaration_id"

// externalTrackMaxAge prunes Remote-ID tracks that stop updating.
const externalTrackMaxAge = 30 * time.Second

// Syncer runs the optional external-UTM sync loops.
type Syncer struct {
	world   *store.World
	client  Client
	syncMap persist.SyncMap
}

// NewSyncer wires the sync loops to the world store and mapping table.
func NewSyncer(world *store.World, client Client, syncMap persist.SyncMap) *Syncer {
	return &Syncer{world: world, client: client, syncMap: syncMap}
}

// RunTelemetryPush uploads airborne drone positions as Remote-ID at the
// given cadence until the context ends.
func (s *Syncer) RunTelemetryPush(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	backoff := NewBackoff(time.Second, time.Minute)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !backoff.Ready() {
			continue
		}

		now := time.Now().UTC()
		drones := s.world.AirborneDrones(now)
		if len(drones) == 0 {
			continue
		}
		tracks := make([]RIDTrack, 0, len(drones))
		for _, d := range drones {
			tracks = append(tracks, RIDTrack{
				TrackID:    d.DroneID,
				Lat:        d.Lat,
				Lon:        d.Lon,
				AltitudeM:  d.AltitudeM,
				HeadingDeg: d.HeadingDeg,
				SpeedMPS:   d.SpeedMPS,
				Timestamp:  d.LastUpdate,
			})
		}
		if err := s.client.PushTelemetry(ctx, tracks); err != nil {
			log.Printf("utmlink: telemetry push failed (retry in %s): %v", backoff.Fail(), err)
			continue
		}
		backoff.Reset()
	}
}

// RunGeofenceMirror pushes local geofences upstream, keyed by fingerprint so
// unchanged geofences are not re-sent and upstream copies are updated in
// place via the sync mapping.
func (s *Syncer) RunGeofenceMirror(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	backoff := NewBackoff(time.Second, time.Minute)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !backoff.Ready() {
			continue
		}
		if err := s.mirrorGeofences(ctx); err != nil {
			log.Printf("utmlink: geofence mirror failed (retry in %s): %v", backoff.Fail(), err)
			continue
		}
		backoff.Reset()
	}
}

func (s *Syncer) mirrorGeofences(ctx context.Context) error {
	state, err := s.syncMap.LoadSyncState()
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}

	local := s.world.ListGeofences()
	seen := make(map[string]bool, len(local))

	for _, g := range local {
		seen[g.ID] = true
		fingerprint := strconv.FormatUint(g.Fingerprint(), 16)
		entry, known := state[g.ID]
		if known && entry.Fingerprint == fingerprint {
			continue
		}

		payload := ExternalGeofence{
			Name:           g.Name,
			Type:           string(g.Type),
			Vertices:       g.Vertices,
			LowerAltitudeM: g.LowerAltitudeM,
			UpperAltitudeM: g.UpperAltitudeM,
			ExpiresAt:      g.EffectiveTo,
		}
		if known {
			payload.ExternalID = entry.ExternalID
		}
		externalID, err := s.client.PushGeofence(ctx, payload)
		if err != nil {
			return err
		}
		if err := s.syncMap.UpsertSyncEntry(persist.SyncEntry{
			LocalID:     g.ID,
			ExternalID:  externalID,
			Fingerprint: fingerprint,
			ExpiresAt:   g.EffectiveTo,
		}); err != nil {
			return err
		}
	}

	// Locally deleted geofences come down from the mirror too.
	for localID, entry := range state {
		if seen[localID] {
			continue
		}
		if err := s.client.DeleteGeofence(ctx, entry.ExternalID); err != nil {
			return err
		}
		if err := s.syncMap.DeleteSyncEntry(localID); err != nil {
			return err
		}
	}
	return nil
}

// RunTrafficIngest pulls external Remote-ID tracks into the world store so
// they join conflict detection, and prunes the ones that go quiet.
func (s *Syncer) RunTrafficIngest(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	backoff := NewBackoff(time.Second, time.Minute)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		s.world.PurgeExternalTracks(now, externalTrackMaxAge)

		if !backoff.Ready() {
			continue
		}
		tracks, err := s.client.FetchTraffic(ctx)
		if err != nil {
			log.Printf("utmlink: traffic fetch failed (retry in %s): %v", backoff.Fail(), err)
			continue
		}
		backoff.Reset()

		for _, t := range tracks {
			// Local drones echo back from the RID feed; skip them.
			if _, ours := s.world.GetDrone(t.TrackID); ours {
				continue
			}
			s.world.UpsertExternalTrack(model.ExternalTrack{
				TrackID:    "ext-" + t.TrackID,
				Source:     "rid",
				Lat:        t.Lat,
				Lon:        t.Lon,
				AltitudeM:  t.AltitudeM,
				HeadingDeg: t.HeadingDeg,
				SpeedMPS:   t.SpeedMPS,
				LastUpdate: now,
			})
		}
	}
}

// RunDeclarationIngest converts external flight declarations into pending
// flight plans, deduplicated by declaration id.
func (s *Syncer) RunDeclarationIngest(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	backoff := NewBackoff(time.Second, time.Minute)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !backoff.Ready() {
			continue
		}
		declarations, err := s.client.FetchDeclarations(ctx)
		if err != nil {
			log.Printf("utmlink: declaration fetch failed (retry in %s): %v", backoff.Fail(), err)
			continue
		}
		backoff.Reset()

		known := make(map[string]bool)
		for _, plan := range s.world.ListFlightPlans() {
			if id, ok := plan.Metadata[declarationKey]; ok {
				known[id] = true
			}
		}

		for _, decl := range declarations {
			if decl.DeclarationID == "" || known[decl.DeclarationID] || len(decl.Waypoints) < 2 {
				continue
			}
			plan := model.FlightPlan{
				FlightID:    "ext-" + decl.DeclarationID,
				DroneID:     decl.DroneID,
				OwnerID:     decl.OwnerID,
				Origin:      decl.Waypoints[0],
				Destination: decl.Waypoints[len(decl.Waypoints)-1],
				Waypoints:   decl.Waypoints,
				Metadata:    map[string]string{declarationKey: decl.DeclarationID},
				Status:      model.FlightPending,
				StartTime:   decl.StartTime,
			}
			if err := s.world.SubmitFlightPlan(plan); err != nil {
				log.Printf("utmlink: ingest declaration %s: %v", decl.DeclarationID, err)
			}
		}
	}
}
