package store

import (
	"sort"
	"time"

	"utm_sector/internal/model"
)

// UpsertGeofence creates or updates a geofence. An upsert with an identical
// payload is a no-op: the fingerprint is unchanged and updated_at is not
// touched.
func (w *World) UpsertGeofence(g model.Geofence) error {
	if g.ID == "" {
		return model.ErrInvalidInput
	}

	now := time.Now().UTC()
	w.fencesMu.Lock()
	existing, ok := w.fences[g.ID]
	if ok {
		g.CreatedAt = existing.CreatedAt
		g.UpdatedAt = existing.UpdatedAt
		if existing.Fingerprint() == g.Fingerprint() {
			w.fencesMu.Unlock()
			return nil
		}
		g.UpdatedAt = now
	} else {
		g.CreatedAt = now
		g.UpdatedAt = now
	}
	w.fencesMu.Unlock()

	if err := w.persister.UpsertGeofence(g); err != nil {
		return w.persistFailed("persist geofence", err)
	}

	w.fencesMu.Lock()
	stored := g
	w.fences[g.ID] = &stored
	w.fencesMu.Unlock()
	return nil
}

// DeleteGeofence removes a geofence.
func (w *World) DeleteGeofence(id string) error {
	w.fencesMu.Lock()
	_, ok := w.fences[id]
	w.fencesMu.Unlock()
	if !ok {
		return model.ErrNotFound
	}

	if err := w.persister.DeleteGeofence(id); err != nil {
		return w.persistFailed("delete geofence", err)
	}

	w.fencesMu.Lock()
	delete(w.fences, id)
	w.fencesMu.Unlock()
	return nil
}

// GetGeofence returns one geofence by id.
func (w *World) GetGeofence(id string) (model.Geofence, bool) {
	w.fencesMu.RLock()
	defer w.fencesMu.RUnlock()
	g, ok := w.fences[id]
	if !ok {
		return model.Geofence{}, false
	}
	return *g, true
}

// ListGeofences returns a snapshot of all geofences, ordered by id.
func (w *World) ListGeofences() []model.Geofence {
	w.fencesMu.RLock()
	out := make([]model.Geofence, 0, len(w.fences))
	for _, g := range w.fences {
		out = append(out, *g)
	}
	w.fencesMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SubmitFlightPlan stores a new or updated flight plan.
func (w *World) SubmitFlightPlan(p model.FlightPlan) error {
	if p.FlightID == "" || p.DroneID == "" || len(p.Waypoints) < 2 {
		return model.ErrInvalidInput
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	if err := w.persister.UpsertFlightPlan(p); err != nil {
		return w.persistFailed("persist flight plan", err)
	}

	w.plansMu.Lock()
	stored := p
	w.plans[p.FlightID] = &stored
	w.plansMu.Unlock()
	return nil
}

// SetPlanStatus moves a plan through its lifecycle. Activating a plan
// requires its drone to be flying (Active, Holding or Rerouting).
func (w *World) SetPlanStatus(flightID string, status model.FlightStatus) error {
	w.plansMu.Lock()
	plan, ok := w.plans[flightID]
	if !ok {
		w.plansMu.Unlock()
		return model.ErrNotFound
	}
	prev := *plan

	if status == model.FlightActive {
		drone, ok := w.GetDrone(plan.DroneID)
		if !ok || !drone.Status.Airborne() {
			w.plansMu.Unlock()
			return model.ErrConflict
		}
	}

	plan.Status = status
	if status == model.FlightCompleted || status == model.FlightCancelled {
		now := time.Now().UTC()
		plan.EndTime = &now
	}
	updated := *plan
	w.plansMu.Unlock()

	if err := w.persister.UpsertFlightPlan(updated); err != nil {
		w.plansMu.Lock()
		restored := prev
		w.plans[flightID] = &restored
		w.plansMu.Unlock()
		return w.persistFailed("persist plan status", err)
	}
	return nil
}

// GetFlightPlan returns one plan by id.
func (w *World) GetFlightPlan(flightID string) (model.FlightPlan, bool) {
	w.plansMu.RLock()
	defer w.plansMu.RUnlock()
	p, ok := w.plans[flightID]
	if !ok {
		return model.FlightPlan{}, false
	}
	return *p, true
}

// ListFlightPlans returns a snapshot of all plans, newest first.
func (w *World) ListFlightPlans() []model.FlightPlan {
	w.plansMu.RLock()
	out := make([]model.FlightPlan, 0, len(w.plans))
	for _, p := range w.plans {
		out = append(out, *p)
	}
	w.plansMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// SetConflicts replaces the published conflict list for this tick.
func (w *World) SetConflicts(conflicts []model.Conflict) {
	w.conflictsMu.Lock()
	w.conflicts = conflicts
	w.conflictsMu.Unlock()

	if w.events != nil {
		w.events.PublishConflicts(conflicts)
	}
	if w.archiver != nil && len(conflicts) > 0 {
		w.archiver.ArchiveConflicts(conflicts)
	}
}

// ListConflicts returns the conflict set from the latest tick.
func (w *World) ListConflicts() []model.Conflict {
	w.conflictsMu.RLock()
	defer w.conflictsMu.RUnlock()
	out := make([]model.Conflict, len(w.conflicts))
	copy(out, w.conflicts)
	return out
}

// UpsertExternalTrack stores a Remote-ID track from the external UTM. New
// tracks beyond the cap are dropped.
func (w *World) UpsertExternalTrack(t model.ExternalTrack) bool {
	w.tracksMu.Lock()
	defer w.tracksMu.Unlock()
	if _, exists := w.tracks[t.TrackID]; !exists &&
		w.limits.MaxExternalTracks > 0 && len(w.tracks) >= w.limits.MaxExternalTracks {
		return false
	}
	stored := t
	w.tracks[t.TrackID] = &stored
	return true
}

// ListExternalTracks returns a snapshot of external traffic.
func (w *World) ListExternalTracks() []model.ExternalTrack {
	w.tracksMu.RLock()
	defer w.tracksMu.RUnlock()
	out := make([]model.ExternalTrack, 0, len(w.tracks))
	for _, t := range w.tracks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// PurgeExternalTracks drops tracks older than maxAge and returns their ids.
func (w *World) PurgeExternalTracks(now time.Time, maxAge time.Duration) []string {
	w.tracksMu.Lock()
	defer w.tracksMu.Unlock()
	var purged []string
	for id, t := range w.tracks {
		if now.Sub(t.LastUpdate) > maxAge {
			delete(w.tracks, id)
			purged = append(purged, id)
		}
	}
	return purged
}
