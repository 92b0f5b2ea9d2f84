// Package resolve turns detected conflicts into at most one avoidance
// command per conflict per tick. It arbitrates priority, picks a vertical,
// lateral or hold strategy, synthesises waypoints and suppresses duplicates.
package resolve

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"utm_sector/internal/geo"
	"utm_sector/internal/geofence"
	"utm_sector/internal/model"
)

// lateralOffsetM is how far the dogleg waypoint sits from the yielder's
// track, perpendicular to its heading.
const lateralOffsetM = 100.0

// climbStepM is the altitude gain commanded by the vertical strategy.
const climbStepM = 30.0

// Rules carries the thresholds the resolver shares with the detector.
type Rules struct {
	MinHorizontalM float64
	MinVerticalM   float64
	LookaheadS     float64
	MaxAltitudeM   float64
	CooldownS      int
	CommandTTLS    int
}

// History is the command-ledger view used for duplicate suppression: an
// unacknowledged command of a kind blocks another of the same kind, and an
// acknowledged one blocks re-issue inside the cooldown window.
type History interface {
	HasUnacked(droneID string, kind model.CommandKind) bool
	LastAcked(droneID string, kind model.CommandKind) (time.Time, bool)
}

// OffsetPlanner synthesises the lateral dogleg waypoint for a yielder. It is
// a pure function of the two drone states and the geofence set so an
// obstacle-aware planner can be swapped in without touching the resolver.
type OffsetPlanner func(yielder, other model.DroneState, fences []model.Geofence, now time.Time) (model.Waypoint, bool)

// Resolver decides and synthesises avoidance commands.
type Resolver struct {
	Frame  geo.Frame
	Rules  Rules
	Offset OffsetPlanner
}

// New creates a resolver with the default lateral offset planner.
func New(frame geo.Frame, rules Rules) *Resolver {
	r := &Resolver{Frame: frame, Rules: rules}
	r.Offset = r.defaultOffsetPlanner
	return r
}

// ChooseYielder returns the drone that must maneuver: the lower priority
// one, or on a tie the lexicographically larger id.
func ChooseYielder(a, b model.DroneState) (yielder, other model.DroneState) {
	if a.Priority != b.Priority {
		if a.Priority < b.Priority {
			return a, b
		}
		return b, a
	}
	if a.DroneID > b.DroneID {
		return a, b
	}
	return b, a
}

// Resolve produces the command for one conflict, or nil when the conflict
// needs no (or can receive no) new command this tick.
func (r *Resolver) Resolve(c model.Conflict, drones map[string]model.DroneState, fences []model.Geofence, hist History, now time.Time) *model.Command {
	a, okA := drones[c.DroneA]
	b, okB := drones[c.DroneB]
	if !okA || !okB {
		return nil
	}

	yielder, other := ChooseYielder(a, b)

	// No cascading reroutes: if the preferred drone is itself already
	// maneuvering, both keep their current behaviour.
	if other.Status == model.StatusHolding || other.Status == model.StatusRerouting {
		return nil
	}

	payload, ok := r.chooseStrategy(yielder, other, fences, now)
	if !ok {
		return nil
	}

	if hist != nil {
		if hist.HasUnacked(yielder.DroneID, payload.Type) {
			return nil
		}
		if ackedAt, ok := hist.LastAcked(yielder.DroneID, payload.Type); ok {
			if now.Sub(ackedAt) < time.Duration(r.Rules.CooldownS)*time.Second {
				return nil
			}
		}
	}

	ttl := r.Rules.CommandTTLS
	if ttl <= 0 {
		ttl = 60
	}
	return &model.Command{
		CommandID: fmt.Sprintf("CMD-%s", uuid.NewString()[:8]),
		DroneID:   yielder.DroneID,
		Payload:   payload,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(ttl) * time.Second),
		State:     model.CommandIssued,
	}
}

// chooseStrategy picks vertical, lateral or hold for the yielder.
func (r *Resolver) chooseStrategy(yielder, other model.DroneState, fences []model.Geofence, now time.Time) (model.CommandPayload, bool) {
	reason := fmt.Sprintf("separation from %s", other.DroneID)

	// Vertical: enough existing split to finish the job with one climb, and
	// headroom below the ceiling.
	if math.Abs(yielder.AltitudeM-other.AltitudeM) >= r.Rules.MinVerticalM/2 &&
		yielder.AltitudeM+climbStepM <= r.Rules.MaxAltitudeM {
		return model.CommandPayload{
			Type:            model.CommandAltitudeChange,
			TargetAltitudeM: yielder.AltitudeM + climbStepM,
			Reason:          reason,
		}, true
	}

	// Lateral: dogleg around the other drone's predicted path.
	if offset, ok := r.Offset(yielder, other, fences, now); ok {
		wps := []model.Waypoint{
			{Lat: yielder.Lat, Lon: yielder.Lon, AltitudeM: yielder.AltitudeM},
			offset,
			r.resumeWaypoint(yielder),
		}
		if r.rerouteClearsOther(wps, other) && !r.routeCrossesNoFly(wps, fences, now) {
			return model.CommandPayload{
				Type:      model.CommandReroute,
				Waypoints: wps,
				Reason:    reason,
			}, true
		}
	}

	// Hold: nothing else is feasible.
	return model.CommandPayload{
		Type:      model.CommandHold,
		DurationS: int(r.Rules.LookaheadS * 2),
		Reason:    reason,
	}, true
}

// resumeWaypoint is where the yielder rejoins its route after the dogleg:
// its next assigned waypoint, or a projection ahead along its heading.
func (r *Resolver) resumeWaypoint(yielder model.DroneState) model.Waypoint {
	if len(yielder.AssignedWaypoints) > 0 {
		return yielder.AssignedWaypoints[0]
	}
	aheadM := yielder.SpeedMPS * r.Rules.LookaheadS
	if aheadM < 2*lateralOffsetM {
		aheadM = 2 * lateralOffsetM
	}
	lat, lon := geo.OffsetByBearing(yielder.Lat, yielder.Lon, aheadM, yielder.HeadingDeg)
	return model.Waypoint{Lat: lat, Lon: lon, AltitudeM: yielder.AltitudeM}
}

// defaultOffsetPlanner places the dogleg waypoint 100m perpendicular to the
// yielder's heading on the side away from the other drone's predicted path,
// falling back to the near side if the far side is inside an active no-fly
// geofence.
func (r *Resolver) defaultOffsetPlanner(yielder, other model.DroneState, fences []model.Geofence, now time.Time) (model.Waypoint, bool) {
	left := math.Mod(yielder.HeadingDeg+270, 360)
	right := math.Mod(yielder.HeadingDeg+90, 360)

	otherSeg := r.predictedSegment(other)

	type candidate struct {
		wp        model.Waypoint
		clearance float64
	}
	var candidates []candidate
	for _, bearing := range []float64{left, right} {
		lat, lon := geo.OffsetByBearing(yielder.Lat, yielder.Lon, lateralOffsetM, bearing)
		wp := model.Waypoint{Lat: lat, Lon: lon, AltitudeM: yielder.AltitudeM}
		p := r.Frame.ToENU(lat, lon, yielder.AltitudeM)
		clearance := geo.SegmentDistance(p, p, otherSeg[0], otherSeg[1])
		candidates = append(candidates, candidate{wp: wp, clearance: clearance})
	}
	if candidates[1].clearance > candidates[0].clearance {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}

	for _, cand := range candidates {
		if r.pointInNoFly(cand.wp, fences, now) {
			continue
		}
		return cand.wp, true
	}
	return model.Waypoint{}, false
}

// predictedSegment is the other drone's linearly extrapolated path over the
// lookahead window, in ENU.
func (r *Resolver) predictedSegment(d model.DroneState) [2]geo.ENU {
	start := r.Frame.ToENU(d.Lat, d.Lon, d.AltitudeM)
	v := geo.ENU{X: d.Velocity.E, Y: d.Velocity.N, Z: d.Velocity.U}
	if geo.Norm(v) < 1e-9 {
		rad := d.HeadingDeg * math.Pi / 180
		v = geo.ENU{X: d.SpeedMPS * math.Sin(rad), Y: d.SpeedMPS * math.Cos(rad)}
	}
	end := geo.Add(start, geo.Scale(v, r.Rules.LookaheadS))
	return [2]geo.ENU{start, end}
}

// rerouteClearsOther rejects a reroute whose dogleg anchor still sits within
// the horizontal minimum of the other drone's predicted segment. The first
// and last legs start and end on the original track, which the other drone
// will have cleared by the time the yielder rejoins; the anchor is the point
// that must buy the separation.
func (r *Resolver) rerouteClearsOther(wps []model.Waypoint, other model.DroneState) bool {
	if len(wps) < 2 {
		return false
	}
	otherSeg := r.predictedSegment(other)
	anchor := wps[1]
	p := r.Frame.ToENU(anchor.Lat, anchor.Lon, anchor.AltitudeM)
	return geo.SegmentDistance(p, p, otherSeg[0], otherSeg[1]) >= r.Rules.MinHorizontalM
}

// routeCrossesNoFly reports whether any reroute leg enters an active no-fly
// geofence at the planned altitude.
func (r *Resolver) routeCrossesNoFly(wps []model.Waypoint, fences []model.Geofence, now time.Time) bool {
	for i := range fences {
		g := &fences[i]
		if g.Type != model.GeofenceNoFly || !g.ActiveAt(now) {
			continue
		}
		for s := 0; s < len(wps)-1; s++ {
			if geofence.SegmentIntersects(g, wps[s], wps[s+1]) {
				return true
			}
		}
	}
	return false
}

func (r *Resolver) pointInNoFly(wp model.Waypoint, fences []model.Geofence, now time.Time) bool {
	for i := range fences {
		g := &fences[i]
		if g.Type != model.GeofenceNoFly || !g.ActiveAt(now) {
			continue
		}
		if geofence.ContainsPoint(g, wp.Lat, wp.Lon, wp.AltitudeM) {
			return true
		}
	}
	return false
}
