// Package geofence evaluates routes and points against the active geofence
// set. Containment runs in 2D on the polygon ring with a separate altitude
// band check; segment intersection samples along the segment at a fixed
// ground step.
package geofence

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"utm_sector/internal/geo"
	"utm_sector/internal/model"
)

// sampleStepM is the along-track sampling distance for segment checks.
const sampleStepM = 25.0

// maxSamplesPerSegment caps work on degenerate long segments.
const maxSamplesPerSegment = 200

// Violation reports a route breaching (or brushing) a geofence.
type Violation struct {
	GeofenceID  string             `json:"geofence_id"`
	Name        string             `json:"name"`
	Type        model.GeofenceType `json:"type"`
	FirstBreach model.Position     `json:"first_breach"`
	LastBreach  model.Position     `json:"last_breach"`
	// Fatal violations reject the route; advisory geofences are reported only.
	Fatal bool `json:"fatal"`
}

// ring builds the closed 2D polygon ring for a geofence. Vertices are
// stored [lat, lon]; orb points are (lon, lat).
func ring(g *model.Geofence) orb.Ring {
	r := make(orb.Ring, 0, len(g.Vertices)+1)
	for _, v := range g.Vertices {
		r = append(r, orb.Point{v[1], v[0]})
	}
	if len(r) > 0 && r[0] != r[len(r)-1] {
		r = append(r, r[0])
	}
	return r
}

// ContainsPoint reports whether a geodetic point lies inside the geofence
// volume. Boundary points count as inside.
func ContainsPoint(g *model.Geofence, lat, lon, altM float64) bool {
	if len(g.Vertices) < 3 {
		return false
	}
	if altM < g.LowerAltitudeM || altM > g.UpperAltitudeM {
		return false
	}
	return planar.RingContains(ring(g), orb.Point{lon, lat})
}

// SegmentIntersects reports whether any point along the segment between two
// waypoints lies inside the geofence volume.
func SegmentIntersects(g *model.Geofence, a, b model.Waypoint) bool {
	breach, _, _ := segmentBreaches(g, a, b)
	return breach
}

func segmentBreaches(g *model.Geofence, a, b model.Waypoint) (bool, model.Position, model.Position) {
	distM := geo.Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
	steps := int(distM/sampleStepM) + 1
	if steps > maxSamplesPerSegment {
		steps = maxSamplesPerSegment
	}

	var first, last model.Position
	found := false
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		p := model.Position{
			Lat:       a.Lat + t*(b.Lat-a.Lat),
			Lon:       a.Lon + t*(b.Lon-a.Lon),
			AltitudeM: a.AltitudeM + t*(b.AltitudeM-a.AltitudeM),
		}
		if ContainsPoint(g, p.Lat, p.Lon, p.AltitudeM) {
			if !found {
				first = p
				found = true
			}
			last = p
		}
	}
	return found, first, last
}

// CheckRoute evaluates an ordered waypoint sequence against the geofences
// active at the given instant. One violation is reported per breached
// geofence, carrying the first and last breach point along the route.
func CheckRoute(fences []model.Geofence, waypoints []model.Waypoint, now time.Time) []Violation {
	if len(waypoints) < 2 {
		return nil
	}

	routeLo, routeHi := waypoints[0].AltitudeM, waypoints[0].AltitudeM
	for _, wp := range waypoints[1:] {
		if wp.AltitudeM < routeLo {
			routeLo = wp.AltitudeM
		}
		if wp.AltitudeM > routeHi {
			routeHi = wp.AltitudeM
		}
	}

	var violations []Violation
	for i := range fences {
		g := &fences[i]
		if !g.ActiveAt(now) {
			continue
		}
		if !geo.AltitudeBandsOverlap(g.LowerAltitudeM, g.UpperAltitudeM, routeLo, routeHi, 0) {
			continue
		}

		var first, last model.Position
		found := false
		for s := 0; s < len(waypoints)-1; s++ {
			breach, f, l := segmentBreaches(g, waypoints[s], waypoints[s+1])
			if !breach {
				continue
			}
			if !found {
				first = f
				found = true
			}
			last = l
		}
		if found {
			violations = append(violations, Violation{
				GeofenceID:  g.ID,
				Name:        g.Name,
				Type:        g.Type,
				FirstBreach: first,
				LastBreach:  last,
				Fatal:       g.Type != model.GeofenceAdvisory,
			})
		}
	}
	return violations
}

// Validate checks geofence structural invariants before upsert.
func Validate(g *model.Geofence) []string {
	var errs []string
	if len(g.Vertices) < 3 {
		errs = append(errs, "polygon must have at least 3 vertices")
	}
	if g.LowerAltitudeM >= g.UpperAltitudeM {
		errs = append(errs, "lower altitude must be below upper altitude")
	}
	if g.LowerAltitudeM < 0 {
		errs = append(errs, "lower altitude cannot be negative")
	}
	if g.EffectiveFrom != nil && g.EffectiveTo != nil && !g.EffectiveFrom.Before(*g.EffectiveTo) {
		errs = append(errs, "effective window is empty")
	}
	return errs
}

// Normalize auto-closes the polygon ring if the input left it open.
func Normalize(g *model.Geofence) {
	n := len(g.Vertices)
	if n >= 3 && g.Vertices[0] != g.Vertices[n-1] {
		g.Vertices = append(g.Vertices, g.Vertices[0])
	}
}
