// Package conflict implements pairwise closest-point-of-approach prediction
// over the sector ENU frame.
package conflict

import (
	"math"
	"sort"
	"time"

	"utm_sector/internal/geo"
	"utm_sector/internal/model"
)

// Track is a detector input: the latest position and velocity of one
// airborne vehicle (registered drone or external Remote-ID track).
type Track struct {
	ID         string
	Lat        float64
	Lon        float64
	AltitudeM  float64
	Velocity   model.Velocity
	HeadingDeg float64
	SpeedMPS   float64
}

// velocityENU returns the track's velocity vector, falling back to the
// heading/speed pair when no vector components were reported.
func (t *Track) velocityENU() geo.ENU {
	v := geo.ENU{X: t.Velocity.E, Y: t.Velocity.N, Z: t.Velocity.U}
	if geo.Norm(v) > 1e-9 {
		return v
	}
	rad := t.HeadingDeg * math.Pi / 180
	return geo.ENU{
		X: t.SpeedMPS * math.Sin(rad),
		Y: t.SpeedMPS * math.Cos(rad),
		Z: 0,
	}
}

// Detector predicts separation breaches between track pairs.
type Detector struct {
	Frame          geo.Frame
	LookaheadS     float64
	MinHorizontalM float64
	MinVerticalM   float64
	SampleStepS    float64
}

// New creates a detector with the given thresholds.
func New(frame geo.Frame, lookaheadS, minHorizontalM, minVerticalM float64) *Detector {
	return &Detector{
		Frame:          frame,
		LookaheadS:     lookaheadS,
		MinHorizontalM: minHorizontalM,
		MinVerticalM:   minVerticalM,
		SampleStepS:    1.0,
	}
}

// Detect evaluates every unordered track pair and returns the current
// conflict set. Output is independent of input order: tracks are sorted by
// id and each conflict names the smaller id first.
func (d *Detector) Detect(tracks []Track, now time.Time) []model.Conflict {
	sorted := make([]Track, len(tracks))
	copy(sorted, tracks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var conflicts []model.Conflict
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if c, ok := d.checkPair(&sorted[i], &sorted[j], now); ok {
				conflicts = append(conflicts, c)
			}
		}
	}
	return conflicts
}

// checkPair runs the CPA test for one pair. The closed-form CPA is the
// primary test; fixed-step sampling over the clamped window catches breaches
// where the unclamped optimum falls outside [0, lookahead].
func (d *Detector) checkPair(a, b *Track, now time.Time) (model.Conflict, bool) {
	pa := d.Frame.ToENU(a.Lat, a.Lon, a.AltitudeM)
	pb := d.Frame.ToENU(b.Lat, b.Lon, b.AltitudeM)
	va := a.velocityENU()
	vb := b.velocityENU()

	dp := geo.Sub(pa, pb)
	dv := geo.Sub(va, vb)

	tCPA := 0.0
	if vv := geo.Dot(dv, dv); vv > 1e-9 {
		tCPA = -geo.Dot(dp, dv) / vv
	}
	if tCPA < 0 {
		tCPA = 0
	}
	if tCPA > d.LookaheadS {
		tCPA = d.LookaheadS
	}

	// Candidate times: t=0, the sampling grid up to tCPA, and tCPA itself.
	step := d.SampleStepS
	if step <= 0 {
		step = 1.0
	}
	candidates := []float64{0}
	for t := step; t < tCPA; t += step {
		candidates = append(candidates, t)
	}
	candidates = append(candidates, tCPA)

	breach := false
	minSep := math.Inf(1)
	minSepT := 0.0
	for _, t := range candidates {
		at := geo.Add(pa, geo.Scale(va, t))
		bt := geo.Add(pb, geo.Scale(vb, t))
		dh := geo.HorizontalDistance(at, bt)
		dz := math.Abs(at.Z - bt.Z)
		sep := geo.Distance3D(at, bt)
		if sep < minSep {
			minSep = sep
			minSepT = t
		}
		if dh < d.MinHorizontalM && dz < d.MinVerticalM {
			breach = true
		}
	}
	if !breach {
		return model.Conflict{}, false
	}

	currentH := geo.HorizontalDistance(pa, pb)
	currentV := math.Abs(pa.Z - pb.Z)

	severity := model.SeverityInfo
	switch {
	case currentH < d.MinHorizontalM && currentV < d.MinVerticalM:
		severity = model.SeverityCritical
	case tCPA <= d.LookaheadS/2:
		severity = model.SeverityWarning
	}

	// Location is the midpoint of the pair at closest approach.
	at := geo.Add(pa, geo.Scale(va, minSepT))
	bt := geo.Add(pb, geo.Scale(vb, minSepT))
	mid := geo.Scale(geo.Add(at, bt), 0.5)
	lat, lon, alt := d.Frame.FromENU(mid)

	c := model.Conflict{
		DroneA:         a.ID,
		DroneB:         b.ID,
		TimeToCPAS:     tCPA,
		MinSeparationM: minSep,
		Severity:       severity,
		Location:       model.Position{Lat: lat, Lon: lon, AltitudeM: alt},
		DetectedAt:     now,
	}
	if c.DroneA > c.DroneB {
		c.DroneA, c.DroneB = c.DroneB, c.DroneA
	}
	return c, true
}
