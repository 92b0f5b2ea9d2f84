package geofence

import (
	"testing"
	"time"

	"utm_sector/internal/model"
)

// square returns a geofence covering roughly 500m x 500m centred on the
// given point.
func square(id string, gtype model.GeofenceType, lat, lon float64) model.Geofence {
	d := 0.0025
	return model.Geofence{
		ID:   id,
		Name: id,
		Type: gtype,
		Vertices: [][2]float64{
			{lat - d, lon - d},
			{lat - d, lon + d},
			{lat + d, lon + d},
			{lat + d, lon - d},
			{lat - d, lon - d},
		},
		LowerAltitudeM: 0,
		UpperAltitudeM: 120,
		Active:         true,
	}
}

func TestContainsPoint(t *testing.T) {
	g := square("GF1", model.GeofenceNoFly, 33.6846, -117.8265)

	if !ContainsPoint(&g, 33.6846, -117.8265, 50) {
		t.Error("centre point should be inside")
	}
	if ContainsPoint(&g, 33.70, -117.8265, 50) {
		t.Error("point outside polygon reported inside")
	}
	if ContainsPoint(&g, 33.6846, -117.8265, 500) {
		t.Error("point above ceiling reported inside")
	}
}

func TestCheckRouteFatalVsAdvisory(t *testing.T) {
	noFly := square("NF", model.GeofenceNoFly, 33.6846, -117.8265)
	advisory := square("ADV", model.GeofenceAdvisory, 33.6846, -117.8265)

	route := []model.Waypoint{
		{Lat: 33.6846, Lon: -117.84, AltitudeM: 50},
		{Lat: 33.6846, Lon: -117.81, AltitudeM: 50},
	}

	now := time.Now()
	violations := CheckRoute([]model.Geofence{noFly, advisory}, route, now)
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(violations))
	}

	byID := map[string]Violation{}
	for _, v := range violations {
		byID[v.GeofenceID] = v
	}
	if !byID["NF"].Fatal {
		t.Error("no-fly violation should be fatal")
	}
	if byID["ADV"].Fatal {
		t.Error("advisory violation should not be fatal")
	}
}

func TestCheckRouteAltitudeBand(t *testing.T) {
	g := square("HIGH", model.GeofenceNoFly, 33.6846, -117.8265)
	g.LowerAltitudeM = 100
	g.UpperAltitudeM = 120

	route := []model.Waypoint{
		{Lat: 33.6846, Lon: -117.84, AltitudeM: 50},
		{Lat: 33.6846, Lon: -117.81, AltitudeM: 50},
	}
	if v := CheckRoute([]model.Geofence{g}, route, time.Now()); len(v) != 0 {
		t.Errorf("route below the geofence floor should not violate, got %v", v)
	}
}

func TestCheckRouteInactiveWindow(t *testing.T) {
	g := square("TFR", model.GeofenceRestricted, 33.6846, -117.8265)
	from := time.Now().Add(time.Hour)
	g.EffectiveFrom = &from

	route := []model.Waypoint{
		{Lat: 33.6846, Lon: -117.84, AltitudeM: 50},
		{Lat: 33.6846, Lon: -117.81, AltitudeM: 50},
	}
	if v := CheckRoute([]model.Geofence{g}, route, time.Now()); len(v) != 0 {
		t.Errorf("not-yet-effective geofence should not violate, got %v", v)
	}

	// Same geofence evaluated inside its window does violate.
	if v := CheckRoute([]model.Geofence{g}, route, time.Now().Add(2*time.Hour)); len(v) != 1 {
		t.Errorf("effective geofence should violate, got %v", v)
	}
}

func TestCheckRouteBreachPoints(t *testing.T) {
	g := square("GF", model.GeofenceNoFly, 33.6846, -117.8265)
	route := []model.Waypoint{
		{Lat: 33.6846, Lon: -117.84, AltitudeM: 50},
		{Lat: 33.6846, Lon: -117.81, AltitudeM: 50},
	}

	violations := CheckRoute([]model.Geofence{g}, route, time.Now())
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
	v := violations[0]
	// Entry must be west of exit for a west-to-east crossing.
	if v.FirstBreach.Lon >= v.LastBreach.Lon {
		t.Errorf("breach points out of order: first %.5f last %.5f", v.FirstBreach.Lon, v.LastBreach.Lon)
	}
}

func TestNormalizeClosesRing(t *testing.T) {
	g := model.Geofence{
		Vertices: [][2]float64{
			{33.68, -117.83},
			{33.68, -117.82},
			{33.69, -117.82},
		},
	}
	Normalize(&g)
	if len(g.Vertices) != 4 {
		t.Fatalf("expected closing vertex appended, got %d vertices", len(g.Vertices))
	}
	if g.Vertices[0] != g.Vertices[3] {
		t.Error("ring not closed")
	}
}

func TestValidate(t *testing.T) {
	g := model.Geofence{
		Vertices:       [][2]float64{{0, 0}, {0, 1}},
		LowerAltitudeM: 50,
		UpperAltitudeM: 40,
	}
	errs := Validate(&g)
	if len(errs) != 2 {
		t.Errorf("expected 2 validation errors, got %v", errs)
	}
}
