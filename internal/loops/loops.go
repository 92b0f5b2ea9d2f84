// Package loops drives the periodic core work: conflict detection and
// resolution, drone-timeout sweeping, command expiry and mission
// progression. Each loop owns its cadence and never exits on handled
// errors; cancellation happens at tick boundaries via the context.
package loops

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"utm_sector/internal/conflict"
	"utm_sector/internal/geo"
	"utm_sector/internal/model"
	"utm_sector/internal/resolve"
	"utm_sector/internal/store"
)

// Runner bundles the engine pieces the loops need.
type Runner struct {
	World    *store.World
	Detector *conflict.Detector
	Resolver *resolve.Resolver
}

// RunConflictLoop runs detection and resolution at the configured tick.
// Each tick snapshots the airborne drones (plus external traffic), detects
// conflicts, publishes the conflict list and issues at most one command per
// conflict.
func (r *Runner) RunConflictLoop(ctx context.Context) {
	tick := time.Duration(r.World.Limits().ConflictTickMS) * time.Millisecond
	if tick <= 0 || tick > time.Second {
		tick = 250 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.tickOnce(time.Now().UTC())
	}
}

// tickOnce is one conflict-loop iteration, split out for tests.
func (r *Runner) tickOnce(now time.Time) {
	drones := r.World.AirborneDrones(now)

	tracks := make([]conflict.Track, 0, len(drones))
	droneByID := make(map[string]model.DroneState, len(drones))
	for _, d := range drones {
		droneByID[d.DroneID] = d
		tracks = append(tracks, conflict.Track{
			ID:         d.DroneID,
			Lat:        d.Lat,
			Lon:        d.Lon,
			AltitudeM:  d.AltitudeM,
			Velocity:   d.Velocity,
			HeadingDeg: d.HeadingDeg,
			SpeedMPS:   d.SpeedMPS,
		})
	}
	for _, t := range r.World.ListExternalTracks() {
		tracks = append(tracks, conflict.Track{
			ID:         t.TrackID,
			Lat:        t.Lat,
			Lon:        t.Lon,
			AltitudeM:  t.AltitudeM,
			HeadingDeg: t.HeadingDeg,
			SpeedMPS:   t.SpeedMPS,
		})
	}

	conflicts := r.Detector.Detect(tracks, now)
	r.World.SetConflicts(conflicts)
	if len(conflicts) == 0 {
		return
	}

	fences := r.World.ListGeofences()
	for _, c := range conflicts {
		cmd := r.Resolver.Resolve(c, droneByID, fences, r.World, now)
		if cmd == nil {
			continue
		}
		if err := r.World.EnqueueCommand(*cmd); err != nil {
			log.Printf("loops: enqueue %s for %s: %v", cmd.Payload.Type, cmd.DroneID, err)
			continue
		}
		log.Printf("loops: [%s] %s <-> %s: issued %s to %s",
			c.Severity, c.DroneA, c.DroneB, cmd.Payload.Type, cmd.DroneID)
	}
}

// RunTimeoutSweeper marks silent drones Lost and issues the failsafe
// ladder: Hold on the first timeout window, Land after a second.
func (r *Runner) RunTimeoutSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()
		for _, action := range r.World.SweepTimeouts(now) {
			payload := model.CommandPayload{
				Type:      model.CommandHold,
				DurationS: r.World.Limits().DroneTimeoutS * 2,
				Reason:    "telemetry timeout failsafe",
			}
			if action.Escalate {
				payload = model.CommandPayload{Type: model.CommandLand, Reason: "lost link"}
			}
			cmd := model.Command{
				CommandID: fmt.Sprintf("CMD-%s", uuid.NewString()[:8]),
				DroneID:   action.DroneID,
				Payload:   payload,
				IssuedAt:  now,
				ExpiresAt: now.Add(time.Duration(r.World.Limits().CommandTTLS) * time.Second),
				State:     model.CommandIssued,
			}
			if err := r.World.EnqueueCommand(cmd); err != nil {
				log.Printf("loops: failsafe %s for %s: %v", payload.Type, action.DroneID, err)
				continue
			}
			log.Printf("loops: drone %s lost, issued %s failsafe", action.DroneID, payload.Type)
		}
	}
}

// RunExpirySweeper expires overdue commands every second.
func (r *Runner) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n := r.World.ExpireCommands(time.Now().UTC()); n > 0 {
			log.Printf("loops: expired %d command(s)", n)
		}
	}
}

// Mission progression thresholds: a flight completes when the drone is
// within this box of its final waypoint.
const (
	arrivalDistanceM = 20.0
	arrivalAltitudeM = 15.0
	missionTick      = 2 * time.Second
	missionCooldownS = 10
)

// RunMissionLoop activates due flight plans and completes arrived ones.
func (r *Runner) RunMissionLoop(ctx context.Context) {
	ticker := time.NewTicker(missionTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.missionTickOnce(time.Now().UTC())
	}
}

func (r *Runner) missionTickOnce(now time.Time) {
	for _, plan := range r.World.ListFlightPlans() {
		switch plan.Status {
		case model.FlightApproved, model.FlightPending:
			if len(plan.Waypoints) == 0 || plan.StartTime.After(now) {
				continue
			}
			drone, ok := r.World.GetDrone(plan.DroneID)
			if !ok || drone.Status == model.StatusLost || drone.Status == model.StatusInactive {
				continue
			}
			if r.World.HasUnacked(plan.DroneID, model.CommandReroute) {
				continue
			}
			if acked, ok := r.World.LastAcked(plan.DroneID, model.CommandReroute); ok &&
				now.Sub(acked) < missionCooldownS*time.Second {
				continue
			}
			cmd := model.Command{
				CommandID: fmt.Sprintf("CMD-%s", uuid.NewString()[:8]),
				DroneID:   plan.DroneID,
				Payload: model.CommandPayload{
					Type:      model.CommandReroute,
					Waypoints: plan.Waypoints,
					Reason:    "mission plan execution",
				},
				IssuedAt:  now,
				ExpiresAt: now.Add(time.Duration(r.World.Limits().CommandTTLS) * time.Second),
				State:     model.CommandIssued,
			}
			if err := r.World.EnqueueCommand(cmd); err != nil {
				log.Printf("loops: mission start for %s: %v", plan.FlightID, err)
				continue
			}
			if err := r.World.SetPlanStatus(plan.FlightID, model.FlightActive); err != nil {
				log.Printf("loops: activate plan %s: %v", plan.FlightID, err)
			}

		case model.FlightActive:
			drone, ok := r.World.GetDrone(plan.DroneID)
			if !ok {
				continue
			}
			if drone.Status == model.StatusLost || drone.Status == model.StatusInactive {
				if err := r.World.SetPlanStatus(plan.FlightID, model.FlightCancelled); err != nil {
					log.Printf("loops: cancel plan %s: %v", plan.FlightID, err)
				}
				continue
			}
			last := plan.Waypoints[len(plan.Waypoints)-1]
			dist := geo.Haversine(drone.Lat, drone.Lon, last.Lat, last.Lon)
			altDelta := drone.AltitudeM - last.AltitudeM
			if altDelta < 0 {
				altDelta = -altDelta
			}
			if dist <= arrivalDistanceM && altDelta <= arrivalAltitudeM {
				if err := r.World.SetPlanStatus(plan.FlightID, model.FlightCompleted); err != nil {
					log.Printf("loops: complete plan %s: %v", plan.FlightID, err)
				}
			}
		}
	}
}
