package core

import "github.com/signalsfoundry/fleet-emitter/model"

// ZoneMonitor reports which geofences contain a position.
type ZoneMonitor struct{}

// NewZoneMonitor returns a ZoneMonitor.
func NewZoneMonitor() *ZoneMonitor { return &ZoneMonitor{} }

// Check returns one event per fence whose great-circle distance from p is at
// most the fence radius, in fence order. A fence boundary counts as inside.
func (m *ZoneMonitor) Check(p model.PositionSample, fences []model.Geofence) []model.ZoneEvent {
	var events []model.ZoneEvent
	for _, f := range fences {
		d := HaversineKm(p.Lat, p.Lon, f.Center.Lat, f.Center.Lon)
		if d <= f.RadiusKm {
			events = append(events, model.ZoneEvent{FenceName: f.Name, DistanceKm: d})
		}
	}
	return events
}
