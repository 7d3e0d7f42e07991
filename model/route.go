package model

import "time"

// Waypoint is a fixed point on a route: latitude and longitude in degrees,
// altitude in metres.
type Waypoint struct {
	Lat float64
	Lon float64
	Alt float64
}

// Route is an ordered waypoint chain traversed outbound and back over
// Duration.
type Route struct {
	Name      string
	Duration  time.Duration
	Waypoints []Waypoint
}

// Geofence is a named circular region around Center.
type Geofence struct {
	Name     string
	Center   Waypoint // altitude is ignored
	RadiusKm float64
}

// PositionSample is a single computed position of the simulated device.
type PositionSample struct {
	Lat float64
	Lon float64
	Alt float64
}

// ZoneEvent reports that a position lies inside a geofence.
type ZoneEvent struct {
	FenceName  string
	DistanceKm float64
}
