package model

// RecordKind identifies which message a Record carries.
type RecordKind string

const (
	RecordKindPosition RecordKind = "position"
	RecordKindEvent    RecordKind = "event"
	RecordKindIO       RecordKind = "io"
)

// EventType names the kind of event reported in an event record.
type EventType string

const (
	EventGeofenceEntry EventType = "geofence_entry"
)

// Record is one telemetry message handed to the delivery layer.
// Exactly one of Event or IO is set for event and io records.
type Record struct {
	ID        string     `json:"id" msgpack:"id"`
	Kind      RecordKind `json:"kind" msgpack:"kind"`
	DeviceID  string     `json:"device_id" msgpack:"device_id"`
	Timestamp int64      `json:"timestamp" msgpack:"timestamp"`
	Sequence  uint64     `json:"seq" msgpack:"seq"`
	Route     string     `json:"route,omitempty" msgpack:"route,omitempty"`

	Position RecordPosition `json:"position" msgpack:"position"`
	Event    *RecordEvent   `json:"event,omitempty" msgpack:"event,omitempty"`
	IO       *RecordIO      `json:"io,omitempty" msgpack:"io,omitempty"`
}

// RecordPosition is the position block shared by all record kinds.
type RecordPosition struct {
	Lat      float64 `json:"lat" msgpack:"lat"`
	Lon      float64 `json:"lon" msgpack:"lon"`
	Alt      float64 `json:"alt" msgpack:"alt"`
	Heading  float64 `json:"heading" msgpack:"heading"`
	SpeedKph float64 `json:"speed" msgpack:"speed"`
}

// RecordEvent describes a geofence event.
type RecordEvent struct {
	Type       EventType `json:"type" msgpack:"type"`
	Fence      string    `json:"fence" msgpack:"fence"`
	DistanceKm float64   `json:"distance_km" msgpack:"distance_km"`
}

// RecordIO carries simulated sensor readings.
type RecordIO struct {
	Ignition     bool    `json:"ignition" msgpack:"ignition"`
	BatteryVolts float64 `json:"battery_v" msgpack:"battery_v"`
	TemperatureC int     `json:"temperature_c" msgpack:"temperature_c"`
	Satellites   int     `json:"satellites" msgpack:"satellites"`
}
