// Package payload turns engine fixes and zone events into telemetry records.
package payload

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/fleet-emitter/core"
	"github.com/signalsfoundry/fleet-emitter/internal/rand"
	"github.com/signalsfoundry/fleet-emitter/model"
)

// Ranges used for simulated IO readings.
const (
	batteryMinVolts = 12.2
	batteryMaxVolts = 14.4
	temperatureMinC = 15
	temperatureMaxC = 45
	satellitesMin   = 4
	satellitesMax   = 12
)

// Builder creates records for a single simulated device.
type Builder struct {
	deviceID string
	src      rand.Source
	newID    func() string
}

// NewBuilder returns a builder stamping records with deviceID. IO readings
// are drawn from src; a nil src yields deterministic zero offsets.
func NewBuilder(deviceID string, src rand.Source) *Builder {
	if src == nil {
		src = rand.Zero()
	}
	return &Builder{
		deviceID: deviceID,
		src:      src,
		newID:    func() string { return uuid.NewString() },
	}
}

// DeviceID returns the identifier stamped on every record.
func (b *Builder) DeviceID() string {
	return b.deviceID
}

// Position builds the per-tick position record.
func (b *Builder) Position(fix core.Fix, sample model.PositionSample, now time.Time, seq uint64) model.Record {
	return b.base(model.RecordKindPosition, fix, sample, now, seq)
}

// Event builds a geofence entry record for ev.
func (b *Builder) Event(fix core.Fix, ev model.ZoneEvent, sample model.PositionSample, now time.Time, seq uint64) model.Record {
	rec := b.base(model.RecordKindEvent, fix, sample, now, seq)
	rec.Event = &model.RecordEvent{
		Type:       model.EventGeofenceEntry,
		Fence:      ev.FenceName,
		DistanceKm: roundTo(ev.DistanceKm, 3),
	}
	return rec
}

// IOSample builds an IO record with simulated sensor readings.
func (b *Builder) IOSample(fix core.Fix, sample model.PositionSample, now time.Time, seq uint64) model.Record {
	rec := b.base(model.RecordKindIO, fix, sample, now, seq)
	rec.IO = &model.RecordIO{
		Ignition:     fix.SpeedKph > 0,
		BatteryVolts: roundTo(b.src.Uniform(batteryMinVolts, batteryMaxVolts), 2),
		TemperatureC: b.src.IntRange(temperatureMinC, temperatureMaxC),
		Satellites:   b.src.IntRange(satellitesMin, satellitesMax),
	}
	return rec
}

func (b *Builder) base(kind model.RecordKind, fix core.Fix, sample model.PositionSample, now time.Time, seq uint64) model.Record {
	return model.Record{
		ID:        b.newID(),
		Kind:      kind,
		DeviceID:  b.deviceID,
		Timestamp: now.Unix(),
		Sequence:  seq,
		Route:     fix.Route,
		Position: model.RecordPosition{
			Lat:      sample.Lat,
			Lon:      sample.Lon,
			Alt:      sample.Alt,
			Heading:  roundTo(fix.HeadingDeg, 1),
			SpeedKph: roundTo(fix.SpeedKph, 1),
		},
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
