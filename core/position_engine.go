package core

import (
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/fleet-emitter/internal/rand"
	"github.com/signalsfoundry/fleet-emitter/kb"
	"github.com/signalsfoundry/fleet-emitter/model"
)

// ErrConfiguration is returned when an engine is built from invalid input.
var ErrConfiguration = kb.ErrConfiguration

// Leg tells whether the device is heading away from the first waypoint of
// its route or back towards it.
type Leg int

const (
	LegOutbound Leg = iota
	LegInbound
)

func (l Leg) String() string {
	if l == LegInbound {
		return "inbound"
	}
	return "outbound"
}

// Fix is the noise-free result of locating the device at an instant.
type Fix struct {
	RouteIndex int
	Route      string

	// RouteProgress is the fraction of the active route's duration elapsed,
	// in [0, 1).
	RouteProgress float64
	// SegmentProgress is the position along the waypoint chain, 0 at the
	// first waypoint and 1 at the last.
	SegmentProgress float64
	Leg             Leg
	// Segment is the index of the waypoint that starts the active segment.
	Segment int

	Position   model.PositionSample
	HeadingDeg float64
	SpeedKph   float64
}

// JitterConfig bounds the cosmetic noise added to every sample.
type JitterConfig struct {
	CoordDegrees  float64 // lat/lon offset drawn from [-CoordDegrees, CoordDegrees)
	AltitudeUnits int     // altitude offset drawn from [-AltitudeUnits, AltitudeUnits]
}

// DefaultJitter returns the default noise bounds.
func DefaultJitter() JitterConfig {
	return JitterConfig{CoordDegrees: 0.001, AltitudeUnits: 5}
}

// EngineOption customises a PositionEngine.
type EngineOption func(*PositionEngine)

// WithJitter overrides the default noise bounds.
func WithJitter(j JitterConfig) EngineOption {
	return func(e *PositionEngine) { e.jitter = j }
}

// PositionEngine maps wall-clock time to a position on an endless commute
// across the route table: routes are visited back to back, and each route is
// swept outbound during the first half of its duration and back during the
// second half.
//
// The engine holds no mutable state. The only shared resource is the random
// source, which callers must make safe for their own concurrency.
type PositionEngine struct {
	table *kb.RouteTable
	src   rand.Source

	jitter JitterConfig

	starts []time.Duration // cycle offset at which each route begins
	speeds []float64       // nominal ground speed per route, km/h
	total  time.Duration
}

// NewPositionEngine builds an engine over table drawing jitter from src.
func NewPositionEngine(table *kb.RouteTable, src rand.Source, opts ...EngineOption) (*PositionEngine, error) {
	if table == nil || table.Len() == 0 {
		return nil, fmt.Errorf("%w: position engine requires a non-empty route table", ErrConfiguration)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: position engine requires a random source", ErrConfiguration)
	}

	e := &PositionEngine{
		table:  table,
		src:    src,
		jitter: DefaultJitter(),
		total:  table.TotalDuration(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.jitter.CoordDegrees < 0 || e.jitter.AltitudeUnits < 0 {
		return nil, fmt.Errorf("%w: jitter bounds must not be negative", ErrConfiguration)
	}

	e.starts = make([]time.Duration, table.Len())
	e.speeds = make([]float64, table.Len())
	var acc time.Duration
	for i, r := range table.Routes() {
		e.starts[i] = acc
		acc += r.Duration
		// A full round trip covers the chain twice.
		e.speeds[i] = 2 * chainLengthKm(r.Waypoints) / r.Duration.Hours()
	}
	return e, nil
}

// Table returns the route table the engine was built with.
func (e *PositionEngine) Table() *kb.RouteTable { return e.table }

// Jitter returns the noise bounds in effect.
func (e *PositionEngine) Jitter() JitterConfig { return e.jitter }

// CurrentPosition returns the jittered position of the device at now.
func (e *PositionEngine) CurrentPosition(now time.Time) model.PositionSample {
	return e.Perturb(e.Locate(now).Position)
}

// Locate computes the noise-free fix at now. Time is measured from the Unix
// epoch and wrapped into the cycle, so the result is periodic with the
// table's total duration.
func (e *PositionEngine) Locate(now time.Time) Fix {
	elapsed := time.Duration(now.UnixNano() % int64(e.total))
	if elapsed < 0 {
		elapsed += e.total
	}

	idx := e.activeRoute(elapsed)
	route := e.table.At(idx)

	progress := float64(elapsed-e.starts[idx]) / float64(route.Duration)
	progress = math.Min(math.Max(progress, 0), math.Nextafter(1, 0))

	leg := LegOutbound
	segProgress := progress * 2
	if progress >= 0.5 {
		leg = LegInbound
		segProgress = 1 - (progress-0.5)*2
	}

	pos, seg := interpolateChain(route.Waypoints, segProgress)

	from, to := route.Waypoints[seg], route.Waypoints[seg+1]
	if leg == LegInbound {
		from, to = to, from
	}

	return Fix{
		RouteIndex:      idx,
		Route:           route.Name,
		RouteProgress:   progress,
		SegmentProgress: segProgress,
		Leg:             leg,
		Segment:         seg,
		Position:        pos,
		HeadingDeg:      InitialBearingDeg(from.Lat, from.Lon, to.Lat, to.Lon),
		SpeedKph:        e.speeds[idx],
	}
}

// Perturb applies bounded random noise to p: a uniform real offset to
// latitude and longitude and a uniform integer offset to altitude.
func (e *PositionEngine) Perturb(p model.PositionSample) model.PositionSample {
	b := e.jitter.CoordDegrees
	a := e.jitter.AltitudeUnits
	return model.PositionSample{
		Lat: p.Lat + e.src.Uniform(-b, b),
		Lon: p.Lon + e.src.Uniform(-b, b),
		Alt: p.Alt + float64(e.src.IntRange(-a, a)),
	}
}

// activeRoute returns the index of the route whose interval
// [start, start+duration) contains elapsed, falling back to the last route.
func (e *PositionEngine) activeRoute(elapsed time.Duration) int {
	for i, start := range e.starts {
		if elapsed >= start && elapsed < start+e.table.At(i).Duration {
			return i
		}
	}
	return len(e.starts) - 1
}

// interpolateChain returns the point at fraction t along the waypoint chain
// and the index of the segment it lies on. The chain is split into n-1
// equal-weight segments: floor(t·(n-1)) picks the segment and the fractional
// remainder interpolates within it. t at or past the end resolves to the end
// of the last segment.
func interpolateChain(wps []model.Waypoint, t float64) (model.PositionSample, int) {
	segments := len(wps) - 1
	scaled := t * float64(segments)
	seg := int(math.Floor(scaled))
	local := scaled - float64(seg)
	switch {
	case seg < 0:
		seg, local = 0, 0
	case seg >= segments:
		seg, local = segments-1, 1
	}

	a, b := wps[seg], wps[seg+1]
	return model.PositionSample{
		Lat: lerp(a.Lat, b.Lat, local),
		Lon: lerp(a.Lon, b.Lon, local),
		Alt: lerp(a.Alt, b.Alt, local),
	}, seg
}

func chainLengthKm(wps []model.Waypoint) float64 {
	var total float64
	for i := 1; i < len(wps); i++ {
		total += HaversineKm(wps[i-1].Lat, wps[i-1].Lon, wps[i].Lat, wps[i].Lon)
	}
	return total
}
