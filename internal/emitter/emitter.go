// Package emitter ties the position engine, zone monitor and delivery
// layer together into the per-tick sampling loop.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/fleet-emitter/core"
	"github.com/signalsfoundry/fleet-emitter/internal/delivery"
	"github.com/signalsfoundry/fleet-emitter/internal/logging"
	"github.com/signalsfoundry/fleet-emitter/internal/observability"
	"github.com/signalsfoundry/fleet-emitter/internal/payload"
	"github.com/signalsfoundry/fleet-emitter/kb"
	"github.com/signalsfoundry/fleet-emitter/model"
	"github.com/signalsfoundry/fleet-emitter/timectrl"
)

// ErrInvalidSetup is returned by New when a required dependency is missing.
var ErrInvalidSetup = errors.New("invalid emitter setup")

// EventMode controls when geofence event records are produced.
type EventMode string

const (
	// EventModeEveryTick reports an event on every tick the device is
	// inside a fence.
	EventModeEveryTick EventMode = "every_tick"
	// EventModeOnEntry reports an event only on the tick the device
	// enters a fence.
	EventModeOnEntry EventMode = "on_entry"
)

// Config holds the tunables of the sampling loop.
type Config struct {
	Interval  time.Duration
	IOEvery   int
	EventMode EventMode
}

// Sink receives every record after delivery, e.g. the live feed or an
// NMEA serial port.
type Sink interface {
	Publish(ctx context.Context, rec model.Record) error
}

// HealthReporter is told after every tick whether the last position
// record was delivered.
type HealthReporter interface {
	SetServing(ok bool)
}

// Deps are the collaborators driven by the emitter. Engine, Builder and
// Sender are required.
type Deps struct {
	Engine  *core.PositionEngine
	Monitor *core.ZoneMonitor
	Fences  *kb.GeofenceSet
	Builder *payload.Builder
	Sender  delivery.Sender
	Sinks   []Sink
	Metrics *observability.EmitterCollector
	Health  HealthReporter
	Clock   timectrl.SimClock
	Log     logging.Logger
}

// TickResult describes what a single tick produced.
type TickResult struct {
	Seq          uint64
	Fix          core.Fix
	Sample       model.PositionSample
	Events       []model.ZoneEvent
	Records      []model.Record
	RouteChanged bool
	// DeliveryErrors holds one entry per record that failed to deliver.
	DeliveryErrors []error
}

// Emitter runs the sampling loop for one simulated device.
type Emitter struct {
	cfg    Config
	deps   Deps
	log    logging.Logger
	tracer trace.Tracer

	mu        sync.Mutex
	seq       uint64
	lastRoute int
	inside    map[string]bool
}

// New validates deps and returns an emitter ready to tick.
func New(cfg Config, deps Deps) (*Emitter, error) {
	switch {
	case deps.Engine == nil:
		return nil, fmt.Errorf("%w: position engine is required", ErrInvalidSetup)
	case deps.Builder == nil:
		return nil, fmt.Errorf("%w: record builder is required", ErrInvalidSetup)
	case deps.Sender == nil:
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidSetup)
	case cfg.IOEvery < 0:
		return nil, fmt.Errorf("%w: io every must be >= 0, got %d", ErrInvalidSetup, cfg.IOEvery)
	}
	switch cfg.EventMode {
	case "":
		cfg.EventMode = EventModeEveryTick
	case EventModeEveryTick, EventModeOnEntry:
	default:
		return nil, fmt.Errorf("%w: unknown event mode %q", ErrInvalidSetup, cfg.EventMode)
	}
	if deps.Monitor == nil {
		deps.Monitor = core.NewZoneMonitor()
	}
	if deps.Clock == nil {
		deps.Clock = timectrl.WallClock{}
	}
	log := deps.Log
	if log == nil {
		log = logging.Noop()
	}
	return &Emitter{
		cfg:       cfg,
		deps:      deps,
		log:       log,
		tracer:    observability.Tracer(),
		lastRoute: -1,
		inside:    map[string]bool{},
	}, nil
}

// Tick samples the device position at now and emits the resulting records.
// Delivery failures are logged and reported in the result; they never
// affect position computation.
func (e *Emitter) Tick(ctx context.Context, now time.Time) TickResult {
	e.mu.Lock()
	seq := e.seq
	e.seq++
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "emitter.Tick", trace.WithAttributes(
		attribute.Int64("tick.seq", int64(seq)),
	))
	defer span.End()

	fix := e.deps.Engine.Locate(now)
	sample := e.deps.Engine.Perturb(fix.Position)
	res := TickResult{Seq: seq, Fix: fix, Sample: sample}
	span.SetAttributes(attribute.String("route", fix.Route))

	var fences []model.Geofence
	if e.deps.Fences != nil {
		fences = e.deps.Fences.Fences()
	}
	hits := e.deps.Monitor.Check(sample, fences)

	// Delivery runs unlocked.
	e.mu.Lock()
	res.RouteChanged = e.trackRoute(ctx, fix)
	res.Events = e.filterEvents(hits)
	e.mu.Unlock()

	b := e.deps.Builder
	res.Records = append(res.Records, b.Position(fix, sample, now, seq))
	for _, ev := range res.Events {
		res.Records = append(res.Records, b.Event(fix, ev, sample, now, seq))
		e.deps.Metrics.IncZoneEvent(ev.FenceName)
		e.log.Info(ctx, "inside geofence",
			logging.String("fence", ev.FenceName),
			logging.Float64("distance_km", ev.DistanceKm),
		)
	}
	if e.cfg.IOEvery > 0 && seq%uint64(e.cfg.IOEvery) == 0 {
		res.Records = append(res.Records, b.IOSample(fix, sample, now, seq))
	}

	for _, rec := range res.Records {
		err := e.deliver(ctx, rec)
		if err != nil {
			res.DeliveryErrors = append(res.DeliveryErrors, err)
		}
		if rec.Kind == model.RecordKindPosition && e.deps.Health != nil {
			e.deps.Health.SetServing(err == nil)
		}
		for _, sink := range e.deps.Sinks {
			if err := sink.Publish(ctx, rec); err != nil {
				e.log.Warn(ctx, "sink publish failed", logging.Err(err), logging.String("record_id", rec.ID))
			}
		}
	}

	e.deps.Metrics.IncTicks()
	e.deps.Metrics.SetPosition(sample.Lat, sample.Lon, sample.Alt)
	return res
}

// trackRoute reports whether the active route differs from the previous
// tick's and updates route metrics.
func (e *Emitter) trackRoute(ctx context.Context, fix core.Fix) bool {
	previous := ""
	changed := false
	if e.lastRoute >= 0 && e.lastRoute != fix.RouteIndex {
		previous = e.deps.Engine.Table().At(e.lastRoute).Name
		changed = true
		e.deps.Metrics.IncRouteChanges()
		e.log.Info(ctx, "moving to route",
			logging.String("route", fix.Route),
			logging.String("previous", previous),
		)
	}
	e.lastRoute = fix.RouteIndex
	e.deps.Metrics.SetRouteProgress(fix.Route, previous, fix.RouteProgress)
	return changed
}

// filterEvents applies the event mode. In on-entry mode only fences the
// device was outside of on the previous tick are reported.
func (e *Emitter) filterEvents(events []model.ZoneEvent) []model.ZoneEvent {
	if e.cfg.EventMode != EventModeOnEntry {
		return events
	}
	current := make(map[string]bool, len(events))
	var entered []model.ZoneEvent
	for _, ev := range events {
		current[ev.FenceName] = true
		if !e.inside[ev.FenceName] {
			entered = append(entered, ev)
		}
	}
	e.inside = current
	return entered
}

func (e *Emitter) deliver(ctx context.Context, rec model.Record) error {
	start := time.Now()
	out, err := e.deps.Sender.Send(ctx, rec)
	e.deps.Metrics.ObserveDelivery(string(rec.Kind), out.Attempts, time.Since(start), err)
	if err != nil {
		e.log.Warn(ctx, "record delivery failed",
			logging.String("record_id", rec.ID),
			logging.String("kind", string(rec.Kind)),
			logging.Int("attempts", out.Attempts),
			logging.Err(err),
		)
		return err
	}
	e.log.Info(ctx, "record sent",
		logging.String("kind", string(rec.Kind)),
		logging.String("route", rec.Route),
		logging.Int("status", out.StatusCode),
	)
	return nil
}

// Run ticks once immediately and then every Interval of wall-clock time
// until ctx is cancelled. Each tick samples Deps.Clock rather than the
// controller's time, so a slow delivery never leaves later ticks behind.
func (e *Emitter) Run(ctx context.Context) error {
	if e.cfg.Interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidSetup)
	}
	start := e.deps.Clock.Now()
	e.Tick(ctx, start)
	tc := timectrl.NewTimeController(start, e.cfg.Interval, timectrl.RealTime)
	tc.AddListener(func(time.Time) {
		e.Tick(ctx, e.deps.Clock.Now())
	})
	e.drive(ctx, tc, 0)
	return nil
}

// Drive registers the emitter on tc and runs it until ctx is cancelled or,
// when duration > 0, that much simulation time has passed. Ticks use the
// controller's simulation time.
func (e *Emitter) Drive(ctx context.Context, tc *timectrl.TimeController, duration time.Duration) error {
	tc.AddListener(func(now time.Time) {
		e.Tick(ctx, now)
	})
	e.drive(ctx, tc, duration)
	return nil
}

func (e *Emitter) drive(ctx context.Context, tc *timectrl.TimeController, duration time.Duration) {
	e.log.Info(ctx, "emitter started",
		logging.String("mode", tc.Mode.String()),
		logging.Duration("tick", tc.Tick),
		logging.String("event_mode", string(e.cfg.EventMode)),
	)
	<-tc.Start(ctx, duration)
	e.log.Info(ctx, "emitter stopped", logging.Int("ticks", int(e.Ticks())))
}

// Ticks returns the number of ticks processed so far.
func (e *Emitter) Ticks() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}
