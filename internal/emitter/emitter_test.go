package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/fleet-emitter/core"
	"github.com/signalsfoundry/fleet-emitter/internal/delivery"
	"github.com/signalsfoundry/fleet-emitter/internal/observability"
	"github.com/signalsfoundry/fleet-emitter/internal/payload"
	"github.com/signalsfoundry/fleet-emitter/internal/rand"
	"github.com/signalsfoundry/fleet-emitter/kb"
	"github.com/signalsfoundry/fleet-emitter/model"
	"github.com/signalsfoundry/fleet-emitter/timectrl"
)

type recordingSender struct {
	mu      sync.Mutex
	records []model.Record
	fail    bool

	delay   time.Duration
	entered chan struct{} // signalled, without blocking, on each Send
	release chan struct{} // when set, Send waits for it to close
}

func (s *recordingSender) Send(_ context.Context, rec model.Record) (delivery.Outcome, error) {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.release != nil {
		<-s.release
	}
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if s.fail {
		return delivery.Outcome{StatusCode: 503, Attempts: 2}, delivery.ErrDelivery
	}
	return delivery.Outcome{StatusCode: 200, Attempts: 1}, nil
}

func (s *recordingSender) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

type recordingSink struct {
	records []model.Record
	err     error
}

func (s *recordingSink) Publish(_ context.Context, rec model.Record) error {
	s.records = append(s.records, rec)
	return s.err
}

type healthFlag struct {
	calls   int
	serving bool
}

func (h *healthFlag) SetServing(ok bool) {
	h.calls++
	h.serving = ok
}

type fixture struct {
	emitter *Emitter
	engine  *core.PositionEngine
	sender  *recordingSender
	sink    *recordingSink
	health  *healthFlag
	metrics *observability.EmitterCollector
}

// Two 100 s routes: "west" runs (0,0) -> (0,1) and "north" runs
// (10,10) -> (11,10). The "origin" fence sits on the start of "west".
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	table, err := kb.NewRouteTable([]model.Route{
		{Name: "west", Duration: 100 * time.Second, Waypoints: []model.Waypoint{{Lat: 0, Lon: 0, Alt: 10}, {Lat: 0, Lon: 1, Alt: 10}}},
		{Name: "north", Duration: 100 * time.Second, Waypoints: []model.Waypoint{{Lat: 10, Lon: 10, Alt: 20}, {Lat: 11, Lon: 10, Alt: 20}}},
	})
	if err != nil {
		t.Fatalf("NewRouteTable: %v", err)
	}
	fences, err := kb.NewGeofenceSet([]model.Geofence{
		{Name: "origin", Center: model.Waypoint{Lat: 0, Lon: 0}, RadiusKm: 5},
	})
	if err != nil {
		t.Fatalf("NewGeofenceSet: %v", err)
	}
	engine, err := core.NewPositionEngine(table, rand.Zero())
	if err != nil {
		t.Fatalf("NewPositionEngine: %v", err)
	}
	metrics, err := observability.NewEmitterCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewEmitterCollector: %v", err)
	}

	f := &fixture{
		engine:  engine,
		sender:  &recordingSender{},
		sink:    &recordingSink{},
		health:  &healthFlag{},
		metrics: metrics,
	}
	f.emitter, err = New(cfg, Deps{
		Engine:  engine,
		Fences:  fences,
		Builder: payload.NewBuilder("device-1", rand.Zero()),
		Sender:  f.sender,
		Sinks:   []Sink{f.sink},
		Metrics: metrics,
		Health:  f.health,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func at(seconds float64) time.Time {
	return time.Unix(0, 0).Add(time.Duration(seconds * float64(time.Second)))
}

func kinds(recs []model.Record) []model.RecordKind {
	out := make([]model.RecordKind, len(recs))
	for i, r := range recs {
		out[i] = r.Kind
	}
	return out
}

func TestTickEmitsPositionRecord(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.emitter.Tick(context.Background(), at(25))

	if res.Seq != 0 || res.Fix.Route != "west" {
		t.Fatalf("TickResult = seq %d route %q, want seq 0 route west", res.Seq, res.Fix.Route)
	}
	if len(res.Records) != 1 || res.Records[0].Kind != model.RecordKindPosition {
		t.Fatalf("records = %v, want one position record", kinds(res.Records))
	}
	want := f.engine.Locate(at(25)).Position
	got := res.Records[0].Position
	if got.Lat != want.Lat || got.Lon != want.Lon || got.Alt != want.Alt {
		t.Fatalf("record position = %+v, want %+v", got, want)
	}
	if len(f.sender.records) != 1 || len(f.sink.records) != 1 {
		t.Fatalf("sender got %d, sink got %d records, want 1 each", len(f.sender.records), len(f.sink.records))
	}
	if !f.health.serving {
		t.Fatalf("health should be serving after a successful delivery")
	}
	if got := testutil.ToFloat64(f.metrics.Ticks); got != 1 {
		t.Fatalf("ticks metric = %v, want 1", got)
	}
}

func TestTickSequenceIncrements(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 3; i++ {
		res := f.emitter.Tick(context.Background(), at(25))
		if res.Seq != uint64(i) || res.Records[0].Sequence != uint64(i) {
			t.Fatalf("tick %d: seq = %d, record seq = %d", i, res.Seq, res.Records[0].Sequence)
		}
	}
	if f.emitter.Ticks() != 3 {
		t.Fatalf("Ticks() = %d, want 3", f.emitter.Ticks())
	}
}

func TestEveryTickModeReportsWhileInside(t *testing.T) {
	f := newFixture(t, Config{EventMode: EventModeEveryTick})
	for i := 0; i < 3; i++ {
		res := f.emitter.Tick(context.Background(), at(0))
		if len(res.Events) != 1 || res.Events[0].FenceName != "origin" {
			t.Fatalf("tick %d events = %+v, want one origin event", i, res.Events)
		}
		if got := kinds(res.Records); len(got) != 2 || got[1] != model.RecordKindEvent {
			t.Fatalf("tick %d records = %v, want position+event", i, got)
		}
	}
	if got := testutil.ToFloat64(f.metrics.ZoneEntries.WithLabelValues("origin")); got != 3 {
		t.Fatalf("zone events metric = %v, want 3", got)
	}
}

func TestOnEntryModeReportsTransitionsOnly(t *testing.T) {
	f := newFixture(t, Config{EventMode: EventModeOnEntry})
	ctx := context.Background()

	steps := []struct {
		seconds    float64
		wantEvents int
	}{
		{0, 1},   // enters origin
		{0, 0},   // still inside
		{25, 0},  // left the fence
		{200, 1}, // next cycle starts inside again
	}
	for i, step := range steps {
		res := f.emitter.Tick(ctx, at(step.seconds))
		if len(res.Events) != step.wantEvents {
			t.Fatalf("step %d (t=%vs) events = %+v, want %d", i, step.seconds, res.Events, step.wantEvents)
		}
	}
}

func TestIORecordsEveryNTicks(t *testing.T) {
	f := newFixture(t, Config{IOEvery: 3})
	var ioTicks []uint64
	for i := 0; i < 7; i++ {
		res := f.emitter.Tick(context.Background(), at(25))
		for _, rec := range res.Records {
			if rec.Kind == model.RecordKindIO {
				if rec.IO == nil {
					t.Fatalf("io record without IO block")
				}
				ioTicks = append(ioTicks, res.Seq)
			}
		}
	}
	want := []uint64{0, 3, 6}
	if len(ioTicks) != len(want) {
		t.Fatalf("io ticks = %v, want %v", ioTicks, want)
	}
	for i := range want {
		if ioTicks[i] != want[i] {
			t.Fatalf("io ticks = %v, want %v", ioTicks, want)
		}
	}
}

func TestDeliveryFailureDoesNotAffectPosition(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	ok := f.emitter.Tick(ctx, at(60))
	f.sender.setFail(true)
	failed := f.emitter.Tick(ctx, at(60))

	if len(failed.DeliveryErrors) != 1 || !errors.Is(failed.DeliveryErrors[0], delivery.ErrDelivery) {
		t.Fatalf("DeliveryErrors = %v, want one ErrDelivery", failed.DeliveryErrors)
	}
	if failed.Sample != ok.Sample || failed.Fix.Position != ok.Fix.Position {
		t.Fatalf("position changed after delivery failure: %+v vs %+v", failed.Sample, ok.Sample)
	}
	if f.health.serving {
		t.Fatalf("health should be NOT_SERVING after a failed position delivery")
	}
	if len(f.sink.records) != 2 {
		t.Fatalf("sink records = %d, want 2 (sinks still fed on failure)", len(f.sink.records))
	}
	if got := testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues("position", observability.OutcomeError)); got != 1 {
		t.Fatalf("failed deliveries metric = %v, want 1", got)
	}

	f.sender.setFail(false)
	f.emitter.Tick(ctx, at(60))
	if !f.health.serving {
		t.Fatalf("health should recover after a successful delivery")
	}
}

func TestRouteChangeIsTracked(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if res := f.emitter.Tick(ctx, at(90)); res.RouteChanged {
		t.Fatalf("first tick should not count as a route change")
	}
	res := f.emitter.Tick(ctx, at(110))
	if !res.RouteChanged || res.Fix.Route != "north" {
		t.Fatalf("RouteChanged = %v route = %q, want change to north", res.RouteChanged, res.Fix.Route)
	}
	if got := testutil.ToFloat64(f.metrics.RouteChanges); got != 1 {
		t.Fatalf("route changes metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.RouteProgress.WithLabelValues("west")); got != 0 {
		t.Fatalf("west progress = %v, want reset to 0", got)
	}
	if got := testutil.ToFloat64(f.metrics.RouteProgress.WithLabelValues("north")); got != 0.1 {
		t.Fatalf("north progress = %v, want 0.1", got)
	}
}

func TestSinkErrorsDoNotStopTick(t *testing.T) {
	f := newFixture(t, Config{})
	f.sink.err = errors.New("serial unplugged")
	res := f.emitter.Tick(context.Background(), at(0))
	if len(res.Records) != 2 || len(f.sender.records) != 2 {
		t.Fatalf("records = %d, delivered = %d, want 2 each", len(res.Records), len(f.sender.records))
	}
}

func TestDriveAcceleratedRunsForDuration(t *testing.T) {
	f := newFixture(t, Config{})
	tc := timectrl.NewTimeController(at(0), 10*time.Second, timectrl.Accelerated)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.emitter.Drive(ctx, tc, 200*time.Second); err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if got := f.emitter.Ticks(); got != 20 {
		t.Fatalf("Ticks() = %d, want 20", got)
	}
	routes := map[string]bool{}
	for _, rec := range f.sender.records {
		routes[rec.Route] = true
	}
	if !routes["west"] || !routes["north"] {
		t.Fatalf("routes visited = %v, want both", routes)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	if err := f.emitter.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.emitter.Ticks() < 2 {
		t.Fatalf("Ticks() = %d, want at least 2", f.emitter.Ticks())
	}
}

type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

func TestRunStampsRecordsFromClockUnderSlowDelivery(t *testing.T) {
	f := newFixture(t, Config{Interval: 10 * time.Millisecond})
	f.sender.delay = 30 * time.Millisecond
	f.emitter.deps.Clock = &steppingClock{now: at(0), step: time.Minute}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := f.emitter.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	var stamps []int64
	for _, rec := range f.sender.records {
		if rec.Kind == model.RecordKindPosition {
			stamps = append(stamps, rec.Timestamp)
		}
	}
	if len(stamps) < 3 {
		t.Fatalf("position records = %d, want at least 3", len(stamps))
	}
	for i, ts := range stamps {
		if want := int64(i) * 60; ts != want {
			t.Fatalf("position record %d timestamp = %d, want %d (clock time)", i, ts, want)
		}
	}
}

func TestTicksDoesNotWaitForDelivery(t *testing.T) {
	f := newFixture(t, Config{})
	f.sender.entered = make(chan struct{}, 8)
	f.sender.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		f.emitter.Tick(context.Background(), at(0))
		close(done)
	}()
	defer func() {
		close(f.sender.release)
		<-done
	}()

	select {
	case <-f.sender.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("Send was never called")
	}

	got := make(chan uint64, 1)
	go func() { got <- f.emitter.Ticks() }()
	select {
	case n := <-got:
		if n != 1 {
			t.Fatalf("Ticks() = %d, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("Ticks() blocked while delivery was in flight")
	}
}

func TestNewValidation(t *testing.T) {
	table, _ := kb.NewRouteTable([]model.Route{
		{Name: "r", Duration: time.Second, Waypoints: []model.Waypoint{{}, {Lat: 1}}},
	})
	engine, _ := core.NewPositionEngine(table, rand.Zero())
	builder := payload.NewBuilder("d", nil)
	sender := &recordingSender{}

	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"no engine", Config{}, Deps{Builder: builder, Sender: sender}},
		{"no builder", Config{}, Deps{Engine: engine, Sender: sender}},
		{"no sender", Config{}, Deps{Engine: engine, Builder: builder}},
		{"negative io", Config{IOEvery: -1}, Deps{Engine: engine, Builder: builder, Sender: sender}},
		{"bad mode", Config{EventMode: "never"}, Deps{Engine: engine, Builder: builder, Sender: sender}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.deps); !errors.Is(err, ErrInvalidSetup) {
				t.Fatalf("New error = %v, want ErrInvalidSetup", err)
			}
		})
	}

	e, err := New(Config{}, Deps{Engine: engine, Builder: builder, Sender: sender})
	if err != nil {
		t.Fatalf("New with minimal deps: %v", err)
	}
	if err := e.Run(context.Background()); !errors.Is(err, ErrInvalidSetup) {
		t.Fatalf("Run without interval error = %v, want ErrInvalidSetup", err)
	}
}
