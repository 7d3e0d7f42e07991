package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// EmitterCollector bundles Prometheus metrics for the telemetry emitter.
// All recording methods are safe to call on a nil collector.
type EmitterCollector struct {
	gatherer prometheus.Gatherer

	Ticks             prometheus.Counter
	Deliveries        *prometheus.CounterVec
	DeliveryDurations *prometheus.HistogramVec
	DeliveryRetries   prometheus.Counter
	ZoneEntries       *prometheus.CounterVec
	RouteChanges      prometheus.Counter

	Latitude      prometheus.Gauge
	Longitude     prometheus.Gauge
	Altitude      prometheus.Gauge
	RouteProgress *prometheus.GaugeVec
}

// NewEmitterCollector registers emitter metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEmitterCollector(reg prometheus.Registerer) (*EmitterCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emitter_ticks_total",
		Help: "Total number of sampling ticks processed.",
	}), "emitter_ticks_total")
	if err != nil {
		return nil, err
	}

	deliveries, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emitter_deliveries_total",
		Help: "Telemetry records handed to the delivery layer, labeled by record kind and outcome.",
	}, []string{"kind", "outcome"}), "emitter_deliveries_total")
	if err != nil {
		return nil, err
	}

	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emitter_delivery_duration_seconds",
		Help:    "Time spent delivering a record, including retries.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"kind"}), "emitter_delivery_duration_seconds")
	if err != nil {
		return nil, err
	}

	retries, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emitter_delivery_retries_total",
		Help: "Delivery attempts beyond the first one.",
	}), "emitter_delivery_retries_total")
	if err != nil {
		return nil, err
	}

	zones, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emitter_zone_events_total",
		Help: "Geofence events reported, labeled by fence.",
	}, []string{"fence"}), "emitter_zone_events_total")
	if err != nil {
		return nil, err
	}

	routeChanges, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emitter_route_changes_total",
		Help: "Number of times the simulated device moved on to the next route.",
	}), "emitter_route_changes_total")
	if err != nil {
		return nil, err
	}

	lat, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emitter_position_latitude_degrees",
		Help: "Latitude of the last emitted position.",
	}), "emitter_position_latitude_degrees")
	if err != nil {
		return nil, err
	}
	lon, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emitter_position_longitude_degrees",
		Help: "Longitude of the last emitted position.",
	}), "emitter_position_longitude_degrees")
	if err != nil {
		return nil, err
	}
	alt, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emitter_position_altitude_meters",
		Help: "Altitude of the last emitted position.",
	}), "emitter_position_altitude_meters")
	if err != nil {
		return nil, err
	}

	progress, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emitter_route_progress_ratio",
		Help: "Progress through the active route in [0, 1); inactive routes read 0.",
	}, []string{"route"}), "emitter_route_progress_ratio")
	if err != nil {
		return nil, err
	}

	return &EmitterCollector{
		gatherer:          gatherer,
		Ticks:             ticks,
		Deliveries:        deliveries,
		DeliveryDurations: durations,
		DeliveryRetries:   retries,
		ZoneEntries:       zones,
		RouteChanges:      routeChanges,
		Latitude:          lat,
		Longitude:         lon,
		Altitude:          alt,
		RouteProgress:     progress,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EmitterCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EmitterCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// IncTicks counts one processed tick.
func (c *EmitterCollector) IncTicks() {
	if c == nil || c.Ticks == nil {
		return
	}
	c.Ticks.Inc()
}

// ObserveDelivery records the outcome of delivering one record.
func (c *EmitterCollector) ObserveDelivery(kind string, attempts int, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	if c.Deliveries != nil {
		c.Deliveries.WithLabelValues(kind, outcome).Inc()
	}
	if c.DeliveryDurations != nil {
		c.DeliveryDurations.WithLabelValues(kind).Observe(d.Seconds())
	}
	if c.DeliveryRetries != nil && attempts > 1 {
		c.DeliveryRetries.Add(float64(attempts - 1))
	}
}

// IncZoneEvent counts one geofence event for fence.
func (c *EmitterCollector) IncZoneEvent(fence string) {
	if c == nil || c.ZoneEntries == nil {
		return
	}
	c.ZoneEntries.WithLabelValues(fence).Inc()
}

// IncRouteChanges counts a switch to the next route.
func (c *EmitterCollector) IncRouteChanges() {
	if c == nil || c.RouteChanges == nil {
		return
	}
	c.RouteChanges.Inc()
}

// SetPosition updates the last-position gauges.
func (c *EmitterCollector) SetPosition(lat, lon, alt float64) {
	if c == nil {
		return
	}
	if c.Latitude != nil {
		c.Latitude.Set(lat)
	}
	if c.Longitude != nil {
		c.Longitude.Set(lon)
	}
	if c.Altitude != nil {
		c.Altitude.Set(alt)
	}
}

// SetRouteProgress marks route as active with the given progress and resets
// previous, if different, to zero.
func (c *EmitterCollector) SetRouteProgress(route, previous string, progress float64) {
	if c == nil || c.RouteProgress == nil {
		return
	}
	if previous != "" && previous != route {
		c.RouteProgress.WithLabelValues(previous).Set(0)
	}
	c.RouteProgress.WithLabelValues(route).Set(progress)
}

// register adds c to reg, returning the collector already registered under
// the same descriptor when there is one of the same type.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, name string) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var zero C
	are, ok := err.(prometheus.AlreadyRegisteredError)
	if !ok {
		return zero, err
	}
	existing, ok := are.ExistingCollector.(C)
	if !ok {
		return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
	}
	return existing, nil
}
