// Package kb holds the static knowledge the emitter is configured with: the
// ordered route table and the geofence set. Both are validated once at
// construction and are read-only afterwards, so they may be shared freely
// between goroutines.
package kb

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/signalsfoundry/fleet-emitter/model"
)

// ErrConfiguration is wrapped by every construction-time validation failure.
var ErrConfiguration = errors.New("configuration error")

// RouteTable is an ordered, non-empty collection of routes. The order
// defines the cycle sequence.
type RouteTable struct {
	routes []model.Route
	byName map[string]int
	total  time.Duration
}

// NewRouteTable validates routes and builds a table from them. The slice and
// each waypoint chain are copied, so later changes by the caller have no
// effect on the table.
func NewRouteTable(routes []model.Route) (*RouteTable, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: route table must contain at least one route", ErrConfiguration)
	}

	t := &RouteTable{
		routes: make([]model.Route, 0, len(routes)),
		byName: make(map[string]int, len(routes)),
	}
	for i, r := range routes {
		if err := validateRoute(r); err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		if _, exists := t.byName[r.Name]; exists {
			return nil, fmt.Errorf("%w: route with name %q already exists", ErrConfiguration, r.Name)
		}
		if r.Duration > math.MaxInt64-t.total {
			return nil, fmt.Errorf("%w: route %q overflows the total cycle duration", ErrConfiguration, r.Name)
		}
		wps := make([]model.Waypoint, len(r.Waypoints))
		copy(wps, r.Waypoints)
		r.Waypoints = wps

		t.byName[r.Name] = len(t.routes)
		t.routes = append(t.routes, r)
		t.total += r.Duration
	}
	if t.total <= 0 {
		return nil, fmt.Errorf("%w: total cycle duration must be positive", ErrConfiguration)
	}
	return t, nil
}

func validateRoute(r model.Route) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: route name is required", ErrConfiguration)
	}
	if r.Duration <= 0 {
		return fmt.Errorf("%w: route %q duration must be positive, got %s", ErrConfiguration, r.Name, r.Duration)
	}
	if len(r.Waypoints) < 2 {
		return fmt.Errorf("%w: route %q has %d waypoints, need at least 2", ErrConfiguration, r.Name, len(r.Waypoints))
	}
	for i, wp := range r.Waypoints {
		if err := validateLatLon(wp); err != nil {
			return fmt.Errorf("%w: route %q waypoint %d: %v", ErrConfiguration, r.Name, i, err)
		}
	}
	return nil
}

func validateLatLon(wp model.Waypoint) error {
	if wp.Lat < -90 || wp.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", wp.Lat)
	}
	if wp.Lon < -180 || wp.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", wp.Lon)
	}
	return nil
}

// Routes returns the routes in cycle order. The returned slice is a copy;
// waypoint slices are shared and must not be modified.
func (t *RouteTable) Routes() []model.Route {
	res := make([]model.Route, len(t.routes))
	copy(res, t.routes)
	return res
}

// At returns the i-th route in cycle order.
func (t *RouteTable) At(i int) model.Route {
	return t.routes[i]
}

// Len returns the number of routes.
func (t *RouteTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Route looks up a route by name.
func (t *RouteTable) Route(name string) (model.Route, bool) {
	i, ok := t.byName[name]
	if !ok {
		return model.Route{}, false
	}
	return t.routes[i], true
}

// TotalDuration is the length of one full cycle through all routes.
func (t *RouteTable) TotalDuration() time.Duration {
	return t.total
}

// GeofenceSet is the validated set of geofences checked on every tick.
type GeofenceSet struct {
	fences []model.Geofence
}

// NewGeofenceSet validates fences and builds a set from them. An empty set is
// valid and simply never produces zone events.
func NewGeofenceSet(fences []model.Geofence) (*GeofenceSet, error) {
	seen := make(map[string]struct{}, len(fences))
	res := make([]model.Geofence, 0, len(fences))
	for i, f := range fences {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("%w: geofence %d: name is required", ErrConfiguration, i)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("%w: geofence with name %q already exists", ErrConfiguration, f.Name)
		}
		if !(f.RadiusKm > 0) {
			return nil, fmt.Errorf("%w: geofence %q radius must be positive, got %v", ErrConfiguration, f.Name, f.RadiusKm)
		}
		if err := validateLatLon(f.Center); err != nil {
			return nil, fmt.Errorf("%w: geofence %q centre: %v", ErrConfiguration, f.Name, err)
		}
		seen[f.Name] = struct{}{}
		res = append(res, f)
	}
	return &GeofenceSet{fences: res}, nil
}

// Fences returns a copy of the geofences in configuration order.
func (s *GeofenceSet) Fences() []model.Geofence {
	if s == nil {
		return nil
	}
	res := make([]model.Geofence, len(s.fences))
	copy(res, s.fences)
	return res
}

// Len returns the number of geofences.
func (s *GeofenceSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.fences)
}
