package core

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/fleet-emitter/kb"
	"github.com/signalsfoundry/fleet-emitter/model"
)

//go:embed scenarios/default.yaml
var defaultScenarioYAML []byte

// ScenarioFormat names the encoding of a scenario document.
type ScenarioFormat string

const (
	FormatJSON ScenarioFormat = "json"
	FormatYAML ScenarioFormat = "yaml"
)

// Scenario is the validated, immutable configuration the core runs on.
type Scenario struct {
	Routes *kb.RouteTable
	Fences *kb.GeofenceSet
	Jitter JitterConfig
}

// internal document shapes – unexported so the file format can evolve
// independently of the model types.
type scenarioDoc struct {
	Jitter    *jitterDoc    `json:"jitter" yaml:"jitter"`
	Routes    []routeDoc    `json:"routes" yaml:"routes"`
	Geofences []geofenceDoc `json:"geofences" yaml:"geofences"`
}

type jitterDoc struct {
	CoordDegrees  float64 `json:"coord_degrees" yaml:"coord_degrees"`
	AltitudeUnits int     `json:"altitude_units" yaml:"altitude_units"`
}

type routeDoc struct {
	Name            string        `json:"name" yaml:"name"`
	DurationSeconds float64       `json:"duration_seconds" yaml:"duration_seconds"`
	Waypoints       []waypointDoc `json:"waypoints" yaml:"waypoints"`
}

type waypointDoc struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
	Alt float64 `json:"alt" yaml:"alt"`
}

type geofenceDoc struct {
	Name     string  `json:"name" yaml:"name"`
	Lat      float64 `json:"lat" yaml:"lat"`
	Lon      float64 `json:"lon" yaml:"lon"`
	RadiusKm float64 `json:"radius_km" yaml:"radius_km"`
}

// DefaultScenario returns the scenario compiled into the binary.
func DefaultScenario() (*Scenario, error) {
	return LoadScenario(bytes.NewReader(defaultScenarioYAML), FormatYAML)
}

// LoadScenarioFile reads a scenario from path, choosing the decoder from the
// file extension (.json, otherwise YAML).
func LoadScenarioFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadScenarioFile: %w", err)
	}
	defer f.Close()

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return LoadScenario(f, format)
}

// LoadScenario decodes a scenario document and validates it into a route
// table and geofence set. Unknown fields are rejected so that typos in
// configuration fail loudly. Omitted jitter falls back to DefaultJitter.
func LoadScenario(r io.Reader, format ScenarioFormat) (*Scenario, error) {
	var doc scenarioDoc
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
		}
	default:
		return nil, fmt.Errorf("LoadScenario: unsupported format %q", format)
	}

	routes := make([]model.Route, 0, len(doc.Routes))
	for _, rd := range doc.Routes {
		d, err := durationFromSeconds(rd.DurationSeconds)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: route %q: %w", rd.Name, err)
		}
		wps := make([]model.Waypoint, 0, len(rd.Waypoints))
		for _, w := range rd.Waypoints {
			wps = append(wps, model.Waypoint{Lat: w.Lat, Lon: w.Lon, Alt: w.Alt})
		}
		routes = append(routes, model.Route{
			Name:      rd.Name,
			Duration:  d,
			Waypoints: wps,
		})
	}
	table, err := kb.NewRouteTable(routes)
	if err != nil {
		return nil, fmt.Errorf("LoadScenario: %w", err)
	}

	fences := make([]model.Geofence, 0, len(doc.Geofences))
	for _, g := range doc.Geofences {
		fences = append(fences, model.Geofence{
			Name:     g.Name,
			Center:   model.Waypoint{Lat: g.Lat, Lon: g.Lon},
			RadiusKm: g.RadiusKm,
		})
	}
	set, err := kb.NewGeofenceSet(fences)
	if err != nil {
		return nil, fmt.Errorf("LoadScenario: %w", err)
	}

	jitter := DefaultJitter()
	if doc.Jitter != nil {
		jitter = JitterConfig{CoordDegrees: doc.Jitter.CoordDegrees, AltitudeUnits: doc.Jitter.AltitudeUnits}
		if jitter.CoordDegrees < 0 || jitter.AltitudeUnits < 0 {
			return nil, fmt.Errorf("LoadScenario: %w: jitter bounds must not be negative", ErrConfiguration)
		}
	}

	return &Scenario{Routes: table, Fences: set, Jitter: jitter}, nil
}

// durationFromSeconds converts a scenario duration, rejecting values that do
// not fit in a time.Duration.
func durationFromSeconds(secs float64) (time.Duration, error) {
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("%w: duration_seconds must be finite, got %v", kb.ErrConfiguration, secs)
	}
	if secs >= float64(math.MaxInt64)/float64(time.Second) {
		return 0, fmt.Errorf("%w: duration_seconds %v is too large", kb.ErrConfiguration, secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
