// Package config loads emitter settings from a YAML file, EMITTER_*
// environment variables and defaults, in increasing order of precedence
// below command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every load and validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Event modes.
const (
	EventModeEveryTick = "every_tick"
	EventModeOnEntry   = "on_entry"
)

// Config is the emitter's runtime configuration.
type Config struct {
	DeviceID string            `yaml:"device_id"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Codec    string            `yaml:"codec"`

	Interval   time.Duration `yaml:"interval"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`

	// IOEvery emits an IO record every n ticks; 0 disables IO records.
	IOEvery   int    `yaml:"io_every"`
	EventMode string `yaml:"event_mode"`
	// Seed drives jitter and IO readings; 0 seeds from the clock.
	Seed int64 `yaml:"seed"`
	// Scenario is a JSON or YAML scenario file; empty uses the built-in one.
	Scenario string `yaml:"scenario"`
	DryRun   bool   `yaml:"dry_run"`

	MetricsAddr string       `yaml:"metrics_addr"`
	GRPCAddr    string       `yaml:"grpc_addr"`
	Feed        bool         `yaml:"feed"`
	Serial      SerialConfig `yaml:"serial"`
}

// SerialConfig describes the optional NMEA serial output.
type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DeviceID:    "emitter-01",
		Headers:     map[string]string{},
		Codec:       "json",
		Interval:    10 * time.Second,
		Timeout:     10 * time.Second,
		MaxRetries:  3,
		IOEvery:     12,
		EventMode:   EventModeEveryTick,
		MetricsAddr: ":9090",
		GRPCAddr:    ":50051",
		Feed:        true,
		Serial:      SerialConfig{Baud: 9600},
	}
}

// Load reads path over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: open %s: %v", ErrInvalidConfig, path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: decode %s: %v", ErrInvalidConfig, path, err)
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from EMITTER_* environment variables.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}

	str("EMITTER_DEVICE_ID", &c.DeviceID)
	str("EMITTER_ENDPOINT", &c.Endpoint)
	str("EMITTER_CODEC", &c.Codec)
	duration("EMITTER_INTERVAL", &c.Interval)
	duration("EMITTER_TIMEOUT", &c.Timeout)
	integer("EMITTER_MAX_RETRIES", &c.MaxRetries)
	integer("EMITTER_IO_EVERY", &c.IOEvery)
	str("EMITTER_EVENT_MODE", &c.EventMode)
	str("EMITTER_SCENARIO", &c.Scenario)
	boolean("EMITTER_DRY_RUN", &c.DryRun)
	str("EMITTER_METRICS_ADDR", &c.MetricsAddr)
	str("EMITTER_GRPC_ADDR", &c.GRPCAddr)
	boolean("EMITTER_FEED", &c.Feed)
	str("EMITTER_SERIAL_DEVICE", &c.Serial.Device)
	integer("EMITTER_SERIAL_BAUD", &c.Serial.Baud)

	if v, ok := lookup("EMITTER_SEED"); ok {
		seed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("EMITTER_SEED: %v", err))
		} else {
			c.Seed = seed
		}
	}
	if v, ok := lookup("EMITTER_HEADERS"); ok {
		headers, err := ParseHeaders(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("EMITTER_HEADERS: %v", err))
		} else {
			if c.Headers == nil {
				c.Headers = map[string]string{}
			}
			for k, v := range headers {
				c.Headers[k] = v
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ParseHeaders parses "Key=Value,Key2=Value2" into a header map.
func ParseHeaders(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed header %q", pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DeviceID) == "" {
		problems = append(problems, "device_id is required")
	}
	if !c.DryRun {
		if c.Endpoint == "" {
			problems = append(problems, "endpoint is required unless dry_run is set")
		} else if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("endpoint %q must be an http(s) URL", c.Endpoint))
		}
	}
	switch strings.ToLower(c.Codec) {
	case "", "json", "msgpack":
	default:
		problems = append(problems, fmt.Sprintf("codec %q must be json or msgpack", c.Codec))
	}
	if c.Interval <= 0 {
		problems = append(problems, "interval must be > 0")
	}
	if c.Timeout <= 0 {
		problems = append(problems, "timeout must be > 0")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "max_retries must be >= 0")
	}
	if c.IOEvery < 0 {
		problems = append(problems, "io_every must be >= 0")
	}
	switch c.EventMode {
	case EventModeEveryTick, EventModeOnEntry:
	default:
		problems = append(problems, fmt.Sprintf("event_mode %q must be %s or %s", c.EventMode, EventModeEveryTick, EventModeOnEntry))
	}
	if c.Serial.Device != "" && c.Serial.Baud <= 0 {
		problems = append(problems, "serial.baud must be > 0 when serial.device is set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
