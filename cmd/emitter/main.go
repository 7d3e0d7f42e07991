package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/fleet-emitter/core"
	"github.com/signalsfoundry/fleet-emitter/internal/config"
	"github.com/signalsfoundry/fleet-emitter/internal/delivery"
	"github.com/signalsfoundry/fleet-emitter/internal/emitter"
	"github.com/signalsfoundry/fleet-emitter/internal/feed"
	"github.com/signalsfoundry/fleet-emitter/internal/health"
	"github.com/signalsfoundry/fleet-emitter/internal/logging"
	"github.com/signalsfoundry/fleet-emitter/internal/nmea"
	"github.com/signalsfoundry/fleet-emitter/internal/observability"
	"github.com/signalsfoundry/fleet-emitter/internal/payload"
	"github.com/signalsfoundry/fleet-emitter/internal/rand"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.String("endpoint", "", "Ingestion endpoint URL")
	flag.String("device-id", "", "Device identifier stamped on every record")
	flag.Duration("interval", 0, "Sampling interval")
	flag.String("codec", "", "Request body codec: json or msgpack")
	flag.String("event-mode", "", "Geofence events: every_tick or on_entry")
	flag.String("scenario", "", "JSON or YAML scenario file (default: built-in scenario)")
	flag.Int64("seed", 0, "Random seed for jitter and IO readings (0 = time-based)")
	flag.Bool("dry-run", false, "Log records instead of sending them")
	flag.String("metrics-addr", "", "HTTP address for /metrics and the live feed")
	flag.String("grpc-addr", "", "TCP address for the gRPC health service")
	flag.Parse()

	log := logging.NewFromEnv()

	cfg, err := loadConfig(*configPath, flag.CommandLine)
	if err != nil {
		log.Error(context.Background(), "invalid configuration", logging.Err(err))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, nil); err != nil {
		log.Error(ctx, "emitter exited with error", logging.Err(err))
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, EMITTER_* variables and
// explicitly set flags.
func loadConfig(path string, fs *flag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		getter, ok := f.Value.(flag.Getter)
		if !ok {
			return
		}
		switch v := getter.Get().(type) {
		case string:
			switch f.Name {
			case "endpoint":
				cfg.Endpoint = v
			case "device-id":
				cfg.DeviceID = v
			case "codec":
				cfg.Codec = v
			case "event-mode":
				cfg.EventMode = v
			case "scenario":
				cfg.Scenario = v
			case "metrics-addr":
				cfg.MetricsAddr = v
			case "grpc-addr":
				cfg.GRPCAddr = v
			}
		case time.Duration:
			if f.Name == "interval" {
				cfg.Interval = v
			}
		case int64:
			if f.Name == "seed" {
				cfg.Seed = v
			}
		case bool:
			if f.Name == "dry-run" {
				cfg.DryRun = v
			}
		}
	})
	return cfg, cfg.Validate()
}

// run wires every component and blocks until ctx is cancelled. When lis is
// nil the gRPC health listener is opened on cfg.GRPCAddr.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	scenario, err := loadScenario(cfg.Scenario)
	if err != nil {
		return err
	}
	log.Info(ctx, "scenario loaded",
		logging.String("source", scenarioSource(cfg.Scenario)),
		logging.Int("routes", scenario.Routes.Len()),
		logging.Int("geofences", scenario.Fences.Len()),
		logging.Duration("cycle", scenario.Routes.TotalDuration()),
	)

	src := rand.NewFromTime()
	if cfg.Seed != 0 {
		src = rand.New(cfg.Seed)
	}
	engine, err := core.NewPositionEngine(scenario.Routes, src, core.WithJitter(scenario.Jitter))
	if err != nil {
		return err
	}
	jitter := engine.Jitter()
	log.Info(ctx, "position engine ready",
		logging.Float64("jitter_deg", jitter.CoordDegrees),
		logging.Int("jitter_alt", jitter.AltitudeUnits),
		logging.Bool("seeded", cfg.Seed != 0),
	)

	collector, err := observability.NewEmitterCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	sender, err := newSender(cfg, log)
	if err != nil {
		return err
	}

	var sinks []emitter.Sink
	var hub *feed.Hub
	if cfg.Feed {
		hub = feed.NewHub(log)
		defer hub.Close()
		sinks = append(sinks, hub)
	}
	if cfg.Serial.Device != "" {
		port, err := nmea.OpenSerial(cfg.Serial.Device, cfg.Serial.Baud)
		if err != nil {
			return err
		}
		defer closeQuietly(port)
		sinks = append(sinks, nmea.NewWriter(port))
		log.Info(ctx, "writing NMEA sentences", logging.String("device", cfg.Serial.Device), logging.Int("baud", cfg.Serial.Baud))
	}

	healthSrv := health.NewServer(log)

	builder := payload.NewBuilder(cfg.DeviceID, src)
	em, err := emitter.New(emitter.Config{
		Interval:  cfg.Interval,
		IOEvery:   cfg.IOEvery,
		EventMode: emitter.EventMode(cfg.EventMode),
	}, emitter.Deps{
		Engine:  engine,
		Fences:  scenario.Fences,
		Builder: builder,
		Sender:  sender,
		Sinks:   sinks,
		Metrics: collector,
		Health:  healthSrv,
		Log:     log.With(logging.String("device_id", builder.DeviceID())),
	})
	if err != nil {
		return err
	}

	if lis == nil {
		lis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen for gRPC on %s: %w", cfg.GRPCAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, cfg.MetricsAddr, collector, hub, log)
	})
	g.Go(func() error {
		return healthSrv.Serve(gctx, lis)
	})
	g.Go(func() error {
		return em.Run(gctx)
	})

	err = g.Wait()
	log.Info(context.Background(), "shutting down emitter", logging.Int("ticks", int(em.Ticks())))
	return err
}

func loadScenario(path string) (*core.Scenario, error) {
	if path == "" {
		return core.DefaultScenario()
	}
	return core.LoadScenarioFile(path)
}

func scenarioSource(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}

func newSender(cfg config.Config, log logging.Logger) (delivery.Sender, error) {
	if cfg.DryRun {
		log.Info(context.Background(), "dry run: records will not be sent")
		return delivery.NopSender{Log: log}, nil
	}
	codec, err := delivery.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return delivery.NewHTTPSender(delivery.HTTPConfig{
		Endpoint:   cfg.Endpoint,
		Headers:    cfg.Headers,
		Codec:      codec,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		Logger:     log,
	})
}

func serveHTTP(ctx context.Context, addr string, collector *observability.EmitterCollector, hub *feed.Hub, log logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	if hub != nil {
		mux.Handle(feed.Path, hub)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr), logging.Bool("feed", hub != nil))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}
