// Package main implements the ruuvistreams exporter. It scans for Ruuvi
// beacons over BLE, exports their readings as Prometheus metrics and
// optionally republishes every decoded frame to NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/ruuvistreams/component"
	"github.com/c360/ruuvistreams/config"
	"github.com/c360/ruuvistreams/discovery"
	"github.com/c360/ruuvistreams/health"
	"github.com/c360/ruuvistreams/input/ble"
	"github.com/c360/ruuvistreams/metric"
	"github.com/c360/ruuvistreams/natsclient"
	"github.com/c360/ruuvistreams/pkg/retry"
	"github.com/c360/ruuvistreams/processor/recorder"
	"github.com/c360/ruuvistreams/session"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "ruuvistreams"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		printHelp()
		return nil
	}

	cfg, err := loadConfig(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting ruuvistreams",
		"version", Version,
		"build_time", BuildTime,
		"binding", cfg.Binding,
		"adapter", cfg.AdapterName,
		"idle_timeout", cfg.IdleTimeout,
		"republish", cfg.NATS.Enabled())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return app.run(ctx, cfg.ShutdownTimeout)
}

// loadConfig loads defaults, the optional file and environment overrides.
// A -config flag takes precedence over RUUVISTREAMS_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	loader := config.NewLoader()
	loader.AddLayer(path)
	return loader.Load()
}

// application holds the wired process
type application struct {
	logger   *slog.Logger
	metrics  *metric.MetricsRegistry
	sessions *session.Registry
	manager  *component.Manager
	server   *metric.Server
	sweeper  *metric.IdleSweeper
	nats     *natsclient.Client
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	registry := metric.NewMetricsRegistry(metric.RegistryOptions{
		ProcessCollector: cfg.EnableProcessCollection,
		Version:          Version,
	})
	core := registry.CoreMetrics()

	sensors, err := metric.NewSensorMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register sensor metrics: %w", err)
	}

	app := &application{
		logger:   logger,
		metrics:  registry,
		sessions: session.NewRegistry(),
		manager:  component.NewManager(logger.With("component", "manager")),
		sweeper:  metric.NewIdleSweeper(sensors, cfg.IdleTimeout, core, logger.With("component", "sweeper")),
	}

	recDeps := recorder.Deps{
		Sink:          sensors,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Metrics:       core,
		Logger:        logger.With("component", "recorder"),
	}
	if cfg.NATS.Enabled() {
		client, err := connectNATS(ctx, cfg.NATS, logger)
		if err != nil {
			app.sessions.Close()
			return nil, err
		}
		app.nats = client
		recDeps.Publisher = client
	}

	rec, err := recorder.New(recDeps)
	if err != nil {
		app.close(ctx)
		return nil, fmt.Errorf("create recorder: %w", err)
	}

	scanner := ble.NewScanner(ble.ScannerDeps{
		Config: ble.Config{
			AdapterName: cfg.AdapterName,
			IdleTimeout: cfg.IdleTimeout,
		},
		MetricsRegistry: registry,
		Logger:          logger.With("component", "ble-scanner", "adapter", cfg.AdapterName),
	})

	disc, err := discovery.NewService(discovery.Deps{
		Transport: scanner,
		Recorder:  rec,
		Registry:  app.sessions,
		Metrics:   core,
		Logger:    logger.With("component", "discovery"),
	})
	if err != nil {
		app.close(ctx)
		return nil, fmt.Errorf("create discovery service: %w", err)
	}

	// discovery consumes the scanner stream, so it starts first and stops last
	app.manager.Add(disc)
	app.manager.Add(scanner)

	monitor := health.NewMonitor()
	for _, c := range app.manager.Components() {
		monitor.RegisterComponent(c)
	}
	if app.nats != nil {
		monitor.Register("nats", natsHealthCheck(app.nats))
	}
	logger.Debug("Health checks registered", "checks", monitor.Count())

	app.server = metric.NewServer(cfg.Binding, "/metrics", registry, monitor.Handler(appName))
	return app, nil
}

func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cfg.URL, natsOptions(cfg, logger)...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "url", cfg.URL, "subject_prefix", cfg.SubjectPrefix, "tls", cfg.TLSEnabled())
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

func natsOptions(cfg config.NATSConfig, logger *slog.Logger) []natsclient.ClientOption {
	connectRetry := retry.DefaultConfig()
	connectRetry.MaxAttempts = cfg.ConnectAttempts

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(logger.With("component", "natsclient")),
		natsclient.WithTimeout(cfg.ConnectTimeout),
		natsclient.WithRetry(connectRetry),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithPingInterval(cfg.PingInterval),
		natsclient.WithDrainTimeout(cfg.DrainTimeout),
		natsclient.WithCircuitBreakerThreshold(cfg.CircuitThreshold),
		natsclient.WithMaxBackoff(cfg.MaxBackoff),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.TLSEnabled() {
		opts = append(opts, natsclient.WithTLS(cfg.TLSCert, cfg.TLSKey, cfg.TLSCA))
	}
	return opts
}

// natsHealthCheck reports republishing as degraded, never unhealthy: the
// exporter keeps serving metrics while NATS is away
func natsHealthCheck(client *natsclient.Client) health.CheckFunc {
	return func() health.Status {
		st := client.GetStatus()
		if st.Status == natsclient.StatusConnected {
			return health.NewHealthy("nats",
				fmt.Sprintf("Connected, %d published, rtt %s", st.Published, st.RTT))
		}
		return health.NewDegraded("nats",
			fmt.Sprintf("Republishing unavailable: %s, %d failures", st.Status, st.FailureCount))
	}
}

func (a *application) run(ctx context.Context, shutdownTimeout time.Duration) error {
	defer a.close(context.Background())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.Start()
	}()

	if err := a.manager.StartAll(ctx, shutdownTimeout); err != nil {
		a.stopServer(shutdownTimeout)
		return fmt.Errorf("start components: %w", err)
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go a.sweeper.Run(sweepCtx)

	a.logger.Info("ruuvistreams started", "metrics", a.server.Address())

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	}

	if err := a.manager.StopAll(shutdownTimeout); err != nil {
		a.logger.Warn("Components did not stop cleanly", "error", err)
	}
	a.stopServer(shutdownTimeout)

	a.logger.Info("ruuvistreams shutdown complete", "states", fmt.Sprint(a.manager.States()))
	return runErr
}

func (a *application) stopServer(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.server.Stop(ctx); err != nil {
		a.logger.Warn("Metrics server shutdown failed", "error", err)
	}
}

func (a *application) close(ctx context.Context) {
	a.sessions.Close()
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
	}
}
