package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/beacon/internal/aggregate"
	"github.com/tinytelemetry/beacon/internal/duckdb"
	"github.com/tinytelemetry/beacon/internal/enrich"
	"github.com/tinytelemetry/beacon/internal/events"
	"github.com/tinytelemetry/beacon/internal/hook"
	"github.com/tinytelemetry/beacon/internal/httpserver"
	"github.com/tinytelemetry/beacon/internal/journal"
	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/natsbus"
	"github.com/tinytelemetry/beacon/internal/publisher"
	"github.com/tinytelemetry/beacon/internal/tcpserver"
	"github.com/tinytelemetry/beacon/internal/telemetry"
)

// notificationBackend is a notification log that can also persist offsets
// and accept new notifications.
type notificationBackend interface {
	model.NotificationLog
	model.OffsetStore
	httpserver.NotificationAppender
}

// runServer wires the pipeline and blocks until a signal arrives.
func runServer(cfg appConfig) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := telemetry.NewPrometheusRecorder(reg)

	// Event store and, by default, the notification log.
	store, err := duckdb.NewStore(cfg.DBPath, duckdb.StoreConfig{
		QueryTimeout: cfg.QueryTimeout,
		Logger:       logger.Named("duckdb"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	retentionCleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
		RetentionDays: cfg.RetentionDays,
		Logger:        logger.Named("retention"),
	})
	if retentionCleaner != nil {
		defer retentionCleaner.Stop()
	}

	var bus *natsbus.Client
	if cfg.NotificationLog == logNATS || cfg.hasWriter(writerNATS) {
		bus, err = natsbus.Connect(context.Background(), natsbus.Config{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Timeout:       cfg.NATSTimeout,
			DedupWindow:   cfg.NATSDedupWindow,
			Logger:        logger.Named("nats"),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer bus.Close()
	}

	var notifications notificationBackend = store
	if cfg.NotificationLog == logNATS {
		notifications = bus
	}

	// Metrics path: aggregators -> collector -> buffer -> downstream.
	buffered, err := newMetricsPublisher(cfg, logger, recorder)
	if err != nil {
		return err
	}
	if err := buffered.Initialize(context.Background()); err != nil {
		return fmt.Errorf("failed to initialize metrics publisher: %w", err)
	}
	defer buffered.Close()

	cache := aggregate.NewContextCache(aggregate.ContextCacheConfig{
		Expiry: cfg.ContextExpiry,
		Logger: logger.Named("aggregate"),
	})
	collector := aggregate.NewCollector(cache, buffered, aggregate.CollectorConfig{
		Interval: cfg.CollectInterval,
		Logger:   logger.Named("collector"),
	})
	collector.Start()
	defer collector.Stop()

	if cfg.ComponentName != "" {
		runtimeCollector, err := aggregate.NewRuntimeCollector(cache, cfg.ComponentName, cfg.RuntimeInterval, logger.Named("runtime"))
		if err != nil {
			return fmt.Errorf("failed to start runtime collector: %w", err)
		}
		runtimeCollector.Start()
		defer runtimeCollector.Stop()
	}

	requestHook := hook.NewRequestMetricsHook("beacon", cache, hook.HookConfig{
		StartExpiry: cfg.RequestStartExpiry,
		Logger:      logger.Named("hook"),
	})

	var provider model.MetricsProvider
	if cfg.EnrichEnabled {
		enricher, err := newEnricher(cfg, logger, recorder)
		if err != nil {
			return err
		}
		provider = enricher
	}

	writers, err := buildWriters(cfg, store, bus)
	if err != nil {
		return err
	}

	sub, err := events.NewSubscriber(notifications, notifications, provider, writers, events.Config{
		Topic:            cfg.Topic,
		InstanceName:     cfg.InstanceName,
		ProjectName:      cfg.ProjectName,
		PollInterval:     cfg.PollInterval,
		BatchSize:        cfg.PollBatchSize,
		ProgressEvery:    cfg.ProgressEvery,
		WriterProperties: cfg.WriterProps,
		Logger:           logger.Named("events"),
		Recorder:         recorder,
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, httpserver.Deps{
			Events:        store,
			Notifications: notifications,
			Subscriber:    sub,
			Buffer:        buffered,
			Gatherer:      reg,
		}, httpserver.ServerConfig{
			Topic:      cfg.Topic,
			StallAfter: cfg.StallAfter,
			Hook:       requestHook,
			Logger:     logger.Named("http"),
		})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	if cfg.TCPEnabled {
		tcpServer := tcpserver.NewServer(cfg.TCPAddr, notifications, tcpserver.ServerConfig{
			Topic:  cfg.Topic,
			Logger: logger.Named("tcp"),
		})
		if err := tcpServer.Start(); err != nil {
			return fmt.Errorf("failed to start TCP ingest: %w", err)
		}
		defer tcpServer.Stop()
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	if err := sub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start subscriber: %w", err)
	}

	printStartupBanner(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		sub.Stop()
		return sub.AwaitStopped(context.Background())
	})

	if err := g.Wait(); err != nil {
		logger.Error("server: subscriber exited with error", zap.Error(err))
	}

	// If we reach here, graceful shutdown succeeded within the deadline.
	signal.Stop(sigCh)
	return nil
}

func newLogger(cfg appConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Encoding = cfg.LogFormat
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.DisableStacktrace = true

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log-level %q: %w", cfg.LogLevel, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, err
		}
		zc.OutputPaths = []string{cfg.LogFile}
		zc.ErrorOutputPaths = []string{cfg.LogFile}
	}
	return zc.Build()
}

func newMetricsPublisher(cfg appConfig, logger *zap.Logger, recorder telemetry.Recorder) (*publisher.BufferedPublisher, error) {
	var downstream model.MetricsPublisher
	switch cfg.MetricsPublisher {
	case metricsOTLP:
		otlp, err := publisher.NewOTLPPublisher(publisher.OTLPConfig{
			Endpoint:    cfg.OTLPEndpoint,
			ServiceName: "beacon",
			Timeout:     cfg.OTLPTimeout,
			Logger:      logger.Named("otlp"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP publisher: %w", err)
		}
		downstream = otlp
	default:
		downstream = publisher.NewLogPublisher(logger.Named("metrics"))
	}

	return publisher.NewBufferedPublisher(downstream, publisher.BufferedConfig{
		Capacity:    cfg.BufferCapacity,
		DrainPeriod: cfg.DrainPeriod,
		Logger:      logger.Named("buffer"),
		Recorder:    recorder,
	}), nil
}

func newEnricher(cfg appConfig, logger *zap.Logger, recorder telemetry.Recorder) (*enrich.Enricher, error) {
	client, err := enrich.NewHistoryClient(enrich.HistoryClientConfig{
		BaseURL:         cfg.HistoryURL,
		Timeout:         cfg.HistoryTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
		Logger:          logger.Named("history"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create history client: %w", err)
	}
	conf := enrichConfig(cfg)
	conf.Logger = logger.Named("enrich")
	conf.Recorder = recorder
	enricher, err := enrich.NewEnricher(client, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create enricher: %w", err)
	}
	return enricher, nil
}

// buildWriters creates the configured writers in order. With an outbox
// directory, backend writers are fronted by a journal so rejected batches
// survive restarts.
func buildWriters(cfg appConfig, store *duckdb.Store, bus *natsbus.Client) ([]events.EventWriter, error) {
	var writers []events.EventWriter
	for _, id := range cfg.Writers {
		var w events.EventWriter
		switch id {
		case writerLog:
			w = events.NewLogWriter()
		case writerDuckDB:
			w = duckdb.NewEventWriter(store)
		case writerNATS:
			w = natsbus.NewEventWriter(bus)
		default:
			return nil, fmt.Errorf("unknown writer %q", id)
		}

		if cfg.OutboxDir != "" && id != writerLog {
			j, err := journal.Open(filepath.Join(cfg.OutboxDir, id+".journal"))
			if err != nil {
				return nil, fmt.Errorf("failed to open outbox for %s: %w", id, err)
			}
			w = journal.NewOutbox(j, w)
		}
		writers = append(writers, w)
	}
	return writers, nil
}

func printStartupBanner(cfg appConfig) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")
	row := func(on bool, label, value string) string {
		mark := dot
		if on {
			mark = check
		}
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	logo := cyan.Bold(true).Render(`
    ╔╗ ╔═╗╔═╗╔═╗╔═╗╔╗╔
    ╠╩╗║╣ ╠═╣║  ║ ║║║║
    ╚═╝╚═╝╩ ╩╚═╝╚═╝╝╚╝`)

	separator := dim.Render("    ─────────────────────────────────")
	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Gateway"), "")
	if cfg.APIEnabled {
		lines = append(lines, row(true, "HTTP API", cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, row(false, "HTTP API", dim.Render("disabled")))
	}
	if cfg.TCPEnabled {
		lines = append(lines, row(true, "TCP Ingest", cyan.Render(cfg.TCPAddr)))
	} else {
		lines = append(lines, row(false, "TCP Ingest", dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Pipeline"), "")
	lines = append(lines, row(true, "Notifications", dim.Render(cfg.NotificationLog+" / "+cfg.Topic)))
	lines = append(lines, row(true, "Writers", dim.Render(strings.Join(cfg.Writers, ", "))))
	if cfg.EnrichEnabled {
		lines = append(lines, row(true, "Enrichment", cyan.Render(cfg.HistoryURL)+dim.Render(" ("+cfg.EnrichPolicy+")")))
	} else {
		lines = append(lines, row(false, "Enrichment", dim.Render("disabled")))
	}
	if cfg.OutboxDir != "" {
		lines = append(lines, row(true, "Outbox", dim.Render(shortenPath(cfg.OutboxDir))))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Metrics"), "")
	target := cfg.MetricsPublisher
	if cfg.MetricsPublisher == metricsOTLP {
		target += " " + cfg.OTLPEndpoint
	}
	lines = append(lines, row(true, "Publisher", dim.Render(target)))
	if cfg.ComponentName != "" {
		lines = append(lines, row(true, "Runtime", dim.Render(cfg.ComponentName)))
	} else {
		lines = append(lines, row(false, "Runtime", dim.Render("no component name")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines, row(true, "Storage", dim.Render(shortenPath(cfg.DBPath))))
	if cfg.RetentionDays > 0 {
		lines = append(lines, row(true, "Retention", dim.Render(fmt.Sprintf("%d days", cfg.RetentionDays))))
	} else {
		lines = append(lines, row(false, "Retention", dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(true, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(false, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "",
		"    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
