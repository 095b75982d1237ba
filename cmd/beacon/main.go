package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/beacon/internal/enrich"
	"github.com/tinytelemetry/beacon/internal/natsbus"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/beacon/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("Beacon - Program Status Publisher\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("BEACON")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "console")
	v.SetDefault("log-file", "")
	v.SetDefault("instance-name", "")
	v.SetDefault("project-name", "")
	v.SetDefault("pod-name", "")
	v.SetDefault("pod-prefix", defaultPodPrefix)
	v.SetDefault("component-name", "")
	v.SetDefault("topic", defaultTopic)
	v.SetDefault("notification-log", logDuckDB)
	v.SetDefault("writers", []string{writerLog, writerDuckDB})
	v.SetDefault("writer-properties", map[string]map[string]string{})
	v.SetDefault("outbox-dir", "")
	v.SetDefault("poll-interval", defaultPollInterval)
	v.SetDefault("poll-batch-size", defaultPollBatchSize)
	v.SetDefault("progress-every", 0)
	v.SetDefault("db-path", filepath.Join(home, ".local", "share", "beacon", "beacon.duckdb"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("retention-days", defaultRetentionDays)
	v.SetDefault("nats-url", "nats://127.0.0.1:4222")
	v.SetDefault("nats-subject-prefix", "beacon")
	v.SetDefault("nats-timeout", defaultNATSTimeout)
	v.SetDefault("nats-dedup-window", natsbus.DefaultDedupWindow)
	v.SetDefault("metrics-publisher", metricsLog)
	v.SetDefault("otlp-endpoint", "")
	v.SetDefault("otlp-timeout", defaultOTLPTimeout)
	v.SetDefault("buffer-capacity", defaultBufferCapacity)
	v.SetDefault("drain-period", defaultDrainPeriod)
	v.SetDefault("collect-interval", defaultCollectInterval)
	v.SetDefault("runtime-interval", defaultRuntimeInterval)
	v.SetDefault("context-expiry", defaultContextExpiry)
	v.SetDefault("request-start-expiry", defaultRequestStartExpiry)
	v.SetDefault("enrich-enabled", false)
	v.SetDefault("history-url", "")
	v.SetDefault("history-timeout", defaultHistoryTimeout)
	v.SetDefault("breaker-failures", defaultBreakerFailures)
	v.SetDefault("breaker-timeout", defaultBreakerTimeout)

	enrichDefaults := enrich.DefaultConfig()
	v.SetDefault("enrich-policy", string(enrichDefaults.Policy))
	v.SetDefault("enrich-attempts", enrichDefaults.Attempts)
	v.SetDefault("enrich-interval", enrichDefaults.Interval)
	v.SetDefault("enrich-backoff-base", enrichDefaults.BackoffBase)
	v.SetDefault("enrich-backoff-max", enrichDefaults.BackoffMax)
	v.SetDefault("enrich-deadline", enrichDefaults.Deadline)

	v.SetDefault("tcp-enabled", false)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("stall-after", defaultStallAfter)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "beacon", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}

	// Expand ~ in paths
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.OutboxDir = expandHome(home, cfg.OutboxDir)
	cfg.LogFile = expandHome(home, cfg.LogFile)

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.APIPort))
	}
	if cfg.ComponentName == "" && cfg.PodName != "" {
		cfg.ComponentName = componentName(cfg.InstanceName, cfg.PodName, cfg.PodPrefix)
	}

	return cfg, nil
}

func validateConfig(cfg *appConfig) error {
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return fmt.Errorf("invalid log-format %q (want console or json)", cfg.LogFormat)
	}
	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.Topic == "" {
		return errors.New("topic is required")
	}
	if cfg.BufferCapacity <= 0 {
		return fmt.Errorf("invalid buffer-capacity: %d", cfg.BufferCapacity)
	}
	if cfg.DrainPeriod <= 0 {
		return fmt.Errorf("invalid drain-period: %s", cfg.DrainPeriod)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("invalid poll-interval: %s", cfg.PollInterval)
	}
	if cfg.PollBatchSize <= 0 {
		return fmt.Errorf("invalid poll-batch-size: %d", cfg.PollBatchSize)
	}
	if cfg.ContextExpiry <= 0 || cfg.RequestStartExpiry <= 0 {
		return errors.New("context-expiry and request-start-expiry must be positive")
	}

	switch cfg.NotificationLog {
	case logDuckDB, logNATS:
	default:
		return fmt.Errorf("invalid notification-log %q (want %s or %s)", cfg.NotificationLog, logDuckDB, logNATS)
	}
	if len(cfg.Writers) == 0 {
		return errors.New("at least one writer is required")
	}
	for _, w := range cfg.Writers {
		if !slices.Contains([]string{writerLog, writerDuckDB, writerNATS}, w) {
			return fmt.Errorf("unknown writer %q", w)
		}
	}

	switch cfg.MetricsPublisher {
	case metricsLog:
	case metricsOTLP:
		if cfg.OTLPEndpoint == "" {
			return errors.New("otlp-endpoint is required when metrics-publisher is otlp")
		}
	default:
		return fmt.Errorf("invalid metrics-publisher %q", cfg.MetricsPublisher)
	}

	if cfg.EnrichEnabled {
		if cfg.HistoryURL == "" {
			return errors.New("history-url is required when enrich-enabled is set")
		}
		if err := enrichConfig(*cfg).Validate(); err != nil {
			return err
		}
	}
	return nil
}

func enrichConfig(cfg appConfig) enrich.Config {
	return enrich.Config{
		Policy:      enrich.Policy(cfg.EnrichPolicy),
		Attempts:    cfg.EnrichAttempts,
		Interval:    cfg.EnrichInterval,
		BackoffBase: cfg.EnrichBackoffBase,
		BackoffMax:  cfg.EnrichBackoffMax,
		Deadline:    cfg.EnrichDeadline,
	}
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
