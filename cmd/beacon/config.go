package main

import (
	"slices"
	"strings"
	"time"

	"github.com/tinytelemetry/beacon/internal/model"
)

const (
	defaultBindHost        = "127.0.0.1"
	defaultAPIPort         = 8080
	defaultTCPPort         = 4000
	defaultTopic           = "programstatusevent"
	defaultPodPrefix       = "beacon-"
	defaultQueryTimeout    = 30 * time.Second
	defaultRetentionDays   = 30 // 0 = disabled
	defaultCollectInterval = 10 * time.Second
	defaultRuntimeInterval = 30 * time.Second
	defaultStallAfter      = time.Minute
	defaultHistoryTimeout  = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
	defaultNATSTimeout     = 5 * time.Second
	defaultOTLPTimeout     = 10 * time.Second

	defaultBufferCapacity     = model.DefaultBufferCapacity
	defaultDrainPeriod        = model.DefaultDrainPeriod
	defaultPollInterval       = model.DefaultPollInterval
	defaultPollBatchSize      = model.DefaultPollBatchSize
	defaultContextExpiry      = model.DefaultContextExpiry
	defaultRequestStartExpiry = model.DefaultRequestStartExpiry
)

// Backends and writers selectable from configuration.
const (
	logDuckDB = "duckdb"
	logNATS   = "nats"

	writerLog    = "log"
	writerDuckDB = "duckdb"
	writerNATS   = "nats"

	metricsLog  = "log"
	metricsOTLP = "otlp"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	LogFile   string `mapstructure:"log-file"`

	InstanceName  string `mapstructure:"instance-name"`
	ProjectName   string `mapstructure:"project-name"`
	PodName       string `mapstructure:"pod-name"`
	PodPrefix     string `mapstructure:"pod-prefix"`
	ComponentName string `mapstructure:"component-name"`

	Topic           string                       `mapstructure:"topic"`
	NotificationLog string                       `mapstructure:"notification-log"`
	Writers         []string                     `mapstructure:"writers"`
	WriterProps     map[string]map[string]string `mapstructure:"writer-properties"`
	OutboxDir       string                       `mapstructure:"outbox-dir"`
	PollInterval    time.Duration                `mapstructure:"poll-interval"`
	PollBatchSize   int                          `mapstructure:"poll-batch-size"`
	ProgressEvery   int                          `mapstructure:"progress-every"`

	DBPath        string        `mapstructure:"db-path"`
	QueryTimeout  time.Duration `mapstructure:"query-timeout"`
	RetentionDays int           `mapstructure:"retention-days"`

	NATSURL           string        `mapstructure:"nats-url"`
	NATSSubjectPrefix string        `mapstructure:"nats-subject-prefix"`
	NATSTimeout       time.Duration `mapstructure:"nats-timeout"`
	NATSDedupWindow   time.Duration `mapstructure:"nats-dedup-window"`

	MetricsPublisher   string        `mapstructure:"metrics-publisher"`
	OTLPEndpoint       string        `mapstructure:"otlp-endpoint"`
	OTLPTimeout        time.Duration `mapstructure:"otlp-timeout"`
	BufferCapacity     int           `mapstructure:"buffer-capacity"`
	DrainPeriod        time.Duration `mapstructure:"drain-period"`
	CollectInterval    time.Duration `mapstructure:"collect-interval"`
	RuntimeInterval    time.Duration `mapstructure:"runtime-interval"`
	ContextExpiry      time.Duration `mapstructure:"context-expiry"`
	RequestStartExpiry time.Duration `mapstructure:"request-start-expiry"`

	EnrichEnabled     bool          `mapstructure:"enrich-enabled"`
	HistoryURL        string        `mapstructure:"history-url"`
	HistoryTimeout    time.Duration `mapstructure:"history-timeout"`
	BreakerFailures   uint32        `mapstructure:"breaker-failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker-timeout"`
	EnrichPolicy      string        `mapstructure:"enrich-policy"`
	EnrichAttempts    int           `mapstructure:"enrich-attempts"`
	EnrichInterval    time.Duration `mapstructure:"enrich-interval"`
	EnrichBackoffBase time.Duration `mapstructure:"enrich-backoff-base"`
	EnrichBackoffMax  time.Duration `mapstructure:"enrich-backoff-max"`
	EnrichDeadline    time.Duration `mapstructure:"enrich-deadline"`

	TCPEnabled bool   `mapstructure:"tcp-enabled"`
	TCPPort    int    `mapstructure:"tcp-port"`
	TCPAddr    string `mapstructure:"tcp-addr"`

	APIEnabled bool          `mapstructure:"api-enabled"`
	APIPort    int           `mapstructure:"api-port"`
	APIAddr    string        `mapstructure:"api-addr"`
	StallAfter time.Duration `mapstructure:"stall-after"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func (c appConfig) hasWriter(id string) bool { return slices.Contains(c.Writers, id) }

// componentName derives the metrics component from a pod name such as
// "beacon-prod-appfabric-0": the pod prefix and the first occurrence of
// the instance name are removed along with leading dashes.
func componentName(instanceName, podName, prefix string) string {
	name := strings.TrimPrefix(podName, prefix)
	if instanceName != "" {
		name = strings.Replace(name, instanceName, "", 1)
	}
	return strings.TrimLeft(name, "-")
}
