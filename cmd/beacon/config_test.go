package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/beacon/internal/duckdb"
	"github.com/tinytelemetry/beacon/internal/journal"
	"github.com/tinytelemetry/beacon/internal/natsbus"
)

func TestComponentName(t *testing.T) {
	tests := []struct {
		instance string
		pod      string
		want     string
	}{
		{"instance-abc", "beacon-instance-abc-appfabric-0", "appfabric-0"},
		{"123", "beacon-123-appfabric-23", "appfabric-23"},
		{"beacon", "beacon-beacon-appfabric-0", "appfabric-0"},
		{"", "beacon-new-name-format", "new-name-format"},
		{"", "new-name-format", "new-name-format"},
		{"test-beacon", "beacon-test-beacon-preview-runner-b5786a15-e8f4-47-0cebad7d67-0", "preview-runner-b5786a15-e8f4-47-0cebad7d67-0"},
		{"eacon", "beacon-eacon-preview-runner-0", "preview-runner-0"},
	}
	for _, tt := range tests {
		t.Run(tt.pod, func(t *testing.T) {
			assert.Equal(t, tt.want, componentName(tt.instance, tt.pod, defaultPodPrefix))
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, defaultTopic, cfg.Topic)
	assert.Equal(t, logDuckDB, cfg.NotificationLog)
	assert.Equal(t, []string{writerLog, writerDuckDB}, cfg.Writers)
	assert.Equal(t, defaultBufferCapacity, cfg.BufferCapacity)
	assert.Equal(t, defaultDrainPeriod, cfg.DrainPeriod)
	assert.Equal(t, defaultPollInterval, cfg.PollInterval)
	assert.Equal(t, "bounded", cfg.EnrichPolicy)
	assert.Equal(t, natsbus.DefaultDedupWindow, cfg.NATSDedupWindow)
	assert.Equal(t, "127.0.0.1:8080", cfg.APIAddr)
	assert.False(t, cfg.TCPEnabled)
	assert.Equal(t, "127.0.0.1:4000", cfg.TCPAddr)
	assert.Equal(t, filepath.Join(home, ".local", "share", "beacon", "beacon.duckdb"), cfg.DBPath)
	assert.Empty(t, cfg.ConfigPath)
	assert.Empty(t, cfg.ComponentName)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "beacon.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
topic: statuses
writers: [log, nats]
notification-log: nats
db-path: ~/data/beacon.duckdb
poll-interval: 250ms
enrich-enabled: true
history-url: http://history:18080
enrich-policy: exponential
writer-properties:
  nats:
    stream: custom
`), 0o644))

	t.Setenv("BEACON_POD_NAME", "beacon-prod-publisher-0")
	t.Setenv("BEACON_INSTANCE_NAME", "prod")
	t.Setenv("BEACON_BUFFER_CAPACITY", "50")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "statuses", cfg.Topic)
	assert.Equal(t, []string{writerLog, writerNATS}, cfg.Writers)
	assert.True(t, cfg.hasWriter(writerNATS))
	assert.False(t, cfg.hasWriter(writerDuckDB))
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, filepath.Join(home, "data", "beacon.duckdb"), cfg.DBPath)
	assert.Equal(t, 50, cfg.BufferCapacity)
	assert.Equal(t, "publisher-0", cfg.ComponentName)
	assert.Equal(t, "custom", cfg.WriterProps["nats"]["stream"])
	assert.Equal(t, path, cfg.ConfigPath)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"BEACON_API_PORT":          "70000",
		"BEACON_TCP_PORT":          "0",
		"BEACON_BUFFER_CAPACITY":   "0",
		"BEACON_DRAIN_PERIOD":      "0s",
		"BEACON_POLL_BATCH_SIZE":   "-1",
		"BEACON_NOTIFICATION_LOG":  "kafka",
		"BEACON_WRITERS":           "log,s3",
		"BEACON_METRICS_PUBLISHER": "otlp",
		"BEACON_LOG_FORMAT":        "xml",
		"BEACON_ENRICH_ENABLED":    "true",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv("HOME", t.TempDir())
			t.Setenv(key, value)
			_, err := loadConfig("")
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigRejectsBadEnrichPolicy(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BEACON_ENRICH_ENABLED", "true")
	t.Setenv("BEACON_HISTORY_URL", "http://history")
	t.Setenv("BEACON_ENRICH_POLICY", "forever")
	_, err := loadConfig("")
	assert.Error(t, err)
}

func TestBuildWritersWrapsBackendsInOutbox(t *testing.T) {
	store, err := duckdb.NewStore("")
	require.NoError(t, err)
	defer store.Close()

	dir := t.TempDir()
	writers, err := buildWriters(appConfig{Writers: []string{writerLog, writerDuckDB}, OutboxDir: dir}, store, nil)
	require.NoError(t, err)
	require.Len(t, writers, 2)

	assert.Equal(t, "log", writers[0].ID())
	assert.Equal(t, "duckdb", writers[1].ID())
	assert.IsType(t, &journal.Outbox{}, writers[1])
	assert.FileExists(t, filepath.Join(dir, "duckdb.journal"))
	for _, w := range writers {
		require.NoError(t, w.Close())
	}
}

func TestNewLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "beacon.log")
	logger, err := newLogger(appConfig{LogLevel: "debug", LogFormat: "json", LogFile: logFile})
	require.NoError(t, err)
	logger.Info("hello")
	_ = logger.Sync()
	assert.FileExists(t, logFile)

	_, err = newLogger(appConfig{LogLevel: "loud", LogFormat: "json"})
	assert.Error(t, err)
}
