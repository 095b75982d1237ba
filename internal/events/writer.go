package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/telemetry"
)

// WriterContext is what a writer gets at initialization: its identity, its
// configuration properties and the shared services it may use.
type WriterContext struct {
	ID         string
	Properties map[string]string
	Logger     *zap.Logger
	Recorder   telemetry.Recorder
}

// Property returns a configuration property or def when unset.
func (c WriterContext) Property(key, def string) string {
	if v, ok := c.Properties[key]; ok && v != "" {
		return v
	}
	return def
}

// EventWriter receives every dispatched batch of status events. Delivery is
// at least once, so writers must tolerate seeing the same (run, status)
// pair again after a restart.
type EventWriter interface {
	ID() string
	Initialize(wc WriterContext) error
	Write(ctx context.Context, events []model.StatusEvent) error
	Close() error
}

// LogWriter writes each event as one structured log line.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter() *LogWriter { return &LogWriter{logger: zap.NewNop()} }

func (w *LogWriter) ID() string { return "log" }

func (w *LogWriter) Initialize(wc WriterContext) error {
	if wc.Logger != nil {
		w.logger = wc.Logger
	}
	return nil
}

func (w *LogWriter) Write(_ context.Context, events []model.StatusEvent) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		w.logger.Info("status event",
			zap.String("run_id", ev.Details.RunID),
			zap.String("status", ev.Details.Status),
			zap.ByteString("event", payload))
	}
	return nil
}

func (w *LogWriter) Close() error { return nil }
