package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/events"
	"github.com/tinytelemetry/beacon/internal/model"
)

// EventWriter publishes each status event on <prefix>.events.<status>,
// with the (run, status) key as message id so redelivered events inside
// the dedup window are dropped by the server.
type EventWriter struct {
	c      *Client
	logger *zap.Logger
}

var _ events.EventWriter = (*EventWriter)(nil)

func NewEventWriter(c *Client) *EventWriter {
	return &EventWriter{c: c, logger: zap.NewNop()}
}

func (w *EventWriter) ID() string { return "nats" }

func (w *EventWriter) Initialize(wc events.WriterContext) error {
	if wc.Logger != nil {
		w.logger = wc.Logger
	}
	if w.c == nil {
		return fmt.Errorf("natsbus: writer %s has no client", wc.ID)
	}
	return nil
}

// Write stops at the first failed publish. Events before it were accepted
// and are deduplicated if the batch is sent again within the dedup window.
// Each publish gets its own timeout.
func (w *EventWriter) Write(ctx context.Context, evs []model.StatusEvent) error {
	dups := 0
	for _, ev := range evs {
		dup, err := w.publish(ctx, ev)
		if err != nil {
			return err
		}
		if dup {
			dups++
		}
	}
	if dups > 0 {
		w.logger.Debug("natsbus: duplicate events dropped by server", zap.Int("duplicates", dups))
	}
	return nil
}

func (w *EventWriter) publish(ctx context.Context, ev model.StatusEvent) (bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("natsbus: encode event %s: %w", ev.Key(), err)
	}
	ctx, cancel := context.WithTimeout(ctx, w.c.conf.Timeout)
	defer cancel()
	_, dup, err := w.c.b.publish(ctx, w.c.eventSubject(ev.Details.Status), data, ev.Key())
	if err != nil {
		return false, fmt.Errorf("natsbus: publish event %s: %w", ev.Key(), err)
	}
	return dup, nil
}

// Close leaves the connection open; the client is owned by the caller.
func (w *EventWriter) Close() error { return nil }
