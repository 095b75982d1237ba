package journal

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/events"
	"github.com/tinytelemetry/beacon/internal/model"
)

// DefaultReplayBatch bounds how many journaled events one inner write carries.
const DefaultReplayBatch = 500

var errBatchFull = errors.New("journal: replay batch full")

// Outbox journals every batch before handing it to the wrapped writer and
// commits once the writer accepts it. Batches the writer rejected are
// retried ahead of the next batch and after a restart.
type Outbox struct {
	j      *Journal
	inner  events.EventWriter
	batch  int
	logger *zap.Logger
}

var _ events.EventWriter = (*Outbox)(nil)

// NewOutbox wraps inner. The outbox owns j and closes it.
func NewOutbox(j *Journal, inner events.EventWriter) *Outbox {
	return &Outbox{j: j, inner: inner, batch: DefaultReplayBatch, logger: zap.NewNop()}
}

// ID reports the wrapped writer's id so configuration and metrics stay
// keyed by the backend.
func (o *Outbox) ID() string { return o.inner.ID() }

func (o *Outbox) Initialize(wc events.WriterContext) error {
	if wc.Logger != nil {
		o.logger = wc.Logger
	}
	if err := o.inner.Initialize(wc); err != nil {
		return err
	}
	if n := o.j.Pending(); n > 0 {
		o.logger.Info("journal: replaying undelivered events", zap.Uint64("pending", n))
		if err := o.flush(context.Background()); err != nil {
			// The backend may still be down; the next write retries.
			o.logger.Warn("journal: replay failed", zap.Error(err))
		}
	}
	return nil
}

func (o *Outbox) Write(ctx context.Context, evs []model.StatusEvent) error {
	if len(evs) == 0 {
		return nil
	}
	if _, err := o.j.Append(evs...); err != nil {
		return err
	}
	return o.flush(ctx)
}

// flush delivers every uncommitted entry in bounded batches.
func (o *Outbox) flush(ctx context.Context) error {
	for {
		var (
			batch []model.StatusEvent
			last  uint64
		)
		err := o.j.Replay(func(seq uint64, ev *model.StatusEvent) error {
			batch = append(batch, *ev)
			last = seq
			if len(batch) >= o.batch {
				return errBatchFull
			}
			return nil
		})
		if err != nil && !errors.Is(err, errBatchFull) {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := o.inner.Write(ctx, batch); err != nil {
			return fmt.Errorf("journal: %d events held for retry: %w", o.j.Pending(), err)
		}
		if err := o.j.Commit(last); err != nil {
			return err
		}
		if len(batch) < o.batch {
			return nil
		}
	}
}

func (o *Outbox) Close() error {
	return errors.Join(o.inner.Close(), o.j.Close())
}
