// Package publisher forwards metric snapshots to downstream sinks.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/telemetry"
)

var (
	ErrNotInitialized = errors.New("publisher: not initialized")
	ErrBufferFull     = errors.New("publisher: buffer full")
	ErrClosed         = errors.New("publisher: closed")
)

// BufferedConfig holds tunables for the buffered publisher.
type BufferedConfig struct {
	Capacity    int
	DrainPeriod time.Duration
	Logger      *zap.Logger
	Recorder    telemetry.Recorder
}

// BufferedPublisher queues snapshots in a fixed-capacity buffer and forwards
// them to a downstream publisher on a fixed schedule. Publish never blocks:
// a full buffer rejects the snapshot and fails the call. A failed forward is
// logged and the drained snapshots are dropped.
type BufferedPublisher struct {
	downstream model.MetricsPublisher
	capacity   int
	period     time.Duration
	logger     *zap.Logger
	recorder   telemetry.Recorder

	mu        sync.RWMutex
	queue     chan model.MetricSnapshot
	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	closed    bool
}

// NewBufferedPublisher wraps downstream. Nothing is allocated until Initialize.
func NewBufferedPublisher(downstream model.MetricsPublisher, conf ...BufferedConfig) *BufferedPublisher {
	capacity := model.DefaultBufferCapacity
	period := model.DefaultDrainPeriod
	logger := zap.NewNop()
	var recorder telemetry.Recorder
	if len(conf) > 0 {
		if conf[0].Capacity > 0 {
			capacity = conf[0].Capacity
		}
		if conf[0].DrainPeriod > 0 {
			period = conf[0].DrainPeriod
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
		recorder = conf[0].Recorder
	}
	return &BufferedPublisher{
		downstream: downstream,
		capacity:   capacity,
		period:     period,
		logger:     logger,
		recorder:   telemetry.OrNoop(recorder),
	}
}

// Initialize allocates the buffer, initializes the downstream publisher and
// schedules the drain job. Later calls are no-ops.
func (p *BufferedPublisher) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.queue != nil {
		return nil
	}

	if err := p.downstream.Initialize(ctx); err != nil {
		return fmt.Errorf("publisher: initialize downstream: %w", err)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("publisher: create scheduler: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(p.period),
		gocron.NewTask(p.drain),
		gocron.WithName("metrics-drain"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("publisher: schedule drain: %w", err)
	}

	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.queue = make(chan model.MetricSnapshot, p.capacity)
	p.scheduler = s
	s.Start()

	p.logger.Info("publisher: buffered publisher initialized",
		zap.Int("capacity", p.capacity),
		zap.Duration("drain_period", p.period))
	return nil
}

// Publish enqueues every snapshot of batch. All snapshots are attempted; if
// any was rejected the call fails with ErrBufferFull.
func (p *BufferedPublisher) Publish(_ context.Context, batch []model.MetricSnapshot) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.stateErr(); err != nil {
		return err
	}

	rejected := 0
	for _, s := range batch {
		select {
		case p.queue <- s:
		default:
			rejected++
		}
	}
	if rejected > 0 {
		p.recorder.AddPublisherRejected(rejected)
		return fmt.Errorf("%w: rejected %d of %d snapshots", ErrBufferFull, rejected, len(batch))
	}
	return nil
}

// RemainingCapacity reports how many more snapshots fit in the buffer.
func (p *BufferedPublisher) RemainingCapacity() (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.stateErr(); err != nil {
		return 0, err
	}
	return cap(p.queue) - len(p.queue), nil
}

// drain forwards everything currently buffered to the downstream publisher.
func (p *BufferedPublisher) drain() {
	p.mu.RLock()
	if p.stateErr() != nil {
		p.mu.RUnlock()
		return
	}
	queue, ctx := p.queue, p.ctx
	p.mu.RUnlock()

	batch := make([]model.MetricSnapshot, 0, len(queue))
collect:
	for {
		select {
		case s := <-queue:
			batch = append(batch, s)
		default:
			break collect
		}
	}
	p.recorder.SetBufferRemaining(cap(queue) - len(queue))
	if len(batch) == 0 {
		return
	}

	err := p.downstream.Publish(ctx, batch)
	p.recorder.ObserveDrain(len(batch), err)
	if err != nil {
		p.logger.Error("publisher: downstream publish failed, dropping batch",
			zap.Int("snapshots", len(batch)),
			zap.Error(err))
	}
}

// Close stops the drain job, discards buffered snapshots and closes the
// downstream publisher. It is safe to call more than once.
func (p *BufferedPublisher) Close() error {
	p.mu.Lock()
	if p.queue == nil {
		p.mu.Unlock()
		return ErrNotInitialized
	}
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()
	s := p.scheduler
	p.mu.Unlock()

	var errs []error
	if err := s.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("publisher: stop drain: %w", err))
	}

	discarded := 0
discard:
	for {
		select {
		case <-p.queue:
			discarded++
		default:
			break discard
		}
	}
	if discarded > 0 {
		p.logger.Warn("publisher: discarded buffered snapshots on close", zap.Int("snapshots", discarded))
	}

	if err := p.downstream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher: close downstream: %w", err))
	}
	return errors.Join(errs...)
}

func (p *BufferedPublisher) stateErr() error {
	if p.closed {
		return ErrClosed
	}
	if p.queue == nil {
		return ErrNotInitialized
	}
	return nil
}
