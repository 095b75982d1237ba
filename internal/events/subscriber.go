// Package events turns program status notifications into status events and
// dispatches them to event writers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/task"
	"github.com/tinytelemetry/beacon/internal/telemetry"
)

const (
	// SubscriberName keys the persisted offset of the status publisher.
	SubscriberName = "program_status_event_publisher"
	// PipelineProgram is the only program whose runs are published.
	PipelineProgram = "DataPipelineWorkflow"
)

// Skip reasons reported to the recorder.
const (
	skipType      = "type"
	skipNoStatus  = "no_status"
	skipMalformed = "malformed"
	skipFiltered  = "filtered"
)

// Config holds subscriber settings.
type Config struct {
	Topic        string
	InstanceName string
	ProjectName  string
	PollInterval time.Duration
	BatchSize    int
	// ProgressEvery logs progress every N notifications of a batch.
	ProgressEvery int
	// WriterProperties are handed to each writer by writer id.
	WriterProperties map[string]map[string]string
	Logger           *zap.Logger
	Recorder         telemetry.Recorder
}

// Status is a point-in-time view of the subscriber.
type Status struct {
	State      string    `json:"state"`
	Offset     string    `json:"offset"`
	LastPoll   time.Time `json:"lastPoll"`
	Dispatched int64     `json:"dispatched"`
	LastError  string    `json:"lastError,omitempty"`
}

// Subscriber polls the notification log from its persisted offset, builds
// status events and hands each batch to every writer before advancing the
// offset.
type Subscriber struct {
	log      model.NotificationLog
	offsets  model.OffsetStore
	provider model.MetricsProvider
	writers  []EventWriter

	conf     Config
	logger   *zap.Logger
	recorder telemetry.Recorder
	now      func() time.Time
	svc      *task.Service

	mu     sync.Mutex
	status Status
}

// NewSubscriber creates a subscriber. provider may be nil to disable
// enrichment.
func NewSubscriber(log model.NotificationLog, offsets model.OffsetStore, provider model.MetricsProvider, writers []EventWriter, conf Config) (*Subscriber, error) {
	if log == nil || offsets == nil {
		return nil, errors.New("events: notification log and offset store are required")
	}
	if conf.Topic == "" {
		return nil, errors.New("events: topic is required")
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = model.DefaultPollInterval
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = model.DefaultPollBatchSize
	}
	logger := conf.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subscriber{
		log:      log,
		offsets:  offsets,
		provider: provider,
		writers:  writers,
		conf:     conf,
		logger:   logger,
		recorder: telemetry.OrNoop(conf.Recorder),
		now:      time.Now,
	}
	s.svc = task.NewService(SubscriberName, s.run)
	return s, nil
}

// Start initializes every writer and launches the poll loop.
func (s *Subscriber) Start(ctx context.Context) error {
	for _, w := range s.writers {
		wc := WriterContext{
			ID:         w.ID(),
			Properties: s.conf.WriterProperties[w.ID()],
			Logger:     s.logger.Named(w.ID()),
			Recorder:   s.recorder,
		}
		if err := w.Initialize(wc); err != nil {
			return fmt.Errorf("events: initialize writer %s: %w", w.ID(), err)
		}
	}
	if err := s.svc.Start(ctx); err != nil {
		return err
	}
	return s.svc.AwaitRunning(ctx)
}

// Stop requests the loop to stop after the batch in flight.
func (s *Subscriber) Stop() { s.svc.Stop() }

// AwaitStopped waits for the loop to exit.
func (s *Subscriber) AwaitStopped(ctx context.Context) error { return s.svc.AwaitStopped(ctx) }

// Close closes every writer.
func (s *Subscriber) Close() error {
	var errs []error
	for _, w := range s.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("events: close writer %s: %w", w.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Status reports loop state and progress.
func (s *Subscriber) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.State = s.svc.State().String()
	return st
}

func (s *Subscriber) run(ctx context.Context) error {
	s.logger.Info("events: subscriber started",
		zap.String("topic", s.conf.Topic),
		zap.Duration("poll_interval", s.conf.PollInterval),
		zap.Int("batch_size", s.conf.BatchSize))

	for {
		if ctx.Err() != nil {
			s.logger.Info("events: subscriber stopped")
			return nil
		}

		// A started batch runs to completion even if stop is requested.
		n, err := s.Poll(context.WithoutCancel(ctx))
		if err != nil {
			s.logger.Error("events: poll failed", zap.Error(err))
			s.setError(err)
		}
		if n > 0 && err == nil {
			continue
		}

		t := time.NewTimer(s.conf.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

// Poll processes one batch and returns the number of notifications fetched.
func (s *Subscriber) Poll(ctx context.Context) (int, error) {
	offset, err := s.offsets.LoadOffset(ctx, s.conf.Topic, SubscriberName)
	if err != nil {
		return 0, fmt.Errorf("events: load offset: %w", err)
	}
	batch, err := s.log.Fetch(ctx, s.conf.Topic, offset, s.conf.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("events: fetch after %q: %w", offset, err)
	}

	polled := s.now()
	s.recorder.SetSubscriberLastPoll(SubscriberName, polled)
	s.mu.Lock()
	s.status.LastPoll = polled
	s.status.Offset = offset
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	events := s.process(ctx, batch, polled.UnixMilli())
	s.dispatch(ctx, events)

	last := batch[len(batch)-1].ID
	if err := s.offsets.StoreOffset(ctx, s.conf.Topic, SubscriberName, last); err != nil {
		return len(batch), fmt.Errorf("events: store offset %q: %w", last, err)
	}

	s.recorder.AddSubscriberEvents(SubscriberName, len(events))
	s.mu.Lock()
	s.status.Offset = last
	s.status.Dispatched += int64(len(events))
	s.status.LastError = ""
	s.mu.Unlock()
	return len(batch), nil
}

func (s *Subscriber) process(ctx context.Context, batch []model.Notification, publishTime int64) []model.StatusEvent {
	progress := func(count int) {
		s.logger.Debug("events: batch progress", zap.Int("processed", count), zap.Int("batch", len(batch)))
	}

	var out []model.StatusEvent
	for n := range EveryN(slices.Values(batch), s.conf.ProgressEvery, progress) {
		ev, reason, err := s.build(ctx, n, publishTime)
		if reason != "" {
			s.recorder.IncSubscriberSkipped(SubscriberName, reason)
			if err != nil {
				s.logger.Warn("events: skipping malformed notification",
					zap.String("id", n.ID),
					zap.Error(err))
			}
			continue
		}
		out = append(out, ev)
	}
	return out
}

// build turns one notification into an event, or returns a skip reason.
func (s *Subscriber) build(ctx context.Context, n model.Notification, publishTime int64) (model.StatusEvent, string, error) {
	if n.Type != model.NotificationProgramStatus {
		return model.StatusEvent{}, skipType, nil
	}
	rawStatus, ok := n.Property(model.PropProgramStatus)
	if !ok {
		return model.StatusEvent{}, skipNoStatus, nil
	}
	status, err := model.ParseProgramRunStatus(rawStatus)
	if err != nil {
		return model.StatusEvent{}, skipMalformed, err
	}
	rawRunID, _ := n.Property(model.PropProgramRunID)
	runID, err := model.ParseRunIdentifier(rawRunID)
	if err != nil {
		return model.StatusEvent{}, skipMalformed, err
	}

	if !shouldPublish(status, runID) {
		return model.StatusEvent{}, skipFiltered, nil
	}

	eventTime, err := runID.StartTimeMillis()
	if err != nil {
		return model.StatusEvent{}, skipMalformed, err
	}
	userArgs, err := decodeArgs(n, model.PropUserOverrides)
	if err != nil {
		return model.StatusEvent{}, skipMalformed, err
	}
	systemArgs, err := decodeArgs(n, model.PropSystemOverrides)
	if err != nil {
		return model.StatusEvent{}, skipMalformed, err
	}

	b := model.NewDetailsBuilder(runID.Run, runID.Program, runID.Namespace, string(status), eventTime).
		WithUserArgs(userArgs).
		WithSystemArgs(systemArgs)
	if status.IsTerminal() && status != model.StatusKilled {
		if msg, ok := n.Property(model.PropProgramError); ok {
			b.WithError(msg)
		}
		s.enrich(ctx, b, runID.Run)
	}

	return model.StatusEvent{
		PublishTime:  publishTime,
		Version:      model.EventVersion,
		InstanceName: s.conf.InstanceName,
		ProjectName:  s.conf.ProjectName,
		Details:      b.Build(),
	}, "", nil
}

// enrich attaches execution metrics. Failures leave the metrics off.
func (s *Subscriber) enrich(ctx context.Context, b *model.DetailsBuilder, runID string) {
	if s.provider == nil {
		s.recorder.IncEnrichment(telemetry.EnrichSkipped)
		return
	}
	m, err := s.provider.RetrieveMetrics(ctx, runID)
	if err != nil {
		s.logger.Warn("events: execution metrics unavailable",
			zap.String("run_id", runID),
			zap.Error(err))
		return
	}
	b.WithPipelineMetrics(m)
}

func (s *Subscriber) dispatch(ctx context.Context, events []model.StatusEvent) {
	if len(events) == 0 {
		return
	}
	for _, w := range s.writers {
		if err := w.Write(ctx, events); err != nil {
			s.recorder.IncWriterFailure(w.ID())
			s.logger.Error("events: writer failed, batch not redelivered",
				zap.String("writer", w.ID()),
				zap.Int("events", len(events)),
				zap.Error(err))
		}
	}
}

func (s *Subscriber) setError(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
}

func shouldPublish(status model.ProgramRunStatus, runID model.RunIdentifier) bool {
	return runID.Program == PipelineProgram &&
		runID.Namespace != model.SystemNamespace &&
		(status == model.StatusStarting || status.IsTerminal())
}

func decodeArgs(n model.Notification, key string) (map[string]string, error) {
	raw, ok := n.Property(key)
	if !ok || raw == "" {
		return nil, nil
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return args, nil
}
