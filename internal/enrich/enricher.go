// Package enrich attaches execution metrics from the job history service to
// terminal status events.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/telemetry"
)

// Policy selects how failed lookups are retried.
type Policy string

const (
	// PolicyBounded retries a fixed number of times and then gives up with
	// EmptyMetrics.
	PolicyBounded Policy = "bounded"
	// PolicyExponential backs off exponentially until the deadline and then
	// fails with a RetryableError.
	PolicyExponential Policy = "exponential"
)

// minEndDateLookback is how far back the exponential policy asks the
// history service to list applications.
const minEndDateLookback = 5 * time.Minute

// RetryableError reports that enrichment ran out of budget on a transient
// failure.
type RetryableError struct {
	Attempts int
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("enrich: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Config holds enrichment settings.
type Config struct {
	Policy Policy

	// Bounded policy.
	Attempts int
	Interval time.Duration

	// Exponential policy.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Deadline    time.Duration

	Logger   *zap.Logger
	Recorder telemetry.Recorder
}

// Validate checks the policy settings.
func (c Config) Validate() error {
	switch c.Policy {
	case PolicyBounded:
		if c.Attempts <= 0 {
			return fmt.Errorf("enrich: attempts must be >0, got %d", c.Attempts)
		}
		if c.Interval < 0 {
			return errors.New("enrich: interval cannot be negative")
		}
	case PolicyExponential:
		if c.BackoffBase <= 0 || c.BackoffMax <= 0 {
			return errors.New("enrich: backoff base and max must be >0")
		}
		if c.BackoffBase > c.BackoffMax {
			return errors.New("enrich: backoff base exceeds max")
		}
		if c.Deadline <= 0 {
			return errors.New("enrich: deadline must be >0")
		}
	default:
		return fmt.Errorf("enrich: unknown policy %q", c.Policy)
	}
	return nil
}

// DefaultConfig is the bounded policy: three attempts two seconds apart.
func DefaultConfig() Config {
	return Config{
		Policy:      PolicyBounded,
		Attempts:    3,
		Interval:    2 * time.Second,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
		Deadline:    10 * time.Minute,
	}
}

type historyAPI interface {
	Applications(ctx context.Context, minEndDate time.Time) ([]byte, error)
	Stages(ctx context.Context, runID, attemptID string) ([]byte, error)
}

// Enricher retrieves execution metrics for a run.
type Enricher struct {
	client   historyAPI
	conf     Config
	logger   *zap.Logger
	recorder telemetry.Recorder
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewEnricher(client *HistoryClient, conf Config) (*Enricher, error) {
	if client == nil {
		return nil, errors.New("enrich: history client is required")
	}
	return newEnricher(client, conf)
}

func newEnricher(client historyAPI, conf Config) (*Enricher, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	logger := conf.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		client:   client,
		conf:     conf,
		logger:   logger,
		recorder: telemetry.OrNoop(conf.Recorder),
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

// RetrieveMetrics implements model.MetricsProvider.
func (e *Enricher) RetrieveMetrics(ctx context.Context, runID string) (model.ExecutionMetrics, error) {
	if e.conf.Policy == PolicyExponential {
		return e.retrieveWithBackoff(ctx, runID)
	}
	return e.retrieveBounded(ctx, runID)
}

// retrieveBounded retries on transport errors and missing attempts. A run
// whose attempt has no completed stage returns NullMetrics at once.
func (e *Enricher) retrieveBounded(ctx context.Context, runID string) (model.ExecutionMetrics, error) {
	for i := 1; i <= e.conf.Attempts; i++ {
		m, err := e.fetch(ctx, runID, time.Time{})
		if err == nil {
			e.record(m)
			return m, nil
		}
		e.logger.Warn("enrich: metrics lookup failed",
			zap.String("run_id", runID),
			zap.Int("attempt", i),
			zap.Int("max_attempts", e.conf.Attempts),
			zap.Error(err))

		if i == e.conf.Attempts {
			break
		}
		e.recorder.IncEnrichment(telemetry.EnrichRetry)
		if err := e.sleep(ctx, e.conf.Interval); err != nil {
			e.recorder.IncEnrichment(telemetry.EnrichFailed)
			return model.EmptyMetrics(), err
		}
	}
	e.recorder.IncEnrichment(telemetry.EnrichEmpty)
	return model.EmptyMetrics(), nil
}

// retrieveWithBackoff treats every miss as transient, including a missing
// completed stage.
func (e *Enricher) retrieveWithBackoff(ctx context.Context, runID string) (model.ExecutionMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, e.conf.Deadline)
	defer cancel()

	delay := e.conf.BackoffBase
	for n := 1; ; n++ {
		m, err := e.fetch(ctx, runID, e.now().Add(-minEndDateLookback))
		if err == nil && !m.Available() {
			err = ErrStageNotFound
		}
		if err == nil {
			e.record(m)
			return m, nil
		}
		e.logger.Warn("enrich: metrics lookup failed, backing off",
			zap.String("run_id", runID),
			zap.Int("attempt", n),
			zap.Duration("delay", delay),
			zap.Error(err))

		if serr := e.sleep(ctx, delay); serr != nil {
			e.recorder.IncEnrichment(telemetry.EnrichFailed)
			return model.EmptyMetrics(), &RetryableError{Attempts: n, Err: err}
		}
		e.recorder.IncEnrichment(telemetry.EnrichRetry)
		delay *= 2
		if delay > e.conf.BackoffMax {
			delay = e.conf.BackoffMax
		}
	}
}

func (e *Enricher) fetch(ctx context.Context, runID string, minEndDate time.Time) (model.ExecutionMetrics, error) {
	apps, err := e.client.Applications(ctx, minEndDate)
	if err != nil {
		return model.EmptyMetrics(), err
	}
	attemptID, err := ExtractAttemptID(apps, runID)
	if err != nil {
		return model.EmptyMetrics(), err
	}
	stages, err := e.client.Stages(ctx, runID, attemptID)
	if err != nil {
		return model.EmptyMetrics(), err
	}
	return ExtractMetrics(stages)
}

func (e *Enricher) record(m model.ExecutionMetrics) {
	if m.Available() {
		e.recorder.IncEnrichment(telemetry.EnrichFound)
		return
	}
	e.recorder.IncEnrichment(telemetry.EnrichEmpty)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
