package aggregate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// CollectorConfig holds tunables for the collector.
type CollectorConfig struct {
	Interval time.Duration
	Logger   *zap.Logger
}

// Collector periodically emits every cached context and hands the
// snapshots to a publisher.
type Collector struct {
	cache     *ContextCache
	publisher model.MetricsPublisher
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	failures   atomic.Int64
	lastFailLg atomic.Int64
}

// NewCollector creates a collector. Call Start to begin the tick loop.
func NewCollector(cache *ContextCache, publisher model.MetricsPublisher, conf ...CollectorConfig) *Collector {
	interval := 10 * time.Second
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].Interval > 0 {
			interval = conf[0].Interval
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	return &Collector{
		cache:     cache,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start launches the tick loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.tickLoop()
}

func (c *Collector) tickLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.Collect(context.Background())
		case <-c.done:
			return
		}
	}
}

// Collect emits all contexts once and publishes the result as one batch.
func (c *Collector) Collect(ctx context.Context) error {
	now := c.now()
	var batch []model.MetricSnapshot
	for _, mc := range c.cache.Contexts() {
		batch = append(batch, mc.Emit(now)...)
	}
	if len(batch) == 0 {
		return nil
	}
	if err := c.publisher.Publish(ctx, batch); err != nil {
		c.logFailure(err)
		return err
	}
	return nil
}

// logFailure logs at most once per 10 seconds.
func (c *Collector) logFailure(err error) {
	count := c.failures.Add(1)
	now := time.Now().Unix()
	last := c.lastFailLg.Load()
	if now-last >= 10 && c.lastFailLg.CompareAndSwap(last, now) {
		c.logger.Warn("aggregate: publishing collected metrics failed",
			zap.Int64("failures", count),
			zap.Error(err))
	}
}

// Stop halts the tick loop. It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

// ErrNoComponent is returned when a runtime collector has no component name.
var ErrNoComponent = errors.New("aggregate: component name is required")
