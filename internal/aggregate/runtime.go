package aggregate

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Runtime metric names.
const (
	MetricHeapUsed    = "runtime.heap.used.bytes"
	MetricHeapSys     = "runtime.heap.sys.bytes"
	MetricGoroutines  = "runtime.goroutines"
	MetricGCCount     = "runtime.gc.count"
	MetricGCPauseNano = "runtime.gc.pause.total.ns"
)

// RuntimeCollector gauges Go runtime statistics into the system context of
// one component.
type RuntimeCollector struct {
	cache    *ContextCache
	tags     model.Tags
	interval time.Duration
	logger   *zap.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRuntimeCollector registers the component's system context in cache.
func NewRuntimeCollector(cache *ContextCache, component string, interval time.Duration, logger *zap.Logger) (*RuntimeCollector, error) {
	if component == "" {
		return nil, ErrNoComponent
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tags := model.Tags{
		model.TagNamespace: model.SystemNamespace,
		model.TagComponent: component,
	}
	if _, err := cache.GetOrCreate(tags); err != nil {
		return nil, err
	}
	return &RuntimeCollector{
		cache:    cache,
		tags:     tags,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start takes one sample immediately and then one per interval.
func (r *RuntimeCollector) Start() {
	r.Sample()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sample()
			case <-r.done:
				return
			}
		}
	}()
}

// Sample reads runtime statistics and records them as gauges. The context is
// looked up on every sample so it never idles out of the cache.
func (r *RuntimeCollector) Sample() {
	ctx, err := r.cache.GetOrCreate(r.tags)
	if err != nil {
		r.logger.Warn("aggregate: runtime context unavailable", zap.Error(err))
		return
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	ctx.Gauge(MetricHeapUsed, int64(ms.HeapAlloc))
	ctx.Gauge(MetricHeapSys, int64(ms.HeapSys))
	ctx.Gauge(MetricGoroutines, int64(runtime.NumGoroutine()))
	ctx.Gauge(MetricGCCount, int64(ms.NumGC))
	ctx.Gauge(MetricGCPauseNano, int64(ms.PauseTotalNs))
	r.logger.Debug("aggregate: runtime sample",
		zap.Uint64("heap_alloc", ms.HeapAlloc),
		zap.Int("goroutines", runtime.NumGoroutine()))
}

// Stop halts sampling. It is safe to call more than once.
func (r *RuntimeCollector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}
