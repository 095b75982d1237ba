// Package aggregate accumulates in-process metrics per tag context and
// periodically emits them as snapshots.
package aggregate

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Aggregator accumulates samples for one metric name.
//
// Counters and gauges share one atomic cell. Distribution values are kept in
// a slice guarded by mu; Emit swaps the slice under the same lock so a value
// is reported by exactly one emit.
type Aggregator struct {
	name  string
	typ   atomic.Int32
	value atomic.Int64

	mu     sync.Mutex
	values []float64
}

// NewAggregator creates an aggregator. An empty name is accepted and logged.
func NewAggregator(name string, logger *zap.Logger) *Aggregator {
	if name == "" && logger != nil {
		logger.Warn("aggregate: metric created without a name")
	}
	return &Aggregator{name: name}
}

// Name returns the metric name.
func (a *Aggregator) Name() string { return a.name }

// Type returns the current metric type.
func (a *Aggregator) Type() model.MetricType { return model.MetricType(a.typ.Load()) }

// Increment adds delta to the counter.
func (a *Aggregator) Increment(delta int64) {
	a.value.Add(delta)
}

// Gauge sets the value and switches the aggregator to a gauge.
func (a *Aggregator) Gauge(v int64) {
	a.value.Store(v)
	a.typ.Store(int32(model.MetricGauge))
}

// Distribution records one observation.
func (a *Aggregator) Distribution(v float64) {
	a.mu.Lock()
	a.values = append(a.values, v)
	a.typ.Store(int32(model.MetricDistribution))
	a.mu.Unlock()
}

// Emit returns the current sample. Counters are reset to zero and
// distributions to empty; gauges keep their last value.
func (a *Aggregator) Emit() model.MetricSample {
	typ := a.Type()
	sample := model.MetricSample{Name: a.name, Type: typ}
	switch typ {
	case model.MetricGauge:
		sample.Value = a.value.Load()
	case model.MetricDistribution:
		a.mu.Lock()
		sample.Values = a.values
		a.values = nil
		a.mu.Unlock()
	default:
		sample.Value = a.value.Swap(0)
	}
	return sample
}
