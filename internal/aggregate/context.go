package aggregate

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Context holds the aggregators recorded under one tag set.
type Context struct {
	tags   model.Tags
	logger *zap.Logger

	mu   sync.RWMutex
	aggs map[string]*Aggregator
}

// NewContext creates an empty context for tags.
func NewContext(tags model.Tags, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		tags:   tags.Clone(),
		logger: logger,
		aggs:   make(map[string]*Aggregator),
	}
}

// Tags returns a copy of the context's tags.
func (c *Context) Tags() model.Tags { return c.tags.Clone() }

// Aggregator returns the aggregator for name, creating it on first use.
func (c *Context) Aggregator(name string) *Aggregator {
	c.mu.RLock()
	a, ok := c.aggs[name]
	c.mu.RUnlock()
	if ok {
		return a
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok = c.aggs[name]; ok {
		return a
	}
	a = NewAggregator(name, c.logger)
	c.aggs[name] = a
	return a
}

func (c *Context) Increment(name string, delta int64)  { c.Aggregator(name).Increment(delta) }
func (c *Context) Gauge(name string, v int64)          { c.Aggregator(name).Gauge(v) }
func (c *Context) Distribution(name string, v float64) { c.Aggregator(name).Distribution(v) }

// Emit snapshots every aggregator in name order. Zero counters and empty
// distributions are left out.
func (c *Context) Emit(now time.Time) []model.MetricSnapshot {
	c.mu.RLock()
	names := make([]string, 0, len(c.aggs))
	for name := range c.aggs {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	ts := now.UnixMilli()
	out := make([]model.MetricSnapshot, 0, len(names))
	for _, name := range names {
		sample := c.Aggregator(name).Emit()
		switch sample.Type {
		case model.MetricCounter:
			if sample.Value == 0 {
				continue
			}
		case model.MetricDistribution:
			if len(sample.Values) == 0 {
				continue
			}
		}
		out = append(out, model.MetricSnapshot{
			Context:         c.tags,
			Name:            name,
			TimestampMillis: ts,
			Sample:          sample,
		})
	}
	return out
}
