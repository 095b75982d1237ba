package model

import (
	"sort"
	"strconv"
	"strings"
)

// MetricType identifies how a sample's value is interpreted.
type MetricType int

const (
	MetricCounter MetricType = iota
	MetricGauge
	MetricDistribution
)

func (t MetricType) String() string {
	switch t {
	case MetricCounter:
		return "COUNTER"
	case MetricGauge:
		return "GAUGE"
	case MetricDistribution:
		return "DISTRIBUTION"
	default:
		return "UNKNOWN"
	}
}

// MetricSample is one emitted value. Value is meaningful for counters and
// gauges, Values for distributions.
type MetricSample struct {
	Name   string     `json:"name"`
	Type   MetricType `json:"type"`
	Value  int64      `json:"value,omitempty"`
	Values []float64  `json:"values,omitempty"`
}

// Tags is a metric context: tag key to tag value.
type Tags map[string]string

// Standard tag keys.
const (
	TagNamespace = "namespace"
	TagComponent = "component"
	TagHandler   = "handler"
	TagMethod    = "method"
)

// Key returns a canonical identity for the tag set, independent of map order.
// Keys and values are quoted so separators inside them cannot collide.
func (t Tags) Key() string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(t[k]))
	}
	return b.String()
}

// Clone returns a copy safe to retain after the caller mutates t.
func (t Tags) Clone() Tags {
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// MetricSnapshot is a sample together with the context it was recorded in.
type MetricSnapshot struct {
	Context         Tags         `json:"context"`
	Name            string       `json:"name"`
	TimestampMillis int64        `json:"timestamp"`
	Sample          MetricSample `json:"sample"`
}
