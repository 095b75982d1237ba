// Package hook instruments request handling with aggregated metrics.
package hook

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/aggregate"
	"github.com/tinytelemetry/beacon/internal/model"
)

// Metric names reported by the hook.
const (
	MetricRequestReceived = "request.received"
	metricResponsePrefix  = "response."
	metricLatencyPrefix   = "response.latency."
)

// HandlerInfo identifies the handler serving a request.
type HandlerInfo struct {
	// Handler is the handler type name, possibly package qualified.
	Handler string
	Method  string
}

// HookConfig holds tunables for the request hook.
type HookConfig struct {
	// StartExpiry bounds how long an unfinished request's start time is kept.
	StartExpiry time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

// RequestMetricsHook counts requests and responses per handler and records
// latency. It never panics into the request it observes.
type RequestMetricsHook struct {
	service string
	cache   *aggregate.ContextCache
	starts  *expirable.LRU[string, time.Time]
	latency sync.Map // method -> metric name
	logger  *zap.Logger
	now     func() time.Time
}

// NewRequestMetricsHook creates a hook for service. A nil cache disables
// collection.
func NewRequestMetricsHook(service string, cache *aggregate.ContextCache, conf ...HookConfig) *RequestMetricsHook {
	expiry := model.DefaultRequestStartExpiry
	logger := zap.NewNop()
	now := time.Now
	if len(conf) > 0 {
		if conf[0].StartExpiry > 0 {
			expiry = conf[0].StartExpiry
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
		if conf[0].Now != nil {
			now = conf[0].Now
		}
	}
	return &RequestMetricsHook{
		service: service,
		cache:   cache,
		starts:  expirable.NewLRU[string, time.Time](0, nil, expiry),
		logger:  logger,
		now:     now,
	}
}

// OnRequestStart counts the request and remembers when it started.
func (h *RequestMetricsHook) OnRequestStart(requestID string, info HandlerInfo) {
	if h.cache == nil {
		return
	}
	defer h.recoverPanic("start")

	ctx, err := h.cache.GetOrCreate(h.tags(info))
	if err != nil {
		h.logger.Warn("hook: metrics context unavailable", zap.Error(err))
		return
	}
	ctx.Increment(MetricRequestReceived, 1)
	h.starts.Add(requestID, h.now())
}

// OnRequestEnd counts the response by status class and records latency when
// the start of the request is known.
func (h *RequestMetricsHook) OnRequestEnd(requestID string, statusCode int, info HandlerInfo) {
	if h.cache == nil {
		return
	}
	defer h.recoverPanic("end")

	ctx, err := h.cache.GetOrCreate(h.tags(info))
	if err != nil {
		h.logger.Warn("hook: metrics context unavailable", zap.Error(err))
		return
	}
	ctx.Increment(metricResponsePrefix+StatusClass(statusCode), 1)

	start, ok := h.starts.Peek(requestID)
	if !ok {
		return
	}
	h.starts.Remove(requestID)
	ctx.Distribution(h.latencyName(info.Method), float64(h.now().Sub(start).Milliseconds()))
}

// Pending returns the number of requests with a remembered start time.
func (h *RequestMetricsHook) Pending() int { return h.starts.Len() }

func (h *RequestMetricsHook) tags(info HandlerInfo) model.Tags {
	return model.Tags{
		model.TagNamespace: model.SystemNamespace,
		model.TagComponent: h.service,
		model.TagHandler:   SimpleName(info.Handler),
		model.TagMethod:    info.Method,
	}
}

func (h *RequestMetricsHook) latencyName(method string) string {
	if name, ok := h.latency.Load(method); ok {
		return name.(string)
	}
	name, _ := h.latency.LoadOrStore(method, metricLatencyPrefix+h.service+"."+method)
	return name.(string)
}

func (h *RequestMetricsHook) recoverPanic(phase string) {
	if r := recover(); r != nil {
		h.logger.Error("hook: recovered panic while recording request metrics",
			zap.String("phase", phase),
			zap.Any("panic", r))
	}
}

// SimpleName strips any package qualifier from a handler name.
func SimpleName(handler string) string {
	if i := strings.LastIndexByte(handler, '.'); i >= 0 {
		return handler[i+1:]
	}
	return handler
}

// StatusClass buckets an HTTP status code.
func StatusClass(code int) string {
	switch {
	case code < 100 || code >= 600:
		return "unknown"
	case code < 200:
		return "information"
	case code < 300:
		return "successful"
	case code < 400:
		return "redirect"
	case code < 500:
		return "client-error"
	default:
		return "server-error"
	}
}
