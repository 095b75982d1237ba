package hook

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/beacon/internal/aggregate"
	"github.com/tinytelemetry/beacon/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func emitByName(t *testing.T, cache *aggregate.ContextCache, tags model.Tags) map[string]model.MetricSample {
	t.Helper()
	ctx, err := cache.GetOrCreate(tags)
	require.NoError(t, err)
	out := make(map[string]model.MetricSample)
	for _, s := range ctx.Emit(time.Now()) {
		out[s.Name] = s.Sample
	}
	return out
}

func TestStatusClass(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want string
	}{
		{42, "unknown"},
		{99, "unknown"},
		{101, "information"},
		{200, "successful"},
		{201, "successful"},
		{302, "redirect"},
		{404, "client-error"},
		{503, "server-error"},
		{599, "server-error"},
		{600, "unknown"},
		{999, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusClass(tt.code), "code %d", tt.code)
	}
}

func TestHookRecordsCountsAndLatency(t *testing.T) {
	t.Parallel()
	cache := aggregate.NewContextCache()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := NewRequestMetricsHook("appfabric", cache, HookConfig{Now: clock.Now})

	info := HandlerInfo{Handler: "io.platform.gateway.PingHandler", Method: "ping"}
	h.OnRequestStart("r1", info)
	clock.Advance(250 * time.Millisecond)
	h.OnRequestEnd("r1", 200, info)

	got := emitByName(t, cache, model.Tags{
		model.TagNamespace: model.SystemNamespace,
		model.TagComponent: "appfabric",
		model.TagHandler:   "PingHandler",
		model.TagMethod:    "ping",
	})
	assert.Equal(t, int64(1), got["request.received"].Value)
	assert.Equal(t, int64(1), got["response.successful"].Value)
	assert.Equal(t, []float64{250}, got["response.latency.appfabric.ping"].Values)
	assert.Equal(t, 0, h.Pending())
}

func TestHookEndWithoutStartSkipsLatency(t *testing.T) {
	t.Parallel()
	cache := aggregate.NewContextCache()
	h := NewRequestMetricsHook("appfabric", cache)

	info := HandlerInfo{Handler: "PingHandler", Method: "ping"}
	h.OnRequestEnd("unknown-request", 503, info)

	got := emitByName(t, cache, h.tags(info))
	assert.Equal(t, int64(1), got["response.server-error"].Value)
	assert.NotContains(t, got, "response.latency.appfabric.ping")
}

func TestHookForgetsAbandonedRequests(t *testing.T) {
	t.Parallel()
	h := NewRequestMetricsHook("appfabric", aggregate.NewContextCache(), HookConfig{StartExpiry: 30 * time.Millisecond})
	h.OnRequestStart("never-finishes", HandlerInfo{Handler: "H", Method: "m"})
	require.Equal(t, 1, h.Pending())
	assert.Eventually(t, func() bool { return h.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHookSwallowsLoaderFailures(t *testing.T) {
	t.Parallel()
	cache := aggregate.NewContextCache(aggregate.ContextCacheConfig{
		Loader: func(model.Tags) (*aggregate.Context, error) { panic("loader exploded") },
	})
	h := NewRequestMetricsHook("appfabric", cache)
	assert.NotPanics(t, func() {
		h.OnRequestStart("r1", HandlerInfo{Handler: "H", Method: "m"})
		h.OnRequestEnd("r1", 200, HandlerInfo{Handler: "H", Method: "m"})
	})
}

func TestNilCacheDisablesHook(t *testing.T) {
	t.Parallel()
	h := NewRequestMetricsHook("appfabric", nil)
	assert.NotPanics(t, func() {
		h.OnRequestStart("r1", HandlerInfo{})
		h.OnRequestEnd("r1", 200, HandlerInfo{})
	})
}

func TestLatencyNameIsMemoized(t *testing.T) {
	t.Parallel()
	h := NewRequestMetricsHook("svc", aggregate.NewContextCache())
	a := h.latencyName("get")
	b := h.latencyName("get")
	assert.Equal(t, "response.latency.svc.get", a)
	assert.Equal(t, a, b)
}

func TestParseHandlerName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want HandlerInfo
	}{
		{"github.com/tinytelemetry/beacon/internal/httpserver.(*Server).handleHealth-fm", HandlerInfo{"Server", "handleHealth"}},
		{"github.com/x/api.listRuns", HandlerInfo{"api", "listRuns"}},
		{"main.NewRouter.func1", HandlerInfo{"NewRouter", "func1"}},
		{"handler", HandlerInfo{"handler", "handler"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseHandlerName(tt.in), tt.in)
	}
}

type pingServer struct{}

func (pingServer) ping(c *gin.Context) { c.String(http.StatusTeapot, "pong") }

func TestMiddleware(t *testing.T) {
	t.Parallel()
	cache := aggregate.NewContextCache()
	h := NewRequestMetricsHook("api", cache)

	r := gin.New()
	r.Use(h.Middleware())
	r.GET("/ping", pingServer{}.ping)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	var found bool
	for _, ctx := range cache.Contexts() {
		for _, s := range ctx.Emit(time.Now()) {
			if s.Name == "response.client-error" {
				found = true
				assert.Equal(t, "ping", s.Context[model.TagMethod])
			}
		}
	}
	assert.True(t, found)
	assert.Equal(t, 0, h.Pending())
}

func TestMiddlewareTagsUnmatchedRoutes(t *testing.T) {
	t.Parallel()
	cache := aggregate.NewContextCache()
	h := NewRequestMetricsHook("api", cache)

	r := gin.New()
	r.Use(h.Middleware())
	r.GET("/ping", pingServer{}.ping)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, 1, cache.Len())
	ctx := cache.Contexts()[0]
	assert.Equal(t, UnmatchedHandler, ctx.Tags()[model.TagHandler])
	assert.Equal(t, UnmatchedHandler, ctx.Tags()[model.TagMethod])

	var found bool
	for _, s := range ctx.Emit(time.Now()) {
		if s.Name == "response.client-error" {
			found = true
		}
	}
	assert.True(t, found)
}
