// Package httpserver exposes the service's health, recent events,
// notification ingest and self-metrics over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/events"
	"github.com/tinytelemetry/beacon/internal/hook"
	"github.com/tinytelemetry/beacon/internal/model"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

type EventReader interface {
	RecentEvents(ctx context.Context, limit int) ([]model.StatusEvent, error)
}

type NotificationAppender interface {
	Append(ctx context.Context, topic string, n model.Notification) (string, error)
}

type StatusSource interface {
	Status() events.Status
}

type CapacityReporter interface {
	RemainingCapacity() (int, error)
}

// Deps are the components the API reads from. Nil members disable the
// routes or health fields that need them.
type Deps struct {
	Events        EventReader
	Notifications NotificationAppender
	Subscriber    StatusSource
	Buffer        CapacityReporter
	Gatherer      prometheus.Gatherer
}

// ServerConfig holds optional server settings.
type ServerConfig struct {
	// Topic receives notifications posted without a topic parameter.
	Topic string
	// StallAfter marks the subscriber unhealthy when it has not polled
	// for this long.
	StallAfter time.Duration
	Hook       *hook.RequestMetricsHook
	Logger     *zap.Logger
}

// Server provides the HTTP API.
type Server struct {
	addr      string
	deps      Deps
	conf      ServerConfig
	logger    *zap.Logger
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	now       func() time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, deps Deps, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	var c ServerConfig
	if len(conf) > 0 {
		c = conf[0]
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 12 * model.DefaultPollInterval
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		deps:      deps,
		conf:      c,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		now:       time.Now,
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if s.conf.Hook != nil {
		r.Use(s.conf.Hook.Middleware())
	}

	r.GET("/api/health", s.handleHealth)
	if s.deps.Events != nil {
		r.GET("/api/events", s.handleEvents)
	}
	if s.deps.Notifications != nil {
		r.POST("/api/notifications", s.handleNotification)
	}
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Handler returns the routed API without listening.
func (s *Server) Handler() http.Handler { return s.routes() }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.startTime = s.now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("httpserver: serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	code := http.StatusOK
	body := gin.H{
		"status": "ok",
		"uptime": s.now().Sub(s.startTime).Round(time.Second).String(),
	}

	if s.deps.Subscriber != nil {
		st := s.deps.Subscriber.Status()
		body["subscriber"] = st
		switch {
		case st.State != "running":
			code = http.StatusServiceUnavailable
			body["status"] = "down"
		case !st.LastPoll.IsZero() && s.now().Sub(st.LastPoll) > s.conf.StallAfter:
			code = http.StatusServiceUnavailable
			body["status"] = "stalled"
		}
	}

	if s.deps.Buffer != nil {
		remaining, err := s.deps.Buffer.RemainingCapacity()
		if err != nil {
			body["buffer_error"] = err.Error()
		} else {
			body["buffer_remaining"] = remaining
		}
	}

	c.JSON(code, body)
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventLimit)
	}

	evs, err := s.deps.Events.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("httpserver: read events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read events"})
		return
	}
	if evs == nil {
		evs = []model.StatusEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

func (s *Server) handleNotification(c *gin.Context) {
	var n model.Notification
	if err := c.ShouldBindJSON(&n); err != nil || n.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing notificationType"})
		return
	}
	topic := c.DefaultQuery("topic", s.conf.Topic)
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}

	id, err := s.deps.Notifications.Append(c.Request.Context(), topic, n)
	if err != nil {
		s.logger.Error("httpserver: append notification", zap.String("topic", topic), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append notification"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "topic": topic})
}
