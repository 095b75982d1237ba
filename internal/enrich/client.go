package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	applicationsPath = "/api/v1/applications"
	// minEndDateLayout matches the history server's date query format.
	minEndDateLayout = "2006-01-02T15:04:05.000GMT"
	maxBodyBytes     = 16 << 20
)

// StatusError is returned for a non-200 history service response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("enrich: GET %s returned %d", e.URL, e.Code)
}

// HistoryClient talks to the job history service.
type HistoryClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// HistoryClientConfig holds settings for the history client.
type HistoryClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// BreakerFailures trips the breaker after this many consecutive
	// failures. Zero disables the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

func NewHistoryClient(conf HistoryClientConfig) (*HistoryClient, error) {
	base := strings.TrimRight(conf.BaseURL, "/")
	if base == "" {
		return nil, errors.New("enrich: history service url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("enrich: invalid history service url: %w", err)
	}
	logger := conf.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := conf.HTTPClient
	if hc == nil {
		timeout := conf.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	c := &HistoryClient{baseURL: base, http: hc, logger: logger}
	if conf.BreakerFailures > 0 {
		breakerTimeout := conf.BreakerTimeout
		if breakerTimeout <= 0 {
			breakerTimeout = 30 * time.Second
		}
		threshold := conf.BreakerFailures
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "history-service",
			MaxRequests: 1,
			Timeout:     breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("enrich: circuit breaker state change",
					zap.String("breaker", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		})
	}
	return c, nil
}

// Applications lists applications. A non-zero minEndDate restricts the list
// to applications that ended after it.
func (c *HistoryClient) Applications(ctx context.Context, minEndDate time.Time) ([]byte, error) {
	u := c.baseURL + applicationsPath
	if !minEndDate.IsZero() {
		u += "?minEndDate=" + url.QueryEscape(minEndDate.UTC().Format(minEndDateLayout))
	}
	return c.get(ctx, u)
}

// Stages lists the stages of one attempt of a run.
func (c *HistoryClient) Stages(ctx context.Context, runID, attemptID string) ([]byte, error) {
	u := fmt.Sprintf("%s%s/%s/%s/stages", c.baseURL, applicationsPath,
		url.PathEscape(runID), url.PathEscape(attemptID))
	return c.get(ctx, u)
}

func (c *HistoryClient) get(ctx context.Context, u string) ([]byte, error) {
	if c.breaker == nil {
		return c.doGet(ctx, u)
	}
	out, err := c.breaker.Execute(func() (any, error) { return c.doGet(ctx, u) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("enrich: history service unavailable: %w", err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (c *HistoryClient) doGet(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("enrich: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrich: GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("enrich: read %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: u, Code: resp.StatusCode}
	}
	return body, nil
}
