// Package client fetches pages from a paged JSON API. It classifies failures
// so that loss of connectivity is retried on reconnect by pkg/retry while
// every other failure surfaces as an APIError.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/resilient-pager/pkg/cache"
	"github.com/Sternrassler/resilient-pager/pkg/pagination"
	"github.com/Sternrassler/resilient-pager/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Prometheus metrics for HTTP requests.
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pager_http_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pager_http_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pager_http_errors_total",
		Help: "Total upstream failures by class",
	}, []string{"class"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pager_http_breaker_open",
		Help: "1 while the circuit breaker is open",
	})
)

// RequestIDHeader carries a fresh UUID on every request.
const RequestIDHeader = "X-Request-Id"

const maxErrorBody = 4 << 10

// Config holds the client configuration.
type Config struct {
	// BaseURL is prefixed to every endpoint, e.g. "https://api.example.com".
	BaseURL string

	UserAgent string

	// PageParam and PageSizeParam name the query parameters.
	PageParam     string
	PageSizeParam string

	// PageSize is sent as PageSizeParam. 0 leaves the server default.
	PageSize int

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// RateLimit caps requests per second. 0 disables pacing.
	RateLimit float64
	Burst     int

	// BreakerFailures consecutive 5xx responses open the circuit for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// Redis enables the revalidation cache and the shared rate limit tracker.
	Redis *redis.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:         baseURL,
		UserAgent:       userAgent,
		PageParam:       "page",
		PageSizeParam:   "per_page",
		Timeout:         30 * time.Second,
		RateLimit:       10,
		Burst:           5,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Client fetches pages from one API.
type Client struct {
	httpClient  *http.Client
	base        *url.URL
	config      Config
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	cache       *cache.Manager
	rateLimiter *ratelimit.Tracker
	group       singleflight.Group
	logger      zerolog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.PageParam == "" {
		cfg.PageParam = "page"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	logger := log.With().Str("component", "http-client").Str("host", base.Host).Logger()

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		base:       base,
		config:     cfg,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    base.Host,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return ClassOf(err) != ErrorClassServer
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				breakerState.Set(1)
			} else {
				breakerState.Set(0)
			}
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})

	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis)
		rlCfg := ratelimit.DefaultConfig(base.Host)
		rlCfg.Logger = logger
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, rlCfg)
	}

	return c, nil
}

// FetchPage fetches one page of endpoint. Concurrent requests for the same
// page share one upstream call.
func (c *Client) FetchPage(ctx context.Context, endpoint string, page int) (pagination.Page[json.RawMessage], error) {
	u := c.pageURL(endpoint, page)

	v, err, shared := c.group.Do(u.String(), func() (any, error) {
		return c.fetchPage(ctx, endpoint, u, page)
	})
	if shared {
		c.logger.Debug().Str("endpoint", endpoint).Int("page", page).Msg("Shared in-flight page request")
	}
	if err != nil {
		return pagination.Page[json.RawMessage]{}, err
	}
	return v.(pagination.Page[json.RawMessage]), nil
}

// Fetcher adapts FetchPage for a pagination.Controller.
func (c *Client) Fetcher(endpoint string) pagination.FetchFunc[json.RawMessage] {
	return func(ctx context.Context, page int) (pagination.Page[json.RawMessage], error) {
		return c.FetchPage(ctx, endpoint, page)
	}
}

// InvalidateCache drops every cached page of endpoint. A no-op without Redis.
func (c *Client) InvalidateCache(ctx context.Context, endpoint string) error {
	if c.cache == nil {
		return nil
	}
	n, err := c.cache.InvalidateEndpoint(ctx, c.base.Host, endpoint)
	if err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}
	c.logger.Debug().Str("endpoint", endpoint).Int("keys", n).Msg("Cache invalidated")
	return nil
}

func (c *Client) fetchPage(ctx context.Context, endpoint string, u *url.URL, page int) (pagination.Page[json.RawMessage], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return pagination.Page[json.RawMessage]{}, fmt.Errorf("create request: %w", err)
	}

	key := cache.PageKey(c.base.Host, endpoint, page, c.config.PageSize)
	var cached *cache.Entry
	if c.cache != nil {
		cached, err = c.cache.Get(ctx, key)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
		if cache.CanRevalidate(cached) {
			cache.AddConditionalHeaders(req, cached)
		}
	}

	resp, err := c.Do(req)
	if err != nil {
		return pagination.Page[json.RawMessage]{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return pagination.Page[json.RawMessage]{NoContent: true}, nil

	case http.StatusNotModified:
		if cached == nil {
			return pagination.Page[json.RawMessage]{}, &APIError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassDecode,
				Message:    "304 without cached page",
			}
		}
		cache.NotModified.Inc()
		if err := c.cache.UpdateTTL(ctx, key, cache.ExpiresFrom(resp.Header)); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to update cache TTL")
		}
		return decodePage(cached.Data)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pagination.Page[json.RawMessage]{}, classifyTransport(err)
	}

	result, err := decodePage(body)
	if err != nil {
		return result, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, cache.FromResponse(resp, body)); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache page")
		}
	}
	return result, nil
}

// Do sends req with pacing, the shared rate limit gate and the circuit
// breaker. Responses with status >= 400 are returned as *APIError with the
// body closed; loss of connectivity matches retry.ErrConnectionLost.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := strings.TrimPrefix(req.URL.Path, c.base.Path)

	start := time.Now()
	defer func() {
		httpRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if c.rateLimiter != nil {
		allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn().Err(err).Msg("Rate limit check failed")
		} else if !allowed {
			httpRequestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
			return nil, c.fail(&APIError{
				StatusCode: http.StatusTooManyRequests,
				ErrorClass: ErrorClassRateLimit,
				Message:    "request blocked: rate limit critical",
			})
		}
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("query", req.URL.RawQuery).
		Str("request_id", req.Header.Get(RequestIDHeader)).
		Msg("Executing request")

	v, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, classifyTransport(err)
		}

		if c.rateLimiter != nil {
			if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
			}
		}

		if resp.StatusCode >= 400 {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				ErrorClass: classifyStatus(resp.StatusCode),
				Message:    errorMessage(resp, body),
			}
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &APIError{ErrorClass: ErrorClassCircuitOpen, Message: "circuit breaker open", Err: err}
		}
		var apiErr *APIError
		status := "network_error"
		if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
			status = strconv.Itoa(apiErr.StatusCode)
		}
		httpRequestsTotal.WithLabelValues(endpoint, status).Inc()
		return nil, c.fail(err)
	}

	resp := v.(*http.Response)
	httpRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// GetCache returns the cache manager, or nil without Redis.
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}

func (c *Client) fail(err error) error {
	class := ClassOf(err)
	if class == "" {
		return err
	}
	httpErrorsTotal.WithLabelValues(string(class)).Inc()
	event := c.logger.Warn()
	if class == ErrorClassConnectivity {
		event = c.logger.Info()
	}
	event.Err(err).Str("error_class", string(class)).Msg("Request failed")
	return err
}

func (c *Client) pageURL(endpoint string, page int) *url.URL {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + "/" + strings.TrimPrefix(endpoint, "/")
	q := url.Values{}
	q.Set(c.config.PageParam, strconv.Itoa(page))
	if c.config.PageSize > 0 && c.config.PageSizeParam != "" {
		q.Set(c.config.PageSizeParam, strconv.Itoa(c.config.PageSize))
	}
	u.RawQuery = q.Encode()
	return &u
}

// envelope is the wire format of one page.
type envelope struct {
	Data []json.RawMessage `json:"data"`
	Meta struct {
		CurrentPage int  `json:"current_page"`
		LastPage    int  `json:"last_page"`
		PerPage     int  `json:"per_page"`
		Total       *int `json:"total"`
	} `json:"meta"`
}

func decodePage(body []byte) (pagination.Page[json.RawMessage], error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return pagination.Page[json.RawMessage]{}, &APIError{
			StatusCode: http.StatusOK,
			ErrorClass: ErrorClassDecode,
			Message:    "malformed page",
			Err:        err,
		}
	}
	return pagination.Page[json.RawMessage]{
		Rows: env.Data,
		Meta: pagination.Meta{
			CurrentPage: env.Meta.CurrentPage,
			LastPage:    env.Meta.LastPage,
			PageSize:    env.Meta.PerPage,
			Total:       env.Meta.Total,
		},
	}, nil
}

// errorMessage prefers an "error" or "message" field of a JSON body.
func errorMessage(resp *http.Response, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return resp.Status
}
