package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Response headers read by UpdateFromHeaders.
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

var (
	rateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pager_rate_limit_remaining",
		Help: "Requests remaining in the current upstream rate limit window",
	}, []string{"namespace"})

	rateLimitBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pager_rate_limit_blocks_total",
		Help: "Requests blocked because the upstream budget is exhausted",
	}, []string{"namespace"})

	rateLimitThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pager_rate_limit_throttles_total",
		Help: "Requests delayed because the upstream budget is low",
	}, []string{"namespace"})
)

// Config holds tracker configuration.
type Config struct {
	// Namespace separates budgets of different APIs, usually the API host.
	Namespace string

	Thresholds Thresholds

	// ThrottleDelay is slept before a request in the warning band.
	ThrottleDelay time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns a configuration for namespace.
func DefaultConfig(namespace string) Config {
	return Config{
		Namespace:     namespace,
		Thresholds:    DefaultThresholds(),
		ThrottleDelay: time.Second,
		Logger:        zerolog.Nop(),
	}
}

// Tracker stores the request budget in Redis and gates requests on it.
type Tracker struct {
	redis  *redis.Client
	config Config
	key    string
	logger zerolog.Logger
}

// NewTracker creates a tracker.
func NewTracker(redisClient *redis.Client, cfg Config) *Tracker {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Tracker{
		redis:  redisClient,
		config: cfg,
		key:    fmt.Sprintf("pager:rate_limit:%s", cfg.Namespace),
		logger: cfg.Logger.With().Str("namespace", cfg.Namespace).Logger(),
	}
}

// Key returns the Redis hash holding the state.
func (t *Tracker) Key() string {
	return t.key
}

// GetState returns the stored state, or a healthy default when none is stored.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	fields, err := t.redis.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	if len(fields) == 0 {
		return &State{
			Remaining:  t.config.Thresholds.Healthy,
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	remaining, err := strconv.Atoi(fields["remaining"])
	if err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}
	resetAt, err := strconv.ParseInt(fields["reset_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse reset_at: %w", err)
	}
	lastUpdate, err := strconv.ParseInt(fields["last_update"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse last_update: %w", err)
	}

	state := &State{
		Remaining:  remaining,
		ResetAt:    time.UnixMilli(resetAt),
		LastUpdate: time.UnixMilli(lastUpdate),
	}
	state.UpdateHealth(t.config.Thresholds)
	return state, nil
}

// UpdateFromHeaders stores the budget advertised by a response. Responses
// without X-RateLimit-Remaining are ignored. The reset comes from
// X-RateLimit-Reset, or Retry-After when absent, both in seconds.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}
	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		resetStr = headers.Get(HeaderRetryAfter)
	}
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}
	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	now := time.Now()
	state := &State{
		Remaining:  remain,
		ResetAt:    now.Add(time.Duration(resetSeconds) * time.Second),
		LastUpdate: now,
	}
	state.UpdateHealth(t.config.Thresholds)

	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, t.key,
		"remaining", remain,
		"reset_at", state.ResetAt.UnixMilli(),
		"last_update", state.LastUpdate.UnixMilli(),
	)
	pipe.Expire(ctx, t.key, state.TimeUntilReset()+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	rateLimitRemaining.WithLabelValues(t.config.Namespace).Set(float64(remain))

	switch {
	case state.NeedsBlock(t.config.Thresholds):
		t.logger.Error().Int("remaining", remain).Time("reset_at", state.ResetAt).
			Msg("Rate limit critical - requests will be blocked")
	case state.NeedsThrottling(t.config.Thresholds):
		t.logger.Warn().Int("remaining", remain).Time("reset_at", state.ResetAt).
			Msg("Rate limit low - requests will be throttled")
	default:
		t.logger.Debug().Int("remaining", remain).Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}
	return nil
}

// ShouldAllowRequest reports whether a request may be sent now. In the
// warning band it first waits ThrottleDelay, or until ctx ends.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, err
	}

	if state.NeedsBlock(t.config.Thresholds) {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Rate limit critical - blocking request")
		rateLimitBlocksTotal.WithLabelValues(t.config.Namespace).Inc()
		return false, nil
	}

	if state.NeedsThrottling(t.config.Thresholds) && t.config.ThrottleDelay > 0 {
		rateLimitThrottlesTotal.WithLabelValues(t.config.Namespace).Inc()
		timer := time.NewTimer(t.config.ThrottleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return true, nil
}
