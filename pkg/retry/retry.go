// Package retry re-issues operations that failed because connectivity was
// lost. Instead of backing off on a schedule, a failed attempt waits for the
// connectivity source to report "connected" and then tries again. The whole
// chain is bounded by a single timeout, not by an attempt counter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/resilient-pager/pkg/connectivity"
	"github.com/Sternrassler/resilient-pager/pkg/singleflight"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for retry operations.
var (
	retryAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pager_retry_attempts_total",
		Help: "Total operation attempts issued by retry chains",
	})

	retryWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pager_retry_waits_total",
		Help: "Total waits for connectivity after a connection-lost failure",
	})

	retryWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pager_retry_wait_seconds",
		Help:    "Time spent waiting for connectivity before a retry",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	retryTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pager_retry_timeouts_total",
		Help: "Total retry chains that ended with a timeout",
	})
)

// Forever disables the chain timeout.
const Forever time.Duration = 0

// Seconds returns a chain timeout of n seconds.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Config holds the configuration for a Retrier.
type Config struct {
	// Timeout bounds the whole retry chain. Forever (0) waits indefinitely.
	Timeout time.Duration

	// IsRetryable decides which failures wait for reconnect. Defaults to IsConnectionLost.
	IsRetryable func(error) bool

	// Source publishes connectivity. Defaults to connectivity.Default().
	Source connectivity.Source

	// MinInterval is the minimum spacing between attempts of one chain. It
	// keeps a chain from spinning when the source already reports connected
	// but the operation keeps losing its connection.
	MinInterval time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     Forever,
		IsRetryable: IsConnectionLost,
		MinInterval: 250 * time.Millisecond,
		Logger:      log.With().Str("component", "retry").Logger(),
	}
}

// Retrier runs operations under the retry-on-reconnect policy.
//
// Concurrent chains waiting for connectivity share one single-flight
// reconnect cell; a chain that gives up cancels only its own subscription.
type Retrier struct {
	config Config
	logger zerolog.Logger

	mu        sync.Mutex
	reconnect *singleflight.Cell[bool]
}

// New creates a Retrier.
func New(cfg Config) *Retrier {
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = IsConnectionLost
	}
	if cfg.Source == nil {
		cfg.Source = connectivity.Default()
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = Forever
	}
	return &Retrier{
		config: cfg,
		logger: cfg.Logger,
	}
}

// Timeout returns the configured chain timeout.
func (r *Retrier) Timeout() time.Duration {
	return r.config.Timeout
}

// Do executes op, and after every retryable failure waits for one
// "connected" tick before executing it again. It returns op's success, op's
// first non-retryable error, ErrTimeout or ErrCancelled.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	chainCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.config.Timeout > 0 {
		chainCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
	}
	defer cancel()

	pace := rate.NewLimiter(rate.Inf, 1)
	if r.config.MinInterval > 0 {
		pace = rate.NewLimiter(rate.Every(r.config.MinInterval), 1)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := pace.Wait(chainCtx); err != nil {
			return r.interrupted(ctx, attempt-1, lastErr)
		}

		retryAttemptsTotal.Inc()
		err := op(chainCtx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info().Int("attempt", attempt).Msg("Operation succeeded after reconnect")
			}
			return nil
		}

		retryable := r.config.IsRetryable(err)
		if chainCtx.Err() != nil && (retryable || isContextErr(err)) {
			return r.interrupted(ctx, attempt, err)
		}
		if !retryable {
			return err
		}
		lastErr = err

		r.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("Connection lost, waiting for connectivity")

		retryWaitsTotal.Inc()
		start := time.Now()
		out := r.waitReconnect(chainCtx, r.reconnectCell())
		retryWaitSeconds.Observe(time.Since(start).Seconds())

		if out.Kind != singleflight.KindValue {
			if chainCtx.Err() != nil {
				return r.interrupted(ctx, attempt, lastErr)
			}
			return fmt.Errorf("wait for connectivity: %w", out.Err)
		}

		r.logger.Debug().Int("attempt", attempt+1).Msg("Connectivity restored, retrying")
	}
}

// Value runs op through r and returns its value.
func Value[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// reconnectCell returns the pending reconnect cell, creating a fresh one
// when the previous cell has resolved.
func (r *Retrier) reconnectCell() *singleflight.Cell[bool] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reconnect == nil || r.reconnect.Resolved() {
		r.reconnect = singleflight.Wrap("reconnect", r.awaitConnected)
	}
	return r.reconnect
}

// waitReconnect waits on cell. A cell released by the other chains between
// fetching and subscribing is replaced with a fresh one while ctx is live.
func (r *Retrier) waitReconnect(ctx context.Context, cell *singleflight.Cell[bool]) singleflight.Outcome[bool] {
	for {
		out := cell.Wait(ctx)
		if out.Kind == singleflight.KindFailure && errors.Is(out.Err, singleflight.ErrReleased) && ctx.Err() == nil {
			r.logger.Debug().Msg("Reconnect cell released by other chains, resubscribing")
			cell = r.reconnectCell()
			continue
		}
		return out
	}
}

// awaitConnected takes the first true value from the source and unsubscribes.
func (r *Retrier) awaitConnected(ctx context.Context) singleflight.Outcome[bool] {
	connected := make(chan struct{}, 1)
	unsubscribe := r.config.Source.Subscribe(func(up bool) {
		if !up {
			return
		}
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	select {
	case <-connected:
		return singleflight.Value(true)
	case <-ctx.Done():
		return singleflight.Failure[bool](ctx.Err())
	}
}

func (r *Retrier) interrupted(parent context.Context, attempts int, lastErr error) error {
	if parent.Err() != nil {
		r.logger.Debug().Int("attempts", attempts).Msg("Retry chain cancelled")
		return fmt.Errorf("%w: %v", ErrCancelled, parent.Err())
	}

	retryTimeoutsTotal.Inc()
	r.logger.Error().
		Dur("timeout", r.config.Timeout).
		Int("attempts", attempts).
		AnErr("last_error", lastErr).
		Msg("Retry chain timed out")
	return fmt.Errorf("%w after %s (%d attempts, last error: %v)", ErrTimeout, r.config.Timeout, attempts, lastErr)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
