// Package singleflight turns an asynchronous producer into a cell that runs
// the producer at most once and replays its terminal outcome to every
// subscriber, including subscribers that attach after resolution.
//
// Unlike golang.org/x/sync/singleflight, which deduplicates calls by key
// while they are in flight and forgets the result afterwards, a Cell keeps
// its outcome forever and supports per-subscriber cancellation: the producer
// is cancelled only when its last subscriber leaves before resolution.
package singleflight

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrReleased is the cached outcome of a cell whose last subscriber
	// cancelled before the producer finished.
	ErrReleased = errors.New("single-flight cell released before resolution")
)

var cellResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pager_singleflight_resolutions_total",
	Help: "Single-flight cell resolutions by outcome",
}, []string{"outcome"})

// Producer performs the underlying asynchronous operation. ctx is cancelled
// when every subscriber has cancelled before the producer returned.
type Producer[T any] func(ctx context.Context) Outcome[T]

// FromFunc adapts a conventional (value, error) function into a Producer.
func FromFunc[T any](fn func(ctx context.Context) (T, error)) Producer[T] {
	return func(ctx context.Context) Outcome[T] {
		v, err := fn(ctx)
		if err != nil {
			return Failure[T](err)
		}
		return Value(v)
	}
}

// Cell is an at-most-once, replay-to-late-subscribers terminal-event holder.
type Cell[T any] struct {
	producer Producer[T]
	logger   zerolog.Logger

	mu       sync.Mutex
	started  bool
	resolved bool
	outcome  Outcome[T]
	waiters  map[uint64]func(Outcome[T])
	nextID   uint64
	cancel   context.CancelFunc
}

// Wrap creates a Cell around p. The producer is not started until the first Subscribe.
func Wrap[T any](name string, p Producer[T]) *Cell[T] {
	return &Cell[T]{
		producer: p,
		logger:   log.With().Str("component", "singleflight").Str("cell", name).Logger(),
		waiters:  make(map[uint64]func(Outcome[T])),
	}
}

// Subscribe registers fn for the cell's terminal outcome and returns a
// cancellation func. The first subscription starts the producer.
//
// If the cell is already resolved, fn is called synchronously with the cached
// outcome and the returned cancellation is a no-op.
func (c *Cell[T]) Subscribe(fn func(Outcome[T])) (cancel func()) {
	c.mu.Lock()
	if c.resolved {
		out := c.outcome
		c.mu.Unlock()
		fn(out)
		return func() {}
	}

	id := c.nextID
	c.nextID++
	c.waiters[id] = fn

	var ctx context.Context
	start := !c.started
	if start {
		c.started = true
		ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	if start {
		c.logger.Debug().Msg("Starting producer")
		go c.run(ctx)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(id) })
	}
}

// Wait subscribes and blocks until the cell resolves or ctx is done.
// On ctx expiry the subscription is cancelled and a Failure carrying
// ctx.Err() is returned; other subscribers are unaffected.
func (c *Cell[T]) Wait(ctx context.Context) Outcome[T] {
	ch := make(chan Outcome[T], 1)
	cancel := c.Subscribe(func(o Outcome[T]) { ch <- o })

	select {
	case o := <-ch:
		return o
	case <-ctx.Done():
		cancel()
		// Resolution may have raced the cancellation.
		select {
		case o := <-ch:
			return o
		default:
		}
		return Failure[T](ctx.Err())
	}
}

// Resolved reports whether the cell holds a terminal outcome.
func (c *Cell[T]) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// Outcome returns the cached terminal outcome, if any.
func (c *Cell[T]) Outcome() (Outcome[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome, c.resolved
}

// Waiters returns the number of subscribers awaiting resolution.
func (c *Cell[T]) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Cell[T]) run(ctx context.Context) {
	out := c.call(ctx)
	c.resolve(out)
}

func (c *Cell[T]) call(ctx context.Context) (out Outcome[T]) {
	defer func() {
		if r := recover(); r != nil {
			out = Failure[T](fmt.Errorf("producer panic: %v", r))
		}
	}()
	return c.producer(ctx)
}

func (c *Cell[T]) resolve(out Outcome[T]) {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return
	}
	c.resolved = true
	c.outcome = out
	waiters := make([]func(Outcome[T]), 0, len(c.waiters))
	for _, fn := range c.waiters {
		waiters = append(waiters, fn)
	}
	c.waiters = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	cellResolutionsTotal.WithLabelValues(out.Kind.String()).Inc()
	c.logger.Debug().
		Str("outcome", out.Kind.String()).
		Int("waiters", len(waiters)).
		Msg("Cell resolved")

	for _, fn := range waiters {
		fn(out)
	}
}

func (c *Cell[T]) unsubscribe(id uint64) {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return
	}
	if _, ok := c.waiters[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.waiters, id)
	if len(c.waiters) > 0 {
		c.mu.Unlock()
		return
	}

	// Last subscriber left: release the producer and pin the outcome.
	c.resolved = true
	c.outcome = Failure[T](ErrReleased)
	c.waiters = nil
	cancel := c.cancel
	c.mu.Unlock()

	cellResolutionsTotal.WithLabelValues("released").Inc()
	c.logger.Debug().Msg("Last subscriber cancelled, producer released")
	if cancel != nil {
		cancel()
	}
}
