// Package inflight tracks outstanding operations and derives a
// distinct-until-changed "busy" signal from the count, suitable for driving
// a loading indicator.
package inflight

import (
	"context"
	"sync"

	"github.com/Sternrassler/resilient-pager/pkg/signal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for in-flight tracking.
var (
	inflightOperations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pager_inflight_operations",
		Help: "Number of outstanding tracked operations by counter",
	}, []string{"counter"})

	busyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pager_busy",
		Help: "1 while a counter has outstanding operations",
	}, []string{"counter"})
)

// Counter is a thread-safe reference count with a derived busy signal.
// The zero value is not usable; create one with New.
type Counter struct {
	name   string
	mu     sync.Mutex
	count  int
	busy   *signal.Signal[bool]
	logger zerolog.Logger
}

// New creates a Counter. The busy signal starts at false and is replayed to
// new subscribers.
func New(name string) *Counter {
	return &Counter{
		name:   name,
		busy:   signal.Distinct(signal.WithInitial(false)),
		logger: log.With().Str("component", "inflight").Str("counter", name).Logger(),
	}
}

// Increment records the start of an operation.
func (c *Counter) Increment() {
	c.busy.Update(func(bool, bool) bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.count++
		c.observe()
		return c.count > 0
	})
}

// Decrement records the end of an operation. The count never drops below zero.
func (c *Counter) Decrement() {
	c.busy.Update(func(bool, bool) bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.count == 0 {
			c.logger.Warn().Msg("Decrement without matching Increment ignored")
			return false
		}
		c.count--
		c.observe()
		return c.count > 0
	})
}

// Acquire increments the counter and returns a release func that decrements
// it exactly once, however many times it is called.
//
//	release := counter.Acquire()
//	defer release()
func (c *Counter) Acquire() (release func()) {
	c.Increment()
	var once sync.Once
	return func() { once.Do(c.Decrement) }
}

// Track runs fn while holding one acquisition.
func (c *Counter) Track(ctx context.Context, fn func(ctx context.Context) error) error {
	release := c.Acquire()
	defer release()
	return fn(ctx)
}

// Count returns the number of outstanding operations.
func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Busy reports whether any operation is outstanding.
func (c *Counter) Busy() bool {
	return c.Count() > 0
}

// Subscribe registers fn for busy transitions. fn is called immediately
// with the current state; afterwards only changes are delivered.
func (c *Counter) Subscribe(fn func(busy bool)) (unsubscribe func()) {
	return c.busy.Subscribe(fn)
}

// observe updates gauges; callers hold c.mu.
func (c *Counter) observe() {
	inflightOperations.WithLabelValues(c.name).Set(float64(c.count))
	if c.count > 0 {
		busyGauge.WithLabelValues(c.name).Set(1)
	} else {
		busyGauge.WithLabelValues(c.name).Set(0)
	}
}
