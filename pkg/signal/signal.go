// Package signal provides a small multicast value stream used to publish
// state (busy flags, connectivity, page state, item collections) to any
// number of observers.
//
// A Signal optionally remembers the last published value and replays it to
// new subscribers, and optionally suppresses consecutive duplicates
// (distinct-until-changed).
package signal

import (
	"sync"
)

// Signal is a multicast stream of values of type T.
//
// Publishing is serialized: subscribers observe values in publish order.
// Callbacks run outside the state lock, so a callback may unsubscribe
// itself, but it must not publish or subscribe to the same Signal
// synchronously.
type Signal[T any] struct {
	emitMu sync.Mutex // serializes publish+deliver

	mu       sync.Mutex
	value    T
	hasValue bool
	replay   bool
	equal    func(a, b T) bool
	subs     map[uint64]func(T)
	nextID   uint64
}

// Option configures a Signal.
type Option[T any] func(*Signal[T])

// WithInitial seeds the signal with a value that is replayed to subscribers.
func WithInitial[T any](v T) Option[T] {
	return func(s *Signal[T]) {
		s.value = v
		s.hasValue = true
	}
}

// WithoutReplay disables delivery of the last value on Subscribe.
func WithoutReplay[T any]() Option[T] {
	return func(s *Signal[T]) {
		s.replay = false
	}
}

// WithDistinct suppresses a published value equal to the last one.
func WithDistinct[T any](equal func(a, b T) bool) Option[T] {
	return func(s *Signal[T]) {
		s.equal = equal
	}
}

// New creates a Signal. By default the last value is replayed to new subscribers.
func New[T any](opts ...Option[T]) *Signal[T] {
	s := &Signal[T]{
		replay: true,
		subs:   make(map[uint64]func(T)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Distinct creates a replaying, distinct-until-changed Signal for comparable types.
func Distinct[T comparable](opts ...Option[T]) *Signal[T] {
	all := append([]Option[T]{WithDistinct(func(a, b T) bool { return a == b })}, opts...)
	return New(all...)
}

// Subscribe registers fn and returns a function that removes it.
// If the signal replays and holds a value, fn is called with it before Subscribe returns.
func (s *Signal[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	// Holding emitMu keeps a concurrent Publish from slipping between the
	// replayed value and registration.
	s.emitMu.Lock()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	v, replay := s.value, s.replay && s.hasValue
	s.mu.Unlock()
	if replay {
		fn(v)
	}
	s.emitMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Publish stores v and delivers it to all subscribers.
// It reports whether v was delivered (false when suppressed as a duplicate).
func (s *Signal[T]) Publish(v T) bool {
	return s.Update(func(T, bool) T { return v })
}

// Update computes the next value from the current one and publishes it.
// fn runs while publishing is serialized, so read-modify-write sequences
// built on Update are ordered with their deliveries.
func (s *Signal[T]) Update(fn func(current T, ok bool) T) bool {
	return s.update(func(current T, ok bool) (T, bool) {
		return fn(current, ok), true
	})
}

// PublishIf publishes v only if cond reports true. cond runs under the
// state lock, so it is ordered with Reset and must not block or call back
// into the Signal.
func (s *Signal[T]) PublishIf(v T, cond func() bool) bool {
	return s.update(func(T, bool) (T, bool) {
		return v, cond()
	})
}

func (s *Signal[T]) update(fn func(current T, ok bool) (T, bool)) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	next, publish := fn(s.value, s.hasValue)
	if !publish || (s.hasValue && s.equal != nil && s.equal(s.value, next)) {
		s.mu.Unlock()
		return false
	}
	s.value = next
	s.hasValue = true
	targets := s.snapshot()
	s.mu.Unlock()

	for _, fn := range targets {
		fn(next)
	}
	return true
}

// Value returns the last published value and whether one exists.
func (s *Signal[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.hasValue
}

// Reset forgets the last value without notifying subscribers.
// It is safe to call from a subscriber callback.
func (s *Signal[T]) Reset() {
	s.mu.Lock()
	var zero T
	s.value = zero
	s.hasValue = false
	s.mu.Unlock()
}

// Subscribers returns the number of registered subscribers.
func (s *Signal[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Signal[T]) snapshot() []func(T) {
	out := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}
