package connectivity

import (
	"sync"

	"github.com/Sternrassler/resilient-pager/pkg/signal"
)

// Manual is a push-based Source for platforms that deliver reachability
// callbacks themselves. Call Set from those callbacks.
type Manual struct {
	state *signal.Signal[bool]

	mu          sync.Mutex
	subscribers int
}

// NewManual creates a Manual source with a known initial state.
func NewManual(connected bool) *Manual {
	return &Manual{state: signal.Distinct(signal.WithInitial(connected))}
}

// Set publishes a new connectivity value. Repeated values are suppressed.
func (m *Manual) Set(connected bool) {
	m.state.Publish(connected)
}

// Subscribe implements Source.
func (m *Manual) Subscribe(fn func(connected bool)) (unsubscribe func()) {
	m.mu.Lock()
	m.subscribers++
	m.mu.Unlock()

	unsub := m.state.Subscribe(fn)
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			m.mu.Lock()
			m.subscribers--
			m.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscribers.
func (m *Manual) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribers
}
