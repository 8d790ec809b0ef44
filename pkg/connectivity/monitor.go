// Package connectivity exposes a deduplicated, multicast "connected" signal.
//
// A Monitor polls a Prober only while it has subscribers: monitoring starts
// with the first Subscribe and stops when the last subscriber leaves. A
// process-wide instance is available through Default.
package connectivity

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/resilient-pager/pkg/signal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for connectivity monitoring.
var (
	connectivityUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pager_connectivity_up",
		Help: "1 when the last connectivity probe succeeded",
	})

	connectivityProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pager_connectivity_probes_total",
		Help: "Connectivity probes by result",
	}, []string{"result"})

	connectivityWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pager_connectivity_watchers",
		Help: "Number of active connectivity subscribers",
	})
)

// Source is anything that publishes connectivity changes.
type Source interface {
	// Subscribe registers fn for connectivity values and returns a func that
	// removes it. The current value, once known, is delivered first.
	Subscribe(fn func(connected bool)) (unsubscribe func())
}

// Prober checks whether the network is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// DialProber reports connectivity by opening a connection to Address.
type DialProber struct {
	Network string
	Address string
	Dialer  net.Dialer
}

// Probe implements Prober.
func (p DialProber) Probe(ctx context.Context) bool {
	network := p.Network
	if network == "" {
		network = "tcp"
	}
	conn, err := p.Dialer.DialContext(ctx, network, p.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Config holds monitor configuration.
type Config struct {
	// Interval between probes while monitoring.
	Interval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     2 * time.Second,
		ProbeTimeout: 3 * time.Second,
		Logger:       log.With().Str("component", "connectivity").Logger(),
	}
}

// Monitor is a reference-counted connectivity signal backed by a Prober.
type Monitor struct {
	prober Prober
	config Config
	logger zerolog.Logger
	state  *signal.Signal[bool]

	mu          sync.Mutex
	subscribers int
	generation  atomic.Uint64
	stop        context.CancelFunc
}

// NewMonitor creates a Monitor. Nothing runs until the first Subscribe.
func NewMonitor(prober Prober, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	return &Monitor{
		prober: prober,
		config: cfg,
		logger: cfg.Logger,
		state:  signal.Distinct[bool](),
	}
}

// Subscribe implements Source. The first subscriber starts probing.
func (m *Monitor) Subscribe(fn func(connected bool)) (unsubscribe func()) {
	m.mu.Lock()
	m.subscribers++
	connectivityWatchers.Set(float64(m.subscribers))
	if m.subscribers == 1 {
		m.start()
	}
	m.mu.Unlock()

	unsub := m.state.Subscribe(fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			m.release()
		})
	}
}

// Connected returns the last observed connectivity and whether one is known.
func (m *Monitor) Connected() (connected, known bool) {
	return m.state.Value()
}

// Subscribers returns the number of active subscribers.
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribers
}

// Running reports whether the probe loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

// start launches the probe loop; callers hold m.mu.
func (m *Monitor) start() {
	ctx, cancel := context.WithCancel(context.Background())
	gen := m.generation.Add(1)
	m.stop = cancel
	m.logger.Debug().Msg("Starting connectivity monitoring")
	go m.loop(ctx, gen)
}

func (m *Monitor) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribers == 0 {
		return
	}
	m.subscribers--
	connectivityWatchers.Set(float64(m.subscribers))
	if m.subscribers > 0 {
		return
	}

	m.logger.Debug().Msg("Stopping connectivity monitoring")
	m.stop()
	m.stop = nil
	m.generation.Add(1)
	// A restarted monitor must not replay a reading taken before it stopped.
	m.state.Reset()
}

func (m *Monitor) loop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		m.probe(ctx, gen)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context, gen uint64) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	connected := m.prober.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return
	}

	result := "down"
	if connected {
		result = "up"
		connectivityUp.Set(1)
	} else {
		connectivityUp.Set(0)
	}
	connectivityProbesTotal.WithLabelValues(result).Inc()

	// Checked under the signal's lock so a stopped loop cannot publish after Reset.
	current := func() bool { return m.generation.Load() == gen }
	if m.state.PublishIf(connected, current) {
		m.logger.Info().Bool("connected", connected).Msg("Connectivity changed")
	}
}
