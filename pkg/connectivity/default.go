package connectivity

import (
	"net"
	"sync"
	"time"
)

// DefaultProbeAddress is dialled by the process-wide monitor.
const DefaultProbeAddress = "1.1.1.1:443"

var (
	defaultOnce    sync.Once
	defaultMonitor *Monitor
	defaultProber  Prober = DialProber{
		Address: DefaultProbeAddress,
		Dialer:  net.Dialer{Timeout: 3 * time.Second},
	}
)

// SetDefaultProber replaces the prober used by Default. It has no effect
// once Default has been called.
func SetDefaultProber(p Prober) {
	defaultProber = p
}

// Default returns the process-wide monitor, creating it on first use.
// Probing itself still only runs while the monitor has subscribers.
func Default() *Monitor {
	defaultOnce.Do(func() {
		defaultMonitor = NewMonitor(defaultProber, DefaultConfig())
	})
	return defaultMonitor
}
