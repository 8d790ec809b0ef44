package retry

import (
	"errors"
	"net"
	"syscall"
)

// Connectivity-loss errors. Transports wrap one of these (or return a raw
// network error that IsConnectionLost recognizes) to request a
// wait-for-reconnect retry.
var (
	ErrNoNetwork       = errors.New("no network connection")
	ErrHostUnreachable = errors.New("host unreachable")
	ErrConnectionLost  = errors.New("network connection lost")
	ErrSessionDropped  = errors.New("background session dropped")
)

// Terminal errors produced by the retrier itself.
var (
	// ErrTimeout is returned when the retry chain's timeout elapses before a
	// success or non-retryable failure. It never wraps the last connectivity error.
	ErrTimeout = errors.New("retry timeout elapsed")

	// ErrCancelled is returned when the caller's context ends the chain.
	ErrCancelled = errors.New("retry cancelled")
)

var connectivityErrnos = []syscall.Errno{
	syscall.ENETUNREACH,
	syscall.ENETDOWN,
	syscall.EHOSTUNREACH,
	syscall.EHOSTDOWN,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ENOTCONN,
}

// IsConnectionLost is the default retry predicate. It reports true only for
// loss of connectivity: no network path, unreachable host, dropped
// connection or dropped background session. HTTP status errors and decode
// errors are never connectivity errors.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}

	for _, target := range []error{ErrNoNetwork, ErrHostUnreachable, ErrConnectionLost, ErrSessionDropped} {
		if errors.Is(err, target) {
			return true
		}
	}

	for _, errno := range connectivityErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	// Name resolution is the first thing to fail when the device is offline.
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
