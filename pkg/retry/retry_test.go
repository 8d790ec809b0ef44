package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/Sternrassler/resilient-pager/pkg/connectivity"
	"github.com/Sternrassler/resilient-pager/pkg/singleflight"
	"github.com/rs/zerolog"
)

// countingSource wraps a Manual source and counts subscriptions.
type countingSource struct {
	*connectivity.Manual
	subscribes atomic.Int32
}

func newCountingSource(connected bool) *countingSource {
	return &countingSource{Manual: connectivity.NewManual(connected)}
}

func (s *countingSource) Subscribe(fn func(bool)) func() {
	s.subscribes.Add(1)
	return s.Manual.Subscribe(fn)
}

func testRetrier(src connectivity.Source, timeout time.Duration) *Retrier {
	return New(Config{
		Timeout: timeout,
		Source:  src,
		Logger:  zerolog.Nop(),
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSeconds(t *testing.T) {
	if Seconds(3) != 3*time.Second {
		t.Errorf("Seconds(3) = %v, want 3s", Seconds(3))
	}
	if Forever != 0 {
		t.Errorf("Forever = %v, want 0", Forever)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeout != Forever {
		t.Errorf("Timeout = %v, want Forever", cfg.Timeout)
	}
	if cfg.IsRetryable == nil {
		t.Error("IsRetryable should default to IsConnectionLost")
	}
	if cfg.MinInterval != 250*time.Millisecond {
		t.Errorf("MinInterval = %v, want 250ms", cfg.MinInterval)
	}
}

func TestRetrier_Success(t *testing.T) {
	src := newCountingSource(true)
	r := testRetrier(src, Forever)

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if src.subscribes.Load() != 0 {
		t.Errorf("subscribes = %d, want 0", src.subscribes.Load())
	}
}

func TestRetrier_NonRetryablePassthrough(t *testing.T) {
	src := newCountingSource(false)
	r := testRetrier(src, Forever)

	notFound := errors.New("HTTP 404")
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return notFound
	})

	if !errors.Is(err, notFound) {
		t.Errorf("Do() error = %v, want %v", err, notFound)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if src.subscribes.Load() != 0 {
		t.Errorf("connectivity waits = %d, want 0", src.subscribes.Load())
	}
}

func TestRetrier_RetriesAfterReconnect(t *testing.T) {
	src := newCountingSource(false)
	r := testRetrier(src, Seconds(5))

	var calls atomic.Int32
	result := make(chan error, 1)
	go func() {
		result <- r.Do(context.Background(), func(context.Context) error {
			if calls.Add(1) == 1 {
				return fmt.Errorf("fetch page: %w", ErrConnectionLost)
			}
			return nil
		})
	}()

	waitFor(t, func() bool { return src.Subscribers() == 1 })
	if calls.Load() != 1 {
		t.Fatalf("calls before reconnect = %d, want 1", calls.Load())
	}
	src.Set(true)

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Do() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not return after reconnect")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	waitFor(t, func() bool { return src.Subscribers() == 0 })
}

func TestRetrier_ConsumesOneTickPerAttempt(t *testing.T) {
	// Connected but the operation keeps dropping: each attempt consumes one
	// fresh connectivity confirmation.
	src := newCountingSource(true)
	r := testRetrier(src, Forever)

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 4 {
			return syscall.ECONNRESET
		}
		return nil
	})

	if err != nil {
		t.Errorf("Do() error = %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if got := src.subscribes.Load(); got != 3 {
		t.Errorf("connectivity subscriptions = %d, want 3", got)
	}
}

func TestRetrier_Timeout(t *testing.T) {
	src := newCountingSource(false)
	r := testRetrier(src, 50*time.Millisecond)

	start := time.Now()
	err := r.Do(context.Background(), func(context.Context) error {
		return ErrNoNetwork
	})

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Do() error = %v, want ErrTimeout", err)
	}
	if errors.Is(err, ErrNoNetwork) {
		t.Error("timeout error must not match the connectivity error")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
	waitFor(t, func() bool { return src.Subscribers() == 0 })
}

func TestRetrier_ParentCancel(t *testing.T) {
	src := newCountingSource(false)
	r := testRetrier(src, Forever)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- r.Do(ctx, func(context.Context) error { return ErrConnectionLost })
	}()

	waitFor(t, func() bool { return src.Subscribers() == 1 })
	cancel()

	select {
	case err := <-result:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("Do() error = %v, want ErrCancelled", err)
		}
		if errors.Is(err, ErrTimeout) {
			t.Error("cancellation reported as timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not return after cancel")
	}
	waitFor(t, func() bool { return src.Subscribers() == 0 })
}

func TestRetrier_ConcurrentChainsShareReconnect(t *testing.T) {
	src := newCountingSource(false)
	r := testRetrier(src, Seconds(5))

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	ctxs := make([]context.CancelFunc, 3)
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ctxs[i] = cancel
		var calls atomic.Int32
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Do(ctx, func(context.Context) error {
				if calls.Add(1) == 1 {
					return ErrHostUnreachable
				}
				return nil
			})
		}()
	}

	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.reconnect != nil && r.reconnect.Waiters() == 3
	})
	if got := src.Subscribers(); got != 1 {
		t.Errorf("connectivity subscribers = %d, want 1 shared", got)
	}

	// One chain gives up; the others keep waiting on the same cell.
	ctxs[0]()
	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.reconnect.Waiters() == 2
	})
	if got := src.Subscribers(); got != 1 {
		t.Errorf("connectivity subscribers after one cancel = %d, want 1", got)
	}

	src.Set(true)
	wg.Wait()
	close(errs)
	for _, cancel := range ctxs {
		cancel()
	}

	var cancelled, ok int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrCancelled):
			cancelled++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 2 || cancelled != 1 {
		t.Errorf("ok = %d, cancelled = %d, want 2 and 1", ok, cancelled)
	}
}

func TestRetrier_ReleasedCellIsReplaced(t *testing.T) {
	src := newCountingSource(false)
	r := testRetrier(src, Forever)

	// The only other waiter leaves after this chain fetched the cell but
	// before it subscribed.
	stale := r.reconnectCell()
	leave := stale.Subscribe(func(singleflight.Outcome[bool]) {})
	leave()
	if !stale.Resolved() {
		t.Fatal("cell must be released once its last waiter leaves")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan singleflight.Outcome[bool], 1)
	go func() { done <- r.waitReconnect(ctx, stale) }()

	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.reconnect != stale && r.reconnect.Waiters() == 1
	})
	src.Set(true)

	select {
	case out := <-done:
		if out.Kind != singleflight.KindValue {
			t.Fatalf("outcome = %v (%v), want connected", out.Kind, out.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not resume after reconnect")
	}
}

func TestValue(t *testing.T) {
	r := testRetrier(newCountingSource(true), Forever)

	v, err := Value(context.Background(), r, func(context.Context) (string, error) {
		return "page", nil
	})
	if err != nil || v != "page" {
		t.Errorf("Value() = %q, %v", v, err)
	}

	v, err = Value(context.Background(), r, func(context.Context) (string, error) {
		return "partial", errors.New("decode")
	})
	if err == nil || v != "" {
		t.Errorf("Value() = %q, %v, want zero value and error", v, err)
	}
}

func TestIsConnectionLost(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no network", ErrNoNetwork, true},
		{"host unreachable", ErrHostUnreachable, true},
		{"connection lost wrapped", fmt.Errorf("get: %w", ErrConnectionLost), true},
		{"session dropped", ErrSessionDropped, true},
		{"econnreset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"enetunreach", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)}, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example.com"}, true},
		{"connection refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, false},
		{"application error", errors.New("HTTP 500"), false},
		{"timeout", ErrTimeout, false},
		{"context", context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionLost(tt.err); got != tt.want {
				t.Errorf("IsConnectionLost(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
