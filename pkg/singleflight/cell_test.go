package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedProducer blocks until release is closed and counts its invocations.
func gatedProducer(calls *atomic.Int32, release <-chan struct{}, out Outcome[int]) Producer[int] {
	return func(ctx context.Context) Outcome[int] {
		calls.Add(1)
		select {
		case <-release:
			return out
		case <-ctx.Done():
			return Failure[int](ctx.Err())
		}
	}
}

func TestCell_ProducerRunsOnceForConcurrentSubscribers(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	cell := Wrap("test", gatedProducer(&calls, release, Value(42)))

	const n = 20
	results := make(chan Outcome[int], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- cell.Wait(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return cell.Waiters() == n }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), calls.Load())
	for out := range results {
		assert.Equal(t, KindValue, out.Kind)
		assert.Equal(t, 42, out.Value)
	}
}

func TestCell_FailureBroadcastToAll(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	boom := errors.New("boom")
	cell := Wrap("test", gatedProducer(&calls, release, Failure[int](boom)))

	var mu sync.Mutex
	var got []error
	for i := 0; i < 3; i++ {
		cell.Subscribe(func(o Outcome[int]) {
			mu.Lock()
			got = append(got, o.Err)
			mu.Unlock()
		})
	}
	close(release)

	require.Eventually(t, cell.Resolved, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	for _, err := range got {
		assert.ErrorIs(t, err, boom)
	}
}

func TestCell_LateSubscriberReplaysSynchronously(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	close(release)
	cell := Wrap("test", gatedProducer(&calls, release, Value(7)))

	first := cell.Wait(context.Background())
	require.Equal(t, 7, first.Value)

	delivered := false
	cancel := cell.Subscribe(func(o Outcome[int]) {
		delivered = true
		assert.Equal(t, 7, o.Value)
	})
	cancel()

	assert.True(t, delivered, "late subscriber must be served before Subscribe returns")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCell_CompletedOutcome(t *testing.T) {
	cell := Wrap("test", func(context.Context) Outcome[string] { return Completed[string]() })

	out := cell.Wait(context.Background())
	v, err := out.Result()

	assert.Equal(t, KindCompleted, out.Kind)
	assert.Empty(t, v)
	assert.NoError(t, err)
}

func TestCell_CancelOneOfSeveralIsNoOpForOthers(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	cell := Wrap("test", gatedProducer(&calls, release, Value(1)))

	cancelFirst := cell.Subscribe(func(Outcome[int]) {
		t.Error("cancelled subscriber must not be notified")
	})
	got := make(chan Outcome[int], 1)
	cell.Subscribe(func(o Outcome[int]) { got <- o })

	cancelFirst()
	assert.False(t, cell.Resolved())

	close(release)
	select {
	case o := <-got:
		assert.Equal(t, KindValue, o.Kind)
		assert.Equal(t, 1, o.Value)
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber never resolved")
	}
}

func TestCell_CancelLastReleasesProducer(t *testing.T) {
	producerDone := make(chan error, 1)
	cell := Wrap("test", func(ctx context.Context) Outcome[int] {
		<-ctx.Done()
		producerDone <- ctx.Err()
		return Failure[int](ctx.Err())
	})

	cancel := cell.Subscribe(func(Outcome[int]) {})
	cancel()

	select {
	case err := <-producerDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("producer context was not cancelled")
	}

	out, ok := cell.Outcome()
	require.True(t, ok)
	assert.ErrorIs(t, out.Err, ErrReleased)
}

func TestCell_WaitContextExpiry(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	defer close(release)
	cell := Wrap("test", gatedProducer(&calls, release, Value(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := cell.Wait(ctx)
	assert.Equal(t, KindFailure, out.Kind)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestCell_ProducerPanicBecomesFailure(t *testing.T) {
	cell := Wrap("test", func(context.Context) Outcome[int] { panic("kaboom") })

	out := cell.Wait(context.Background())
	require.Equal(t, KindFailure, out.Kind)
	assert.Contains(t, out.Err.Error(), "kaboom")
}

func TestFromFunc(t *testing.T) {
	ok := FromFunc(func(context.Context) (string, error) { return "v", nil })
	bad := FromFunc(func(context.Context) (string, error) { return "", errors.New("x") })

	assert.Equal(t, Value("v"), ok(context.Background()))
	assert.Equal(t, KindFailure, bad(context.Background()).Kind)
}
