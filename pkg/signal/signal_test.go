package signal

import (
	"sync"
	"testing"
)

func TestSignal_ReplayLastValue(t *testing.T) {
	s := New(WithInitial(3))

	var got []int
	unsubscribe := s.Subscribe(func(v int) { got = append(got, v) })
	defer unsubscribe()

	s.Publish(4)

	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("got %v, want [3 4]", got)
	}
}

func TestSignal_WithoutReplay(t *testing.T) {
	s := New(WithInitial(1), WithoutReplay[int]())

	var got []int
	s.Subscribe(func(v int) { got = append(got, v) })

	if len(got) != 0 {
		t.Errorf("got %v, want no replay", got)
	}
}

func TestSignal_EmptyDoesNotReplay(t *testing.T) {
	s := New[string]()

	called := false
	s.Subscribe(func(string) { called = true })

	if called {
		t.Error("subscriber called before any value was published")
	}
	if _, ok := s.Value(); ok {
		t.Error("Value() ok = true on empty signal")
	}
}

func TestSignal_Distinct(t *testing.T) {
	s := Distinct[bool]()

	var got []bool
	s.Subscribe(func(v bool) { got = append(got, v) })

	inputs := []bool{true, true, false, false, true}
	delivered := 0
	for _, v := range inputs {
		if s.Publish(v) {
			delivered++
		}
	}

	want := []bool{true, false, true}
	if delivered != len(want) {
		t.Errorf("delivered = %d, want %d", delivered, len(want))
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSignal_Unsubscribe(t *testing.T) {
	s := New[int]()

	count := 0
	unsubscribe := s.Subscribe(func(int) { count++ })
	s.Publish(1)
	unsubscribe()
	unsubscribe()
	s.Publish(2)

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if s.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", s.Subscribers())
	}
}

func TestSignal_UnsubscribeFromCallback(t *testing.T) {
	s := New[int]()

	count := 0
	var unsubscribe func()
	unsubscribe = s.Subscribe(func(int) {
		count++
		unsubscribe()
	})

	s.Publish(1)
	s.Publish(2)

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestSignal_UpdateIsSerialized(t *testing.T) {
	s := New(WithInitial(0))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(func(cur int, _ bool) int { return cur + 1 })
		}()
	}
	wg.Wait()

	v, _ := s.Value()
	if v != 100 {
		t.Errorf("Value() = %d, want 100", v)
	}
}

func TestSignal_Reset(t *testing.T) {
	s := New(WithInitial("stale"))
	s.Reset()

	called := false
	s.Subscribe(func(string) { called = true })
	if called {
		t.Error("reset signal replayed a value")
	}
}

func TestSignal_PublishIf(t *testing.T) {
	s := New[int]()

	var got []int
	unsubscribe := s.Subscribe(func(v int) { got = append(got, v) })
	defer unsubscribe()

	if s.PublishIf(1, func() bool { return false }) {
		t.Error("PublishIf() = true with a false condition")
	}
	if _, ok := s.Value(); ok {
		t.Error("rejected value was stored")
	}
	if !s.PublishIf(2, func() bool { return true }) {
		t.Error("PublishIf() = false with a true condition")
	}
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("got %v, want [2]", got)
	}
}
