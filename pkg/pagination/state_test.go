package pagination

import (
	"errors"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestEmptyState(t *testing.T) {
	s := EmptyState()

	if s.Status != StatusEmpty {
		t.Errorf("Status = %s, want empty", s.Status)
	}
	if s.CurrentPage != 0 || s.LastPage != 0 || s.PageSize != 0 || s.StartIndex != 0 {
		t.Errorf("counters not zero: %+v", s)
	}
	if s.FirstPage != 1 {
		t.Errorf("FirstPage = %d, want 1", s.FirstPage)
	}
	if !s.CanLoadNext() {
		t.Error("empty state must allow loading the first page")
	}
}

func TestFromMeta(t *testing.T) {
	tests := []struct {
		name       string
		meta       Meta
		wantStatus Status
		wantStart  int
	}{
		{"middle page", Meta{CurrentPage: 2, LastPage: 5, PageSize: 10}, StatusNext, 20},
		{"last page", Meta{CurrentPage: 5, LastPage: 5, PageSize: 10}, StatusEnd, 50},
		{"single page", Meta{CurrentPage: 1, LastPage: 1, PageSize: 3}, StatusEnd, 3},
		{"empty list", Meta{CurrentPage: 1, LastPage: 0, PageSize: 3}, StatusEnd, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := FromMeta(tt.meta)
			if s.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", s.Status, tt.wantStatus)
			}
			if s.StartIndex != tt.wantStart {
				t.Errorf("StartIndex = %d, want %d", s.StartIndex, tt.wantStart)
			}
		})
	}
}

func TestFromMeta_CopiesTotal(t *testing.T) {
	total := 42
	s := FromMeta(Meta{CurrentPage: 1, LastPage: 5, PageSize: 10, Total: &total})
	total = 7

	if s.TotalCount == nil || *s.TotalCount != 42 {
		t.Errorf("TotalCount = %v, want 42", s.TotalCount)
	}
}

func TestPageState_Lock(t *testing.T) {
	tests := []struct {
		name    string
		from    PageState
		wantErr bool
	}{
		{"from empty", EmptyState(), false},
		{"from next", FromMeta(Meta{CurrentPage: 1, LastPage: 3, PageSize: 2}), false},
		{"from end", FromMeta(Meta{CurrentPage: 3, LastPage: 3, PageSize: 2}), true},
		{"from locked", PageState{Status: StatusLocked}, true},
		{"from reloading", PageState{Status: StatusReloading}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := tt.from.Lock()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("Lock() error = %v, want ErrInvalidTransition", err)
				}
				if next != tt.from {
					t.Error("failed transition must return the state unchanged")
				}
				return
			}
			if err != nil {
				t.Fatalf("Lock() error = %v", err)
			}
			if next.Status != StatusLocked {
				t.Errorf("Status = %s, want locked", next.Status)
			}
		})
	}
}

func TestPageState_LockDoesNotMutate(t *testing.T) {
	s := FromMeta(Meta{CurrentPage: 1, LastPage: 3, PageSize: 2})
	if _, err := s.Lock(); err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusNext {
		t.Errorf("original Status = %s, want next", s.Status)
	}
}

func TestPageState_Unlock(t *testing.T) {
	next := FromMeta(Meta{CurrentPage: 1, LastPage: 3, PageSize: 2})
	end := FromMeta(Meta{CurrentPage: 3, LastPage: 3, PageSize: 2})

	lockedFromNext, _ := next.Lock()
	lockedFromEmpty, _ := EmptyState().Lock()
	restartedFromEnd, _ := end.Restart()
	reloadFromEnd, _ := end.Reload(2)

	tests := []struct {
		name string
		from PageState
		want Status
	}{
		{"locked from next", lockedFromNext, StatusNext},
		{"locked from empty", lockedFromEmpty, StatusNext},
		{"restart from end", restartedFromEnd, StatusEnd},
		{"reloading from end", reloadFromEnd, StatusEnd},
		{"next is unchanged", next, StatusNext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.Unlock().Status; got != tt.want {
				t.Errorf("Unlock().Status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPageState_Reload(t *testing.T) {
	s := FromMeta(Meta{CurrentPage: 3, LastPage: 5, PageSize: 10})

	r, err := s.Reload(2)
	if err != nil {
		t.Fatalf("Reload(2) error = %v", err)
	}
	if r.Status != StatusReloading || r.TargetPage != 2 {
		t.Errorf("got %s target %d, want reloading target 2", r.Status, r.TargetPage)
	}

	if _, err := s.Reload(4); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reload(4) error = %v, want ErrInvalidTransition for unloaded page", err)
	}
	if _, err := EmptyState().Reload(1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reload from empty error = %v, want ErrInvalidTransition", err)
	}
	locked, _ := s.Lock()
	if _, err := locked.Reload(1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reload from locked error = %v, want ErrInvalidTransition", err)
	}
}

func TestPageState_ResolveReloadKeepsCursor(t *testing.T) {
	s := FromMeta(Meta{CurrentPage: 4, LastPage: 6, PageSize: 5})
	r, _ := s.Reload(2)

	got := r.Resolve(Meta{CurrentPage: 2, LastPage: 6, PageSize: 5, Total: intPtr(30)})

	if got.CurrentPage != 4 {
		t.Errorf("CurrentPage = %d, want 4", got.CurrentPage)
	}
	if got.Status != StatusNext {
		t.Errorf("Status = %s, want next", got.Status)
	}
	if got.TotalCount == nil || *got.TotalCount != 30 {
		t.Errorf("TotalCount = %v, want 30", got.TotalCount)
	}

	// The server shrank the list: the cursor is now at the end.
	shrunk := r.Resolve(Meta{CurrentPage: 2, LastPage: 4, PageSize: 5})
	if shrunk.Status != StatusEnd {
		t.Errorf("Status = %s, want end", shrunk.Status)
	}
}

func TestPageState_Exhaust(t *testing.T) {
	locked, _ := FromMeta(Meta{CurrentPage: 2, LastPage: 5, PageSize: 5}).Lock()
	if got := locked.Exhaust(); got.Status != StatusEnd {
		t.Errorf("Exhaust().Status = %s, want end", got.Status)
	}

	reloading, _ := FromMeta(Meta{CurrentPage: 2, LastPage: 5, PageSize: 5}).Reload(1)
	if got := reloading.Exhaust(); got.Status != StatusNext {
		t.Errorf("Exhaust() after reload Status = %s, want next", got.Status)
	}
}

func TestPageState_Windows(t *testing.T) {
	s := FromMeta(Meta{CurrentPage: 2, LastPage: 3, PageSize: 5})

	if got := s.WindowStart(2); got != 5 {
		t.Errorf("WindowStart(2) = %d, want 5", got)
	}
	if got := s.WindowStart(0); got != 0 {
		t.Errorf("WindowStart(0) = %d, want 0", got)
	}
	for index, want := range map[int]int{0: 1, 4: 1, 5: 2, 9: 2, 10: 3, -1: 0} {
		if got := s.PageOf(index); got != want {
			t.Errorf("PageOf(%d) = %d, want %d", index, got, want)
		}
	}
}

func TestStatus_String(t *testing.T) {
	if StatusReloading.String() != "reloading" {
		t.Errorf("String() = %q", StatusReloading.String())
	}
	if Status(99).String() != "status(99)" {
		t.Errorf("String() = %q", Status(99).String())
	}
}
