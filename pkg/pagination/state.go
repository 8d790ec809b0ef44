package pagination

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a PageState transition is not
// allowed from the current status.
var ErrInvalidTransition = errors.New("invalid page state transition")

// Status is the pagination FSM status.
type Status int

const (
	// StatusEmpty is the initial status before any page was loaded.
	StatusEmpty Status = iota

	// StatusNext means another page can be requested.
	StatusNext

	// StatusLocked means a forward fetch is outstanding.
	StatusLocked

	// StatusReloading means a known page window is being refetched.
	StatusReloading

	// StatusEnd means the last page has been loaded.
	StatusEnd
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusNext:
		return "next"
	case StatusLocked:
		return "locked"
	case StatusReloading:
		return "reloading"
	case StatusEnd:
		return "end"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Meta is the pagination metadata returned with every page.
type Meta struct {
	CurrentPage int
	LastPage    int
	PageSize    int
	Total       *int
}

// PageState is an immutable pagination descriptor. Every transition returns
// a new value; a PageState is never modified in place.
type PageState struct {
	CurrentPage int
	FirstPage   int
	LastPage    int
	PageSize    int
	TotalCount  *int

	// StartIndex is CurrentPage * PageSize: the number of items covered by
	// pages up to and including CurrentPage.
	StartIndex int

	Status Status

	// TargetPage is the page being refetched while Status is StatusReloading.
	TargetPage int

	// resume is the status restored when a lock ends without new data.
	resume Status
}

// EmptyState returns the initial state.
func EmptyState() PageState {
	return PageState{FirstPage: 1, Status: StatusEmpty}
}

// FromMeta builds the state described by a server response.
// The status is End when the current page is the last page, Next otherwise.
func FromMeta(m Meta) PageState {
	s := PageState{
		CurrentPage: m.CurrentPage,
		FirstPage:   1,
		LastPage:    m.LastPage,
		PageSize:    m.PageSize,
		StartIndex:  m.CurrentPage * m.PageSize,
		Status:      StatusNext,
	}
	if m.Total != nil {
		total := *m.Total
		s.TotalCount = &total
	}
	if m.CurrentPage >= m.LastPage {
		s.Status = StatusEnd
	}
	return s
}

// CanLoadNext reports whether a forward fetch may start.
func (s PageState) CanLoadNext() bool {
	return s.Status == StatusEmpty || s.Status == StatusNext
}

// Busy reports whether a fetch is outstanding.
func (s PageState) Busy() bool {
	return s.Status == StatusLocked || s.Status == StatusReloading
}

// NextPage is the page a forward fetch requests.
func (s PageState) NextPage() int {
	return s.CurrentPage + 1
}

// WindowStart returns the global index of the first item of page.
func (s PageState) WindowStart(page int) int {
	if page < 1 {
		return 0
	}
	return (page - 1) * s.PageSize
}

// PageOf returns the page holding the item at the global index.
func (s PageState) PageOf(index int) int {
	if s.PageSize <= 0 || index < 0 {
		return 0
	}
	return index/s.PageSize + 1
}

// Lock enters Locked ahead of a forward fetch. Allowed from Empty and Next.
func (s PageState) Lock() (PageState, error) {
	if !s.CanLoadNext() {
		return s, fmt.Errorf("%w: lock from %s", ErrInvalidTransition, s.Status)
	}
	next := s
	next.resume = s.Status
	next.Status = StatusLocked
	return next, nil
}

// Restart enters Locked ahead of refetching the first page. Unlike Lock it
// is also allowed from End.
func (s PageState) Restart() (PageState, error) {
	if s.Busy() {
		return s, fmt.Errorf("%w: restart from %s", ErrInvalidTransition, s.Status)
	}
	next := s
	next.resume = s.Status
	next.Status = StatusLocked
	return next, nil
}

// Reload enters Reloading for a page that has already been loaded.
// Allowed from Next and End.
func (s PageState) Reload(target int) (PageState, error) {
	if s.Status != StatusNext && s.Status != StatusEnd {
		return s, fmt.Errorf("%w: reload from %s", ErrInvalidTransition, s.Status)
	}
	if target < s.FirstPage || target > s.CurrentPage {
		return s, fmt.Errorf("%w: page %d not loaded (have %d-%d)", ErrInvalidTransition, target, s.FirstPage, s.CurrentPage)
	}
	next := s
	next.resume = s.Status
	next.Status = StatusReloading
	next.TargetPage = target
	return next, nil
}

// Unlock leaves Locked or Reloading after a failed fetch. A failed forward
// fetch returns to Next (End if the lock was taken from End); a failed
// reload restores the status it was entered from.
func (s PageState) Unlock() PageState {
	next := s
	switch s.Status {
	case StatusLocked:
		next.Status = StatusNext
		if s.resume == StatusEnd {
			next.Status = StatusEnd
		}
	case StatusReloading:
		next.Status = s.resume
		next.TargetPage = 0
	default:
		return s
	}
	next.resume = StatusEmpty
	return next
}

// Resolve produces the state after a successful fetch returned m.
// A resolved reload keeps the forward cursor: the current page never moves
// backwards because an earlier window was refreshed.
func (s PageState) Resolve(m Meta) PageState {
	if s.Status != StatusReloading {
		return FromMeta(m)
	}
	if m.CurrentPage < s.CurrentPage {
		m.CurrentPage = s.CurrentPage
	}
	if m.PageSize == 0 {
		m.PageSize = s.PageSize
	}
	return FromMeta(m)
}

// Exhaust ends the list after a successful fetch that carried no content.
// A reload that returned no content restores its prior status instead.
func (s PageState) Exhaust() PageState {
	if s.Status == StatusReloading {
		return s.Unlock()
	}
	next := s
	next.Status = StatusEnd
	next.resume = StatusEmpty
	if next.LastPage < next.CurrentPage {
		next.LastPage = next.CurrentPage
	}
	return next
}
