package pagination

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Sternrassler/resilient-pager/pkg/inflight"
	"github.com/Sternrassler/resilient-pager/pkg/retry"
	"github.com/Sternrassler/resilient-pager/pkg/signal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for page loads.
var (
	pageLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pager_page_loads_total",
		Help: "Page loads by kind (next, reload, refresh) and outcome",
	}, []string{"kind", "outcome"})

	pageLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pager_page_load_duration_seconds",
		Help:    "Page load duration including reconnect waits",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 60},
	}, []string{"kind"})
)

var (
	// ErrNoItem is returned when a reload names an index outside the collection.
	ErrNoItem = errors.New("no item at index")

	// ErrBusy is returned by LoadAll when another load holds the lock.
	ErrBusy = errors.New("page load already in progress")

	// ErrStalled is returned by LoadAll when a load does not advance the cursor.
	ErrStalled = errors.New("page cursor did not advance")
)

const (
	kindNext    = "next"
	kindReload  = "reload"
	kindRefresh = "refresh"
)

// Page is one page of raw rows as returned by a FetchFunc.
type Page[R any] struct {
	Rows []R
	Meta Meta

	// NoContent marks a successful response without payload (HTTP 204).
	NoContent bool
}

// FetchFunc fetches one page by number.
type FetchFunc[R any] func(ctx context.Context, page int) (Page[R], error)

// Mapper converts raw rows into models. baseIndex is the global index of rows[0].
type Mapper[R, M any] interface {
	Map(rows []R, baseIndex int) []M
}

// MapperFunc adapts a function to Mapper.
type MapperFunc[R, M any] func(rows []R, baseIndex int) []M

// Map implements Mapper.
func (f MapperFunc[R, M]) Map(rows []R, baseIndex int) []M { return f(rows, baseIndex) }

// Indexed is implemented by models that remember their global index.
type Indexed interface {
	GlobalIndex() int
}

// Config holds controller configuration.
type Config struct {
	// Name identifies the controller in logs.
	Name string

	// Retrier wraps every fetch. Defaults to retry.New(retry.DefaultConfig()).
	Retrier *retry.Retrier

	// Counter tracks outstanding fetches. Share one counter between
	// controllers for an application-wide loading indicator.
	Counter *inflight.Counter

	Logger zerolog.Logger
}

// DefaultConfig returns a configuration with its own counter and the default retrier.
func DefaultConfig(name string) Config {
	return Config{
		Name:    name,
		Retrier: retry.New(retry.DefaultConfig()),
		Counter: inflight.New(name),
		Logger:  log.With().Str("component", "pagination").Str("controller", name).Logger(),
	}
}

// Controller drives forward pagination and window reloads over an item collection.
//
// All loads are serialized by the Locked/Reloading gate: a LoadNextPage or
// Reload issued while another load is outstanding is dropped. Subscriber
// callbacks must not call back into the controller synchronously.
type Controller[R any, M Indexed] struct {
	name    string
	fetch   FetchFunc[R]
	mapper  Mapper[R, M]
	retrier *retry.Retrier
	counter *inflight.Counter
	logger  zerolog.Logger

	emitMu sync.Mutex // orders state mutations with their delivery

	mu    sync.Mutex
	state PageState
	items []M

	stateSignal *signal.Signal[PageState]
	itemsSignal *signal.Signal[[]M]
}

// NewController creates a Controller in the Empty state.
func NewController[R any, M Indexed](fetch FetchFunc[R], mapper Mapper[R, M], cfg Config) (*Controller[R, M], error) {
	if fetch == nil {
		return nil, fmt.Errorf("fetch func is required")
	}
	if mapper == nil {
		return nil, fmt.Errorf("mapper is required")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Retrier == nil {
		cfg.Retrier = retry.New(retry.DefaultConfig())
	}
	if cfg.Counter == nil {
		cfg.Counter = inflight.New(cfg.Name)
	}

	initial := EmptyState()
	return &Controller[R, M]{
		name:        cfg.Name,
		fetch:       fetch,
		mapper:      mapper,
		retrier:     cfg.Retrier,
		counter:     cfg.Counter,
		logger:      cfg.Logger,
		state:       initial,
		stateSignal: signal.New(signal.WithInitial(initial)),
		itemsSignal: signal.New(signal.WithInitial([]M{})),
	}, nil
}

// LoadNextPage fetches the page after the current one and appends it.
// It is a silent no-op (nil error) while another load is outstanding or
// after the last page.
func (c *Controller[R, M]) LoadNextPage(ctx context.Context) error {
	var page int
	ok := c.transition(func(s PageState) (PageState, bool) {
		locked, err := s.Lock()
		if err != nil {
			return s, false
		}
		page = s.NextPage()
		return locked, true
	})
	if !ok {
		c.logger.Debug().Str("status", c.PageState().Status.String()).Msg("Load next page dropped")
		pageLoadsTotal.WithLabelValues(kindNext, "dropped").Inc()
		return nil
	}
	return c.load(ctx, kindNext, page)
}

// Refresh refetches the first page and replaces the collection.
// Dropped while another load is outstanding.
func (c *Controller[R, M]) Refresh(ctx context.Context) error {
	ok := c.transition(func(s PageState) (PageState, bool) {
		locked, err := s.Restart()
		return locked, err == nil
	})
	if !ok {
		pageLoadsTotal.WithLabelValues(kindRefresh, "dropped").Inc()
		return nil
	}
	return c.load(ctx, kindRefresh, 1)
}

// Reload refetches the page window that contains item.
func (c *Controller[R, M]) Reload(ctx context.Context, item M) error {
	return c.ReloadIndex(ctx, item.GlobalIndex())
}

// ReloadIndex refetches the page window that contains the item at the
// global index and splices the result into the collection.
// Dropped while another load is outstanding.
func (c *Controller[R, M]) ReloadIndex(ctx context.Context, index int) error {
	var (
		page   int
		reject error
	)
	ok := c.transition(func(s PageState) (PageState, bool) {
		if s.Busy() {
			return s, false
		}
		if index < 0 || index >= len(c.items) {
			reject = fmt.Errorf("%w %d (have %d)", ErrNoItem, index, len(c.items))
			return s, false
		}
		page = s.PageOf(index)
		reloading, err := s.Reload(page)
		if err != nil {
			reject = err
			return s, false
		}
		return reloading, true
	})
	if reject != nil {
		return reject
	}
	if !ok {
		c.logger.Warn().Int("index", index).Msg("Reload dropped, load in progress")
		pageLoadsTotal.WithLabelValues(kindReload, "dropped").Inc()
		return nil
	}
	return c.load(ctx, kindReload, page)
}

// LoadAll loads forward until the last page.
func (c *Controller[R, M]) LoadAll(ctx context.Context) error {
	for {
		s := c.PageState()
		switch {
		case s.Status == StatusEnd:
			return nil
		case s.Busy():
			return ErrBusy
		}
		if err := c.LoadNextPage(ctx); err != nil {
			return err
		}
		after := c.PageState()
		if after.Status == StatusNext && after.CurrentPage <= s.CurrentPage {
			c.logger.Error().
				Int("before", s.CurrentPage).
				Int("after", after.CurrentPage).
				Int("last_page", after.LastPage).
				Msg("Load all stopped, server repeated a page")
			return fmt.Errorf("%w: page %d after page %d", ErrStalled, after.CurrentPage, s.CurrentPage)
		}
	}
}

// PageState returns the current state.
func (c *Controller[R, M]) PageState() PageState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Items returns a copy of the collection.
func (c *Controller[R, M]) Items() []M {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

// IsLoading reports whether the controller's counter has outstanding fetches.
func (c *Controller[R, M]) IsLoading() bool {
	return c.counter.Busy()
}

// SubscribeItems delivers the full collection after every merge, starting
// with the current collection.
func (c *Controller[R, M]) SubscribeItems(fn func([]M)) (unsubscribe func()) {
	return c.itemsSignal.Subscribe(fn)
}

// SubscribePageState delivers every state transition, starting with the current state.
func (c *Controller[R, M]) SubscribePageState(fn func(PageState)) (unsubscribe func()) {
	return c.stateSignal.Subscribe(fn)
}

// SubscribeLoading delivers busy changes of the controller's counter.
func (c *Controller[R, M]) SubscribeLoading(fn func(bool)) (unsubscribe func()) {
	return c.counter.Subscribe(fn)
}

// load runs the fetch for page through the retrier while holding one
// counter acquisition, then resolves the locked state.
func (c *Controller[R, M]) load(ctx context.Context, kind string, page int) error {
	release := c.counter.Acquire()
	defer release()

	start := time.Now()
	result, err := retry.Value(ctx, c.retrier, func(ctx context.Context) (Page[R], error) {
		return c.fetch(ctx, page)
	})
	pageLoadDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if err != nil {
		c.transition(func(s PageState) (PageState, bool) {
			return s.Unlock(), true
		})
		pageLoadsTotal.WithLabelValues(kind, "error").Inc()
		c.logger.Error().Err(err).Str("kind", kind).Int("page", page).Msg("Page load failed")
		return fmt.Errorf("load page %d: %w", page, err)
	}

	c.merge(result)
	pageLoadsTotal.WithLabelValues(kind, "ok").Inc()
	c.logger.Info().
		Str("kind", kind).
		Int("page", page).
		Int("rows", len(result.Rows)).
		Bool("no_content", result.NoContent).
		Dur("duration", time.Since(start)).
		Msg("Page loaded")
	return nil
}

// merge folds a successful page into the collection.
func (c *Controller[R, M]) merge(result Page[R]) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	prev := c.state

	if result.NoContent {
		c.state = prev.Exhaust()
		state := c.state
		c.mu.Unlock()
		c.stateSignal.Publish(state)
		return
	}

	next := prev.Resolve(result.Meta)
	switch {
	case prev.Status == StatusReloading:
		base := next.WindowStart(prev.TargetPage)
		c.items = splice(c.items, base, next.PageSize, c.mapper.Map(result.Rows, base))
	case result.Meta.CurrentPage == 0 || result.Meta.CurrentPage == next.FirstPage:
		c.items = c.mapper.Map(result.Rows, 0)
	default:
		base := next.WindowStart(result.Meta.CurrentPage)
		c.items = append(c.items, c.mapper.Map(result.Rows, base)...)
	}
	c.state = next

	items := slices.Clone(c.items)
	c.mu.Unlock()

	c.logger.Debug().
		Str("from", prev.Status.String()).
		Str("to", next.Status.String()).
		Int("current_page", next.CurrentPage).
		Int("items", len(items)).
		Msg("Page merged")

	c.stateSignal.Publish(next)
	c.itemsSignal.Publish(items)
}

// transition applies fn to the state under the lock and publishes the
// result when fn reports a change.
func (c *Controller[R, M]) transition(fn func(PageState) (PageState, bool)) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	next, changed := fn(c.state)
	if changed {
		c.state = next
	}
	c.mu.Unlock()

	if changed {
		c.stateSignal.Publish(next)
	}
	return changed
}

// splice replaces items[start:start+size] with rows, trimming the window to
// the collection's length.
func splice[M any](items []M, start, size int, rows []M) []M {
	if start > len(items) {
		start = len(items)
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	out := make([]M, 0, len(items)-(end-start)+len(rows))
	out = append(out, items[:start]...)
	out = append(out, rows...)
	out = append(out, items[end:]...)
	return out
}
