package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/resilient-pager/pkg/client"
	"github.com/Sternrassler/resilient-pager/pkg/metrics"
	"github.com/Sternrassler/resilient-pager/pkg/pagination"
	"github.com/Sternrassler/resilient-pager/pkg/retry"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Item is one upstream row with its position in the collection.
type Item struct {
	Index int             `json:"index"`
	Data  json.RawMessage `json:"data"`
}

// GlobalIndex implements pagination.Indexed.
func (i Item) GlobalIndex() int { return i.Index }

func mapItems(rows []json.RawMessage, base int) []Item {
	items := make([]Item, len(rows))
	for i, row := range rows {
		items[i] = Item{Index: base + i, Data: row}
	}
	return items
}

type controller = pagination.Controller[json.RawMessage, Item]

// connectivityState is satisfied by *connectivity.Monitor.
type connectivityState interface {
	Connected() (connected, known bool)
}

type server struct {
	ctrl         *controller
	invalidate   func(ctx context.Context) error
	ready        func(ctx context.Context) error
	connectivity connectivityState
	logger       zerolog.Logger
}

type statusResponse struct {
	Status       string `json:"status"`
	CurrentPage  int    `json:"current_page"`
	LastPage     int    `json:"last_page"`
	PageSize     int    `json:"page_size"`
	Total        *int   `json:"total,omitempty"`
	StartIndex   int    `json:"start_index"`
	TargetPage   int    `json:"target_page,omitempty"`
	Items        int    `json:"items"`
	Loading      bool   `json:"loading"`
	Connectivity string `json:"connectivity,omitempty"`
}

type itemsResponse struct {
	Items  []Item `json:"items"`
	Offset int    `json:"offset"`
	Count  int    `json:"count"`
	Total  int    `json:"total"`
}

type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/items", s.handleItems)
	r.Get("/status", s.handleStatus)
	r.Post("/next", s.handleNext)
	r.Post("/reload/{index}", s.handleReload)
	r.Post("/refresh", s.handleRefresh)
	return r
}

// handleReady fails while a configured dependency is unreachable.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleItems serves the collection, optionally windowed by offset and limit.
func (s *server) handleItems(w http.ResponseWriter, r *http.Request) {
	items := s.ctrl.Items()
	total := len(items)

	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid offset"})
		return
	}
	limit, err := queryInt(r, "limit", total)
	if err != nil || limit < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
		return
	}

	start := min(offset, total)
	end := start + min(limit, total-start)
	window := items[start:end]

	writeJSON(w, http.StatusOK, itemsResponse{
		Items:  window,
		Offset: start,
		Count:  len(window),
		Total:  total,
	})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// handleNext loads the next page, or every remaining page with ?all=true.
func (s *server) handleNext(w http.ResponseWriter, r *http.Request) {
	var err error
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		err = s.ctrl.LoadAll(r.Context())
	} else {
		err = s.ctrl.LoadNextPage(r.Context())
	}
	if err != nil {
		s.writeLoadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "index must be an integer"})
		return
	}
	if err := s.ctrl.ReloadIndex(r.Context(), index); err != nil {
		s.writeLoadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

// handleRefresh refetches the first page. ?invalidate=true drops cached
// pages first.
func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if inv, _ := strconv.ParseBool(r.URL.Query().Get("invalidate")); inv && s.invalidate != nil {
		if err := s.invalidate(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("Cache invalidation failed")
		}
	}
	if err := s.ctrl.Refresh(r.Context()); err != nil {
		s.writeLoadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *server) status() statusResponse {
	st := s.ctrl.PageState()
	resp := statusResponse{
		Status:      st.Status.String(),
		CurrentPage: st.CurrentPage,
		LastPage:    st.LastPage,
		PageSize:    st.PageSize,
		Total:       st.TotalCount,
		StartIndex:  st.StartIndex,
		Items:       len(s.ctrl.Items()),
		Loading:     s.ctrl.IsLoading(),
	}
	if st.Status == pagination.StatusReloading {
		resp.TargetPage = st.TargetPage
	}
	if s.connectivity != nil {
		switch connected, known := s.connectivity.Connected(); {
		case !known:
			resp.Connectivity = "unknown"
		case connected:
			resp.Connectivity = "up"
		default:
			resp.Connectivity = "down"
		}
	}
	return resp
}

func (s *server) writeLoadError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, pagination.ErrNoItem):
		status = http.StatusNotFound
	case errors.Is(err, pagination.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, retry.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, retry.ErrCancelled), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}

	s.logger.Warn().
		Err(err).
		Str("request_id", chimw.GetReqID(r.Context())).
		Int("status", status).
		Msg("Load request failed")

	writeJSON(w, status, errorResponse{Error: err.Error(), Class: string(client.ClassOf(err))})
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
