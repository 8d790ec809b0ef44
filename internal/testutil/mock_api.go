// Package testutil provides a mock paged JSON API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse overrides the reply for one request.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI serves a list of items as pages:
//
//	GET <path>?page=N&per_page=M -> {"data":[...],"meta":{...}}
//
// Pages after the last one answer 204 No Content. Every page carries an
// ETag derived from its content and honours If-None-Match.
type MockAPI struct {
	server *httptest.Server

	mu        sync.Mutex
	path      string
	items     []json.RawMessage
	pageSize  int
	overrides []MockResponse
	drops     int
	remaining int

	// Tracking
	RequestCount      int
	ConditionalCount  int
	PagesRequested    []int
	LastRequestHeader http.Header
}

// NewMockAPI serves items under path with a default page size.
func NewMockAPI(path string, pageSize int, items ...any) *MockAPI {
	m := &MockAPI{path: path, pageSize: pageSize, remaining: -1}
	m.SetItems(items...)
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetItems replaces the served items. Each item is JSON encoded.
func (m *MockAPI) SetItems(items ...any) {
	raw := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			panic(fmt.Sprintf("testutil: marshal item: %v", err))
		}
		raw = append(raw, b)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = raw
}

// Enqueue makes the next requests answer with the given responses, in order.
func (m *MockAPI) Enqueue(resp ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, resp...)
}

// DropConnections makes the next n requests close the connection without a response.
func (m *MockAPI) DropConnections(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops = n
}

// SetRateLimitRemaining adds X-RateLimit headers to every reply. A negative
// value removes them.
func (m *MockAPI) SetRateLimitRemaining(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaining = n
}

// Requests returns the number of requests received.
func (m *MockAPI) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// Conditionals returns the number of conditional requests received.
func (m *MockAPI) Conditionals() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConditionalCount
}

// LastHeader returns the headers of the most recent request.
func (m *MockAPI) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastRequestHeader.Clone()
}

// Pages returns the page numbers requested so far.
func (m *MockAPI) Pages() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.PagesRequested...)
}

func (m *MockAPI) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	if r.Header.Get("If-None-Match") != "" {
		m.ConditionalCount++
	}

	if m.drops > 0 {
		m.drops--
		m.mu.Unlock()
		hijack(w)
		return
	}

	if m.remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(m.remaining))
		w.Header().Set("X-RateLimit-Reset", "60")
	}

	if len(m.overrides) > 0 {
		resp := m.overrides[0]
		m.overrides = m.overrides[1:]
		m.mu.Unlock()
		writeOverride(w, resp)
		return
	}

	if r.URL.Path != m.path {
		m.mu.Unlock()
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	page := queryInt(r, "page", 1)
	size := queryInt(r, "per_page", m.pageSize)
	m.PagesRequested = append(m.PagesRequested, page)
	body, ok := m.pageBody(page, size)
	m.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	etag := etagOf(body)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "max-age=300")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// pageBody renders a page; ok is false for pages after the last one.
func (m *MockAPI) pageBody(page, size int) ([]byte, bool) {
	if size < 1 {
		size = 1
	}
	total := len(m.items)
	last := (total + size - 1) / size
	if last == 0 {
		last = 1
	}
	if page < 1 || page > last {
		return nil, false
	}

	start := (page - 1) * size
	end := min(start+size, total)

	payload := map[string]any{
		"data": m.items[start:end],
		"meta": map[string]int{
			"current_page": page,
			"last_page":    last,
			"per_page":     size,
			"total":        total,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal page: %v", err))
	}
	return body, true
}

func writeOverride(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func hijack(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("testutil: response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func queryInt(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return fallback
	}
	return v
}

func etagOf(body []byte) string {
	h := fnv.New64a()
	h.Write(body)
	return fmt.Sprintf(`"%x"`, h.Sum64())
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
			"Retry-After":  "30",
		},
	}
}

// NewNotFoundResponse creates a 404 response with a message field.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"message": "No such list"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewMalformedResponse creates a 200 response whose body is not a page.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"data": [`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
