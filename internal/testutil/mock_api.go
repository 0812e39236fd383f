// Package testutil provides a configurable paginated API server for tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request as seen by the server.
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

type failureRule struct {
	path      string
	query     url.Values
	status    int
	remaining int
}

// MockAPI is a configurable mock API server.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	failures []*failureRule

	requests         []RecordedRequest
	conditionalCount int
}

// NewMockAPI creates and starts a mock server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers: make(map[string]http.HandlerFunc),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

func (m *MockAPI) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
		m.conditionalCount++
	}

	status := 0
	for _, f := range m.failures {
		if f.remaining > 0 && f.path == r.URL.Path && queryMatches(r.URL.Query(), f.query) {
			f.remaining--
			status = f.status
			break
		}
	}
	handler, exists := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":%q}`, http.StatusText(status))
		return
	}

	if !exists {
		http.NotFound(w, r)
		return
	}
	handler(w, r)
}

func queryMatches(got, want url.Values) bool {
	for k := range want {
		if got.Get(k) != want.Get(k) {
			return false
		}
	}
	return true
}

// URL returns the server base URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears recorded requests and counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.conditionalCount = 0
}

// SetHandler sets a handler for a path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse serves a fixed response on a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if resp.Body != "" {
			io.WriteString(w, resp.Body)
		}
	})
}

// FailNext makes the next n requests to path whose query contains every
// key/value of match return status.
func (m *MockAPI) FailNext(path string, match url.Values, status, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, &failureRule{path: path, query: match, status: status, remaining: n})
}

// Requests returns a copy of all recorded requests.
func (m *MockAPI) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount returns the number of requests received.
func (m *MockAPI) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// CountWhere returns the number of requests to path whose query has key=value.
func (m *MockAPI) CountWhere(path, key, value string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Path == path && r.Query.Get(key) == value {
			n++
		}
	}
	return n
}

// ConditionalCount returns the number of conditional requests.
func (m *MockAPI) ConditionalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conditionalCount
}

// Record is the fixture record shape.
type Record struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Records returns n records with consecutive IDs from start.
func Records(start, n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{ID: start + i, Name: fmt.Sprintf("item-%04d", start+i)}
	}
	return out
}

// TokenPaged serves pages of the given sizes on path, linked by next tokens
// "p1", "p2", ... in the "next" field. Requests carry the token in page_token.
func (m *MockAPI) TokenPaged(path string, sizes ...int) {
	total := 0
	for _, s := range sizes {
		total += s
	}
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page := 0
		if tok := r.URL.Query().Get("page_token"); tok != "" {
			n, err := strconv.Atoi(tok[1:])
			if err != nil || tok[0] != 'p' || n >= len(sizes) {
				http.Error(w, `{"error":"bad token"}`, http.StatusBadRequest)
				return
			}
			page = n
		}

		start := 0
		for _, s := range sizes[:page] {
			start += s
		}
		body := map[string]any{
			"items": Records(start, sizes[page]),
			"total": total,
			"next":  nil,
		}
		if page+1 < len(sizes) {
			body["next"] = fmt.Sprintf("p%d", page+1)
		}
		writeJSON(w, body)
	})
}

// OffsetOptions configures OffsetPaged.
type OffsetOptions struct {
	// OffsetParam defaults to "offset", LimitParam to "limit".
	OffsetParam string
	LimitParam  string
	// PageNumbers treats the offset parameter as a 1-based page number.
	PageNumbers bool
	// MaxDelay adds a per-page delay, varying by offset, to shuffle completion order.
	MaxDelay time.Duration
}

// OffsetPaged serves total records on path addressed by offset and limit.
// The body is a bare JSON array.
func (m *MockAPI) OffsetPaged(path string, total int, opts OffsetOptions) {
	if opts.OffsetParam == "" {
		opts.OffsetParam = "offset"
	}
	if opts.LimitParam == "" {
		opts.LimitParam = "limit"
	}
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := strconv.Atoi(q.Get(opts.LimitParam))
		if err != nil || limit <= 0 {
			http.Error(w, `{"error":"limit required"}`, http.StatusBadRequest)
			return
		}
		offset, _ := strconv.Atoi(q.Get(opts.OffsetParam))
		if opts.PageNumbers {
			offset = (offset - 1) * limit
		}
		if offset < 0 {
			http.Error(w, `{"error":"bad offset"}`, http.StatusBadRequest)
			return
		}

		if opts.MaxDelay > 0 {
			// later pages answer faster
			steps := int64(offset/limit%7) + 1
			time.Sleep(opts.MaxDelay / time.Duration(steps))
		}

		end := offset + limit
		if end > total {
			end = total
		}
		records := []Record{}
		if offset < total {
			records = Records(offset, end-offset)
		}
		writeJSON(w, records)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
