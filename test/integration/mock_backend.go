package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// UpdateRequest is one decision update received by the mock downstream
// servicing system.
type UpdateRequest struct {
	Path          string
	CorrelationID string
	Body          map[string]any
}

// MockBackend emulates the downstream servicing system's loan status
// endpoint. It records every update and can be told to fail upcoming calls.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	requests     []UpdateRequest
	failuresLeft int
}

func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()
	mb := &MockBackend{t: t}
	mb.server = httptest.NewServer(http.HandlerFunc(mb.handle))
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the mock backend's base URL.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// FailNext makes the next n update calls return 500.
func (mb *MockBackend) FailNext(n int) {
	mb.mu.Lock()
	mb.failuresLeft = n
	mb.mu.Unlock()
}

// Requests returns a copy of all received updates.
func (mb *MockBackend) Requests() []UpdateRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]UpdateRequest, len(mb.requests))
	copy(out, mb.requests)
	return out
}

// RequestCount returns the number of update calls received, including
// failed ones.
func (mb *MockBackend) RequestCount() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.requests)
}

func (mb *MockBackend) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/loans/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	mb.mu.Lock()
	mb.requests = append(mb.requests, UpdateRequest{
		Path:          r.URL.Path,
		CorrelationID: r.Header.Get("X-Correlation-Id"),
		Body:          body,
	})
	fail := mb.failuresLeft > 0
	if fail {
		mb.failuresLeft--
	}
	mb.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
