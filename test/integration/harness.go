// Package integration provides a reusable test harness for end-to-end
// testing of the loan review coordinator. It starts a full HTTP server with
// an in-memory state store, the in-process workflow engine, and a mock
// downstream servicing backend.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hexfin/loanreview/internal/config"
	"github.com/hexfin/loanreview/internal/dispatch"
	"github.com/hexfin/loanreview/internal/engine"
	"github.com/hexfin/loanreview/internal/external"
	"github.com/hexfin/loanreview/internal/idempotency"
	"github.com/hexfin/loanreview/internal/observability"
	"github.com/hexfin/loanreview/internal/service"
	"github.com/hexfin/loanreview/internal/store"
	"github.com/hexfin/loanreview/internal/transport"
)

// TestHarness encapsulates a fully wired coordinator instance for
// integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	Backend     *MockBackend
	Store       *store.MemoryStore
	Idempotency *idempotency.MemoryStore

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*config.Config)

// WithMaxAttempts sets the engine's downstream retry budget.
func WithMaxAttempts(n int) HarnessOption {
	return func(cfg *config.Config) {
		cfg.Engine.MaxAttempts = n
	}
}

// WithRetryBackoff sets the delay between downstream update attempts.
func WithRetryBackoff(d time.Duration) HarnessOption {
	return func(cfg *config.Config) {
		cfg.Engine.RetryBackoff = d
	}
}

// WithBreakerThresholds sets the downstream circuit breaker thresholds.
func WithBreakerThresholds(failures, successes int, timeout time.Duration) HarnessOption {
	return func(cfg *config.Config) {
		cfg.External.CircuitBreaker = config.CircuitBreakerConfig{
			FailureThreshold: failures,
			SuccessThreshold: successes,
			Timeout:          timeout,
		}
	}
}

// WithMaxPayloadSize sets the request body size limit.
func WithMaxPayloadSize(n int) HarnessOption {
	return func(cfg *config.Config) {
		cfg.Validation.MaxPayloadSize = n
	}
}

// NewTestHarness creates and starts a full coordinator test instance. The
// server and the mock backend are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	backend := newMockBackend(t)

	cfg := config.Defaults()
	cfg.External.BaseURL = backend.URL()
	cfg.Engine.RetryBackoff = time.Millisecond
	for _, opt := range opts {
		opt(cfg)
	}

	logger := zap.NewNop()
	st := store.NewMemoryStore()
	idem := idempotency.NewMemoryStore()

	breaker := external.NewCircuitBreaker(
		cfg.External.CircuitBreaker.FailureThreshold,
		cfg.External.CircuitBreaker.SuccessThreshold,
		cfg.External.CircuitBreaker.Timeout,
	)
	updater := external.NewGuarded(
		external.NewHTTPUpdater(cfg.External.BaseURL, cfg.External.Timeout),
		breaker, logger, nil,
	)

	dispatcher := dispatch.New(st, updater, logger, nil, cfg.Store.RetentionTTL)
	eng := engine.NewLocal(dispatcher, st, logger, nil, engine.LocalOptions{
		DefinitionRef: cfg.Engine.DefinitionRef,
		MaxAttempts:   cfg.Engine.MaxAttempts,
		RetryBackoff:  cfg.Engine.RetryBackoff,
	})

	validator, err := service.NewValidator(cfg.Validation, nil)
	if err != nil {
		t.Fatalf("build validator: %v", err)
	}
	svc := service.New(st, eng, validator, logger, nil)
	handlers := transport.NewHandlers(svc, dispatcher, idem, cfg.Idempotency.DefaultTTL, logger, nil)

	router := transport.NewRouter(transport.Dependencies{
		Config:   cfg,
		Handlers: handlers,
		Logger:   logger,
		Ready:    observability.ReadinessChecks{StateStore: st, IdempotencyStore: idem},
	})

	h := &TestHarness{
		t:           t,
		Backend:     backend,
		Store:       st,
		Idempotency: idem,
		cfg:         cfg,
	}
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseEnvelope reads the response body and unmarshals the envelope, with
// Data decoded into target when target is non-nil.
func (h *TestHarness) ParseEnvelope(resp *http.Response, target any) transport.Envelope {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}

	var env struct {
		transport.Envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		h.t.Fatalf("unmarshal envelope: %v\nbody: %s", err, string(data))
	}
	if target != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, target); err != nil {
			h.t.Fatalf("unmarshal envelope data: %v\ndata: %s", err, string(env.Data))
		}
	}
	return env.Envelope
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(resp *http.Response, expected int) {
	h.t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		h.t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// --- Request fixtures ---

// StartFixture returns a valid workflow start request body.
func StartFixture() map[string]any {
	return map[string]any{
		"requestNumber": "REQ-1001",
		"loanNumber":    "12345678",
		"requestType":   "LDC",
	}
}

// AssignFixture returns a valid assign-type request body.
func AssignFixture(taskNumber, reviewType string) map[string]any {
	return map[string]any{
		"requestNumber": "REQ-1001",
		"taskNumber":    taskNumber,
		"loanNumber":    "12345678",
		"reviewType":    reviewType,
	}
}

// DecisionFixture returns a valid next-step request body.
func DecisionFixture(taskNumber, decision string, attributes []map[string]string) map[string]any {
	return map[string]any{
		"requestNumber": "REQ-1001",
		"taskNumber":    taskNumber,
		"loanNumber":    "12345678",
		"loanDecision":  decision,
		"attributes":    attributes,
	}
}

// Attr builds one attribute entry.
func Attr(name, status string) map[string]string {
	return map[string]string{"attributeName": name, "attributeStatus": status}
}
