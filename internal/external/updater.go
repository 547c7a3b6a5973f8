// Package external applies determined loan decisions to the downstream
// servicing system. The concrete integration sits behind the Updater
// interface and is guarded by a circuit breaker.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hexfin/loanreview/internal/observability"
	"github.com/hexfin/loanreview/model"
)

// Updater applies a determined decision to the downstream system.
type Updater interface {
	Apply(ctx context.Context, state model.ReviewState) error
}

// updatePayload is the wire format sent to the downstream system.
type updatePayload struct {
	RequestNumber string                `json:"requestNumber"`
	TaskNumber    string                `json:"taskNumber"`
	LoanNumber    string                `json:"loanNumber"`
	Decision      model.DecisionStatus  `json:"loanDecision"`
	Attributes    []model.LoanAttribute `json:"attributes,omitempty"`
	CorrelationID string                `json:"correlationId"`
}

// HTTPUpdater posts decision updates to the downstream system over HTTP.
type HTTPUpdater struct {
	baseURL string
	client  *http.Client
}

// NewHTTPUpdater creates an HTTP updater for the given base URL.
func NewHTTPUpdater(baseURL string, timeout time.Duration) *HTTPUpdater {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPUpdater{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Apply posts the decision to the downstream loan status endpoint.
func (u *HTTPUpdater) Apply(ctx context.Context, state model.ReviewState) error {
	body, err := json.Marshal(updatePayload{
		RequestNumber: state.RequestNumber,
		TaskNumber:    state.TaskNumber,
		LoanNumber:    state.LoanNumber,
		Decision:      state.Decision,
		Attributes:    state.Attributes,
		CorrelationID: state.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("marshal update payload: %w", err)
	}

	url := u.baseURL + "/loans/" + state.LoanNumber + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", state.CorrelationID)
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("downstream update: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("downstream update returned status %d", resp.StatusCode)
	}
	return nil
}

// LogUpdater logs the update and succeeds. Used when no downstream base URL
// is configured (local development and tests).
type LogUpdater struct {
	logger *zap.Logger
}

// NewLogUpdater creates a logging updater.
func NewLogUpdater(logger *zap.Logger) *LogUpdater {
	return &LogUpdater{logger: logger}
}

// Apply logs the decision update.
func (u *LogUpdater) Apply(_ context.Context, state model.ReviewState) error {
	u.logger.Info("applying decision to downstream system",
		zap.String("request_number", state.RequestNumber),
		zap.String("task_number", state.TaskNumber),
		zap.String("loan_number", state.LoanNumber),
		zap.String("decision", string(state.Decision)),
	)
	return nil
}

// Guarded wraps an Updater with a circuit breaker. All failures surface as
// retryable EXTERNAL_SYSTEM_ERROR envelopes so the workflow engine can apply
// its retry policy; the caller leaves status unchanged on failure.
type Guarded struct {
	inner   Updater
	breaker *CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewGuarded creates a circuit-breaker guarded updater. metrics may be nil.
func NewGuarded(inner Updater, breaker *CircuitBreaker, logger *zap.Logger, metrics *observability.Metrics) *Guarded {
	return &Guarded{inner: inner, breaker: breaker, logger: logger, metrics: metrics}
}

// Apply calls the inner updater if the breaker allows it.
func (g *Guarded) Apply(ctx context.Context, state model.ReviewState) error {
	if err := g.breaker.Allow(); err != nil {
		g.logger.Warn("downstream update rejected by circuit breaker",
			zap.String("task_number", state.TaskNumber),
		)
		g.observe("rejected", 0)
		return model.NewExternalSystemError("downstream system unavailable: circuit breaker open")
	}

	start := time.Now()
	err := g.inner.Apply(ctx, state)
	elapsed := time.Since(start)

	if err != nil {
		g.breaker.RecordFailure()
		g.observe("failure", elapsed)
		g.logger.Warn("downstream update failed",
			zap.String("task_number", state.TaskNumber),
			zap.Error(err),
		)
		return model.NewExternalSystemError(err.Error())
	}

	g.breaker.RecordSuccess()
	g.observe("success", elapsed)
	return nil
}

// State exposes the breaker state for readiness diagnostics.
func (g *Guarded) State() BreakerState {
	return g.breaker.State()
}

func (g *Guarded) observe(status string, elapsed time.Duration) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordExternalUpdate(status, elapsed)
	g.metrics.SetCircuitBreakerState(float64(g.breaker.State()))
}
