package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/hexfin/loanreview/internal/service"
	"github.com/hexfin/loanreview/model"
)

func startWorkflow(t *testing.T, h *TestHarness) service.StartResult {
	t.Helper()
	resp := h.POST("/api/v1/workflow/start", StartFixture())
	h.AssertStatus(resp, http.StatusCreated)

	var result service.StartResult
	env := h.ParseEnvelope(resp, &result)
	if !env.Success {
		t.Fatalf("start envelope success = false: %s", env.Message)
	}
	return result
}

func assignType(t *testing.T, h *TestHarness, taskNumber, reviewType string) {
	t.Helper()
	resp := h.POST("/api/v1/workflow/assign-type", AssignFixture(taskNumber, reviewType))
	h.AssertStatus(resp, http.StatusOK)
	resp.Body.Close()
}

func TestWorkflowLifecycle_directApproval(t *testing.T) {
	h := NewTestHarness(t)

	result := startWorkflow(t, h)
	assignType(t, h, result.TaskNumber, "LDC")

	resp := h.POST("/api/v1/workflow/next-step", DecisionFixture(result.TaskNumber, "APPROVED", []map[string]string{
		Attr("rate", "APPROVED"),
		Attr("term", "APPROVED"),
	}))
	h.AssertStatus(resp, http.StatusOK)

	var state model.ReviewState
	h.ParseEnvelope(resp, &state)
	if state.Status != model.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", state.Status)
	}
	if state.Decision != model.DecisionApproved {
		t.Errorf("decision = %q, want APPROVED", state.Decision)
	}

	// The downstream system received exactly one update.
	updates := h.Backend.Requests()
	if len(updates) != 1 {
		t.Fatalf("downstream updates = %d, want 1", len(updates))
	}
	if updates[0].Path != "/loans/12345678/status" {
		t.Errorf("update path = %q", updates[0].Path)
	}
	if updates[0].Body["loanDecision"] != "APPROVED" {
		t.Errorf("posted decision = %v, want APPROVED", updates[0].Body["loanDecision"])
	}
	if updates[0].CorrelationID == "" {
		t.Error("downstream update missing correlation ID")
	}
}

func TestWorkflowLifecycle_pendingDecisionLoop(t *testing.T) {
	h := NewTestHarness(t)

	result := startWorkflow(t, h)
	assignType(t, h, result.TaskNumber, "LDC")

	resp := h.POST("/api/v1/workflow/next-step", DecisionFixture(result.TaskNumber, "APPROVED", []map[string]string{
		Attr("rate", "APPROVED"),
		Attr("term", "PENDING_REVIEW"),
	}))
	h.AssertStatus(resp, http.StatusOK)

	var state model.ReviewState
	h.ParseEnvelope(resp, &state)
	if state.Status != model.StatusPendingDecision {
		t.Fatalf("status = %q, want PENDING_DECISION", state.Status)
	}
	if h.Backend.RequestCount() != 0 {
		t.Error("no downstream update should happen while pending")
	}

	// Resubmission with all attributes reviewed completes the workflow.
	resp = h.POST("/api/v1/workflow/next-step", DecisionFixture(result.TaskNumber, "APPROVED", []map[string]string{
		Attr("rate", "APPROVED"),
		Attr("term", "REJECTED"),
	}))
	h.AssertStatus(resp, http.StatusOK)
	h.ParseEnvelope(resp, &state)
	if state.Status != model.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", state.Status)
	}
	if state.Decision != model.DecisionPartiallyApproved {
		t.Errorf("decision = %q, want PARTIALLY_APPROVED", state.Decision)
	}
}

func TestWorkflowLifecycle_reclassConfirmation(t *testing.T) {
	h := NewTestHarness(t)

	result := startWorkflow(t, h)
	assignType(t, h, result.TaskNumber, "Conduit")

	resp := h.POST("/api/v1/workflow/next-step", DecisionFixture(result.TaskNumber, "APPROVED", []map[string]string{
		Attr("collateral", "RECLASS"),
	}))
	h.AssertStatus(resp, http.StatusOK)

	var state model.ReviewState
	h.ParseEnvelope(resp, &state)
	if state.Status != model.StatusWaitingConfirmation {
		t.Fatalf("status = %q, want WAITING_CONFIRMATION", state.Status)
	}
	if h.Backend.RequestCount() != 0 {
		t.Error("no downstream update should happen before confirmation")
	}

	resp = h.POST("/api/v1/workflow/next-step", DecisionFixture(result.TaskNumber, "", nil))
	h.AssertStatus(resp, http.StatusOK)
	h.ParseEnvelope(resp, &state)
	if state.Status != model.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", state.Status)
	}
	if state.Decision != model.DecisionReclassApproved {
		t.Errorf("decision = %q, want RECLASS_APPROVED", state.Decision)
	}
	if h.Backend.RequestCount() != 1 {
		t.Errorf("downstream updates = %d, want 1", h.Backend.RequestCount())
	}
}

func TestWorkflowLifecycle_readEndpoints(t *testing.T) {
	h := NewTestHarness(t)
	result := startWorkflow(t, h)

	resp := h.GET("/api/v1/workflow/REQ-1001/" + result.TaskNumber)
	h.AssertStatus(resp, http.StatusOK)
	var state model.ReviewState
	h.ParseEnvelope(resp, &state)
	if state.Status != model.StatusInitialized {
		t.Errorf("status = %q, want INITIALIZED", state.Status)
	}

	resp = h.GET("/api/v1/loans/12345678/workflows")
	h.AssertStatus(resp, http.StatusOK)
	var states []model.ReviewState
	h.ParseEnvelope(resp, &states)
	if len(states) != 1 {
		t.Errorf("workflows for loan = %d, want 1", len(states))
	}
}

func TestWorkflowLifecycle_idempotentStart(t *testing.T) {
	h := NewTestHarness(t)
	headers := map[string]string{"X-Idempotency-Key": "start-abc"}

	first := h.POSTWithHeaders("/api/v1/workflow/start", StartFixture(), headers)
	h.AssertStatus(first, http.StatusCreated)
	var firstResult service.StartResult
	h.ParseEnvelope(first, &firstResult)

	replay := h.POSTWithHeaders("/api/v1/workflow/start", StartFixture(), headers)
	h.AssertStatus(replay, http.StatusOK)
	var replayResult service.StartResult
	h.ParseEnvelope(replay, &replayResult)

	if replayResult.TaskNumber != firstResult.TaskNumber {
		t.Errorf("replay taskNumber = %q, want %q", replayResult.TaskNumber, firstResult.TaskNumber)
	}

	// Only one workflow exists.
	states, err := h.Store.GetByLoan(context.Background(), "12345678")
	if err != nil {
		t.Fatalf("GetByLoan: %v", err)
	}
	if len(states) != 1 {
		t.Errorf("stored workflows = %d, want 1", len(states))
	}
}

func TestWorkflowLifecycle_readiness(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/readyz")
	h.AssertStatus(resp, http.StatusOK)
	resp.Body.Close()
}
