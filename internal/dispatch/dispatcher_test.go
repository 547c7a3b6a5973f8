package dispatch

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hexfin/loanreview/internal/external"
	"github.com/hexfin/loanreview/internal/store"
	"github.com/hexfin/loanreview/model"
)

const (
	testRequest = "REQ-1001"
	testTask    = "TSK-0A1B2C3D"
	testLoan    = "12345678"
)

func newDispatcher(t *testing.T) (*Dispatcher, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	d := New(st, external.NewLogUpdater(zap.NewNop()), zap.NewNop(), nil, 30*24*time.Hour)
	return d, st
}

func initTask() Task {
	return Task{
		Action:        ActionInitializeState,
		RequestNumber: testRequest,
		TaskNumber:    testTask,
		LoanNumber:    testLoan,
		CorrelationID: "corr-1",
	}
}

func mustDispatch(t *testing.T, d *Dispatcher, task Task) Result {
	t.Helper()
	res, err := d.Dispatch(context.Background(), task)
	if err != nil {
		t.Fatalf("Dispatch(%s) error = %v", task.Action, err)
	}
	return res
}

func advanceToPending(t *testing.T, d *Dispatcher, attrs []model.LoanAttribute, submitted model.DecisionStatus) Result {
	t.Helper()
	mustDispatch(t, d, initTask())
	mustDispatch(t, d, Task{
		Action: ActionRecordClassification, RequestNumber: testRequest,
		TaskNumber: testTask, ReviewType: "LDC",
	})
	return mustDispatch(t, d, Task{
		Action: ActionCheckPending, RequestNumber: testRequest, TaskNumber: testTask,
		Decision: submitted, Attributes: attrs,
	})
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{
		"INITIALIZE_STATE", "RECORD_CLASSIFICATION", "CHECK_PENDING",
		"DETERMINE_STATUS", "UPDATE_EXTERNAL", "FINALIZE_AUDIT",
	} {
		if _, err := ParseAction(s); err != nil {
			t.Errorf("ParseAction(%q) error = %v", s, err)
		}
	}

	_, err := ParseAction("DO_STUFF")
	if err == nil {
		t.Fatal("ParseAction should reject unknown actions")
	}
	if model.CodeOf(err) != model.ErrValidation {
		t.Errorf("error code = %q, want VALIDATION_ERROR", model.CodeOf(err))
	}
}

func TestInitializeState_createsRecord(t *testing.T) {
	d, st := newDispatcher(t)

	res := mustDispatch(t, d, initTask())
	if res.Status != model.StatusInitialized {
		t.Errorf("status = %q, want INITIALIZED", res.Status)
	}

	got, err := st.Get(context.Background(), testRequest, testTask)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LoanNumber != testLoan {
		t.Errorf("loanNumber = %q, want %q", got.LoanNumber, testLoan)
	}
	if got.CorrelationID != "corr-1" {
		t.Errorf("correlationId = %q, want corr-1", got.CorrelationID)
	}
	if got.ExpiresAt == nil {
		t.Error("expiresAt should be stamped from the retention TTL")
	}
}

func TestInitializeState_repeatIsIdempotent(t *testing.T) {
	d, st := newDispatcher(t)

	mustDispatch(t, d, initTask())
	res := mustDispatch(t, d, initTask())
	if res.Status != model.StatusInitialized {
		t.Errorf("status = %q, want INITIALIZED", res.Status)
	}
	if st.Len() != 1 {
		t.Errorf("record count = %d, want 1", st.Len())
	}
}

func TestRecordClassification_normalizesReviewType(t *testing.T) {
	d, st := newDispatcher(t)
	mustDispatch(t, d, initTask())

	res := mustDispatch(t, d, Task{
		Action: ActionRecordClassification, RequestNumber: testRequest,
		TaskNumber: testTask, ReviewType: "sec policy",
	})
	if res.Status != model.StatusReviewTypeAssigned {
		t.Errorf("status = %q, want REVIEW_TYPE_ASSIGNED", res.Status)
	}

	got, _ := st.Get(context.Background(), testRequest, testTask)
	if got.ReviewType != model.ReviewTypeSecPolicy {
		t.Errorf("reviewType = %q, want SEC_POLICY", got.ReviewType)
	}
}

func TestRecordClassification_invalidReviewType(t *testing.T) {
	d, _ := newDispatcher(t)
	mustDispatch(t, d, initTask())

	_, err := d.Dispatch(context.Background(), Task{
		Action: ActionRecordClassification, RequestNumber: testRequest,
		TaskNumber: testTask, ReviewType: "JUMBO",
	})
	if err == nil {
		t.Fatal("expected validation error for unknown review type")
	}
	if model.CodeOf(err) != model.ErrValidation {
		t.Errorf("error code = %q, want VALIDATION_ERROR", model.CodeOf(err))
	}
}

func TestRecordClassification_missingRecord(t *testing.T) {
	d, _ := newDispatcher(t)

	_, err := d.Dispatch(context.Background(), Task{
		Action: ActionRecordClassification, RequestNumber: testRequest,
		TaskNumber: testTask, ReviewType: "LDC",
	})
	if !model.IsNotFound(err) {
		t.Errorf("error = %v, want WORKFLOW_NOT_FOUND", err)
	}
}

func TestCheckPending_persistsDecisionAndAttributes(t *testing.T) {
	d, st := newDispatcher(t)

	attrs := []model.LoanAttribute{
		{Name: "rate", Status: model.AttributeApproved},
		{Name: "term", Status: model.AttributePendingReview},
	}
	res := advanceToPending(t, d, attrs, model.DecisionApproved)

	if res.Status != model.StatusPendingDecision {
		t.Errorf("status = %q, want PENDING_DECISION", res.Status)
	}
	if !res.StillPending {
		t.Error("stillPending should be true with a PENDING_REVIEW attribute")
	}

	got, _ := st.Get(context.Background(), testRequest, testTask)
	if len(got.Attributes) != 2 {
		t.Errorf("attributes = %d, want 2", len(got.Attributes))
	}
}

func TestCheckPending_replacesAttributeListWhole(t *testing.T) {
	d, st := newDispatcher(t)

	first := []model.LoanAttribute{
		{Name: "rate", Status: model.AttributePendingReview},
		{Name: "term", Status: model.AttributePendingReview},
	}
	advanceToPending(t, d, first, model.DecisionApproved)

	// Resubmission with a single fully-reviewed attribute replaces the list.
	second := []model.LoanAttribute{{Name: "rate", Status: model.AttributeApproved}}
	res := mustDispatch(t, d, Task{
		Action: ActionCheckPending, RequestNumber: testRequest, TaskNumber: testTask,
		Decision: model.DecisionApproved, Attributes: second,
	})
	if res.StillPending {
		t.Error("stillPending should be false once all attributes are reviewed")
	}

	got, _ := st.Get(context.Background(), testRequest, testTask)
	if len(got.Attributes) != 1 {
		t.Errorf("attributes = %d, want 1 (replaced, not merged)", len(got.Attributes))
	}
}

func TestDetermineStatus_pendingAttributesIsInvariantViolation(t *testing.T) {
	d, _ := newDispatcher(t)
	advanceToPending(t, d, []model.LoanAttribute{
		{Name: "rate", Status: model.AttributePendingReview},
	}, model.DecisionApproved)

	_, err := d.Dispatch(context.Background(), Task{
		Action: ActionDetermineStatus, RequestNumber: testRequest, TaskNumber: testTask,
	})
	if err == nil {
		t.Fatal("expected invariant violation")
	}
	if model.CodeOf(err) != model.ErrInvariantViolation {
		t.Errorf("error code = %q, want INVARIANT_VIOLATION", model.CodeOf(err))
	}
}

func TestDetermineStatus_emptyAttributesIsInvariantViolation(t *testing.T) {
	d, _ := newDispatcher(t)
	mustDispatch(t, d, initTask())

	_, err := d.Dispatch(context.Background(), Task{
		Action: ActionDetermineStatus, RequestNumber: testRequest, TaskNumber: testTask,
	})
	if err == nil {
		t.Fatal("expected invariant violation")
	}
	if model.CodeOf(err) != model.ErrInvariantViolation {
		t.Errorf("error code = %q, want INVARIANT_VIOLATION", model.CodeOf(err))
	}
}

func TestDetermineStatus_directUpdateDecision(t *testing.T) {
	d, st := newDispatcher(t)
	advanceToPending(t, d, []model.LoanAttribute{
		{Name: "rate", Status: model.AttributeApproved},
		{Name: "term", Status: model.AttributeRejected},
	}, model.DecisionApproved)

	res := mustDispatch(t, d, Task{
		Action: ActionDetermineStatus, RequestNumber: testRequest, TaskNumber: testTask,
	})
	if res.Status != model.StatusDetermined {
		t.Errorf("status = %q, want DETERMINED", res.Status)
	}
	if res.Decision != model.DecisionPartiallyApproved {
		t.Errorf("decision = %q, want PARTIALLY_APPROVED", res.Decision)
	}
	if res.RequiresConfirmation {
		t.Error("PARTIALLY_APPROVED must not require confirmation")
	}

	got, _ := st.Get(context.Background(), testRequest, testTask)
	if got.Decision != model.DecisionPartiallyApproved {
		t.Errorf("persisted decision = %q", got.Decision)
	}
}

func TestDetermineStatus_reclassRequiresConfirmation(t *testing.T) {
	d, _ := newDispatcher(t)
	advanceToPending(t, d, []model.LoanAttribute{
		{Name: "rate", Status: model.AttributeReclass},
	}, model.DecisionApproved)

	res := mustDispatch(t, d, Task{
		Action: ActionDetermineStatus, RequestNumber: testRequest, TaskNumber: testTask,
	})
	if res.Decision != model.DecisionReclassApproved {
		t.Errorf("decision = %q, want RECLASS_APPROVED", res.Decision)
	}
	if !res.RequiresConfirmation {
		t.Error("RECLASS_APPROVED must require confirmation")
	}
}

// failingUpdater always fails.
type failingUpdater struct{}

func (failingUpdater) Apply(context.Context, model.ReviewState) error {
	return model.NewExternalSystemError("downstream unavailable")
}

func determined(t *testing.T, d *Dispatcher) {
	t.Helper()
	advanceToPending(t, d, []model.LoanAttribute{
		{Name: "rate", Status: model.AttributeApproved},
	}, model.DecisionApproved)
	mustDispatch(t, d, Task{
		Action: ActionDetermineStatus, RequestNumber: testRequest, TaskNumber: testTask,
	})
}

func TestUpdateExternal_successCompletes(t *testing.T) {
	d, st := newDispatcher(t)
	determined(t, d)

	res := mustDispatch(t, d, Task{
		Action: ActionUpdateExternal, RequestNumber: testRequest, TaskNumber: testTask,
	})
	if res.Status != model.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", res.Status)
	}

	got, _ := st.Get(context.Background(), testRequest, testTask)
	if got.Status != model.StatusCompleted {
		t.Errorf("persisted status = %q, want COMPLETED", got.Status)
	}
}

func TestUpdateExternal_failureLeavesStatusUnchanged(t *testing.T) {
	st := store.NewMemoryStore()
	d := New(st, failingUpdater{}, zap.NewNop(), nil, 0)
	determined(t, d)

	_, err := d.Dispatch(context.Background(), Task{
		Action: ActionUpdateExternal, RequestNumber: testRequest, TaskNumber: testTask,
	})
	if err == nil {
		t.Fatal("expected external system error")
	}
	if !model.IsRetryable(err) {
		t.Error("external failures must be retryable")
	}

	got, _ := st.Get(context.Background(), testRequest, testTask)
	if got.Status != model.StatusDetermined {
		t.Errorf("status = %q, want DETERMINED (unchanged on failure)", got.Status)
	}
}

func TestUpdateExternal_terminalRecordIsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	calls := 0
	d := New(st, updaterFunc(func(context.Context, model.ReviewState) error {
		calls++
		return nil
	}), zap.NewNop(), nil, 0)
	determined(t, d)
	mustDispatch(t, d, Task{Action: ActionUpdateExternal, RequestNumber: testRequest, TaskNumber: testTask})

	callsBefore := calls
	res := mustDispatch(t, d, Task{Action: ActionUpdateExternal, RequestNumber: testRequest, TaskNumber: testTask})
	if res.Status != model.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", res.Status)
	}
	if calls != callsBefore {
		t.Error("terminal record must not trigger another downstream call")
	}
}

type updaterFunc func(context.Context, model.ReviewState) error

func (f updaterFunc) Apply(ctx context.Context, s model.ReviewState) error { return f(ctx, s) }

func TestFinalizeAudit_stampsCompletedAt(t *testing.T) {
	d, st := newDispatcher(t)
	determined(t, d)
	mustDispatch(t, d, Task{Action: ActionUpdateExternal, RequestNumber: testRequest, TaskNumber: testTask})

	res := mustDispatch(t, d, Task{Action: ActionFinalizeAudit, RequestNumber: testRequest, TaskNumber: testTask})
	if !res.AuditLogged {
		t.Error("first finalize should log the audit")
	}

	got, _ := st.Get(context.Background(), testRequest, testTask)
	if got.CompletedAt == nil {
		t.Fatal("completedAt should be stamped")
	}

	// Repeat is a no-op.
	res = mustDispatch(t, d, Task{Action: ActionFinalizeAudit, RequestNumber: testRequest, TaskNumber: testTask})
	if res.AuditLogged {
		t.Error("repeat finalize should be a no-op")
	}
	if res.Status != model.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", res.Status)
	}
}

func TestDispatch_unknownAction(t *testing.T) {
	d, _ := newDispatcher(t)
	_, err := d.Dispatch(context.Background(), Task{
		Action: "BOGUS", RequestNumber: testRequest, TaskNumber: testTask,
	})
	if err == nil {
		t.Fatal("expected invariant violation for unknown action")
	}
	if model.CodeOf(err) != model.ErrInvariantViolation {
		t.Errorf("error code = %q, want INVARIANT_VIOLATION", model.CodeOf(err))
	}
}
