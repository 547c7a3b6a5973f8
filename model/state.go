// Package model holds the domain types shared across the loan review
// coordinator: the persisted review state, the closed enumerations it is
// built from, and the error envelope returned at the API boundary.
package model

import "time"

// WorkflowStatus is the lifecycle status of a review workflow execution.
type WorkflowStatus string

const (
	StatusInitialized         WorkflowStatus = "INITIALIZED"
	StatusReviewTypeAssigned  WorkflowStatus = "REVIEW_TYPE_ASSIGNED"
	StatusPendingDecision     WorkflowStatus = "PENDING_DECISION"
	StatusDetermined          WorkflowStatus = "DETERMINED"
	StatusWaitingConfirmation WorkflowStatus = "WAITING_CONFIRMATION"
	StatusCompleted           WorkflowStatus = "COMPLETED"
	StatusFailed              WorkflowStatus = "FAILED"
)

// Terminal reports whether no further status transitions are permitted.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// statusEdges is the full transition graph. PENDING_DECISION is the only
// node with a self-loop (decision still pending); every other edge is taken
// at most once per execution.
var statusEdges = map[WorkflowStatus][]WorkflowStatus{
	StatusInitialized:         {StatusReviewTypeAssigned, StatusFailed},
	StatusReviewTypeAssigned:  {StatusPendingDecision, StatusFailed},
	StatusPendingDecision:     {StatusPendingDecision, StatusDetermined, StatusFailed},
	StatusDetermined:          {StatusWaitingConfirmation, StatusCompleted, StatusFailed},
	StatusWaitingConfirmation: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from → to is a valid edge. A transition to
// the current status is permitted (retried steps re-apply their own write).
func CanTransition(from, to WorkflowStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReviewState is the persisted aggregate for one review workflow execution,
// keyed by (RequestNumber, TaskNumber). Reads and writes are whole-record;
// field updates are read-modify-write at the application layer.
type ReviewState struct {
	RequestNumber string         `json:"requestNumber"`
	TaskNumber    string         `json:"taskNumber"`
	LoanNumber    string         `json:"loanNumber"`
	ReviewType    ReviewType     `json:"reviewType,omitempty"`
	Status        WorkflowStatus `json:"status"`
	Decision      DecisionStatus `json:"decision,omitempty"`

	// Attributes is replaced whole on every update, never merged in place.
	Attributes []LoanAttribute `json:"attributes,omitempty"`

	CorrelationID string `json:"correlationId"`
	ExecutionRef  string `json:"executionRef,omitempty"`

	// CurrentTaskToken is the continuation ticket issued by the workflow
	// engine at its last pause point. It is written in the same store write
	// as the status it belongs to.
	CurrentTaskToken string `json:"currentTaskToken,omitempty"`

	// Version is checked optimistically on every store write.
	Version int `json:"version"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Transition moves the record to the given status if the edge is valid.
// Writes against a terminal record are idempotent no-ops so duplicate
// engine retries never fail; the bool result reports whether the record
// actually changed.
func (r *ReviewState) Transition(to WorkflowStatus) (bool, error) {
	if r.Status.Terminal() {
		return false, nil
	}
	if !CanTransition(r.Status, to) {
		return false, NewInvariantViolation(
			"invalid status transition " + string(r.Status) + " -> " + string(to),
		)
	}
	r.Status = to
	return true, nil
}

// Touch advances UpdatedAt, keeping it strictly increasing even when the
// wall clock has not moved between two writes.
func (r *ReviewState) Touch(now time.Time) {
	now = now.UTC()
	if !now.After(r.UpdatedAt) {
		now = r.UpdatedAt.Add(time.Microsecond)
	}
	r.UpdatedAt = now
}
