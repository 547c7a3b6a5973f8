// Package dispatch executes the review workflow's task actions. Each action
// performs at most one store read and one store write so the workflow engine
// can reason about retries.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hexfin/loanreview/internal/decision"
	"github.com/hexfin/loanreview/internal/external"
	"github.com/hexfin/loanreview/internal/observability"
	"github.com/hexfin/loanreview/internal/store"
	"github.com/hexfin/loanreview/model"
)

// Action identifies one workflow task. The set is closed: the engine only
// dispatches these six actions.
type Action string

const (
	ActionInitializeState      Action = "INITIALIZE_STATE"
	ActionRecordClassification Action = "RECORD_CLASSIFICATION"
	ActionCheckPending         Action = "CHECK_PENDING"
	ActionDetermineStatus      Action = "DETERMINE_STATUS"
	ActionUpdateExternal       Action = "UPDATE_EXTERNAL"
	ActionFinalizeAudit        Action = "FINALIZE_AUDIT"
)

// ParseAction validates an action string from the wire.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionInitializeState, ActionRecordClassification, ActionCheckPending,
		ActionDetermineStatus, ActionUpdateExternal, ActionFinalizeAudit:
		return Action(s), nil
	}
	return "", model.NewValidationError(
		fmt.Sprintf("unknown task action %q", s), "taskAction",
	)
}

// Task is one unit of work handed to the dispatcher by the workflow engine.
type Task struct {
	Action        Action                `json:"taskAction"`
	RequestNumber string                `json:"requestNumber"`
	TaskNumber    string                `json:"taskNumber"`
	LoanNumber    string                `json:"loanNumber,omitempty"`
	ReviewType    string                `json:"reviewType,omitempty"`
	Decision      model.DecisionStatus  `json:"loanDecision,omitempty"`
	Attributes    []model.LoanAttribute `json:"attributes,omitempty"`
	CorrelationID string                `json:"correlationId,omitempty"`
}

// Result reports the outcome of one dispatched task back to the engine.
type Result struct {
	Status               model.WorkflowStatus `json:"status"`
	StillPending         bool                 `json:"stillPending,omitempty"`
	Decision             model.DecisionStatus `json:"loanDecision,omitempty"`
	RequiresConfirmation bool                 `json:"requiresConfirmation,omitempty"`
	AuditLogged          bool                 `json:"auditLogged,omitempty"`
}

// Dispatcher routes task actions to their handlers.
type Dispatcher struct {
	store     store.Store
	updater   external.Updater
	logger    *zap.Logger
	metrics   *observability.Metrics
	retention time.Duration
}

// New creates a Dispatcher. metrics may be nil.
func New(st store.Store, updater external.Updater, logger *zap.Logger, metrics *observability.Metrics, retention time.Duration) *Dispatcher {
	return &Dispatcher{
		store:     st,
		updater:   updater,
		logger:    logger,
		metrics:   metrics,
		retention: retention,
	}
}

// Dispatch executes one task action.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) (Result, error) {
	start := time.Now()
	logger := observability.RequestLogger(ctx, d.logger).With(
		zap.String("task_action", string(task.Action)),
		zap.String("request_number", task.RequestNumber),
		zap.String("task_number", task.TaskNumber),
	)

	ctx, span := observability.StartSpan(ctx, "task.dispatch",
		observability.AttrAction.String(string(task.Action)),
		observability.AttrRequestNumber.String(task.RequestNumber),
		observability.AttrTaskNumber.String(task.TaskNumber),
	)

	result, err := d.execute(ctx, task, logger)
	observability.EndSpanWithError(span, err)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		logger.Warn("task failed", zap.Error(err))
	} else {
		logger.Info("task completed", zap.String("status", string(result.Status)))
	}
	if d.metrics != nil {
		d.metrics.RecordTaskDispatch(string(task.Action), outcome, time.Since(start))
	}
	return result, err
}

func (d *Dispatcher) execute(ctx context.Context, task Task, logger *zap.Logger) (Result, error) {
	switch task.Action {
	case ActionInitializeState:
		return d.initializeState(ctx, task)
	case ActionRecordClassification:
		return d.recordClassification(ctx, task)
	case ActionCheckPending:
		return d.checkPending(ctx, task)
	case ActionDetermineStatus:
		return d.determineStatus(ctx, task, logger)
	case ActionUpdateExternal:
		return d.updateExternal(ctx, task)
	case ActionFinalizeAudit:
		return d.finalizeAudit(ctx, task)
	}
	return Result{}, model.NewInvariantViolation(
		fmt.Sprintf("dispatched unknown task action %q", string(task.Action)),
	)
}

// initializeState upserts the review record in INITIALIZED status. A repeat
// of the first step (engine retry) finds the record and leaves it untouched.
func (d *Dispatcher) initializeState(ctx context.Context, task Task) (Result, error) {
	existing, err := d.store.Get(ctx, task.RequestNumber, task.TaskNumber)
	if err == nil {
		return Result{Status: existing.Status}, nil
	}
	if !model.IsNotFound(err) {
		return Result{}, err
	}

	now := time.Now().UTC()
	state := model.ReviewState{
		RequestNumber: task.RequestNumber,
		TaskNumber:    task.TaskNumber,
		LoanNumber:    task.LoanNumber,
		Status:        model.StatusInitialized,
		Attributes:    task.Attributes,
		CorrelationID: task.CorrelationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if d.retention > 0 {
		expires := now.Add(d.retention)
		state.ExpiresAt = &expires
	}

	if err := d.store.Create(ctx, state); err != nil {
		return Result{}, err
	}
	if d.metrics != nil {
		d.metrics.RecordWorkflowStart()
	}
	return Result{Status: model.StatusInitialized}, nil
}

// recordClassification persists the normalized review type.
func (d *Dispatcher) recordClassification(ctx context.Context, task Task) (Result, error) {
	state, err := d.store.Get(ctx, task.RequestNumber, task.TaskNumber)
	if err != nil {
		return Result{}, err
	}

	reviewType, err := model.ParseReviewType(task.ReviewType)
	if err != nil {
		return Result{}, err
	}

	changed, err := d.transition(&state, model.StatusReviewTypeAssigned)
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return Result{Status: state.Status}, nil
	}

	state.ReviewType = reviewType
	if err := d.store.Put(ctx, state); err != nil {
		return Result{}, err
	}
	return Result{Status: state.Status}, nil
}

// checkPending persists the submitted decision and the full attribute list,
// then reports whether any attribute is still awaiting review. It never
// computes an aggregate decision.
func (d *Dispatcher) checkPending(ctx context.Context, task Task) (Result, error) {
	state, err := d.store.Get(ctx, task.RequestNumber, task.TaskNumber)
	if err != nil {
		return Result{}, err
	}

	changed, err := d.transition(&state, model.StatusPendingDecision)
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return Result{Status: state.Status}, nil
	}

	// The attribute list is replaced whole, never merged.
	state.Decision = task.Decision
	state.Attributes = task.Attributes
	if err := d.store.Put(ctx, state); err != nil {
		return Result{}, err
	}

	return Result{
		Status:       state.Status,
		StillPending: decision.HasPending(state.Attributes),
	}, nil
}

// determineStatus computes the aggregate decision. Being called with pending
// or absent attributes is an engine wiring defect, not a business condition.
func (d *Dispatcher) determineStatus(ctx context.Context, task Task, logger *zap.Logger) (Result, error) {
	state, err := d.store.Get(ctx, task.RequestNumber, task.TaskNumber)
	if err != nil {
		return Result{}, err
	}

	if len(state.Attributes) == 0 {
		return Result{}, model.NewInvariantViolation(
			"cannot determine status without attributes",
		)
	}
	if decision.HasPending(state.Attributes) {
		return Result{}, model.NewInvariantViolation(
			"cannot determine status with attributes pending review",
		)
	}

	determined, err := decision.Determine(state.Attributes, logger)
	if err != nil {
		return Result{}, err
	}
	destination, err := decision.Route(determined)
	if err != nil {
		return Result{}, err
	}

	changed, err := d.transition(&state, model.StatusDetermined)
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return Result{Status: state.Status, Decision: state.Decision}, nil
	}

	state.Decision = determined
	if err := d.store.Put(ctx, state); err != nil {
		return Result{}, err
	}

	return Result{
		Status:               state.Status,
		Decision:             determined,
		RequiresConfirmation: destination == decision.ConfirmationGate,
	}, nil
}

// updateExternal applies the decision downstream. On failure the record is
// not written, so a retry sees the same consistent state.
func (d *Dispatcher) updateExternal(ctx context.Context, task Task) (Result, error) {
	state, err := d.store.Get(ctx, task.RequestNumber, task.TaskNumber)
	if err != nil {
		return Result{}, err
	}
	if state.Status.Terminal() {
		return Result{Status: state.Status}, nil
	}

	if err := d.updater.Apply(ctx, state); err != nil {
		return Result{}, err
	}

	changed, err := d.transition(&state, model.StatusCompleted)
	if err != nil {
		return Result{}, err
	}
	if changed {
		if err := d.store.Put(ctx, state); err != nil {
			return Result{}, err
		}
		if d.metrics != nil {
			d.metrics.RecordWorkflowCompletion(string(state.Status))
		}
	}
	return Result{Status: state.Status, Decision: state.Decision}, nil
}

// finalizeAudit stamps completion. Repeats against an already completed
// record are harmless no-ops.
func (d *Dispatcher) finalizeAudit(ctx context.Context, task Task) (Result, error) {
	state, err := d.store.Get(ctx, task.RequestNumber, task.TaskNumber)
	if err != nil {
		return Result{}, err
	}

	if state.Status == model.StatusCompleted && state.CompletedAt != nil {
		return Result{Status: state.Status, AuditLogged: false}, nil
	}

	wasTerminal := state.Status.Terminal()
	changed, err := d.transition(&state, model.StatusCompleted)
	if err != nil {
		return Result{}, err
	}
	if !changed && wasTerminal && state.Status != model.StatusCompleted {
		// FAILED stays FAILED.
		return Result{Status: state.Status}, nil
	}

	now := time.Now().UTC()
	state.CompletedAt = &now
	if err := d.store.Put(ctx, state); err != nil {
		return Result{}, err
	}
	if changed && d.metrics != nil {
		d.metrics.RecordWorkflowCompletion(string(state.Status))
	}
	return Result{Status: state.Status, AuditLogged: true}, nil
}

// transition applies a status edge, recording the transition metric.
func (d *Dispatcher) transition(state *model.ReviewState, to model.WorkflowStatus) (bool, error) {
	from := state.Status
	changed, err := state.Transition(to)
	if err != nil {
		return false, err
	}
	if changed && d.metrics != nil && from != to {
		d.metrics.RecordStatusTransition(string(from), string(to))
	}
	return changed, nil
}
