// Package service exposes the review workflow operations called from the
// API layer: starting an execution and resuming it at its pause points.
package service

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexfin/loanreview/internal/engine"
	"github.com/hexfin/loanreview/internal/observability"
	"github.com/hexfin/loanreview/internal/store"
	"github.com/hexfin/loanreview/model"
)

// StartRequest begins a new review workflow.
type StartRequest struct {
	RequestNumber string                `json:"requestNumber"`
	LoanNumber    string                `json:"loanNumber"`
	RequestType   string                `json:"requestType"`
	Attributes    []model.LoanAttribute `json:"attributes,omitempty"`
}

// StartResult identifies the started execution.
type StartResult struct {
	TaskNumber    string `json:"taskNumber"`
	ExecutionRef  string `json:"executionRef"`
	CorrelationID string `json:"correlationId"`
}

// AssignRequest resumes the classification pause.
type AssignRequest struct {
	RequestNumber string `json:"requestNumber"`
	TaskNumber    string `json:"taskNumber"`
	LoanNumber    string `json:"loanNumber"`
	ReviewType    string `json:"reviewType"`
}

// DecisionRequest resumes the decision pause. When the workflow is waiting
// for reclassification confirmation, attributes may be empty.
type DecisionRequest struct {
	RequestNumber string                `json:"requestNumber"`
	TaskNumber    string                `json:"taskNumber"`
	LoanNumber    string                `json:"loanNumber"`
	Decision      model.DecisionStatus  `json:"loanDecision,omitempty"`
	Attributes    []model.LoanAttribute `json:"attributes,omitempty"`
}

// Service orchestrates review workflows against the engine and the store.
type Service struct {
	store     store.Store
	engine    engine.Client
	validator *Validator
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// New creates a Service. metrics may be nil.
func New(st store.Store, eng engine.Client, validator *Validator, logger *zap.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:     st,
		engine:    eng,
		validator: validator,
		logger:    logger,
		metrics:   metrics,
	}
}

// Validator exposes the trust-boundary validator for the transport layer.
func (s *Service) Validator() *Validator { return s.validator }

// Start validates the request, generates the workflow identifiers, and
// starts exactly one engine execution. The execution's first step persists
// the initial record; the execution reference is stored once it is known.
func (s *Service) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := s.validator.RequestNumber(req.RequestNumber); err != nil {
		return StartResult{}, err
	}
	if err := s.validator.LoanNumber(req.LoanNumber); err != nil {
		return StartResult{}, err
	}
	if err := s.validator.ReviewType(req.RequestType); err != nil {
		return StartResult{}, err
	}
	if err := s.validator.Attributes(req.Attributes); err != nil {
		return StartResult{}, err
	}

	taskNumber, err := newTaskNumber()
	if err != nil {
		return StartResult{}, err
	}
	correlationID := uuid.NewString()
	ctx = observability.WithCorrelationID(ctx, correlationID)

	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrRequestNumber.String(req.RequestNumber),
		observability.AttrTaskNumber.String(taskNumber),
		observability.AttrLoanNumber.String(req.LoanNumber),
	)
	defer span.End()

	executionRef, err := s.engine.StartExecution(ctx, engine.StartInput{
		RequestNumber: req.RequestNumber,
		TaskNumber:    taskNumber,
		LoanNumber:    req.LoanNumber,
		CorrelationID: correlationID,
		Attributes:    req.Attributes,
	})
	if err != nil {
		observability.EndSpanWithError(span, err)
		return StartResult{}, err
	}

	state, err := s.store.Get(ctx, req.RequestNumber, taskNumber)
	if err != nil {
		return StartResult{}, err
	}
	state.ExecutionRef = executionRef
	if err := s.store.Put(ctx, state); err != nil {
		return StartResult{}, err
	}

	s.logger.Info("workflow started",
		zap.String("request_number", req.RequestNumber),
		zap.String("task_number", taskNumber),
		zap.String("loan_number", req.LoanNumber),
		zap.String("correlation_id", correlationID),
	)
	return StartResult{
		TaskNumber:    taskNumber,
		ExecutionRef:  executionRef,
		CorrelationID: correlationID,
	}, nil
}

// AssignReviewType resumes the classification pause with the chosen review
// type. It never flips status itself; the resumed workflow step does.
func (s *Service) AssignReviewType(ctx context.Context, req AssignRequest) (model.ReviewState, error) {
	if err := s.validator.RequestNumber(req.RequestNumber); err != nil {
		return model.ReviewState{}, err
	}
	if err := s.validator.TaskNumber(req.TaskNumber); err != nil {
		return model.ReviewState{}, err
	}
	if err := s.validator.ReviewType(req.ReviewType); err != nil {
		return model.ReviewState{}, err
	}

	return s.resume(ctx, "workflow.assign_type", req.RequestNumber, req.TaskNumber,
		engine.TaskOutput{ReviewType: req.ReviewType})
}

// SubmitDecision resumes the decision or confirmation pause with the
// reviewed attributes.
func (s *Service) SubmitDecision(ctx context.Context, req DecisionRequest) (model.ReviewState, error) {
	if err := s.validator.RequestNumber(req.RequestNumber); err != nil {
		return model.ReviewState{}, err
	}
	if err := s.validator.TaskNumber(req.TaskNumber); err != nil {
		return model.ReviewState{}, err
	}
	if err := s.validator.Attributes(req.Attributes); err != nil {
		return model.ReviewState{}, err
	}

	return s.resume(ctx, "workflow.next_step", req.RequestNumber, req.TaskNumber,
		engine.TaskOutput{Decision: req.Decision, Attributes: req.Attributes})
}

// Get returns the review state for one workflow ticket.
func (s *Service) Get(ctx context.Context, requestNumber, taskNumber string) (model.ReviewState, error) {
	if err := s.validator.RequestNumber(requestNumber); err != nil {
		return model.ReviewState{}, err
	}
	if err := s.validator.TaskNumber(taskNumber); err != nil {
		return model.ReviewState{}, err
	}
	return s.store.Get(ctx, requestNumber, taskNumber)
}

// GetByLoan returns all review workflows for a loan, newest first.
func (s *Service) GetByLoan(ctx context.Context, loanNumber string) ([]model.ReviewState, error) {
	if err := s.validator.LoanNumber(loanNumber); err != nil {
		return nil, err
	}
	return s.store.GetByLoan(ctx, loanNumber)
}

// resume looks up the stored task token and hands the payload back to the
// engine, then re-reads the record so callers see the post-resume state.
func (s *Service) resume(ctx context.Context, op, requestNumber, taskNumber string, output engine.TaskOutput) (model.ReviewState, error) {
	state, err := s.store.Get(ctx, requestNumber, taskNumber)
	if err != nil {
		return model.ReviewState{}, err
	}
	ctx = observability.WithCorrelationID(ctx, state.CorrelationID)

	ctx, span := observability.StartSpan(ctx, op,
		observability.AttrRequestNumber.String(requestNumber),
		observability.AttrTaskNumber.String(taskNumber),
	)
	defer span.End()

	if state.Status.Terminal() {
		err := model.NewConflictError("workflow has already reached a terminal status")
		observability.EndSpanWithError(span, err)
		return model.ReviewState{}, err
	}
	if state.CurrentTaskToken == "" {
		err := model.NewConflictError("workflow is not waiting for input")
		observability.EndSpanWithError(span, err)
		return model.ReviewState{}, err
	}

	if err := s.engine.SendTaskSuccess(ctx, state.CurrentTaskToken, output); err != nil {
		observability.EndSpanWithError(span, err)
		return model.ReviewState{}, err
	}
	return s.store.Get(ctx, requestNumber, taskNumber)
}

// newTaskNumber generates a workflow ticket identifier.
func newTaskNumber() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate task number: %w", err)
	}
	return fmt.Sprintf("TSK-%02X%02X%02X%02X", b[0], b[1], b[2], b[3]), nil
}
