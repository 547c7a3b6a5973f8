// Package engine is the boundary to the workflow engine that drives the
// review step graph. The engine pauses at human decision points and hands
// back an opaque task token; callers resume it with SendTaskSuccess. Local
// is the in-process implementation.
package engine

import (
	"context"

	"github.com/hexfin/loanreview/model"
)

// StartInput carries everything the first workflow step needs to persist
// the initial review record.
type StartInput struct {
	RequestNumber string
	TaskNumber    string
	LoanNumber    string
	CorrelationID string
	Attributes    []model.LoanAttribute
}

// TaskOutput is the payload delivered when a paused execution resumes.
// Which fields are read depends on the pause point: the classification
// pause reads ReviewType, the decision pause reads Decision and Attributes,
// the confirmation pause reads none.
type TaskOutput struct {
	ReviewType string                `json:"reviewType,omitempty"`
	Decision   model.DecisionStatus  `json:"loanDecision,omitempty"`
	Attributes []model.LoanAttribute `json:"attributes,omitempty"`
}

// Client starts and resumes workflow executions.
type Client interface {
	// StartExecution begins a new execution and returns its reference.
	// The execution runs until its first pause point before returning.
	StartExecution(ctx context.Context, input StartInput) (string, error)

	// SendTaskSuccess resumes the execution parked on taskToken. The
	// execution runs until its next pause point or completion.
	SendTaskSuccess(ctx context.Context, taskToken string, output TaskOutput) error

	// SendTaskFailure aborts the execution parked on taskToken, marking
	// the workflow FAILED.
	SendTaskFailure(ctx context.Context, taskToken string, code, cause string) error
}
