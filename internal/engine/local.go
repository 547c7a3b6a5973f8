package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexfin/loanreview/internal/dispatch"
	"github.com/hexfin/loanreview/internal/observability"
	"github.com/hexfin/loanreview/internal/store"
	"github.com/hexfin/loanreview/model"
)

// stage identifies a pause point in the review step graph.
type stage int

const (
	stageClassification stage = iota
	stageDecision
	stageConfirmation
)

func (s stage) String() string {
	switch s {
	case stageClassification:
		return "classification"
	case stageDecision:
		return "decision"
	case stageConfirmation:
		return "confirmation"
	}
	return "unknown"
}

// continuation is a parked execution awaiting resumption.
type continuation struct {
	stage         stage
	requestNumber string
	taskNumber    string
	correlationID string
}

// LocalOptions tunes the in-process engine.
type LocalOptions struct {
	// DefinitionRef names the step graph in execution references.
	DefinitionRef string
	// MaxAttempts bounds the downstream update retries per resume.
	MaxAttempts int
	// RetryBackoff is the delay between downstream update attempts.
	RetryBackoff time.Duration
}

// Local drives the review step graph in process. Each pause issues a fresh
// task token and persists it in the same record write as the status it
// belongs to; resuming consumes the token.
type Local struct {
	dispatcher *dispatch.Dispatcher
	store      store.Store
	logger     *zap.Logger
	metrics    *observability.Metrics

	definitionRef string
	maxAttempts   int
	backoff       time.Duration

	mu     sync.Mutex
	parked map[string]continuation
}

var _ Client = (*Local)(nil)

// NewLocal creates the in-process engine. metrics may be nil.
func NewLocal(d *dispatch.Dispatcher, st store.Store, logger *zap.Logger, metrics *observability.Metrics, opts LocalOptions) *Local {
	if opts.DefinitionRef == "" {
		opts.DefinitionRef = "loan-review"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	return &Local{
		dispatcher:    d,
		store:         st,
		logger:        logger,
		metrics:       metrics,
		definitionRef: opts.DefinitionRef,
		maxAttempts:   opts.MaxAttempts,
		backoff:       opts.RetryBackoff,
		parked:        make(map[string]continuation),
	}
}

// StartExecution persists the initial record and parks the execution at the
// classification pause.
func (l *Local) StartExecution(ctx context.Context, input StartInput) (string, error) {
	executionRef := fmt.Sprintf("local:%s:%s", l.definitionRef, uuid.NewString())

	_, err := l.dispatcher.Dispatch(ctx, dispatch.Task{
		Action:        dispatch.ActionInitializeState,
		RequestNumber: input.RequestNumber,
		TaskNumber:    input.TaskNumber,
		LoanNumber:    input.LoanNumber,
		Attributes:    input.Attributes,
		CorrelationID: input.CorrelationID,
	})
	if err != nil {
		return "", err
	}

	c := continuation{
		stage:         stageClassification,
		requestNumber: input.RequestNumber,
		taskNumber:    input.TaskNumber,
		correlationID: input.CorrelationID,
	}
	if err := l.pause(ctx, c, ""); err != nil {
		return "", err
	}
	return executionRef, nil
}

// SendTaskSuccess resumes the execution parked on taskToken and runs it to
// its next pause point or completion. If the resumed step rejects its input,
// the token is re-parked so a corrected resume can proceed.
func (l *Local) SendTaskSuccess(ctx context.Context, taskToken string, output TaskOutput) error {
	c, err := l.take(taskToken)
	if err != nil {
		return err
	}

	logger := l.logger.With(
		zap.String("task_number", c.taskNumber),
		zap.String("stage", c.stage.String()),
	)
	ctx = observability.WithCorrelationID(ctx, c.correlationID)

	switch c.stage {
	case stageClassification:
		err = l.resumeClassification(ctx, c, output)
	case stageDecision:
		err = l.resumeDecision(ctx, c, output)
	case stageConfirmation:
		err = l.finish(ctx, c)
	default:
		err = model.NewInvariantViolation(fmt.Sprintf("execution parked at unknown stage %d", int(c.stage)))
	}

	if err != nil && model.CodeOf(err) == model.ErrValidation {
		// Caller-fixable input; keep the execution resumable.
		l.park(taskToken, c)
		return err
	}
	if err != nil {
		logger.Warn("execution step failed", zap.Error(err))
	}
	return err
}

// SendTaskFailure aborts the parked execution and marks the record FAILED.
func (l *Local) SendTaskFailure(ctx context.Context, taskToken string, code, cause string) error {
	c, err := l.take(taskToken)
	if err != nil {
		return err
	}
	l.logger.Warn("execution aborted",
		zap.String("task_number", c.taskNumber),
		zap.String("error_code", code),
		zap.String("cause", cause),
	)
	return l.fail(ctx, c)
}

func (l *Local) resumeClassification(ctx context.Context, c continuation, output TaskOutput) error {
	_, err := l.dispatcher.Dispatch(ctx, dispatch.Task{
		Action:        dispatch.ActionRecordClassification,
		RequestNumber: c.requestNumber,
		TaskNumber:    c.taskNumber,
		ReviewType:    output.ReviewType,
		CorrelationID: c.correlationID,
	})
	if err != nil {
		return err
	}
	c.stage = stageDecision
	return l.pause(ctx, c, "")
}

func (l *Local) resumeDecision(ctx context.Context, c continuation, output TaskOutput) error {
	res, err := l.dispatcher.Dispatch(ctx, dispatch.Task{
		Action:        dispatch.ActionCheckPending,
		RequestNumber: c.requestNumber,
		TaskNumber:    c.taskNumber,
		Decision:      output.Decision,
		Attributes:    output.Attributes,
		CorrelationID: c.correlationID,
	})
	if err != nil {
		return err
	}
	if res.StillPending {
		return l.pause(ctx, c, "")
	}

	res, err = l.dispatcher.Dispatch(ctx, dispatch.Task{
		Action:        dispatch.ActionDetermineStatus,
		RequestNumber: c.requestNumber,
		TaskNumber:    c.taskNumber,
		CorrelationID: c.correlationID,
	})
	if err != nil {
		return err
	}
	if res.RequiresConfirmation {
		c.stage = stageConfirmation
		return l.pause(ctx, c, model.StatusWaitingConfirmation)
	}
	return l.finish(ctx, c)
}

// finish applies the decision downstream with bounded retries and stamps
// completion. Retry exhaustion marks the workflow FAILED.
func (l *Local) finish(ctx context.Context, c continuation) error {
	task := dispatch.Task{
		Action:        dispatch.ActionUpdateExternal,
		RequestNumber: c.requestNumber,
		TaskNumber:    c.taskNumber,
		CorrelationID: c.correlationID,
	}

	var err error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		_, err = l.dispatcher.Dispatch(ctx, task)
		if err == nil {
			break
		}
		if !model.IsRetryable(err) {
			return err
		}
		if attempt == l.maxAttempts {
			break
		}
		if l.metrics != nil {
			l.metrics.RecordExternalRetry()
		}
		if werr := l.wait(ctx); werr != nil {
			return werr
		}
	}
	if err != nil {
		if ferr := l.fail(ctx, c); ferr != nil {
			return ferr
		}
		return err
	}

	_, err = l.dispatcher.Dispatch(ctx, dispatch.Task{
		Action:        dispatch.ActionFinalizeAudit,
		RequestNumber: c.requestNumber,
		TaskNumber:    c.taskNumber,
		CorrelationID: c.correlationID,
	})
	return err
}

// pause issues a fresh token, persists it with the given status (or the
// current status when empty) in a single write, and parks the continuation.
func (l *Local) pause(ctx context.Context, c continuation, to model.WorkflowStatus) error {
	token := uuid.NewString()

	state, err := l.store.Get(ctx, c.requestNumber, c.taskNumber)
	if err != nil {
		return err
	}
	if to != "" {
		if _, err := state.Transition(to); err != nil {
			return err
		}
	}
	state.CurrentTaskToken = token
	if err := l.store.Put(ctx, state); err != nil {
		return err
	}

	l.park(token, c)
	return nil
}

// fail marks the record FAILED and clears its token.
func (l *Local) fail(ctx context.Context, c continuation) error {
	state, err := l.store.Get(ctx, c.requestNumber, c.taskNumber)
	if err != nil {
		return err
	}
	changed, err := state.Transition(model.StatusFailed)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	state.CurrentTaskToken = ""
	if err := l.store.Put(ctx, state); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.RecordWorkflowCompletion(string(model.StatusFailed))
	}
	return nil
}

func (l *Local) wait(ctx context.Context) error {
	timer := time.NewTimer(l.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Local) take(token string) (continuation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.parked[token]
	if !ok {
		return continuation{}, model.NewNotFoundError("no execution is waiting on this task token")
	}
	delete(l.parked, token)
	return c, nil
}

func (l *Local) park(token string, c continuation) {
	l.mu.Lock()
	l.parked[token] = c
	l.mu.Unlock()
}
