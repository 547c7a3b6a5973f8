package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hexfin/loanreview/internal/dispatch"
	"github.com/hexfin/loanreview/internal/idempotency"
	"github.com/hexfin/loanreview/internal/observability"
	"github.com/hexfin/loanreview/internal/service"
	"github.com/hexfin/loanreview/model"
)

// Handlers holds the API endpoint implementations.
type Handlers struct {
	svc        *service.Service
	dispatcher *dispatch.Dispatcher
	idem       idempotency.Store
	idemTTL    time.Duration
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewHandlers creates the endpoint set. idem and metrics may be nil.
func NewHandlers(svc *service.Service, dispatcher *dispatch.Dispatcher, idem idempotency.Store, idemTTL time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Handlers {
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &Handlers{
		svc:        svc,
		dispatcher: dispatcher,
		idem:       idem,
		idemTTL:    idemTTL,
		logger:     logger,
		metrics:    metrics,
	}
}

// readBody reads and decodes a JSON request body, returning the raw bytes
// for idempotency hashing.
func readBody(r *http.Request, dst any) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &model.ErrorEnvelope{
				Code:    model.ErrPayloadTooLarge,
				Message: "request body exceeds the size limit",
			}
		}
		return nil, model.NewBadRequestError("unable to read request body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return nil, model.NewBadRequestError("request body is not valid JSON")
	}
	return body, nil
}

// HandleStart starts a review workflow. The X-Idempotency-Key header makes
// the call safely repeatable: a replay with the same body returns the
// original response, the same key with a different body is a conflict.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req service.StartRequest
	body, err := readBody(r, &req)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	key := r.Header.Get("X-Idempotency-Key")
	useIdem := h.idem != nil && key != ""
	var cacheKey, inputHash string
	if useIdem {
		cacheKey = idempotency.FormatKey("workflow.start", key)
		inputHash = idempotency.HashInput(body)

		cached, found, err := h.idem.Check(r.Context(), cacheKey, inputHash)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if found {
			if h.metrics != nil {
				h.metrics.RecordIdempotencyHit()
			}
			WriteSuccess(w, r, http.StatusOK, "Workflow already started", json.RawMessage(cached))
			return
		}
	}

	result, err := h.svc.Start(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	if useIdem {
		encoded, err := json.Marshal(result)
		if err == nil {
			if err := h.idem.Store(r.Context(), cacheKey, inputHash, encoded, h.idemTTL); err != nil {
				h.logger.Warn("storing idempotency entry failed", zap.Error(err))
			}
		}
	}
	WriteSuccess(w, r, http.StatusCreated, "Workflow started", result)
}

// HandleAssignType resumes the classification pause with the chosen review
// type.
func (h *Handlers) HandleAssignType(w http.ResponseWriter, r *http.Request) {
	var req service.AssignRequest
	if _, err := readBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	state, err := h.svc.AssignReviewType(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteSuccess(w, r, http.StatusOK, "Review type assigned", state)
}

// HandleNextStep resumes the decision or confirmation pause.
func (h *Handlers) HandleNextStep(w http.ResponseWriter, r *http.Request) {
	var req service.DecisionRequest
	if _, err := readBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	state, err := h.svc.SubmitDecision(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteSuccess(w, r, http.StatusOK, "Decision submitted", state)
}

// HandleGet returns the review state for one workflow ticket.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	requestNumber := chi.URLParam(r, "requestNumber")
	taskNumber := chi.URLParam(r, "taskNumber")

	state, err := h.svc.Get(r.Context(), requestNumber, taskNumber)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteSuccess(w, r, http.StatusOK, "Workflow found", state)
}

// HandleGetByLoan returns all review workflows for a loan, newest first.
func (h *Handlers) HandleGetByLoan(w http.ResponseWriter, r *http.Request) {
	states, err := h.svc.GetByLoan(r.Context(), chi.URLParam(r, "loanNumber"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteSuccess(w, r, http.StatusOK, "Workflows found", states)
}

// HandleDispatchTask is the seam for an out-of-process workflow engine: it
// executes exactly one task action against the store.
func (h *Handlers) HandleDispatchTask(w http.ResponseWriter, r *http.Request) {
	var task dispatch.Task
	if _, err := readBody(r, &task); err != nil {
		WriteError(w, r, err)
		return
	}
	if _, err := dispatch.ParseAction(string(task.Action)); err != nil {
		WriteError(w, r, err)
		return
	}
	if task.CorrelationID == "" {
		task.CorrelationID = observability.CorrelationIDFrom(r.Context())
	}

	result, err := h.dispatcher.Dispatch(r.Context(), task)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteSuccess(w, r, http.StatusOK, "Task executed", result)
}
