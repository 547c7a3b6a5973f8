// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the review workflow API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/hexfin/loanreview/internal/observability"
	"github.com/hexfin/loanreview/model"
)

// Envelope is the uniform response body for all API endpoints.
type Envelope struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
	Data          any    `json:"data,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	Field         string `json:"field,omitempty"`
}

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrValidation:         http.StatusBadRequest,
	model.ErrMissingField:       http.StatusBadRequest,
	model.ErrInvalidFormat:      http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrWorkflowNotFound:   http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrPayloadTooLarge:    http.StatusRequestEntityTooLarge,
	model.ErrExternalSystem:     http.StatusBadGateway,
	model.ErrInvariantViolation: http.StatusInternalServerError,
	model.ErrInternal:           http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteSuccess writes a success envelope.
func WriteSuccess(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	WriteJSON(w, status, Envelope{
		Success:       true,
		Message:       message,
		CorrelationID: observability.CorrelationIDFrom(r.Context()),
		Data:          data,
	})
}

// WriteError writes an error envelope with the HTTP status mapped from the
// error code. Internal failures expose only the correlation ID; their detail
// stays in the logs.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := err.(*model.ErrorEnvelope)
	if !ok {
		ee = model.NewInternalError()
	}

	status, known := statusForCode[ee.Code]
	if !known {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		ee = model.NewInternalError()
	}

	WriteJSON(w, status, Envelope{
		Success:       false,
		Message:       ee.Message,
		CorrelationID: observability.CorrelationIDFrom(r.Context()),
		ErrorCode:     ee.Code,
		Field:         ee.Field,
	})
}
