package model

import "fmt"

// Standard error codes surfaced at the API boundary.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrValidation         = "VALIDATION_ERROR"
	ErrMissingField       = "VALIDATION_MISSING_FIELD"
	ErrInvalidFormat      = "VALIDATION_INVALID_FORMAT"
	ErrPayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrExternalSystem     = "EXTERNAL_SYSTEM_ERROR"
	ErrInvariantViolation = "INVARIANT_VIOLATION"
	ErrInternal           = "INTERNAL_ERROR"
)

// ErrorEnvelope is the structured error carried across layers and rendered
// at the API boundary. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Field names the violated request field for validation errors.
	Field string `json:"field,omitempty"`
	// Retryable marks failures the workflow engine may safely re-issue.
	Retryable bool `json:"-"`
}

func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError returns a caller-fixable validation error naming the
// violated field.
func NewValidationError(msg, field string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidation, Message: msg, Field: field}
}

// NewMissingFieldError reports absent mandatory fields.
func NewMissingFieldError(msg, field string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMissingField, Message: msg, Field: field}
}

// NewInvalidFormatError reports an identifier that fails its format pattern.
func NewInvalidFormatError(msg, field string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidFormat, Message: msg, Field: field}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a WORKFLOW_NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkflowNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error (optimistic-lock or idempotency
// key collisions).
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewExternalSystemError returns a retryable downstream failure. State is
// left unchanged by the caller so the engine's retry sees a consistent record.
func NewExternalSystemError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExternalSystem, Message: msg, Retryable: true}
}

// NewInvariantViolation marks a defect in the calling engine's wiring, not a
// business condition. It is never translated to a user-facing message; it
// propagates so the defect surfaces during development and testing.
func NewInvariantViolation(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvariantViolation, Message: msg}
}

// NewInternalError returns a generic INTERNAL_ERROR with no internal detail.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInternal, Message: "An unexpected error occurred"}
}

// CodeOf extracts the envelope code from an error, or ErrInternal for
// foreign error types.
func CodeOf(err error) string {
	if ee, ok := err.(*ErrorEnvelope); ok {
		return ee.Code
	}
	return ErrInternal
}

// IsNotFound reports whether err is a WORKFLOW_NOT_FOUND envelope.
func IsNotFound(err error) bool { return CodeOf(err) == ErrWorkflowNotFound }

// IsRetryable reports whether err may safely be re-issued by the engine.
func IsRetryable(err error) bool {
	ee, ok := err.(*ErrorEnvelope)
	return ok && ee.Retryable
}
