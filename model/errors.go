package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes carried in ErrorEnvelope.Code.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"

	ErrWorkflowNotFound  = "WORKFLOW_NOT_FOUND"
	ErrWorkflowNotActive = "WORKFLOW_NOT_ACTIVE"
	ErrLevelNotFound     = "LEVEL_NOT_FOUND"
	ErrNotARecipient     = "NOT_A_RECIPIENT"
)

var httpStatusByCode = map[string]int{
	ErrBadRequest:         http.StatusBadRequest,
	ErrUnauthorized:       http.StatusUnauthorized,
	ErrForbidden:          http.StatusForbidden,
	ErrNotFound:           http.StatusNotFound,
	ErrConflict:           http.StatusConflict,
	ErrValidationError:    http.StatusBadRequest,
	ErrInvalidTransition:  http.StatusUnprocessableEntity,
	ErrInternalError:      http.StatusInternalServerError,
	ErrBackendUnavailable: http.StatusBadGateway,
	ErrBackendTimeout:     http.StatusGatewayTimeout,
	ErrWorkflowNotFound:   http.StatusNotFound,
	ErrWorkflowNotActive:  http.StatusConflict,
	ErrLevelNotFound:      http.StatusNotFound,
	ErrNotARecipient:      http.StatusForbidden,
}

// ErrorEnvelope is a client-facing error. Message is safe to return to the
// caller; Cause is kept for logs and errors.Is but never serialized.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
	Cause   error        `json:"-"`
}

func (e *ErrorEnvelope) Error() string {
	if e.Cause != nil {
		return e.Code + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *ErrorEnvelope) Unwrap() error { return e.Cause }

// HTTPStatus is the response status for the envelope's code. Unknown codes
// answer 500.
func (e *ErrorEnvelope) HTTPStatus() int {
	if s, ok := httpStatusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithCause returns a copy of e that wraps cause.
func (e *ErrorEnvelope) WithCause(cause error) *ErrorEnvelope {
	out := *e
	out.Cause = cause
	return &out
}

// FieldError names one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope returns the first *ErrorEnvelope in err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	ok := errors.As(err, &ee)
	return ee, ok
}

// HasCode reports whether err's chain holds an envelope with code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

func envelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return envelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return envelope(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return envelope(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return envelope(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return envelope(ErrConflict, msg) }

// NewInvalidTransitionError reports a job status change the state machine
// does not allow.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return envelope(ErrInvalidTransition, msg)
}

// NewValidationError lists every rejected field of a request body.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := envelope(ErrValidationError, "One or more fields are invalid")
	e.Details = details
	return e
}

func NewWorkflowNotActiveError(msg string) *ErrorEnvelope {
	return envelope(ErrWorkflowNotActive, msg)
}

func NewLevelNotFoundError(placementOrder int) *ErrorEnvelope {
	return envelope(ErrLevelNotFound, fmt.Sprintf("level with placement order %d not found", placementOrder))
}

func NewNotARecipientError(userID string, placementOrder int) *ErrorEnvelope {
	return envelope(ErrNotARecipient,
		fmt.Sprintf("user %q is not a pending recipient of level %d", userID, placementOrder))
}

// NewInternalError hides the failure from the caller. Attach the real error
// with WithCause so it still reaches the logs.
func NewInternalError() *ErrorEnvelope {
	return envelope(ErrInternalError, "An unexpected error occurred")
}

func NewBackendUnavailableError() *ErrorEnvelope {
	return envelope(ErrBackendUnavailable, "The workflow service is temporarily unavailable")
}

func NewBackendTimeoutError() *ErrorEnvelope {
	return envelope(ErrBackendTimeout, "The workflow service did not respond in time")
}
