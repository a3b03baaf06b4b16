package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorEnvelope_Error(t *testing.T) {
	assert.Equal(t, "NOT_FOUND: Job not found", NewNotFoundError("Job not found").Error())

	withCause := NewInternalError().WithCause(errors.New("pq: connection reset"))
	assert.Equal(t, "INTERNAL_ERROR: An unexpected error occurred: pq: connection reset", withCause.Error())
}

func TestErrorEnvelope_WithCause(t *testing.T) {
	base := NewBackendTimeoutError()
	wrapped := base.WithCause(context.DeadlineExceeded)

	assert.Nil(t, base.Cause, "original envelope is left untouched")
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.True(t, HasCode(fmt.Errorf("createLevel: %w", wrapped), ErrBackendTimeout))

	raw, err := json.Marshal(wrapped)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "deadline", "causes stay out of responses")
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err        *ErrorEnvelope
		wantCode   string
		wantStatus int
	}{
		{NewBadRequestError("bad json"), ErrBadRequest, http.StatusBadRequest},
		{NewUnauthorizedError("missing token"), ErrUnauthorized, http.StatusUnauthorized},
		{NewForbiddenError("admins only"), ErrForbidden, http.StatusForbidden},
		{NewNotFoundError("no job"), ErrNotFound, http.StatusNotFound},
		{NewConflictError("duplicate"), ErrConflict, http.StatusConflict},
		{NewValidationError(nil), ErrValidationError, http.StatusBadRequest},
		{NewInvalidTransitionError("CLOSED to HOLD"), ErrInvalidTransition, http.StatusUnprocessableEntity},
		{NewWorkflowNotActiveError("completed"), ErrWorkflowNotActive, http.StatusConflict},
		{NewLevelNotFoundError(3), ErrLevelNotFound, http.StatusNotFound},
		{NewNotARecipientError("u1", 2), ErrNotARecipient, http.StatusForbidden},
		{NewInternalError(), ErrInternalError, http.StatusInternalServerError},
		{NewBackendUnavailableError(), ErrBackendUnavailable, http.StatusBadGateway},
		{NewBackendTimeoutError(), ErrBackendTimeout, http.StatusGatewayTimeout},
		{&ErrorEnvelope{Code: ErrWorkflowNotFound}, ErrWorkflowNotFound, http.StatusNotFound},
		{&ErrorEnvelope{Code: "SOMETHING_NEW"}, "SOMETHING_NEW", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, tt.err.Code)
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus())
		})
	}
}

func TestNewNotARecipientError_message(t *testing.T) {
	assert.Equal(t, `user "u1" is not a pending recipient of level 2`, NewNotARecipientError("u1", 2).Message)
}

func TestNewValidationError_details(t *testing.T) {
	e := NewValidationError([]FieldError{{Field: "no_positions", Code: "MIN", Message: "must be at least 1"}})
	require.Len(t, e.Details, 1)
	assert.Equal(t, "no_positions", e.Details[0].Field)
}

func TestHasCode(t *testing.T) {
	wrapped := fmt.Errorf("review: %w", NewLevelNotFoundError(3))
	assert.True(t, HasCode(wrapped, ErrLevelNotFound))
	assert.False(t, HasCode(wrapped, ErrNotFound))
	assert.False(t, HasCode(errors.New("plain"), ErrNotFound))
	assert.False(t, HasCode(nil, ErrNotFound))

	_, ok := AsEnvelope(errors.New("plain"))
	assert.False(t, ok)
}
