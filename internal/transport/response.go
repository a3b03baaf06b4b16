// Package transport contains the HTTP router, the middleware chain and the
// job API handlers.
package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/requisition/internal/observability"
	"github.com/pitabwire/requisition/model"
)

// Envelope is the body of every API response.
type Envelope struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id,omitempty"`
	Data       any    `json:"data"`
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

// WriteData writes data wrapped in the response envelope.
func WriteData(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	WriteJSON(w, status, Envelope{
		StatusCode: status,
		Message:    message,
		TraceID:    traceID(r),
		Data:       data,
	})
}

// WriteError writes err in the response envelope with the HTTP status of its
// code. Errors that are not an *ErrorEnvelope become a generic 500. Server
// side failures are logged through the request logger with their cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError().WithCause(err)
	}

	status := ee.HTTPStatus()
	if status >= http.StatusInternalServerError && r != nil {
		observability.RequestLogger(r.Context(), zap.NewNop()).Error("request failed",
			zap.String("code", ee.Code), zap.Error(err))
	}
	out := *ee
	out.TraceID = traceID(r)
	WriteJSON(w, status, Envelope{
		StatusCode: status,
		Message:    out.Message,
		TraceID:    out.TraceID,
		Data:       &out,
	})
}

// traceID is the id shared by the response and the request log line: the
// active span when tracing is on, else the correlation id.
func traceID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := observability.TraceIDFromContext(r.Context()); id != "" {
		return id
	}
	return CorrelationIDFrom(r.Context())
}
