package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/requisition/internal/idempotency"
	"github.com/pitabwire/requisition/internal/observability"
	"github.com/pitabwire/requisition/model"
)

const maxIdempotentBody = 1 << 20

// idempotencyKey returns the client key of a request, if any.
func idempotencyKey(r *http.Request) string {
	if k := r.Header.Get("X-Idempotency-Key"); k != "" {
		return k
	}
	return r.Header.Get("Idempotency-Key")
}

// Idempotent replays the recorded response of a request that repeats a
// client key. Requests without a key pass through. Reusing a key with a
// different body is a CONFLICT. Only 2xx responses are recorded so a failed
// attempt can be retried.
func Idempotent(store idempotency.Store, route string, ttl time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := idempotencyKey(r)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			log := observability.LoggerFrom(r.Context(), logger)

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				WriteError(w, r, model.NewBadRequestError("Unable to read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			rctx := model.MustRequestContext(r.Context())
			key := idempotency.Key(route, rctx.ProgramID, rctx.SubjectID, clientKey)
			hash := idempotency.HashInput(body)

			prev, found, err := store.Check(r.Context(), key, hash)
			if err != nil {
				if model.HasCode(err, model.ErrConflict) {
					WriteError(w, r, err)
					return
				}
				log.Warn("idempotency check failed, serving request", zap.Error(err))
			} else if found {
				w.Header().Set("Idempotent-Replayed", "true")
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(prev.StatusCode)
				w.Write(prev.Body)
				return
			}

			rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 || !json.Valid(rec.body.Bytes()) {
				return
			}
			resp := idempotency.Response{StatusCode: rec.status, Body: json.RawMessage(rec.body.Bytes())}
			if err := store.Save(r.Context(), key, hash, resp, ttl); err != nil {
				log.Warn("idempotency save failed", zap.Error(err))
			}
		})
	}
}

// capturingWriter copies the response body while writing it through.
type capturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *capturingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
