package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/requisition/internal/config"
	"github.com/pitabwire/requisition/model"
)

const portalOrigin = "https://portal.acme.example.com"

func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{portalOrigin}
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{Config: cfg, Jobs: newFakeJobs()}
}

func rejectAuth(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, model.NewUnauthorizedError("rejected"))
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// withClaims returns a request carrying verified claims, as the
// authenticator would leave it.
func withClaims(method, path string, claims map[string]any) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(WithClaims(req.Context(), claims))
}

func TestNewRouter_publicEndpoints(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAuth
	r := NewRouter(deps)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		rec := serve(r, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"), path)
		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"), path)
	}

	var health map[string]string
	require.NoError(t, json.NewDecoder(serve(r, httptest.NewRequest(http.MethodGet, "/health", nil)).Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps := testDeps()
	deps.Config.Observability.Metrics.Enabled = false
	rec := serve(NewRouter(deps), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRouter_jobRoutesRequireAuth(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAuth
	r := NewRouter(deps)

	for _, route := range [][2]string{
		{http.MethodPost, "/jobs"},
		{http.MethodGet, "/jobs"},
		{http.MethodGet, "/jobs/job-1"},
		{http.MethodPut, "/jobs/job-1"},
		{http.MethodPatch, "/jobs/job-1/status"},
		{http.MethodPost, "/jobs/job-1/distribution"},
		{http.MethodGet, "/jobs/job-1/distributions"},
		{http.MethodGet, "/jobs/job-1/history"},
		{http.MethodPost, "/jobs/job-1/workflows/wf-1/review"},
		{http.MethodPost, "/jobs/job-1/assignments"},
	} {
		rec := serve(r, httptest.NewRequest(route[0], route[1], nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route[0], route[1])
	}
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil job template")
	}))

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/jobs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var env Envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, http.StatusInternalServerError, env.StatusCode)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())

	ok := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	assert.Equal(t, http.StatusAccepted, serve(ok, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}

func TestCORS(t *testing.T) {
	h := CORS(config.CORSConfig{
		AllowedOrigins: []string{portalOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         600,
	})

	t.Run("preflight from the portal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/jobs/job-1/status", nil)
		req.Header.Set("Origin", portalOrigin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
		rec := serve(h(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Error("preflight must not reach the handler")
		})), req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, portalOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch)
		assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("simple request exposes correlation headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.Header.Set("Origin", portalOrigin)
		rec := serve(h(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})), req)

		assert.Equal(t, portalOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Correlation-Id")
	})

	t.Run("foreign origin gets no grant", func(t *testing.T) {
		called := false
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := serve(h(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			called = true
		})), req)

		assert.True(t, called)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "generated when absent"},
		{name: "caller correlation id kept", headers: map[string]string{"X-Correlation-Id": "corr-vms-7"}, want: "corr-vms-7"},
		{name: "request id accepted", headers: map[string]string{"X-Request-Id": "req-42"}, want: "req-42"},
		{
			name:    "correlation id preferred",
			headers: map[string]string{"X-Correlation-Id": "corr-1", "X-Request-Id": "req-1"},
			want:    "corr-1",
		},
		{name: "whitespace replaced", headers: map[string]string{"X-Correlation-Id": "corr 1"}},
		{name: "oversized replaced", headers: map[string]string{"X-Correlation-Id": strings.Repeat("a", 129)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = CorrelationIDFrom(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := serve(h, req)

			assert.Equal(t, seen, rec.Header().Get("X-Correlation-Id"))
			if tt.want != "" {
				assert.Equal(t, tt.want, seen)
				return
			}
			_, err := uuid.Parse(seen)
			assert.NoError(t, err, "generated id %q", seen)
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := serve(SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})),
		httptest.NewRequest(http.MethodGet, "/", nil))

	for _, kv := range apiSecurityHeaders {
		assert.Equal(t, kv[1], rec.Header().Get(kv[0]), kv[0])
	}
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestBuildRequestContext(t *testing.T) {
	tests := []struct {
		name     string
		paths    map[string]string
		claims   map[string]any
		header   map[string]string
		wantCode int
		check    func(t *testing.T, rctx *model.RequestContext)
	}{
		{
			name: "default claim names",
			claims: map[string]any{
				"sub":        "user-approver",
				"email":      "approver@acme.example.com",
				"program_id": "prog-acme",
				"user_type":  model.UserTypeMSP,
				"roles":      []any{"admin", "approver"},
			},
			header:   map[string]string{"Authorization": "Bearer tok-1"},
			wantCode: http.StatusOK,
			check: func(t *testing.T, rctx *model.RequestContext) {
				assert.Equal(t, "user-approver", rctx.SubjectID)
				assert.Equal(t, "prog-acme", rctx.ProgramID)
				assert.Equal(t, model.UserTypeMSP, rctx.UserType)
				assert.Equal(t, "approver@acme.example.com", rctx.Email)
				assert.Equal(t, "tok-1", rctx.Token)
				assert.True(t, rctx.IsAdmin())
			},
		},
		{
			name: "nested claim paths",
			paths: map[string]string{
				"program_id": "tenant.program",
				"roles":      "realm_access.roles",
			},
			claims: map[string]any{
				"sub":          "user-manager",
				"realm_access": map[string]any{"roles": []any{"job_manager"}},
				"tenant":       map[string]any{"program": "prog-globex"},
			},
			wantCode: http.StatusOK,
			check: func(t *testing.T, rctx *model.RequestContext) {
				assert.Equal(t, "prog-globex", rctx.ProgramID)
				assert.Equal(t, []string{"job_manager"}, rctx.Roles)
				assert.False(t, rctx.IsAdmin())
			},
		},
		{
			name:     "program from header",
			claims:   map[string]any{"sub": "user-manager"},
			header:   map[string]string{"X-Program-Id": "prog-initech"},
			wantCode: http.StatusOK,
			check: func(t *testing.T, rctx *model.RequestContext) {
				assert.Equal(t, "prog-initech", rctx.ProgramID)
			},
		},
		{
			name:     "no program",
			claims:   map[string]any{"sub": "user-manager"},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "no subject",
			claims:   map[string]any{"program_id": "prog-acme"},
			wantCode: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *model.RequestContext
			h := BuildRequestContext(tt.paths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = model.RequestContextFrom(r.Context())
			}))
			req := withClaims(http.MethodGet, "/jobs", tt.claims)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := serve(h, req)

			require.Equal(t, tt.wantCode, rec.Code)
			if tt.check != nil {
				require.NotNil(t, got)
				tt.check(t, got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestHandlerTimeout(t *testing.T) {
	var deadline time.Time
	var has bool
	probe := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, has = r.Context().Deadline()
	})

	serve(HandlerTimeout(100*time.Millisecond)(probe), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, has)
	assert.WithinDuration(t, time.Now().Add(100*time.Millisecond), deadline, 150*time.Millisecond)

	serve(HandlerTimeout(0)(probe), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, has)
}

func TestRequestLogging(t *testing.T) {
	tests := []struct {
		status int
		level  zapcore.Level
	}{
		{status: http.StatusCreated, level: zapcore.InfoLevel},
		{status: http.StatusConflict, level: zapcore.WarnLevel},
		{status: http.StatusBadGateway, level: zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{}`))
			})
			h := BuildRequestContext(nil)(RequestLogging(zap.New(core))(inner))

			rec := serve(h, withClaims(http.MethodPost, "/jobs", map[string]any{
				"sub":        "user-manager",
				"program_id": "prog-acme",
			}))
			require.Equal(t, tt.status, rec.Code)

			entries := logs.FilterMessage("request").All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			fields := entries[0].ContextMap()
			assert.Equal(t, int64(tt.status), fields["status"])
			assert.Equal(t, int64(2), fields["bytes"])
			assert.Equal(t, "prog-acme", fields["program_id"])
			assert.Equal(t, "user-manager", fields["subject_id"])
		})
	}
}
