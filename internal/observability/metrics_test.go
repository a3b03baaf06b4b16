package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return InitMetrics(reg), reg
}

func TestInitMetrics_duplicateRegistrationPanics(t *testing.T) {
	_, reg := newTestMetrics(t)
	assert.Panics(t, func() { InitMetrics(reg) })
}

func TestMetrics_recorders(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordJobTransition("DRAFT", "PENDING_REVIEW")
	m.RecordJobTransition("PENDING_REVIEW", "OPEN")
	m.RecordWorkflowTrigger("JOB_CREATE", "pending")
	m.RecordWorkflowReview("Review", "approved")
	m.RecordWorkflowCompletion("Review")
	m.RecordWorkflowBypass("duplicate_approver")
	m.RecordWorkflowBypass("duplicate_approver")
	m.RecordDistribution("tiered", 3, 2, 40*time.Millisecond)
	m.RecordDistributionActivations(2)
	m.RecordBackendRequest("workflow", "createLevel", 201, 15*time.Millisecond)
	m.RecordBackendRetry("workflow")
	m.SetBackendCircuitBreakerState("workflow", 2)
	m.RecordLookupCacheHit("users")
	m.RecordLookupCacheHit("users")
	m.RecordLookupCacheMiss("users")
	m.RecordOutboxTask("history", "ok")
	m.SetOutboxQueueDepth(7)
	m.RecordNotification("JOB_CREATE", "failed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobTransitions.WithLabelValues("PENDING_REVIEW", "OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wfTriggers.WithLabelValues("JOB_CREATE", "pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.wfBypasses.WithLabelValues("duplicate_approver")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.distRows.WithLabelValues("tiered", "distributed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.distRows.WithLabelValues("tiered", "scheduled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.distActivations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendRequests.WithLabelValues("workflow", "createLevel", "201")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.backendBreaker.WithLabelValues("workflow")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookupCache.WithLabelValues("users", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookupCache.WithLabelValues("users", "miss")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.outboxDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("JOB_CREATE", "failed")))

	names := map[string]bool{}
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"requisition_job_transitions_total",
		"requisition_workflow_triggers_total",
		"requisition_workflow_reviews_total",
		"requisition_workflow_completions_total",
		"requisition_distribution_rows_total",
		"requisition_distribution_run_duration_seconds",
		"requisition_backend_request_duration_seconds",
		"requisition_backend_retries_total",
		"requisition_directory_cache_lookups_total",
		"requisition_outbox_tasks_total",
		"requisition_notify_deliveries_total",
	} {
		assert.True(t, names[want], want)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m, _ := newTestMetrics(t)
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/jobs/{jobId}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status_code":200}`))
	})
	r.Patch("/jobs/{jobId}/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPatch, "/jobs/job-1/status", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/vendors", nil))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/jobs/{jobId}", "200")),
		"ids collapse into the route pattern")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("PATCH", "/jobs/{jobId}/status", "422")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.httpLatency), "one series per method and pattern")
	assert.Equal(t, 3, testutil.CollectAndCount(m.httpResponse))
}

func TestHandler_servesDefaultGatherer(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
