package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "requisition"

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = prometheus.ExponentialBuckets(128, 8, 6)
)

// Metrics is the service's Prometheus instrumentation. Every collector is
// registered against the registerer given to InitMetrics; the recording
// methods satisfy the small Recorder interfaces declared by each package.
type Metrics struct {
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	httpResponse *prometheus.HistogramVec

	jobTransitions *prometheus.CounterVec

	wfTriggers    *prometheus.CounterVec
	wfReviews     *prometheus.CounterVec
	wfCompletions *prometheus.CounterVec
	wfBypasses    *prometheus.CounterVec

	distRows        *prometheus.CounterVec
	distActivations prometheus.Counter
	distLatency     prometheus.Histogram

	backendRequests *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	backendBreaker  *prometheus.GaugeVec
	backendRetries  *prometheus.CounterVec

	lookupCache *prometheus.CounterVec

	outboxTasks   *prometheus.CounterVec
	outboxDepth   prometheus.Gauge
	notifications *prometheus.CounterVec
}

// InitMetrics creates the collectors and registers them with reg. It panics
// on duplicate registration.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(sub, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: sub, Name: name, Help: help}, labels)
	}
	histogram := func(sub, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Subsystem: sub, Name: name, Help: help, Buckets: buckets}, labels)
	}

	return &Metrics{
		httpRequests: counter("http", "requests_total", "HTTP requests by route and status.", "method", "path_pattern", "status"),
		httpLatency:  histogram("http", "request_duration_seconds", "HTTP request latency.", latencyBuckets, "method", "path_pattern"),
		httpResponse: histogram("http", "response_size_bytes", "HTTP response body size.", sizeBuckets, "method", "path_pattern"),

		jobTransitions: counter("job", "transitions_total", "Job status transitions.", "from", "to"),

		wfTriggers:    counter("workflow", "triggers_total", "Workflow triggers by event and outcome.", "event", "outcome"),
		wfReviews:     counter("workflow", "reviews_total", "Review and approval actions.", "flow_type", "outcome"),
		wfCompletions: counter("workflow", "completions_total", "Workflows that reached completed.", "flow_type"),
		wfBypasses:    counter("workflow", "bypasses_total", "Levels or recipients bypassed.", "reason"),

		distRows: counter("distribution", "rows_total", "Vendor distribution rows written.", "mode", "status"),
		distActivations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "distribution", Name: "activations_total",
			Help: "Scheduled distributions released to vendors.",
		}),
		distLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "distribution", Name: "run_duration_seconds",
			Help: "Distribution run latency.", Buckets: latencyBuckets,
		}),

		backendRequests: counter("backend", "requests_total", "Workflow service calls by operation and status.", "service_id", "operation_id", "status"),
		backendLatency:  histogram("backend", "request_duration_seconds", "Workflow service call latency.", latencyBuckets, "service_id"),
		backendBreaker: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "backend", Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"service_id"}),
		backendRetries: counter("backend", "retries_total", "Workflow service call retries.", "service_id"),

		lookupCache: counter("directory", "cache_lookups_total", "Directory cache lookups by result.", "lookup_id", "result"),

		outboxTasks: counter("outbox", "tasks_total", "Background tasks by kind and outcome.", "kind", "outcome"),
		outboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "queue_depth",
			Help: "Background tasks waiting to run.",
		}),
		notifications: counter("notify", "deliveries_total", "Notification deliveries by event and outcome.", "event", "outcome"),
	}
}

func (m *Metrics) RecordHTTPRequest(method, pattern string, status int, d time.Duration, respBytes int) {
	m.httpRequests.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, pattern).Observe(d.Seconds())
	m.httpResponse.WithLabelValues(method, pattern).Observe(float64(respBytes))
}

func (m *Metrics) RecordJobTransition(from, to string) {
	m.jobTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordWorkflowTrigger(event, outcome string) {
	m.wfTriggers.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) RecordWorkflowReview(flowType, outcome string) {
	m.wfReviews.WithLabelValues(flowType, outcome).Inc()
}

func (m *Metrics) RecordWorkflowCompletion(flowType string) {
	m.wfCompletions.WithLabelValues(flowType).Inc()
}

func (m *Metrics) RecordWorkflowBypass(reason string) {
	m.wfBypasses.WithLabelValues(reason).Inc()
}

// RecordDistribution records the rows one distribution run wrote.
func (m *Metrics) RecordDistribution(mode string, distributed, scheduled int, d time.Duration) {
	m.distRows.WithLabelValues(mode, "distributed").Add(float64(distributed))
	m.distRows.WithLabelValues(mode, "scheduled").Add(float64(scheduled))
	m.distLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordDistributionActivations(n int) {
	m.distActivations.Add(float64(n))
}

func (m *Metrics) RecordBackendRequest(serviceID, operationID string, status int, d time.Duration) {
	m.backendRequests.WithLabelValues(serviceID, operationID, strconv.Itoa(status)).Inc()
	m.backendLatency.WithLabelValues(serviceID).Observe(d.Seconds())
}

// SetBackendCircuitBreakerState takes 0 closed, 1 open or 2 half-open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	m.backendBreaker.WithLabelValues(serviceID).Set(state)
}

func (m *Metrics) RecordBackendRetry(serviceID string) {
	m.backendRetries.WithLabelValues(serviceID).Inc()
}

func (m *Metrics) RecordLookupCacheHit(lookupID string) {
	m.lookupCache.WithLabelValues(lookupID, "hit").Inc()
}

func (m *Metrics) RecordLookupCacheMiss(lookupID string) {
	m.lookupCache.WithLabelValues(lookupID, "miss").Inc()
}

func (m *Metrics) RecordOutboxTask(kind, outcome string) {
	m.outboxTasks.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetOutboxQueueDepth(n int) {
	m.outboxDepth.Set(float64(n))
}

func (m *Metrics) RecordNotification(event, outcome string) {
	m.notifications.WithLabelValues(event, outcome).Inc()
}

// MetricsMiddleware records every request under its chi route pattern so
// job and workflow ids never become label values. Unrouted requests are
// grouped under "unmatched".
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start), ww.BytesWritten())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
