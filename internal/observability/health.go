package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Set from main through ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Probe outcomes.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists the dependencies probed by /ready. Nil entries are
// skipped. A failing critical dependency takes the instance out of rotation;
// Redis only backs idempotency replay and dead letters, so losing it reports
// degraded and keeps serving.
type ReadinessChecks struct {
	// WorkflowServiceLoaded reports whether the remote workflow operations
	// are indexed. Nil when the local adapter is in use.
	WorkflowServiceLoaded func() bool

	JobStore          HealthChecker
	WorkflowStore     HealthChecker
	DistributionStore HealthChecker
	Directory         HealthChecker
	Identity          HealthChecker
	Redis             HealthChecker
}

type probe struct {
	name     string
	critical bool
	checker  HealthChecker
}

func (c ReadinessChecks) probes() []probe {
	var out []probe
	if c.WorkflowServiceLoaded != nil {
		loaded := c.WorkflowServiceLoaded
		out = append(out, probe{"workflow_service", true, CheckFunc(func(context.Context) error {
			if !loaded() {
				return errNotIndexed
			}
			return nil
		})})
	}
	for _, p := range []probe{
		{"job_store", true, c.JobStore},
		{"workflow_store", true, c.WorkflowStore},
		{"distribution_store", true, c.DistributionStore},
		{"directory", true, c.Directory},
		{"identity", true, c.Identity},
		{"redis", false, c.Redis},
	} {
		if p.checker != nil {
			out = append(out, p)
		}
	}
	return out
}

type readinessError string

func (e readinessError) Error() string { return string(e) }

const errNotIndexed = readinessError("workflow service operations not indexed")

const checkTimeout = 2 * time.Second

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{
			Status:  StatusOK,
			Service: ServiceName,
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady probes every configured dependency concurrently.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	probes := checks.probes()
	return func(w http.ResponseWriter, r *http.Request) {
		var mu sync.Mutex
		results := make(map[string]CheckResult, len(probes))

		g, ctx := errgroup.WithContext(r.Context())
		for _, p := range probes {
			g.Go(func() error {
				res := runCheck(ctx, p.checker)
				res.Critical = p.critical
				mu.Lock()
				results[p.name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		status, code := StatusReady, http.StatusOK
		for _, res := range results {
			if res.Status == StatusOK {
				continue
			}
			if res.Critical {
				status, code = StatusNotReady, http.StatusServiceUnavailable
				break
			}
			status = StatusDegraded
		}
		writeProbe(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: StatusOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
	}
	return res
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
