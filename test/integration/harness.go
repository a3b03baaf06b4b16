// Package integration provides a test harness for end-to-end testing of the
// requisition service. It starts the full HTTP stack with in-memory stores,
// a mock workflow service, a mock notification webhook and a test JWT issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/requisition/internal/condition"
	"github.com/pitabwire/requisition/internal/config"
	"github.com/pitabwire/requisition/internal/directory"
	"github.com/pitabwire/requisition/internal/distribution"
	"github.com/pitabwire/requisition/internal/idempotency"
	"github.com/pitabwire/requisition/internal/job"
	"github.com/pitabwire/requisition/internal/notify"
	"github.com/pitabwire/requisition/internal/observability"
	"github.com/pitabwire/requisition/internal/outbox"
	"github.com/pitabwire/requisition/internal/recipient"
	"github.com/pitabwire/requisition/internal/transport"
	"github.com/pitabwire/requisition/internal/workflow"
	"github.com/pitabwire/requisition/internal/workflowsvc"
	"github.com/pitabwire/requisition/model"
)

// Seeded program fixture.
const (
	ProgramID        = "prog-acme"
	OtherProgramID   = "prog-other"
	HierarchyID      = "h-emea"
	ManagerID        = "user-manager"
	ReviewerID       = "user-reviewer"
	TemplateDirect   = "tpl-direct"
	TemplateReviewed = "tpl-reviewed"
	TemplateManual   = "tpl-manual"

	specificUserType = "rt-specific"
)

// Vendors enrolled in the seeded program.
var Vendors = []string{"vendor-a", "vendor-b"}

// TestHarness is a fully wired service behind an httptest server.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	WorkflowService *MockWorkflowService
	Webhook         *MockWebhook
	Directory       *directory.Memory
	Jobs            *job.MemoryStore
	Workflows       *workflow.MemoryStore
	Distributions   *distribution.MemoryStore
	DeadLetters     *outbox.MemorySink
	Breaker         *workflowsvc.Breaker

	queue *outbox.Queue
}

// HarnessOption configures the test harness.
type HarnessOption func(*config.Config)

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) { c.Server.HandlerTimeout = d }
}

// WithWorkflowServiceTimeout sets the client timeout for workflow service calls.
func WithWorkflowServiceTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) { c.WorkflowService.Timeout = d }
}

// WithBreakerThreshold sets the consecutive failures that open the breaker.
func WithBreakerThreshold(n int) HarnessOption {
	return func(c *config.Config) { c.WorkflowService.CircuitBreaker.FailureThreshold = n }
}

// NewTestHarness wires every component the way the daemon does, backed by
// in-memory stores seeded with one program.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	issuer := newTokenIssuer(t)
	wfsvc := newMockWorkflowService(t)
	webhook := newMockWebhook(t)

	cfg := config.Defaults()
	cfg.Identity.Issuer = issuer.Issuer()
	cfg.Identity.Audience = issuer.Audience()
	cfg.Identity.JWKSURL = issuer.JWKSURL()
	cfg.Identity.Algorithms = []string{"ES256"}
	cfg.WorkflowService.BaseURL = wfsvc.URL()
	cfg.WorkflowService.SpecFile = workflowServiceSpec()
	cfg.WorkflowService.Timeout = 2 * time.Second
	cfg.WorkflowService.Retry.MaxAttempts = 1
	cfg.Notification.WebhookURL = webhook.URL()
	cfg.Notification.Timeout = 2 * time.Second
	cfg.Outbox.Workers = 2
	cfg.Outbox.TaskTimeout = 2 * time.Second
	for _, opt := range opts {
		opt(cfg)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	ctx := context.Background()

	h := &TestHarness{
		t:               t,
		issuer:          issuer,
		WorkflowService: wfsvc,
		Webhook:         webhook,
		Directory:       directory.NewMemory(),
		Jobs:            job.NewMemoryStore(),
		Workflows:       workflow.NewMemoryStore(),
		Distributions:   distribution.NewMemoryStore(),
		DeadLetters:     outbox.NewMemorySink(0),
	}
	h.seed(ctx)

	fields, err := condition.NewFieldTable(cfg.Conditions.Fields)
	if err != nil {
		t.Fatalf("field table: %v", err)
	}
	lookup := directory.NewCachedLookup(h.Directory, directory.NewMemoryCache(), cfg.Lookup.Cache.TTL, nil)
	evaluator := condition.NewEvaluator(fields, lookup, logger)
	resolver := recipient.NewResolver(h.Directory, lookup, logger)

	ops, err := workflowsvc.LoadOperations(ctx, cfg.WorkflowService.SpecFile, cfg.WorkflowService.BaseURL)
	if err != nil {
		t.Fatalf("load workflow service operations: %v", err)
	}
	client := workflowsvc.NewClient(ops, cfg.WorkflowService, logger)
	h.Breaker = client.Breaker()

	engine := workflow.NewEngine(h.Workflows, evaluator, resolver, client, h.Directory, logger)

	h.queue = outbox.NewQueue(outbox.Options{
		Workers:     cfg.Outbox.Workers,
		QueueSize:   cfg.Outbox.QueueSize,
		TaskTimeout: cfg.Outbox.TaskTimeout,
	}, h.DeadLetters, logger)
	h.queue.Start(ctx)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.queue.Close(closeCtx)
	})

	scheduler := distribution.NewScheduler(h.Distributions, h.Directory, logger)
	jobs := job.NewService(h.Jobs, engine, scheduler, h.Distributions, logger).
		WithOutbox(h.queue, notify.NewHTTPSender(cfg.Notification, logger))
	scheduler.OnFirstDistribution(jobs.MarkSourcing)

	keys := transport.NewKeySet(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, keys),
		Jobs:         jobs,
		Idempotency:  idempotency.NewMemoryStore(),
		Readiness: observability.ReadinessChecks{
			WorkflowServiceLoaded: func() bool { return len(ops.IDs()) > 0 },
			JobStore:              jobs,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// seed installs one program with a manager, a reviewer, two vendors, three
// templates and a review workflow on job creation.
func (h *TestHarness) seed(ctx context.Context) {
	h.t.Helper()

	for _, u := range []model.User{
		{ID: ManagerID, UserType: model.UserTypeMSP},
		{ID: ReviewerID, UserType: model.UserTypeClient},
	} {
		u.ProgramID = ProgramID
		u.Status = model.UserStatusActive
		u.AssociateHierarchyIDs = []string{HierarchyID}
		h.Directory.PutUser(u)
	}
	h.Directory.SetProgramHierarchies(ProgramID, HierarchyID)
	h.Directory.PutRecipientType(specificUserType, recipient.TypeSpecificUser)

	for _, id := range Vendors {
		h.Directory.PutVendor(model.ProgramVendor{
			ID:               "pv-" + id,
			ProgramID:        ProgramID,
			VendorID:         id,
			Status:           directory.VendorStatusActive,
			IsAllHierarchy:   true,
			IsIndustryExempt: true,
			SubmissionLimit:  3,
		})
	}

	templates := []model.JobTemplate{
		{ID: TemplateDirect, IsAutomaticDistribution: true},
		{ID: TemplateReviewed, IsAutomaticDistribution: true, IsReviewConfiguredOrSubmit: true},
		{ID: TemplateManual},
	}
	for i := range templates {
		templates[i].ProgramID = ProgramID
		templates[i].Name = templates[i].ID
		templates[i].SubmissionLimitVendor = 2
		if err := h.Jobs.SaveTemplate(ctx, &templates[i]); err != nil {
			h.t.Fatalf("seed template: %v", err)
		}
	}

	review := model.Workflow{
		ID:           "wf-review-create",
		ProgramID:    ProgramID,
		Name:         "Requisition review",
		FlowType:     model.FlowTypeReview,
		Event:        model.EventJobCreate,
		HierarchyIDs: []string{HierarchyID},
		Levels: []model.Level{{
			PlacementOrder: 0,
			RecipientTypes: []model.Recipient{{
				RecipientTypeID: specificUserType,
				MetaData:        map[string]any{model.MetaKeyUserID: ReviewerID},
				Behaviour:       model.BehaviourAny,
			}},
		}},
		CreatedAt: time.Now(),
	}
	if err := h.Workflows.SaveConfigured(ctx, review); err != nil {
		h.t.Fatalf("seed workflow: %v", err)
	}
}

// BaseURL returns the base URL of the test server.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT for the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates an expired JWT for the given claims.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Do sends a request with an optional JSON body, bearer token and headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("execute request %s %s: %v", method, path, err)
	}
	return resp
}

// Envelope is the response wrapper every endpoint returns.
type Envelope[T any] struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id"`
	Data       T      `json:"data"`
}

// Expect checks the status of resp and decodes its envelope.
func Expect[T any](t *testing.T, resp *http.Response, status int) Envelope[T] {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, status, raw)
	}
	var env Envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v\nbody: %s", err, raw)
	}
	return env
}

// Eventually polls cond until it holds or the deadline passes.
func Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- Default test claims ---

// ManagerClaims returns claims for the program's job manager.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: ManagerID,
		ProgramID: ProgramID,
		UserType:  model.UserTypeMSP,
		Email:     "manager@acme.example.com",
	}
}

// ReviewerClaims returns claims for the configured reviewer.
func ReviewerClaims() TestClaims {
	return TestClaims{
		SubjectID: ReviewerID,
		ProgramID: ProgramID,
		UserType:  model.UserTypeClient,
		Email:     "reviewer@acme.example.com",
	}
}

// OutsiderClaims returns claims for a user of another program.
func OutsiderClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-outsider",
		ProgramID: OtherProgramID,
		UserType:  model.UserTypeClient,
	}
}

// NewJob returns a valid job payload for the given template.
func NewJob(templateID string) map[string]any {
	return map[string]any{
		"job_template_id": templateID,
		"job_manager_id":  ManagerID,
		"hierarchy_ids":   []string{HierarchyID},
		"no_positions":    2,
		"currency":        "EUR",
		"budgets": map[string]any{
			"min": map[string]any{"net_budget": 1000},
			"max": map[string]any{"net_budget": 5000},
		},
	}
}

// workflowServiceSpec returns the OpenAPI description of the workflow service.
func workflowServiceSpec() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "internal", "workflowsvc", "testdata", "workflow-service.yaml")
}
