package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/pitabwire/requisition/internal/job"
	"github.com/pitabwire/requisition/model"
)

// createJob posts a job and returns the decoded result.
func createJob(t *testing.T, h *TestHarness, token string, body map[string]any) job.Result {
	t.Helper()
	resp := h.Do(http.MethodPost, "/jobs", body, token, nil)
	env := Expect[job.Result](t, resp, http.StatusCreated)
	if env.Data.Job == nil {
		t.Fatal("expected job in create response")
	}
	return env.Data
}

func changeStatus(t *testing.T, h *TestHarness, token, jobID, action string) *model.Job {
	t.Helper()
	resp := h.Do(http.MethodPatch, "/jobs/"+jobID+"/status", map[string]any{"status": action}, token, nil)
	env := Expect[*model.Job](t, resp, http.StatusOK)
	return env.Data
}

func TestJob_CreateWithoutWorkflowDistributesImmediately(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	res := createJob(t, h, token, NewJob(TemplateDirect))

	if res.Workflow != nil {
		t.Errorf("expected no workflow, got %s", res.Workflow.ID)
	}
	if res.Distribution == nil || !res.Distribution.Success {
		t.Fatalf("expected successful distribution, got %+v", res.Distribution)
	}
	if got := res.Job.Status; got != model.JobStatusSourcing {
		t.Errorf("status = %s, want SOURCING", got)
	}
	if n := h.WorkflowService.Calls(opCreateLevel); n != 0 {
		t.Errorf("createLevel called %d times, want 0", n)
	}

	rows, err := h.Distributions.ListByJob(context.Background(), ProgramID, res.Job.ID)
	if err != nil {
		t.Fatalf("list distributions: %v", err)
	}
	if len(rows) != len(Vendors) {
		t.Fatalf("distributions = %d, want %d", len(rows), len(Vendors))
	}
	for _, d := range rows {
		if d.Status != model.DistributionStatusDistributed {
			t.Errorf("vendor %s status = %s, want distributed", d.VendorID, d.Status)
		}
		if d.DistributionDate == nil {
			t.Errorf("vendor %s has no distribution date", d.VendorID)
		}
	}
}

func TestJob_CreateWithoutDistributionPolicyStaysOpen(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	res := createJob(t, h, token, NewJob(TemplateManual))
	if got := res.Job.Status; got != model.JobStatusOpen {
		t.Errorf("status = %s, want OPEN", got)
	}
	if res.Distribution != nil {
		t.Errorf("expected no distribution, got %+v", res.Distribution)
	}
}

func TestJob_ManualDistributionIsIdempotent(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	body := NewJob(TemplateManual)
	res := createJob(t, h, token, body)

	// TemplateManual carries no policy; switch it to automatic afterwards.
	ctx := context.Background()
	tpl, err := h.Jobs.GetTemplate(ctx, ProgramID, TemplateManual)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	tpl.IsAutomaticDistribution = true
	if err := h.Jobs.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("save template: %v", err)
	}

	for i := 0; i < 2; i++ {
		resp := h.Do(http.MethodPost, "/jobs/"+res.Job.ID+"/distribution", nil, token, nil)
		resp.Body.Close()
	}

	resp := h.Do(http.MethodGet, "/jobs/"+res.Job.ID+"/distributions", nil, token, nil)
	env := Expect[[]model.JobDistribution](t, resp, http.StatusOK)
	if len(env.Data) != len(Vendors) {
		t.Fatalf("distributions = %d, want one per vendor", len(env.Data))
	}
	seen := map[string]bool{}
	for _, d := range env.Data {
		if seen[d.VendorID] {
			t.Errorf("vendor %s distributed twice", d.VendorID)
		}
		seen[d.VendorID] = true
	}

	resp = h.Do(http.MethodGet, "/jobs/"+res.Job.ID, nil, token, nil)
	got := Expect[*model.Job](t, resp, http.StatusOK)
	if got.Data.Status != model.JobStatusSourcing {
		t.Errorf("status = %s, want SOURCING", got.Data.Status)
	}
}

func TestJob_ReviewFlowLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	managerToken := h.GenerateToken(ManagerClaims())
	reviewerToken := h.GenerateToken(ReviewerClaims())

	// 1. Create: the review workflow parks the job.
	res := createJob(t, h, managerToken, NewJob(TemplateReviewed))
	if got := res.Job.Status; got != model.JobStatusPendingReview {
		t.Fatalf("status = %s, want PENDING_REVIEW", got)
	}
	if res.Workflow == nil {
		t.Fatal("expected workflow in create response")
	}
	if res.Workflow.FlowType != model.FlowTypeReview {
		t.Errorf("flow type = %s, want Review", res.Workflow.FlowType)
	}

	// 2. The level and its recipients were mirrored to the workflow service.
	if n := h.WorkflowService.Calls(opCreateLevel); n != 1 {
		t.Errorf("createLevel called %d times, want 1", n)
	}
	if n := h.WorkflowService.Calls(opCreateRecipients); n != 1 {
		t.Errorf("createRecipients called %d times, want 1", n)
	}
	if n := h.WorkflowService.Calls(opUpdateWorkflow); n != 1 {
		t.Errorf("updateWorkflow called %d times, want 1", n)
	}

	// 3. Nothing is distributed while the review is pending.
	rows, _ := h.Distributions.ListByJob(context.Background(), ProgramID, res.Job.ID)
	if len(rows) != 0 {
		t.Fatalf("distributions before review = %d, want 0", len(rows))
	}

	// 4. The reviewer approves level 0.
	path := "/jobs/" + res.Job.ID + "/workflows/" + res.Workflow.ID + "/review"
	resp := h.Do(http.MethodPost, path, map[string]any{"placement_order": 0}, reviewerToken, nil)
	env := Expect[job.ReviewOutcome](t, resp, http.StatusOK)

	if !env.Data.Completed {
		t.Fatal("expected review workflow to complete")
	}
	if env.Message != "Workflow completed" {
		t.Errorf("message = %q", env.Message)
	}
	lvl := env.Data.Workflow.Levels[0]
	if lvl.Status != model.LevelStatusCompleted {
		t.Errorf("level status = %s, want completed", lvl.Status)
	}
	if lvl.RecipientTypes[0].Status != model.RecipientStatusReviewed {
		t.Errorf("recipient status = %s, want reviewed", lvl.RecipientTypes[0].Status)
	}

	// 5. No approval flow is configured, so the job opens and is distributed.
	if env.Data.Distribution == nil || !env.Data.Distribution.Success {
		t.Fatalf("expected distribution after review, got %+v", env.Data.Distribution)
	}
	if got := env.Data.Job.Status; got != model.JobStatusSourcing {
		t.Errorf("status = %s, want SOURCING", got)
	}

	// 6. A second review on the settled workflow is refused.
	resp = h.Do(http.MethodPost, path, map[string]any{"placement_order": 0}, reviewerToken, nil)
	Expect[map[string]any](t, resp, http.StatusConflict)
}

func TestJob_ReviewByNonRecipientIsForbidden(t *testing.T) {
	h := NewTestHarness(t)
	managerToken := h.GenerateToken(ManagerClaims())

	res := createJob(t, h, managerToken, NewJob(TemplateReviewed))
	path := "/jobs/" + res.Job.ID + "/workflows/" + res.Workflow.ID + "/review"

	resp := h.Do(http.MethodPost, path, map[string]any{"placement_order": 0}, managerToken, nil)
	Expect[map[string]any](t, resp, http.StatusForbidden)
}

func TestJob_ReviewRejection(t *testing.T) {
	h := NewTestHarness(t)
	managerToken := h.GenerateToken(ManagerClaims())
	reviewerToken := h.GenerateToken(ReviewerClaims())

	res := createJob(t, h, managerToken, NewJob(TemplateReviewed))
	path := "/jobs/" + res.Job.ID + "/workflows/" + res.Workflow.ID + "/review"

	resp := h.Do(http.MethodPost, path, map[string]any{
		"placement_order": 0,
		"new_status":      model.DecisionReject,
	}, reviewerToken, nil)
	env := Expect[job.ReviewOutcome](t, resp, http.StatusOK)

	if !env.Data.Rejected {
		t.Fatal("expected rejection")
	}
	if got := env.Data.Job.Status; got != model.JobStatusRejected {
		t.Errorf("status = %s, want REJECTED", got)
	}
}

func TestJob_HoldAndRelease(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	res := createJob(t, h, token, NewJob(TemplateDirect))
	if res.Job.Status != model.JobStatusSourcing {
		t.Fatalf("status = %s, want SOURCING", res.Job.Status)
	}

	if got := changeStatus(t, h, token, res.Job.ID, "HOLD").Status; got != model.JobStatusHold {
		t.Fatalf("status = %s, want HOLD", got)
	}
	if got := changeStatus(t, h, token, res.Job.ID, "HALTED").Status; got != model.JobStatusHalted {
		t.Fatalf("status = %s, want HALTED", got)
	}
	// RELEASE restores the status before the pause, not the pause before it.
	if got := changeStatus(t, h, token, res.Job.ID, "RELEASE").Status; got != model.JobStatusSourcing {
		t.Fatalf("status after release = %s, want SOURCING", got)
	}

	resp := h.Do(http.MethodGet, "/jobs/"+res.Job.ID+"/history", nil, token, nil)
	env := Expect[[]model.HistoryRecord](t, resp, http.StatusOK)
	changes := 0
	for _, rec := range env.Data {
		if rec.Event == model.HistoryEventStatusChange {
			changes++
		}
	}
	// OPEN->SOURCING, ->HOLD, ->HALTED, ->SOURCING.
	if changes != 4 {
		t.Errorf("status change records = %d, want 4", changes)
	}
}

func TestJob_SameStatusIsNoOp(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	res := createJob(t, h, token, NewJob(TemplateManual))
	Eventually(t, "create history", func() bool {
		recs, _ := h.Jobs.History(context.Background(), ProgramID, res.Job.ID)
		return len(recs) > 0
	})
	changeStatus(t, h, token, res.Job.ID, "HOLD")

	before, err := h.Jobs.History(context.Background(), ProgramID, res.Job.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	changeStatus(t, h, token, res.Job.ID, "HOLD")
	after, err := h.Jobs.History(context.Background(), ProgramID, res.Job.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("history grew from %d to %d on a no-op", len(before), len(after))
	}
}

func TestJob_AssignmentsFillJob(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	res := createJob(t, h, token, NewJob(TemplateDirect))
	path := "/jobs/" + res.Job.ID + "/assignments"

	env := Expect[*model.Job](t, h.Do(http.MethodPost, path, nil, token, nil), http.StatusOK)
	if env.Data.AssignmentCount != 1 || env.Data.Status != model.JobStatusSourcing {
		t.Fatalf("after first assignment: count=%d status=%s", env.Data.AssignmentCount, env.Data.Status)
	}
	env = Expect[*model.Job](t, h.Do(http.MethodPost, path, nil, token, nil), http.StatusOK)
	if env.Data.Status != model.JobStatusFilled {
		t.Fatalf("status = %s, want FILLED", env.Data.Status)
	}

	Expect[map[string]any](t, h.Do(http.MethodPost, path, nil, token, nil), http.StatusUnprocessableEntity)
}

func TestJob_RemoveIsSoftDelete(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	res := createJob(t, h, token, NewJob(TemplateManual))
	changeStatus(t, h, token, res.Job.ID, "REMOVE")

	// Reads answer 200 with an empty payload for a removed job.
	env := Expect[map[string]any](t, h.Do(http.MethodGet, "/jobs/"+res.Job.ID, nil, token, nil), http.StatusOK)
	if len(env.Data) != 0 {
		t.Errorf("expected empty data, got %v", env.Data)
	}
	if env.Message != "Job not found" {
		t.Errorf("message = %q", env.Message)
	}

	stored, err := h.Jobs.GetJob(context.Background(), ProgramID, res.Job.ID)
	if err != nil {
		t.Fatalf("row should survive removal: %v", err)
	}
	if !stored.IsDeleted {
		t.Error("expected is_deleted to be set")
	}
}

func TestJob_UpdateUnknownJobIsNotFound(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	resp := h.Do(http.MethodPut, "/jobs/does-not-exist", NewJob(TemplateManual), token, nil)
	Expect[map[string]any](t, resp, http.StatusNotFound)
}

func TestJob_CreateValidation(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	body := NewJob(TemplateManual)
	delete(body, "hierarchy_ids")
	body["no_positions"] = 0

	env := Expect[model.ErrorEnvelope](t, h.Do(http.MethodPost, "/jobs", body, token, nil), http.StatusBadRequest)
	if env.Data.Code != model.ErrValidationError {
		t.Errorf("code = %s, want VALIDATION_ERROR", env.Data.Code)
	}
	fields := map[string]bool{}
	for _, d := range env.Data.Details {
		fields[d.Field] = true
	}
	for _, f := range []string{"hierarchy_ids", "no_positions"} {
		if !fields[f] {
			t.Errorf("missing validation detail for %s", f)
		}
	}
}

func TestJob_NotificationsDelivered(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	res := createJob(t, h, token, NewJob(TemplateDirect))

	Eventually(t, "create notification", func() bool {
		for _, e := range h.Webhook.Events(res.Job.ID) {
			if e == model.HistoryEventCreate {
				return true
			}
		}
		return false
	})
}
