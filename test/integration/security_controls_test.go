package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/requisition/internal/job"
	"github.com/pitabwire/requisition/model"
)

func TestSecurity_ProgramIsolation(t *testing.T) {
	h := NewTestHarness(t)
	managerToken := h.GenerateToken(ManagerClaims())
	outsiderToken := h.GenerateToken(OutsiderClaims())

	res := createJob(t, h, managerToken, NewJob(TemplateManual))

	t.Run("read answers empty", func(t *testing.T) {
		resp := h.Do(http.MethodGet, "/jobs/"+res.Job.ID, nil, outsiderToken, nil)
		env := Expect[map[string]any](t, resp, http.StatusOK)
		if len(env.Data) != 0 {
			t.Errorf("outsider read job data: %v", env.Data)
		}
	})

	t.Run("update is not found", func(t *testing.T) {
		resp := h.Do(http.MethodPut, "/jobs/"+res.Job.ID, NewJob(TemplateManual), outsiderToken, nil)
		Expect[model.ErrorEnvelope](t, resp, http.StatusNotFound)
	})

	t.Run("status change is not found", func(t *testing.T) {
		resp := h.Do(http.MethodPatch, "/jobs/"+res.Job.ID+"/status", map[string]any{"status": "CLOSED"}, outsiderToken, nil)
		Expect[model.ErrorEnvelope](t, resp, http.StatusNotFound)
	})

	t.Run("list excludes other programs", func(t *testing.T) {
		resp := h.Do(http.MethodGet, "/jobs", nil, outsiderToken, nil)
		env := Expect[[]model.Job](t, resp, http.StatusOK)
		if len(env.Data) != 0 {
			t.Errorf("outsider listed %d jobs", len(env.Data))
		}
	})
}

func TestSecurity_AdminOverrideRequiresAdmin(t *testing.T) {
	h := NewTestHarness(t)
	managerToken := h.GenerateToken(ManagerClaims())

	res := createJob(t, h, managerToken, NewJob(TemplateReviewed))
	path := "/jobs/" + res.Job.ID + "/workflows/" + res.Workflow.ID + "/review"
	body := map[string]any{"placement_order": 0, "is_admin_override": true}

	resp := h.Do(http.MethodPost, path, body, managerToken, nil)
	Expect[model.ErrorEnvelope](t, resp, http.StatusForbidden)

	admin := ManagerClaims()
	admin.Roles = []string{"admin"}
	resp = h.Do(http.MethodPost, path, body, h.GenerateToken(admin), nil)
	env := Expect[job.ReviewOutcome](t, resp, http.StatusOK)
	if !env.Data.Completed {
		t.Fatal("override should complete the workflow")
	}
	if got := env.Data.Workflow.Levels[0].RecipientTypes[0].Status; got != model.RecipientStatusReviewed {
		t.Errorf("recipient status = %s, want reviewed", got)
	}
}

func TestSecurity_IdempotentCreateReplays(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())
	headers := map[string]string{"Idempotency-Key": "create-1"}

	first := Expect[job.Result](t, h.Do(http.MethodPost, "/jobs", NewJob(TemplateManual), token, headers), http.StatusCreated)

	resp := h.Do(http.MethodPost, "/jobs", NewJob(TemplateManual), token, headers)
	if resp.Header.Get("Idempotent-Replayed") != "true" {
		t.Error("expected replayed response")
	}
	second := Expect[job.Result](t, resp, http.StatusCreated)
	if second.Data.Job.ID != first.Data.Job.ID {
		t.Errorf("replay created a new job: %s != %s", second.Data.Job.ID, first.Data.Job.ID)
	}

	// A different body under the same key is a conflict.
	body := NewJob(TemplateManual)
	body["no_positions"] = 5
	Expect[model.ErrorEnvelope](t, h.Do(http.MethodPost, "/jobs", body, token, headers), http.StatusConflict)
}
