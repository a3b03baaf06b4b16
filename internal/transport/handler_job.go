package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/requisition/internal/job"
	"github.com/pitabwire/requisition/internal/workflow"
	"github.com/pitabwire/requisition/model"
)

const maxBodySize = 1 << 20

// JobService is the job API the handlers drive.
type JobService interface {
	Create(ctx context.Context, in *model.Job, actorID string) (*job.Result, error)
	Update(ctx context.Context, programID, id string, in *model.Job, actorID string) (*job.Result, error)
	ChangeStatus(ctx context.Context, programID, id, action, actorID string) (*model.Job, error)
	Review(ctx context.Context, programID, jobID, workflowID string, act workflow.Action) (*job.ReviewOutcome, error)
	Distribute(ctx context.Context, programID, jobID, actorID string) (model.DistributionResult, *model.Job, error)
	RecordAssignment(ctx context.Context, programID, jobID, actorID string) (*model.Job, error)
	Get(ctx context.Context, programID, id string) (*model.Job, error)
	List(ctx context.Context, filters model.JobFilters) ([]model.Job, error)
	Distributions(ctx context.Context, programID, id string) ([]model.JobDistribution, error)
	History(ctx context.Context, programID, id string) ([]model.HistoryRecord, error)
}

// JobHandler serves the /jobs routes.
type JobHandler struct {
	jobs JobService
}

// NewJobHandler creates a JobHandler over jobs.
func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

type statusRequest struct {
	Status string `json:"status"`
}

type distributionResponse struct {
	Result model.DistributionResult `json:"result"`
	Job    *model.Job               `json:"job,omitempty"`
}

// Create handles POST /jobs.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	var in model.Job
	if err := decodeBody(r, &in); err != nil {
		WriteError(w, r, err)
		return
	}
	in.ProgramID = rctx.ProgramID

	res, err := h.jobs.Create(r.Context(), &in, rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusCreated, "Job created", res)
}

// List handles GET /jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	q := r.URL.Query()
	filters := model.JobFilters{
		ProgramID: rctx.ProgramID,
		Status:    model.JobStatus(q.Get("status")),
	}
	var err error
	if filters.Limit, err = queryInt(q.Get("limit"), "limit"); err != nil {
		WriteError(w, r, err)
		return
	}
	if filters.Offset, err = queryInt(q.Get("offset"), "offset"); err != nil {
		WriteError(w, r, err)
		return
	}

	jobs, err := h.jobs.List(r.Context(), filters)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	WriteData(w, r, http.StatusOK, "Jobs fetched", jobs)
}

// Get handles GET /jobs/{jobId}. An unknown job is an empty 200.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	j, err := h.jobs.Get(r.Context(), rctx.ProgramID, chi.URLParam(r, "jobId"))
	if model.HasCode(err, model.ErrNotFound) {
		WriteData(w, r, http.StatusOK, "Job not found", struct{}{})
		return
	}
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, "Job fetched", j)
}

// Update handles PUT /jobs/{jobId}.
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	var in model.Job
	if err := decodeBody(r, &in); err != nil {
		WriteError(w, r, err)
		return
	}
	in.ProgramID = rctx.ProgramID

	res, err := h.jobs.Update(r.Context(), rctx.ProgramID, chi.URLParam(r, "jobId"), &in, rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, "Job updated", res)
}

// ChangeStatus handles PATCH /jobs/{jobId}/status.
func (h *JobHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.Status == "" {
		WriteError(w, r, model.NewValidationError([]model.FieldError{
			{Field: "status", Code: "REQUIRED", Message: "status is required"},
		}))
		return
	}

	j, err := h.jobs.ChangeStatus(r.Context(), rctx.ProgramID, chi.URLParam(r, "jobId"), req.Status, rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, "Job status updated", j)
}

// Distribute handles POST /jobs/{jobId}/distribution.
func (h *JobHandler) Distribute(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	res, j, err := h.jobs.Distribute(r.Context(), rctx.ProgramID, chi.URLParam(r, "jobId"), rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	WriteData(w, r, status, res.Message, distributionResponse{Result: res, Job: j})
}

// Distributions handles GET /jobs/{jobId}/distributions.
func (h *JobHandler) Distributions(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	rows, err := h.jobs.Distributions(r.Context(), rctx.ProgramID, chi.URLParam(r, "jobId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.JobDistribution{}
	}
	WriteData(w, r, http.StatusOK, "Distributions fetched", rows)
}

// History handles GET /jobs/{jobId}/history.
func (h *JobHandler) History(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	records, err := h.jobs.History(r.Context(), rctx.ProgramID, chi.URLParam(r, "jobId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if records == nil {
		records = []model.HistoryRecord{}
	}
	WriteData(w, r, http.StatusOK, "History fetched", records)
}

// Review handles POST /jobs/{jobId}/workflows/{workflowId}/review. The actor
// defaults to the caller; only admins may force an override.
func (h *JobHandler) Review(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	var act workflow.Action
	if err := decodeBody(r, &act); err != nil {
		WriteError(w, r, err)
		return
	}
	if act.IsAdminOverride && !rctx.IsAdmin() {
		WriteError(w, r, model.NewForbiddenError("Admin override requires an administrator"))
		return
	}
	if act.UserID == "" {
		act.UserID = rctx.SubjectID
	}

	out, err := h.jobs.Review(r.Context(), rctx.ProgramID, chi.URLParam(r, "jobId"), chi.URLParam(r, "workflowId"), act)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	msg := "Review recorded"
	switch {
	case out.Rejected:
		msg = "Workflow rejected"
	case out.Completed:
		msg = "Workflow completed"
	}
	WriteData(w, r, http.StatusOK, msg, out)
}

// RecordAssignment handles POST /jobs/{jobId}/assignments.
func (h *JobHandler) RecordAssignment(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	j, err := h.jobs.RecordAssignment(r.Context(), rctx.ProgramID, chi.URLParam(r, "jobId"), rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, "Assignment recorded", j)
}

func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return model.NewBadRequestError("Unable to read request body")
	}
	if len(body) > maxBodySize {
		return model.NewBadRequestError("Request body too large")
	}
	if len(body) == 0 {
		return model.NewBadRequestError("Request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return model.NewBadRequestError("Invalid JSON body")
	}
	return nil
}

func queryInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewBadRequestError(name + " must be a non-negative integer")
	}
	return n, nil
}
