package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/requisition/internal/distribution"
	"github.com/pitabwire/requisition/internal/observability"
	"github.com/pitabwire/requisition/internal/outbox"
	"github.com/pitabwire/requisition/internal/workflow"
	"github.com/pitabwire/requisition/model"
)

// SystemActor is recorded as the actor of transitions no user requested.
const SystemActor = "system"

// Workflows starts and reviews workflow instances for jobs.
type Workflows interface {
	Trigger(ctx context.Context, req workflow.TriggerRequest) (workflow.TriggerResult, error)
	Review(ctx context.Context, req workflow.ReviewRequest) (workflow.ReviewResult, error)
}

// Distributor hands a job to vendors. Failures are reported in the result.
type Distributor interface {
	Distribute(ctx context.Context, job *model.Job, tpl *model.JobTemplate, actorID string) model.DistributionResult
}

// Distributions reads and cancels a job's distribution rows.
type Distributions interface {
	ListByJob(ctx context.Context, programID, jobID string) ([]model.JobDistribution, error)
	CancelScheduled(ctx context.Context, programID, jobID string) (int, error)
}

// Enqueuer accepts background tasks.
type Enqueuer interface {
	Enqueue(t outbox.Task) error
}

// Notifier delivers notifications.
type Notifier interface {
	Send(ctx context.Context, n model.Notification) error
}

// Recorder receives job metrics.
type Recorder interface {
	RecordJobTransition(from, to string)
}

type nopRecorder struct{}

func (nopRecorder) RecordJobTransition(string, string) {}

// Result is the outcome of a job mutation.
type Result struct {
	Job          *model.Job                `json:"job"`
	Workflow     *model.Workflow           `json:"workflow,omitempty"`
	Distribution *model.DistributionResult `json:"distribution,omitempty"`
}

// ReviewOutcome is the outcome of a workflow review on a job.
type ReviewOutcome struct {
	Job          *model.Job                `json:"job"`
	Workflow     model.Workflow            `json:"workflow"`
	Completed    bool                      `json:"workflow_completed"`
	Rejected     bool                      `json:"rejected"`
	Bypassed     []int                     `json:"bypassed_levels,omitempty"`
	Chained      *model.Workflow           `json:"chained_workflow,omitempty"`
	Distribution *model.DistributionResult `json:"distribution,omitempty"`
}

// Service applies job mutations. Primary writes share one store
// transaction; history and notifications are handed to the outbox and never
// fail the request.
type Service struct {
	store         Store
	workflows     Workflows
	distributor   Distributor
	distributions Distributions
	outbox        Enqueuer
	notifier      Notifier
	metrics       Recorder
	logger        *zap.Logger
	now           func() time.Time
	newID         func() string
}

// NewService creates a job service.
func NewService(store Store, workflows Workflows, distributor Distributor, distributions Distributions, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:         store,
		workflows:     workflows,
		distributor:   distributor,
		distributions: distributions,
		metrics:       nopRecorder{},
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
	s.outbox = inlineQueue{logger: logger}
	return s
}

// WithOutbox routes background effects through q and notifications to n.
func (s *Service) WithOutbox(q Enqueuer, n Notifier) *Service {
	if q != nil {
		s.outbox = q
	}
	s.notifier = n
	return s
}

// WithMetrics sets the metrics recorder.
func (s *Service) WithMetrics(r Recorder) *Service {
	if r != nil {
		s.metrics = r
	}
	return s
}

// Create stores a new job and starts its create workflow. With a review
// policy on the template the Review flow is tried first, then Approval. The
// job ends PENDING_REVIEW or PENDING_APPROVAL while a flow awaits action and
// OPEN otherwise; an OPEN job is distributed right away when its template
// carries a distribution policy.
func (s *Service) Create(ctx context.Context, in *model.Job, actorID string) (*Result, error) {
	if errs := validateJob(in); len(errs) > 0 {
		return nil, model.NewValidationError(errs)
	}
	tpl, err := s.template(ctx, in.ProgramID, in.JobTemplateID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	j := cloneJob(*in)
	if j.ID == "" {
		j.ID = s.newID()
	}
	j.Status = model.JobStatusDraft
	j.AssignmentCount = 0
	j.IsDeleted = false
	j.CreatedBy = actorID
	j.CreatedAt = now
	j.UpdatedAt = now

	ctx, span := observability.StartSpan(ctx, "job.create", observability.JobAttributes(j)...)

	var trig workflow.TriggerResult
	err = s.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.SaveJob(ctx, j); err != nil {
			return err
		}
		var err error
		trig, err = s.trigger(ctx, j, tpl, model.EventJobCreate, actorID)
		if err != nil {
			return err
		}
		j.Status = statusAfterTrigger(trig, model.JobStatusOpen)
		return tx.SaveJob(ctx, j)
	})
	if err != nil {
		observability.EndSpanWithError(span, err)
		return nil, err
	}
	span.SetAttributes(observability.AttrJobStatus.String(string(j.Status)))
	span.End()

	logger := s.logger.With(observability.JobFields(j)...)
	logger.Info("job created",
		zap.String("status", string(j.Status)),
		zap.String("workflow_outcome", string(trig.Outcome)),
	)
	s.metrics.RecordJobTransition(string(model.JobStatusDraft), string(j.Status))

	diff, err := Diff(nil, j)
	if err != nil {
		logger.Warn("diff created job", zap.Error(err))
	}
	s.enqueueHistory(ctx, j, model.HistoryEventCreate, actorID, diff)
	s.enqueueNotification(ctx, j, model.HistoryEventCreate, trig.Workflow)

	res := &Result{Job: j, Workflow: persisted(trig)}
	if j.Status == model.JobStatusOpen {
		res.Distribution = s.autoDistribute(ctx, j, tpl, actorID)
		if res.Distribution != nil {
			if res.Job, err = s.store.GetJob(ctx, j.ProgramID, j.ID); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

// Update replaces the editable fields of a job. A job outside programID is
// not found before the payload or its template is looked at. An update that
// changes nothing is a no-op; otherwise the update workflow runs and the job parks in
// a pending status while it awaits action.
func (s *Service) Update(ctx context.Context, programID, id string, in *model.Job, actorID string) (*Result, error) {
	if _, err := live(ctx, s.store, programID, id); err != nil {
		return nil, err
	}
	in.ProgramID = programID
	if errs := validateJob(in); len(errs) > 0 {
		return nil, model.NewValidationError(errs)
	}
	tpl, err := s.template(ctx, programID, in.JobTemplateID)
	if err != nil {
		return nil, err
	}

	var (
		next *model.Job
		from model.JobStatus
		diff []model.FieldChange
		trig workflow.TriggerResult
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		cur, err := live(ctx, tx, programID, id)
		if err != nil {
			return err
		}
		if !editable(cur.Status) {
			return model.NewInvalidTransitionError(fmt.Sprintf("a job in %s cannot be edited", cur.Status))
		}
		if in.NoPositions < cur.AssignmentCount {
			return model.NewValidationError([]model.FieldError{{
				Field:   "no_positions",
				Code:    "BELOW_ASSIGNMENTS",
				Message: fmt.Sprintf("job already has %d assignments", cur.AssignmentCount),
			}})
		}
		from = cur.Status
		next = merge(cur, in)
		if diff, err = Diff(cur, next); err != nil {
			return err
		}
		if len(diff) == 0 {
			return nil
		}
		next.UpdatedAt = s.now()
		if err := tx.SaveJob(ctx, next); err != nil {
			return err
		}
		trig, err = s.trigger(ctx, next, tpl, model.EventJobUpdate, actorID)
		if err != nil {
			return err
		}
		if trig.AwaitingAction() {
			next.Status = pendingStatus(trig.FlowType, next.Status)
			return tx.SaveJob(ctx, next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(diff) == 0 {
		return &Result{Job: next}, nil
	}

	s.logger.Info("job updated", append(observability.JobFields(next),
		zap.Int("changed_fields", len(diff)),
		zap.String("workflow_outcome", string(trig.Outcome)),
	)...)
	s.enqueueHistory(ctx, next, model.HistoryEventUpdate, actorID, diff)
	if next.Status != from {
		s.statusChanged(ctx, next, from, actorID)
	}
	s.enqueueNotification(ctx, next, model.HistoryEventUpdate, trig.Workflow)
	return &Result{Job: next, Workflow: persisted(trig)}, nil
}

// ChangeStatus applies an explicit status action. Requesting the status the
// job already has changes nothing and records no history.
func (s *Service) ChangeStatus(ctx context.Context, programID, id, action, actorID string) (*model.Job, error) {
	act, ok := ParseAction(action)
	if !ok {
		return nil, model.NewBadRequestError(fmt.Sprintf("unsupported status action %q", action))
	}
	var history []model.HistoryRecord
	if act == ActionRelease {
		var err error
		if history, err = s.store.History(ctx, programID, id); err != nil {
			return nil, err
		}
	}

	var (
		j *model.Job
		t Transition
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		cur, err := live(ctx, tx, programID, id)
		if err != nil {
			return err
		}
		if t, err = ApplyAction(cur.Status, act, history); err != nil {
			return err
		}
		j = cur
		if t.NoOp {
			return nil
		}
		if t.Remove {
			j.IsDeleted = true
		} else {
			j.Status = t.To
		}
		j.UpdatedAt = s.now()
		return tx.SaveJob(ctx, j)
	})
	if err != nil {
		return nil, err
	}

	switch {
	case t.NoOp:
		return j, nil
	case t.Remove:
		s.logger.Info("job removed", zap.String("job_id", id), zap.String("actor_id", actorID))
		s.appendHistory(ctx, model.HistoryRecord{
			JobID:     j.ID,
			ProgramID: j.ProgramID,
			Event:     model.HistoryEventStatusChange,
			ActorID:   actorID,
			Status:    j.Status,
			Diff:      []model.FieldChange{{Field: "is_deleted", Before: false, After: true}},
		})
		s.enqueueNotification(ctx, j, model.HistoryEventStatusChange, nil)
		return j, nil
	}

	s.statusChanged(ctx, j, t.From, actorID)
	if t.To == model.JobStatusFilled {
		s.cancelScheduled(ctx, j)
	}
	return j, nil
}

// Review applies an actor's decision to one of the job's workflow instances
// and moves the job once the workflow settles: REJECTED on rejection, the
// pending status of a chained approval flow, or OPEN (SOURCING when the job
// was already sourcing) on completion.
func (s *Service) Review(ctx context.Context, programID, jobID, workflowID string, act workflow.Action) (*ReviewOutcome, error) {
	j, err := live(ctx, s.store, programID, jobID)
	if err != nil {
		return nil, err
	}
	res, err := s.workflows.Review(ctx, workflow.ReviewRequest{Job: j, WorkflowID: workflowID, Action: act})
	if err != nil {
		return nil, err
	}
	out := &ReviewOutcome{
		Job:       j,
		Workflow:  res.Workflow,
		Completed: res.WorkflowCompleted,
		Rejected:  res.Rejected,
		Bypassed:  res.Bypassed,
	}
	if res.Chained != nil {
		out.Chained = res.Chained.Workflow
	}

	var from model.JobStatus
	changed := false
	err = s.store.WithTx(ctx, func(tx Tx) error {
		cur, err := live(ctx, tx, programID, jobID)
		if err != nil {
			return err
		}
		next, ok := statusAfterReview(cur.Status, res)
		out.Job = cur
		if !ok || next == cur.Status {
			return nil
		}
		from, changed = cur.Status, true
		cur.Status = next
		cur.UpdatedAt = s.now()
		return tx.SaveJob(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return out, nil
	}

	s.statusChanged(ctx, out.Job, from, act.UserID)
	if out.Job.Status == model.JobStatusOpen {
		tpl, err := s.template(ctx, programID, out.Job.JobTemplateID)
		if err != nil {
			s.logger.Warn("load template for distribution", zap.String("job_id", jobID), zap.Error(err))
			return out, nil
		}
		out.Distribution = s.autoDistribute(ctx, out.Job, tpl, act.UserID)
		if out.Distribution != nil {
			if out.Job, err = s.store.GetJob(ctx, programID, jobID); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Distribute runs the template's distribution policy for a job. Reported
// failures come back as a result, never as an error.
func (s *Service) Distribute(ctx context.Context, programID, jobID, actorID string) (model.DistributionResult, *model.Job, error) {
	j, err := live(ctx, s.store, programID, jobID)
	if err != nil {
		return model.DistributionResult{}, nil, err
	}
	if !AcceptsDistribution(j.Status) {
		return model.DistributionResult{}, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("a job in %s cannot be distributed", j.Status),
		)
	}
	tpl, err := s.template(ctx, programID, j.JobTemplateID)
	if err != nil {
		return model.DistributionResult{}, nil, err
	}
	res := s.distributor.Distribute(ctx, j, tpl, actorID)
	s.recordDistribution(ctx, j, res, actorID)

	if j, err = s.store.GetJob(ctx, programID, jobID); err != nil {
		return res, nil, err
	}
	return res, j, nil
}

// RecordAssignment counts one filled position. The job becomes FILLED once
// every position is taken and its still-scheduled distributions are
// cancelled.
func (s *Service) RecordAssignment(ctx context.Context, programID, jobID, actorID string) (*model.Job, error) {
	var (
		j      *model.Job
		from   model.JobStatus
		before int
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		cur, err := live(ctx, tx, programID, jobID)
		if err != nil {
			return err
		}
		if !acceptsAssignment(cur.Status) {
			return model.NewInvalidTransitionError(fmt.Sprintf("a job in %s cannot take assignments", cur.Status))
		}
		if cur.AssignmentCount >= cur.NoPositions {
			return model.NewConflictError(fmt.Sprintf("all %d positions are already assigned", cur.NoPositions))
		}
		from, before = cur.Status, cur.AssignmentCount
		cur.AssignmentCount++
		if cur.AssignmentCount == cur.NoPositions {
			cur.Status = model.JobStatusFilled
		}
		cur.UpdatedAt = s.now()
		j = cur
		return tx.SaveJob(ctx, cur)
	})
	if err != nil {
		return nil, err
	}

	s.enqueueHistory(ctx, j, model.HistoryEventUpdate, actorID, []model.FieldChange{
		{Field: "assignment_count", Before: before, After: j.AssignmentCount},
	})
	if j.Status != from {
		s.statusChanged(ctx, j, from, actorID)
		s.cancelScheduled(ctx, j)
	}
	return j, nil
}

// MarkSourcing moves a job to its sourcing status once a vendor first has
// it. The scheduler and the activator both call it; a job that is removed or
// already past OPEN and PENDING_APPROVAL is left alone.
func (s *Service) MarkSourcing(ctx context.Context, job *model.Job) error {
	var (
		cur  *model.Job
		from model.JobStatus
		ok   bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		if cur, err = tx.GetJob(ctx, job.ProgramID, job.ID); err != nil {
			return err
		}
		from = cur.Status
		if cur.IsDeleted {
			return nil
		}
		if cur.Status, ok = SourcingStatus(cur.Status); !ok {
			return nil
		}
		cur.UpdatedAt = s.now()
		return tx.SaveJob(ctx, cur)
	})
	if err != nil || !ok {
		return err
	}
	job.Status = cur.Status
	s.statusChanged(ctx, cur, from, SystemActor)
	return nil
}

// Get returns a live job.
func (s *Service) Get(ctx context.Context, programID, id string) (*model.Job, error) {
	return live(ctx, s.store, programID, id)
}

// List returns the live jobs matching filters.
func (s *Service) List(ctx context.Context, filters model.JobFilters) ([]model.Job, error) {
	return s.store.ListJobs(ctx, filters)
}

// Distributions lists the distribution rows of a live job.
func (s *Service) Distributions(ctx context.Context, programID, id string) ([]model.JobDistribution, error) {
	if _, err := live(ctx, s.store, programID, id); err != nil {
		return nil, err
	}
	return s.distributions.ListByJob(ctx, programID, id)
}

// History returns the history of a live job, oldest first.
func (s *Service) History(ctx context.Context, programID, id string) ([]model.HistoryRecord, error) {
	if _, err := live(ctx, s.store, programID, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, programID, id)
}

// HealthCheck reports whether the job store is reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	if hc, ok := s.store.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// trigger starts the workflow for event. A template with a review policy
// tries the Review flow first; a review that needs no action falls through
// to Approval.
func (s *Service) trigger(ctx context.Context, j *model.Job, tpl *model.JobTemplate, event, actorID string) (workflow.TriggerResult, error) {
	flows := []string{model.FlowTypeApproval}
	if tpl.IsReviewConfiguredOrSubmit {
		flows = []string{model.FlowTypeReview, model.FlowTypeApproval}
	}
	last := workflow.TriggerResult{Outcome: workflow.OutcomeNone}
	for _, flow := range flows {
		res, err := s.workflows.Trigger(ctx, workflow.TriggerRequest{
			Job:      j,
			Event:    event,
			FlowType: flow,
			ActorID:  actorID,
		})
		if err != nil {
			return workflow.TriggerResult{}, err
		}
		if res.AwaitingAction() {
			return res, nil
		}
		if res.Outcome != workflow.OutcomeNone {
			last = res
		}
	}
	return last, nil
}

func (s *Service) template(ctx context.Context, programID, id string) (*model.JobTemplate, error) {
	tpl, err := s.store.GetTemplate(ctx, programID, id)
	if err != nil {
		if model.HasCode(err, model.ErrNotFound) {
			return nil, model.NewValidationError([]model.FieldError{{
				Field:   "job_template_id",
				Code:    "NOT_FOUND",
				Message: fmt.Sprintf("job template %q does not exist", id),
			}})
		}
		return nil, err
	}
	return tpl, nil
}

// autoDistribute distributes an OPEN job when its template carries a
// policy. It returns nil when there is nothing to run.
func (s *Service) autoDistribute(ctx context.Context, j *model.Job, tpl *model.JobTemplate, actorID string) *model.DistributionResult {
	mode, ok := distribution.ModeOf(j, tpl)
	if !ok {
		return nil
	}
	res := s.distributor.Distribute(ctx, j, tpl, actorID)
	if !res.Success {
		s.logger.Info("automatic distribution did not run",
			zap.String("job_id", j.ID),
			zap.String("mode", string(mode)),
			zap.String("reason", res.Message),
		)
	}
	s.recordDistribution(ctx, j, res, actorID)
	return &res
}

func (s *Service) recordDistribution(ctx context.Context, j *model.Job, res model.DistributionResult, actorID string) {
	if !res.Success || len(res.Distributed)+len(res.Scheduled) == 0 {
		return
	}
	var diff []model.FieldChange
	if len(res.Distributed) > 0 {
		diff = append(diff, model.FieldChange{Field: "distributed_vendors", After: res.Distributed})
	}
	if len(res.Scheduled) > 0 {
		diff = append(diff, model.FieldChange{Field: "scheduled_vendors", After: res.Scheduled})
	}
	s.enqueueHistory(ctx, j, model.HistoryEventDistribution, actorID, diff)
}

func (s *Service) cancelScheduled(ctx context.Context, j *model.Job) {
	n, err := s.distributions.CancelScheduled(ctx, j.ProgramID, j.ID)
	if err != nil {
		s.logger.Error("cancel scheduled distributions", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("scheduled distributions cancelled", zap.String("job_id", j.ID), zap.Int("count", n))
	}
}

func live(ctx context.Context, tx Tx, programID, id string) (*model.Job, error) {
	j, err := tx.GetJob(ctx, programID, id)
	if err != nil {
		return nil, err
	}
	if j.IsDeleted {
		return nil, model.NewNotFoundError(fmt.Sprintf("job %q not found", id))
	}
	return j, nil
}

func persisted(t workflow.TriggerResult) *model.Workflow {
	if t.Outcome == workflow.OutcomePending || t.Outcome == workflow.OutcomeCompleted {
		return t.Workflow
	}
	return nil
}

func statusAfterTrigger(t workflow.TriggerResult, otherwise model.JobStatus) model.JobStatus {
	if !t.AwaitingAction() {
		return otherwise
	}
	return pendingStatus(t.FlowType, otherwise)
}

// pendingStatus is the status of a job in cur awaiting a flowType workflow.
func pendingStatus(flowType string, cur model.JobStatus) model.JobStatus {
	switch {
	case flowType == model.FlowTypeReview:
		return model.JobStatusPendingReview
	case cur == model.JobStatusSourcing || cur == model.JobStatusPendingApprovalSourcing:
		return model.JobStatusPendingApprovalSourcing
	default:
		return model.JobStatusPendingApproval
	}
}

func statusAfterReview(cur model.JobStatus, res workflow.ReviewResult) (model.JobStatus, bool) {
	if !awaitingWorkflow(cur) {
		return cur, false
	}
	switch {
	case res.Rejected:
		return model.JobStatusRejected, true
	case !res.WorkflowCompleted:
		return cur, false
	case res.Chained != nil && res.Chained.AwaitingAction():
		return pendingStatus(res.Chained.FlowType, cur), true
	case cur == model.JobStatusPendingApprovalSourcing:
		return model.JobStatusSourcing, true
	default:
		return model.JobStatusOpen, true
	}
}

func editable(s model.JobStatus) bool {
	switch s {
	case model.JobStatusClosed, model.JobStatusFilled, model.JobStatusRejected:
		return false
	}
	return true
}

func acceptsAssignment(s model.JobStatus) bool {
	switch s {
	case model.JobStatusOpen, model.JobStatusSourcing, model.JobStatusPendingApprovalSourcing:
		return true
	}
	return false
}

// merge copies the editable fields of in onto a copy of cur.
func merge(cur, in *model.Job) *model.Job {
	next := cloneJob(*cur)
	src := cloneJob(*in)
	next.HierarchyIDs = src.HierarchyIDs
	next.JobTemplateID = src.JobTemplateID
	next.JobManagerID = src.JobManagerID
	next.LabourCategoryID = src.LabourCategoryID
	next.WorkLocationID = src.WorkLocationID
	next.JobType = src.JobType
	next.Currency = src.Currency
	next.RateModel = src.RateModel
	next.AllowPerIdentifiedS = src.AllowPerIdentifiedS
	next.Budgets = src.Budgets
	next.NoPositions = src.NoPositions
	next.CustomFields = src.CustomFields
	next.FoundationData = src.FoundationData
	next.IdentifiedCandidates = src.IdentifiedCandidates
	return next
}

func validateJob(j *model.Job) []model.FieldError {
	var errs []model.FieldError
	required := func(field, value string) {
		if value == "" {
			errs = append(errs, model.FieldError{Field: field, Code: "REQUIRED", Message: field + " is required"})
		}
	}
	required("program_id", j.ProgramID)
	required("job_template_id", j.JobTemplateID)
	required("job_manager_id", j.JobManagerID)
	if len(j.HierarchyIDs) == 0 {
		errs = append(errs, model.FieldError{Field: "hierarchy_ids", Code: "REQUIRED", Message: "at least one hierarchy is required"})
	}
	if j.NoPositions < 1 {
		errs = append(errs, model.FieldError{Field: "no_positions", Code: "OUT_OF_RANGE", Message: "no_positions must be at least 1"})
	}
	minB, maxB := j.Budgets.Min.NetBudget, j.Budgets.Max.NetBudget
	if minB != nil && maxB != nil && *minB > *maxB {
		errs = append(errs, model.FieldError{Field: "budgets.max.net_budget", Code: "OUT_OF_RANGE", Message: "max net budget is below min net budget"})
	}
	if j.AllowPerIdentifiedS {
		for i, c := range j.IdentifiedCandidates {
			if c.CandidateID == "" || c.VendorID == "" {
				errs = append(errs, model.FieldError{
					Field:   fmt.Sprintf("identified_candidates[%d]", i),
					Code:    "REQUIRED",
					Message: "candidate_id and vendor_id are required",
				})
			}
		}
	}
	return errs
}
