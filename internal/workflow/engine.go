package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/requisition/internal/observability"
	"github.com/pitabwire/requisition/model"
)

// RecipientResolver materializes concrete recipients on a progressed
// workflow. allEmpty reports that no level ended with recipients.
type RecipientResolver interface {
	Resolve(ctx context.Context, wf *model.Workflow, job *model.Job) (allEmpty bool, err error)
}

// UserDirectory answers batch user-status questions for reviews.
type UserDirectory interface {
	InactiveUsers(ctx context.Context, programID string, userIDs []string) (map[string]bool, error)
}

// Recorder receives workflow metrics.
type Recorder interface {
	RecordWorkflowTrigger(event, outcome string)
	RecordWorkflowReview(flowType, outcome string)
	RecordWorkflowCompletion(flowType string)
	RecordWorkflowBypass(reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordWorkflowTrigger(string, string) {}
func (nopRecorder) RecordWorkflowReview(string, string)  {}
func (nopRecorder) RecordWorkflowCompletion(string)      {}
func (nopRecorder) RecordWorkflowBypass(string)          {}

// Outcome describes what a trigger produced.
type Outcome string

const (
	// OutcomeNone means no configured workflow applies.
	OutcomeNone Outcome = "none"
	// OutcomeGateFailed means the trigger level's conditions failed.
	OutcomeGateFailed Outcome = "gate_failed"
	// OutcomeAutoSatisfied means every level ended without recipients.
	OutcomeAutoSatisfied Outcome = "auto_satisfied"
	// OutcomeCompleted means the instance was persisted with nothing pending.
	OutcomeCompleted Outcome = "completed"
	// OutcomePending means the instance awaits human action.
	OutcomePending Outcome = "pending"
)

// Bypass reasons recorded in metrics and recipient notes.
const (
	bypassDuplicateApprover = "duplicate_approver"
	bypassSoleApprover      = "actor_is_only_approver"
	bypassAdminOverride     = "admin_override"
)

// TriggerRequest asks the engine to start a workflow for a job action.
type TriggerRequest struct {
	Job      *model.Job
	Event    string
	FlowType string
	ActorID  string
}

// TriggerResult is the outcome of Trigger. Workflow is nil when no
// configured workflow applied or the gate failed.
type TriggerResult struct {
	Outcome  Outcome
	FlowType string
	Workflow *model.Workflow
}

// AwaitingAction reports whether a human must act before the job moves on.
func (r TriggerResult) AwaitingAction() bool {
	return r.Outcome == OutcomePending
}

// Action is an actor's decision on a level.
type Action struct {
	PlacementOrder  int    `json:"placement_order"`
	UserID          string `json:"user_id"`
	Behaviour       string `json:"behavior,omitempty"`
	NewStatus       string `json:"new_status,omitempty"`
	IsAdminOverride bool   `json:"is_admin_override"`
	Note            string `json:"note,omitempty"`
}

// ReviewRequest applies an action to a workflow instance of a job.
type ReviewRequest struct {
	Job        *model.Job
	WorkflowID string
	Action     Action
}

// ReviewResult is the outcome of Review. Chained is set when a completed
// review flow started a follow-on approval flow.
type ReviewResult struct {
	Workflow          model.Workflow
	WorkflowCompleted bool
	Rejected          bool
	Bypassed          []int
	Chained           *TriggerResult
}

// Engine runs level progression, recipient resolution and review handling
// over workflow instances.
type Engine struct {
	store     Store
	evaluator LevelEvaluator
	resolver  RecipientResolver
	adapter   Adapter
	users     UserDirectory
	metrics   Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates a new workflow engine.
func NewEngine(
	store Store,
	evaluator LevelEvaluator,
	resolver RecipientResolver,
	adapter Adapter,
	users UserDirectory,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		evaluator: evaluator,
		resolver:  resolver,
		adapter:   adapter,
		users:     users,
		metrics:   nopRecorder{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics sets the metrics recorder.
func (e *Engine) WithMetrics(r Recorder) *Engine {
	if r != nil {
		e.metrics = r
	}
	return e
}

// Trigger starts the configured workflow for a job action. The pipeline is
// strictly ordered: progression, then recipient resolution, then
// persistence.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.trigger",
		append(observability.JobAttributes(req.Job),
			observability.AttrTriggerEvent.String(req.Event),
			observability.AttrFlowType.String(req.FlowType),
		)...,
	)
	res, err := e.trigger(ctx, req)
	if res.Workflow != nil {
		span.SetAttributes(observability.AttrWorkflowID.String(res.Workflow.ID))
	}
	span.SetAttributes(attribute.String("workflow.outcome", string(res.Outcome)))
	observability.EndSpanWithError(span, err)
	return res, err
}

func (e *Engine) trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	job := req.Job
	configured, err := e.store.FindConfigured(ctx, job.ProgramID, req.Event, req.FlowType, job.HierarchyIDs)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("find configured workflows: %w", err)
	}
	if len(configured) == 0 {
		e.metrics.RecordWorkflowTrigger(req.Event, string(OutcomeNone))
		return TriggerResult{Outcome: OutcomeNone, FlowType: req.FlowType}, nil
	}
	tpl := configured[0]

	now := e.now()
	wf := tpl.Clone()
	wf.ID = uuid.NewString()
	wf.TemplateID = tpl.ID
	wf.WorkflowTriggerID = job.ID
	wf.Status = model.WorkflowStatusPending
	wf.IsUpdated = false
	wf.IsDeleted = false
	wf.Version = 1
	wf.CreatedAt = now
	wf.UpdatedAt = now

	logger := e.logger.With(
		zap.String("job_id", job.ID),
		zap.String("workflow_id", wf.ID),
		zap.String("template_id", tpl.ID),
		zap.String("flow_type", wf.FlowType),
	)

	if !Advance(ctx, e.evaluator, &wf, job) {
		logger.Info("workflow gate not satisfied")
		e.metrics.RecordWorkflowTrigger(req.Event, string(OutcomeGateFailed))
		return TriggerResult{Outcome: OutcomeGateFailed, FlowType: wf.FlowType}, nil
	}

	allEmpty, err := e.resolver.Resolve(ctx, &wf, job)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("resolve recipients: %w", err)
	}
	if allEmpty {
		wf.Status = model.WorkflowStatusCompleted
		logger.Info("workflow auto-satisfied, no recipients resolved")
		e.metrics.RecordWorkflowTrigger(req.Event, string(OutcomeAutoSatisfied))
		return TriggerResult{Outcome: OutcomeAutoSatisfied, FlowType: wf.FlowType, Workflow: &wf}, nil
	}

	if wf.Config.SkipLevelIfActorIsOnlyApprover {
		e.skipSoleApprover(&wf, req.ActorID)
	}
	for i := range wf.Levels {
		if l := &wf.Levels[i]; l.Status == model.LevelStatusPending && len(l.RecipientTypes) == 0 {
			l.Status = model.LevelStatusCompleted
		}
	}
	settleWorkflow(&wf)

	if err := e.retireActive(ctx, job, req.Event); err != nil {
		return TriggerResult{}, err
	}
	if err := e.persist(ctx, &wf); err != nil {
		return TriggerResult{}, err
	}

	outcome := OutcomePending
	if wf.Status == model.WorkflowStatusCompleted {
		outcome = OutcomeCompleted
		e.metrics.RecordWorkflowCompletion(wf.FlowType)
	}
	logger.Info("workflow triggered",
		zap.String("outcome", string(outcome)),
		zap.Int("levels", len(wf.Levels)),
	)
	e.metrics.RecordWorkflowTrigger(req.Event, string(outcome))
	return TriggerResult{Outcome: outcome, FlowType: wf.FlowType, Workflow: &wf}, nil
}

// retireActive soft-deletes pending instances of the same event for the job
// so at most one stays active.
func (e *Engine) retireActive(ctx context.Context, job *model.Job, event string) error {
	active, err := e.store.FindActive(ctx, job.ProgramID, model.WorkflowFilters{
		Event:             event,
		WorkflowTriggerID: job.ID,
		Status:            model.WorkflowStatusPending,
	})
	if err != nil {
		return fmt.Errorf("find active workflows: %w", err)
	}
	for _, wf := range active {
		wf.IsDeleted = true
		if err := e.store.Update(ctx, wf); err != nil {
			return fmt.Errorf("retire workflow %s: %w", wf.ID, err)
		}
	}
	return nil
}

// persist mirrors every non-empty level to the workflow service and then
// stores the instance locally.
func (e *Engine) persist(ctx context.Context, wf *model.Workflow) error {
	for i := range wf.Levels {
		l := &wf.Levels[i]
		if len(l.RecipientTypes) == 0 {
			continue
		}
		id, err := e.adapter.CreateLevel(ctx, *wf, *l)
		if err != nil {
			return fmt.Errorf("create level %d: %w", l.PlacementOrder, err)
		}
		l.ID = id
		if err := e.adapter.CreateRecipients(ctx, id, l.RecipientTypes); err != nil {
			return fmt.Errorf("create recipients for level %d: %w", l.PlacementOrder, err)
		}
	}
	wf.IsUpdated = true
	if err := e.adapter.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{
		Levels:    wf.Levels,
		Status:    wf.Status,
		IsUpdated: true,
	}); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if err := e.store.Create(ctx, *wf); err != nil {
		return fmt.Errorf("store workflow: %w", err)
	}
	return nil
}

// skipSoleApprover bypasses levels whose only approver is the actor.
func (e *Engine) skipSoleApprover(wf *model.Workflow, actorID string) {
	if actorID == "" {
		return
	}
	for i := range wf.Levels {
		l := &wf.Levels[i]
		if len(l.RecipientTypes) == 0 {
			continue
		}
		users := map[string]struct{}{}
		for _, r := range l.RecipientTypes {
			for _, id := range r.UserIDs() {
				users[id] = struct{}{}
			}
		}
		if _, ok := users[actorID]; !ok || len(users) != 1 {
			continue
		}
		for j := range l.RecipientTypes {
			l.RecipientTypes[j].Status = model.RecipientStatusBypassed
			l.RecipientTypes[j].Note = "bypassed: actor is the only approver"
		}
		l.Status = model.LevelStatusBypassed
		e.metrics.RecordWorkflowBypass(bypassSoleApprover)
	}
}

// Review applies an actor's decision to a workflow instance and recomputes
// level and workflow completion. A completed review flow chains into the
// approval flow configured for the same event.
func (e *Engine) Review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.review",
		append(observability.JobAttributes(req.Job),
			observability.AttrWorkflowID.String(req.WorkflowID),
			attribute.Int("workflow.placement_order", req.Action.PlacementOrder),
		)...,
	)
	res, err := e.review(ctx, req)
	observability.EndSpanWithError(span, err)
	return res, err
}

func (e *Engine) review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	job := req.Job
	act := req.Action

	wf, err := e.store.Get(ctx, job.ProgramID, req.WorkflowID)
	if err != nil {
		return ReviewResult{}, err
	}
	if wf.WorkflowTriggerID != job.ID {
		return ReviewResult{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found for job %q", req.WorkflowID, job.ID),
		)
	}
	if wf.Status != model.WorkflowStatusPending {
		return ReviewResult{}, model.NewWorkflowNotActiveError(
			fmt.Sprintf("workflow instance %q is %s, not pending", wf.ID, wf.Status),
		)
	}

	decision := act.NewStatus
	if decision == "" {
		decision = model.DecisionApprove
	}
	if decision != model.DecisionApprove && decision != model.DecisionReject {
		return ReviewResult{}, model.NewBadRequestError(fmt.Sprintf("unsupported decision %q", act.NewStatus))
	}

	result := ReviewResult{}
	if act.IsAdminOverride {
		override(&wf, act)
		e.metrics.RecordWorkflowBypass(bypassAdminOverride)
	} else {
		idx, ok := Levels(wf.Levels).ByPlacement(act.PlacementOrder)
		if !ok {
			return ReviewResult{}, model.NewLevelNotFoundError(act.PlacementOrder)
		}
		if wf.Levels[idx].Status != model.LevelStatusPending {
			return ReviewResult{}, model.NewInvalidTransitionError(
				fmt.Sprintf("level %d is %s, not pending", act.PlacementOrder, wf.Levels[idx].Status),
			)
		}

		inactive, err := e.inactiveUsers(ctx, &wf)
		if err != nil {
			return ReviewResult{}, err
		}
		if err := applyDecision(&wf.Levels[idx], act, decision, inactive); err != nil {
			return ReviewResult{}, err
		}

		if decision == model.DecisionReject {
			wf.Levels[idx].Status = model.LevelStatusRejected
			wf.Status = model.WorkflowStatusCompleted
			result.Rejected = true
		} else if wf.Config.BypassDuplicateApprover {
			result.Bypassed = bypassDuplicates(&wf, idx, act.UserID)
			for range result.Bypassed {
				e.metrics.RecordWorkflowBypass(bypassDuplicateApprover)
			}
		}
	}
	settleWorkflow(&wf)
	wf.IsUpdated = true

	if err := e.store.Update(ctx, wf); err != nil {
		return ReviewResult{}, err
	}
	wf.Version++

	if err := e.adapter.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{
		Levels:    wf.Levels,
		Status:    wf.Status,
		IsUpdated: true,
	}); err != nil {
		return ReviewResult{}, fmt.Errorf("update workflow: %w", err)
	}

	result.Workflow = wf
	result.WorkflowCompleted = wf.Status == model.WorkflowStatusCompleted

	outcome := "pending"
	switch {
	case result.Rejected:
		outcome = "rejected"
	case result.WorkflowCompleted:
		outcome = "completed"
	}
	e.metrics.RecordWorkflowReview(wf.FlowType, outcome)
	e.logger.Info("workflow reviewed",
		zap.String("job_id", job.ID),
		zap.String("workflow_id", wf.ID),
		zap.String("actor_id", act.UserID),
		zap.Int("placement_order", act.PlacementOrder),
		zap.String("outcome", outcome),
	)

	if !result.WorkflowCompleted || result.Rejected {
		return result, nil
	}
	e.metrics.RecordWorkflowCompletion(wf.FlowType)

	if wf.FlowType == model.FlowTypeReview {
		chained, err := e.chainApproval(ctx, job, wf, act.UserID)
		if err != nil {
			return ReviewResult{}, err
		}
		result.Chained = &chained
	}
	return result, nil
}

// chainApproval starts the approval flow that follows a completed review.
func (e *Engine) chainApproval(ctx context.Context, job *model.Job, review model.Workflow, actorID string) (TriggerResult, error) {
	configured, err := e.store.FindConfigured(ctx, job.ProgramID, review.Event, model.FlowTypeApproval, job.HierarchyIDs)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("find approval workflow: %w", err)
	}
	if len(configured) == 0 {
		return TriggerResult{Outcome: OutcomeNone, FlowType: model.FlowTypeApproval}, nil
	}

	info, err := e.adapter.CreateWorkflowInstance(ctx, configured[0])
	if err != nil {
		return TriggerResult{}, fmt.Errorf("create approval instance: %w", err)
	}
	flowType := info.FlowType
	if flowType == "" {
		flowType = model.FlowTypeApproval
	}
	return e.Trigger(ctx, TriggerRequest{
		Job:      job,
		Event:    review.Event,
		FlowType: flowType,
		ActorID:  actorID,
	})
}

// Instances returns the non-deleted workflow instances of a job.
func (e *Engine) Instances(ctx context.Context, job *model.Job) ([]model.Workflow, error) {
	return e.store.FindActive(ctx, job.ProgramID, model.WorkflowFilters{WorkflowTriggerID: job.ID})
}

// inactiveUsers looks up, in one batch, which recipients of pending levels
// are inactive.
func (e *Engine) inactiveUsers(ctx context.Context, wf *model.Workflow) (map[string]bool, error) {
	if e.users == nil {
		return map[string]bool{}, nil
	}
	seen := map[string]struct{}{}
	var ids []string
	for _, l := range wf.Levels {
		if l.Status != model.LevelStatusPending {
			continue
		}
		for _, r := range l.RecipientTypes {
			for _, id := range r.UserIDs() {
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
	}
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	inactive, err := e.users.InactiveUsers(ctx, wf.ProgramID, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup user status: %w", err)
	}
	return inactive, nil
}

// applyDecision updates the recipients of the targeted level.
func applyDecision(l *model.Level, act Action, decision string, inactive map[string]bool) error {
	matched := false
	anyBehaviour := false
	for i := range l.RecipientTypes {
		r := &l.RecipientTypes[i]
		if r.Status != model.RecipientStatusPending || !r.Names(act.UserID) {
			continue
		}
		matched = true
		if inactive[act.UserID] {
			r.Status = model.RecipientStatusReviewed
			r.Note = "auto-approved: inactive user"
			continue
		}
		if decision == model.DecisionReject {
			r.Status = model.RecipientStatusRejected
		} else {
			r.Status = model.RecipientStatusReviewed
		}
		r.Note = act.Note
		if behaviourOf(*r, act) == model.BehaviourAny {
			anyBehaviour = true
		}
	}
	if !matched {
		return model.NewNotARecipientError(act.UserID, l.PlacementOrder)
	}
	if decision == model.DecisionApprove {
		approveInactive(l, inactive)
	}

	if anyBehaviour && decision == model.DecisionApprove {
		for i := range l.RecipientTypes {
			if l.RecipientTypes[i].Status == model.RecipientStatusPending {
				l.RecipientTypes[i].Status = model.RecipientStatusNotNeeded
			}
		}
	}
	settleLevel(l)
	return nil
}

// approveInactive auto-approves the pending recipients of l whose users are
// all inactive, so they cannot hold an ALL level open.
func approveInactive(l *model.Level, inactive map[string]bool) {
	for i := range l.RecipientTypes {
		r := &l.RecipientTypes[i]
		if r.Status != model.RecipientStatusPending {
			continue
		}
		ids := r.UserIDs()
		if len(ids) == 0 || !allInactive(ids, inactive) {
			continue
		}
		r.Status = model.RecipientStatusReviewed
		r.Note = "auto-approved: inactive user"
	}
}

func allInactive(ids []string, inactive map[string]bool) bool {
	for _, id := range ids {
		if !inactive[id] {
			return false
		}
	}
	return true
}

func behaviourOf(r model.Recipient, act Action) string {
	if act.Behaviour != "" {
		return act.Behaviour
	}
	return r.Behaviour
}

// bypassDuplicates marks the actor's pending entries in every other pending
// level as bypassed and returns the placement orders it touched.
func bypassDuplicates(wf *model.Workflow, target int, actorID string) []int {
	var touched []int
	for i := range wf.Levels {
		l := &wf.Levels[i]
		if i == target || l.Status != model.LevelStatusPending {
			continue
		}
		hit, anyBehaviour := false, false
		for j := range l.RecipientTypes {
			r := &l.RecipientTypes[j]
			if r.Status != model.RecipientStatusPending || !r.Names(actorID) {
				continue
			}
			r.Status = model.RecipientStatusBypassed
			r.Note = "bypassed: duplicate approver"
			hit = true
			if r.Behaviour == model.BehaviourAny {
				anyBehaviour = true
			}
		}
		if !hit {
			continue
		}
		if anyBehaviour {
			for j := range l.RecipientTypes {
				if l.RecipientTypes[j].Status == model.RecipientStatusPending {
					l.RecipientTypes[j].Status = model.RecipientStatusBypassed
					l.RecipientTypes[j].Note = "bypassed: duplicate approver"
				}
			}
		}
		settleLevel(l)
		touched = append(touched, l.PlacementOrder)
	}
	return touched
}

// override forces every pending level to completion.
func override(wf *model.Workflow, act Action) {
	note := "override by " + act.UserID
	if act.Note != "" {
		note += ": " + act.Note
	}
	for i := range wf.Levels {
		l := &wf.Levels[i]
		if l.Status != model.LevelStatusPending {
			continue
		}
		for j := range l.RecipientTypes {
			r := &l.RecipientTypes[j]
			if r.Status == model.RecipientStatusPending {
				r.Status = model.RecipientStatusReviewed
				r.Note = note
			}
		}
		l.Status = model.LevelStatusCompleted
	}
}
