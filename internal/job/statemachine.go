// Package job owns the job requisition lifecycle: the status state machine,
// persistence of jobs, templates and history, and the service that ties
// workflows and distribution to job mutations.
package job

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/requisition/model"
)

// Action is an explicit status request on the status endpoint.
type Action string

// Status actions.
const (
	ActionHold    Action = "HOLD"
	ActionHalted  Action = "HALTED"
	ActionClosed  Action = "CLOSED"
	ActionFilled  Action = "FILLED"
	ActionRelease Action = "RELEASE"
	ActionRemove  Action = "REMOVE"
)

// ParseAction normalizes s into an Action.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionHold, ActionHalted, ActionClosed, ActionFilled, ActionRelease, ActionRemove:
		return a, true
	}
	return "", false
}

// liveStatuses are those a job can be paused, closed or filled from.
var liveStatuses = []model.JobStatus{
	model.JobStatusOpen,
	model.JobStatusSourcing,
	model.JobStatusPendingApprovalSourcing,
	model.JobStatusPendingApproval,
	model.JobStatusPendingReview,
}

var paused = []model.JobStatus{model.JobStatusHold, model.JobStatusHalted}

// allowedFrom lists, per action, the statuses it may be applied to. The
// action's own target status is always accepted and yields a no-op. A paused
// job has to be released before it can be filled.
var allowedFrom = map[Action][]model.JobStatus{
	ActionHold:    append(slices.Clone(liveStatuses), model.JobStatusHalted),
	ActionHalted:  append(slices.Clone(liveStatuses), model.JobStatusHold),
	ActionClosed:  append(append(slices.Clone(liveStatuses), paused...), model.JobStatusDraft, model.JobStatusFilled),
	ActionFilled:  {model.JobStatusOpen, model.JobStatusSourcing, model.JobStatusPendingApprovalSourcing},
	ActionRelease: paused,
}

// Transition is the outcome of applying an action to a job status.
type Transition struct {
	From   model.JobStatus
	To     model.JobStatus
	Remove bool
	NoOp   bool
}

// ApplyAction decides the status that action moves a job in current to.
// history is the job's history, oldest first; RELEASE restores the status the
// job held right before its most recent HOLD or HALTED, falling back to OPEN.
func ApplyAction(current model.JobStatus, action Action, history []model.HistoryRecord) (Transition, error) {
	t := Transition{From: current, To: current}

	switch action {
	case ActionRemove:
		t.Remove = true
		return t, nil
	case ActionRelease:
		if !slices.Contains(allowedFrom[action], current) {
			return t, invalid(current, action)
		}
		t.To = statusBeforePause(history)
		return t, nil
	}

	target := model.JobStatus(action)
	if !target.Valid() {
		return t, model.NewBadRequestError(fmt.Sprintf("unsupported status action %q", action))
	}
	if current == target {
		t.NoOp = true
		return t, nil
	}
	if !slices.Contains(allowedFrom[action], current) {
		return t, invalid(current, action)
	}
	t.To = target
	return t, nil
}

func invalid(current model.JobStatus, action Action) error {
	return model.NewInvalidTransitionError(fmt.Sprintf("cannot apply %s to a job in %s", action, current))
}

// statusBeforePause walks history backwards to the latest status change into
// HOLD or HALTED and returns the status recorded before it.
func statusBeforePause(history []model.HistoryRecord) model.JobStatus {
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		if rec.Event != model.HistoryEventStatusChange {
			continue
		}
		for _, ch := range rec.Diff {
			if ch.Field != "status" {
				continue
			}
			after := model.JobStatus(fmt.Sprint(ch.After))
			if !slices.Contains(paused, after) {
				continue
			}
			before := model.JobStatus(fmt.Sprint(ch.Before))
			if before.Valid() && !slices.Contains(paused, before) {
				return before
			}
		}
	}
	return model.JobStatusOpen
}

// AcceptsDistribution reports whether a job in s may be distributed to vendors.
func AcceptsDistribution(s model.JobStatus) bool {
	switch s {
	case model.JobStatusOpen, model.JobStatusSourcing,
		model.JobStatusPendingApproval, model.JobStatusPendingApprovalSourcing:
		return true
	}
	return false
}

// SourcingStatus is the status a job moves to once it is first distributed.
func SourcingStatus(s model.JobStatus) (model.JobStatus, bool) {
	switch s {
	case model.JobStatusOpen:
		return model.JobStatusSourcing, true
	case model.JobStatusPendingApproval:
		return model.JobStatusPendingApprovalSourcing, true
	}
	return s, false
}

// awaitingWorkflow reports whether a job is parked on a review or approval.
func awaitingWorkflow(s model.JobStatus) bool {
	return s == model.JobStatusPendingReview || s == model.JobStatusPendingApproval ||
		s == model.JobStatusPendingApprovalSourcing
}
