package workflow

import (
	"context"
	"slices"

	"github.com/pitabwire/requisition/model"
)

// TriggerPlacement is the placement order of the gate level.
const TriggerPlacement = 0

// LevelEvaluator decides whether a level's conditions hold for a job.
type LevelEvaluator interface {
	EvaluateLevel(ctx context.Context, level model.Level, job *model.Job) bool
}

// Advance runs level progression on wf for job. When the trigger level's
// conditions fail it returns false and leaves wf untouched. Otherwise levels
// whose conditions fail are removed, the survivors are renumbered, and every
// level and recipient is reset to pending. A trigger level without
// recipients is marked gate-passed instead, so it never blocks completion.
func Advance(ctx context.Context, ev LevelEvaluator, wf *model.Workflow, job *model.Job) bool {
	levels := Levels(slices.Clone(wf.Levels))
	levels.Normalize()

	if gate, ok := levels.ByPlacement(TriggerPlacement); ok && !ev.EvaluateLevel(ctx, levels[gate], job) {
		return false
	}

	kept := levels[:0]
	for _, l := range levels {
		if l.PlacementOrder == TriggerPlacement || len(l.Conditions) == 0 || ev.EvaluateLevel(ctx, l, job) {
			kept = append(kept, l)
		}
	}
	kept.Normalize()

	for i := range kept {
		kept[i].Status = model.LevelStatusPending
		if kept[i].PlacementOrder == TriggerPlacement && len(kept[i].RecipientTypes) == 0 {
			kept[i].Status = model.LevelStatusGatePassed
		}
		for j := range kept[i].RecipientTypes {
			kept[i].RecipientTypes[j].Status = model.RecipientStatusPending
		}
	}
	wf.Levels = kept
	return true
}

// levelSatisfied reports whether every recipient reached a satisfied
// terminal status.
func levelSatisfied(l model.Level) bool {
	for _, r := range l.RecipientTypes {
		switch r.Status {
		case model.RecipientStatusReviewed, model.RecipientStatusBypassed, model.RecipientStatusNotNeeded:
		default:
			return false
		}
	}
	return true
}

// settleLevel recomputes a pending level's status from its recipients. A
// level whose recipients were all bypassed is bypassed; any other fully
// satisfied level is completed.
func settleLevel(l *model.Level) {
	if l.Status != model.LevelStatusPending || !levelSatisfied(*l) {
		return
	}
	allBypassed := len(l.RecipientTypes) > 0
	for _, r := range l.RecipientTypes {
		if r.Status != model.RecipientStatusBypassed {
			allBypassed = false
			break
		}
	}
	if allBypassed {
		l.Status = model.LevelStatusBypassed
		return
	}
	l.Status = model.LevelStatusCompleted
}

// settleWorkflow marks wf completed once no level is pending.
func settleWorkflow(wf *model.Workflow) {
	if !Levels(wf.Levels).Pending() {
		wf.Status = model.WorkflowStatusCompleted
	}
}
