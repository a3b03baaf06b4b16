package workflow

import (
	"context"
	"slices"

	"github.com/pitabwire/requisition/model"
)

// Store persists configured workflows and the instances triggered from them.
type Store interface {
	// SaveConfigured upserts a configured workflow template.
	SaveConfigured(ctx context.Context, wf model.Workflow) error

	// FindConfigured returns the configured workflows of a program for an
	// event and flow type whose hierarchy scope covers the given hierarchies.
	FindConfigured(ctx context.Context, programID, event, flowType string, hierarchyIDs []string) ([]model.Workflow, error)

	// Create persists a new workflow instance.
	Create(ctx context.Context, wf model.Workflow) error

	// Get retrieves a workflow instance by ID, scoped to a program.
	Get(ctx context.Context, programID, id string) (model.Workflow, error)

	// Update persists an updated instance with optimistic locking. Returns
	// CONFLICT if the stored version differs from wf.Version.
	Update(ctx context.Context, wf model.Workflow) error

	// FindActive returns non-deleted instances of a program matching filters.
	FindActive(ctx context.Context, programID string, filters model.WorkflowFilters) ([]model.Workflow, error)
}

// coversHierarchies reports whether a configured workflow scoped to scope
// applies to a job in the given hierarchies. An empty scope applies to all.
func coversHierarchies(scope, hierarchyIDs []string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, h := range hierarchyIDs {
		if slices.Contains(scope, h) {
			return true
		}
	}
	return false
}

func matchesFilters(wf model.Workflow, f model.WorkflowFilters) bool {
	if wf.IsDeleted {
		return false
	}
	if f.Event != "" && wf.Event != f.Event {
		return false
	}
	if f.WorkflowTriggerID != "" && wf.WorkflowTriggerID != f.WorkflowTriggerID {
		return false
	}
	if f.Status != "" && wf.Status != f.Status {
		return false
	}
	return true
}
