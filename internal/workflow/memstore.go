package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/requisition/model"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu         sync.RWMutex
	configured map[string]model.Workflow // key: workflow ID
	instances  map[string]model.Workflow // key: instance ID
}

// NewMemoryStore creates a new in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configured: make(map[string]model.Workflow),
		instances:  make(map[string]model.Workflow),
	}
}

// SaveConfigured upserts a configured workflow.
func (s *MemoryStore) SaveConfigured(_ context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configured[wf.ID] = wf.Clone()
	return nil
}

// FindConfigured returns matching configured workflows, oldest first.
func (s *MemoryStore) FindConfigured(_ context.Context, programID, event, flowType string, hierarchyIDs []string) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Workflow
	for _, wf := range s.configured {
		if wf.IsDeleted || wf.ProgramID != programID || wf.Event != event {
			continue
		}
		if flowType != "" && wf.FlowType != flowType {
			continue
		}
		if !coversHierarchies(wf.HierarchyIDs, hierarchyIDs) {
			continue
		}
		result = append(result, wf.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Create persists a new workflow instance.
func (s *MemoryStore) Create(_ context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[wf.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", wf.ID))
	}
	s.instances[wf.ID] = wf.Clone()
	return nil
}

// Get retrieves a workflow instance by ID, scoped to program.
func (s *MemoryStore) Get(_ context.Context, programID, id string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.instances[id]
	if !exists || wf.ProgramID != programID || wf.IsDeleted {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	return wf.Clone(), nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[wf.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", wf.ID))
	}
	if existing.Version != wf.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", wf.ID, wf.Version, existing.Version),
		)
	}

	wf = wf.Clone()
	wf.Version++
	wf.UpdatedAt = time.Now().UTC()
	s.instances[wf.ID] = wf
	return nil
}

// FindActive returns non-deleted instances of a program, newest first.
func (s *MemoryStore) FindActive(_ context.Context, programID string, filters model.WorkflowFilters) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Workflow
	for _, wf := range s.instances {
		if wf.ProgramID != programID || !matchesFilters(wf, filters) {
			continue
		}
		result = append(result, wf.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
