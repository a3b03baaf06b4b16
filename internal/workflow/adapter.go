package workflow

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pitabwire/requisition/model"
)

// WorkflowUpdate is the payload mirrored to the workflow service when an
// instance changes.
type WorkflowUpdate struct {
	Levels    []model.Level `json:"levels"`
	Status    string        `json:"status"`
	IsUpdated bool          `json:"is_updated"`
}

// InstanceInfo is what the workflow service reports for a new instance.
type InstanceInfo struct {
	FlowType       string `json:"flow_type"`
	WorkflowStatus string `json:"workflow_status"`
}

// Adapter externalizes level and recipient state to the workflow service.
// Calls are not part of any local transaction.
type Adapter interface {
	CreateLevel(ctx context.Context, wf model.Workflow, level model.Level) (string, error)
	CreateRecipients(ctx context.Context, levelID string, recipients []model.Recipient) error
	UpdateWorkflow(ctx context.Context, workflowID string, update WorkflowUpdate) error
	CreateWorkflowInstance(ctx context.Context, wf model.Workflow) (InstanceInfo, error)
}

// LocalAdapter satisfies Adapter without a remote service. It assigns level
// IDs and records calls, which makes it useful for tests too.
type LocalAdapter struct {
	mu         sync.Mutex
	Levels     map[string]model.Level
	Recipients map[string][]model.Recipient
	Updates    map[string][]WorkflowUpdate
	Instances  []model.Workflow
}

// NewLocalAdapter creates an empty LocalAdapter.
func NewLocalAdapter() *LocalAdapter {
	return &LocalAdapter{
		Levels:     make(map[string]model.Level),
		Recipients: make(map[string][]model.Recipient),
		Updates:    make(map[string][]WorkflowUpdate),
	}
}

func (a *LocalAdapter) CreateLevel(_ context.Context, _ model.Workflow, level model.Level) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := level.ID
	if id == "" {
		id = uuid.NewString()
	}
	a.Levels[id] = level.Clone()
	return id, nil
}

func (a *LocalAdapter) CreateRecipients(_ context.Context, levelID string, recipients []model.Recipient) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Recipients[levelID] = append(a.Recipients[levelID], recipients...)
	return nil
}

func (a *LocalAdapter) UpdateWorkflow(_ context.Context, workflowID string, update WorkflowUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Updates[workflowID] = append(a.Updates[workflowID], update)
	return nil
}

func (a *LocalAdapter) CreateWorkflowInstance(_ context.Context, wf model.Workflow) (InstanceInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Instances = append(a.Instances, wf.Clone())
	return InstanceInfo{FlowType: wf.FlowType, WorkflowStatus: model.WorkflowStatusPending}, nil
}

// LevelCount returns the number of levels created. For testing.
func (a *LocalAdapter) LevelCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Levels)
}
