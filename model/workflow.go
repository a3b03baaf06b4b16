package model

import (
	"maps"
	"slices"
	"time"
)

// Workflow instance status constants. A workflow only ever moves from
// pending to completed.
const (
	WorkflowStatusPending   = "pending"
	WorkflowStatusCompleted = "completed"
)

// Level status constants. LevelStatusGatePassed marks the trigger level once
// its conditions held.
const (
	LevelStatusPending    = "pending"
	LevelStatusCompleted  = "completed"
	LevelStatusBypassed   = "bypassed"
	LevelStatusGatePassed = "true"
	LevelStatusRejected   = "rejected"
)

// Recipient status constants.
const (
	RecipientStatusPending   = "pending"
	RecipientStatusReviewed  = "reviewed"
	RecipientStatusBypassed  = "bypassed"
	RecipientStatusNotNeeded = "Not needed"
	RecipientStatusRejected  = "rejected"
)

// Review decisions carried by an actor's action.
const (
	DecisionApprove = "approved"
	DecisionReject  = "rejected"
)

// Flow types.
const (
	FlowTypeReview   = "Review"
	FlowTypeApproval = "Approval"
)

// Recipient behaviours.
const (
	BehaviourAny = "ANY"
	BehaviourAll = "ALL"
)

// Boolean operators used by operator conditions.
const (
	OperatorAnd = "AND"
	OperatorOr  = "OR"
)

// Workflow event slugs.
const (
	EventJobCreate = "job_create"
	EventJobUpdate = "job_update"
)

// MetaKeyUserID is the recipient meta_data key that carries a concrete user id.
const MetaKeyUserID = "user_id"

// WorkflowConfig holds behavioural flags for a workflow.
type WorkflowConfig struct {
	BypassDuplicateApprover        bool `json:"bypass_duplicate_approver"`
	SkipLevelIfActorIsOnlyApprover bool `json:"skip_level_if_actor_is_only_approver_in_level"`
}

// Workflow is a configured approval/review graph or a triggered instance of
// one. Levels and recipients are embedded and mutated as a single document.
type Workflow struct {
	ID                string         `json:"id"`
	ProgramID         string         `json:"program_id"`
	TemplateID        string         `json:"template_id,omitempty"`
	WorkflowTriggerID string         `json:"workflow_trigger_id,omitempty"`
	Name              string         `json:"name"`
	FlowType          string         `json:"flow_type"`
	Status            string         `json:"status"`
	Event             string         `json:"events"`
	HierarchyIDs      []string       `json:"hierarchy_ids,omitempty"`
	Levels            []Level        `json:"levels"`
	Config            WorkflowConfig `json:"config"`
	IsUpdated         bool           `json:"is_updated"`
	IsDeleted         bool           `json:"is_deleted"`
	Version           int            `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Level is an ordered unit of a workflow. Placement order 0 is the trigger level.
type Level struct {
	ID                 string              `json:"id,omitempty"`
	PlacementOrder     int                 `json:"placement_order"`
	Status             string              `json:"status"`
	Conditions         []Condition         `json:"conditions,omitempty"`
	OperatorConditions []OperatorCondition `json:"operator_conditions,omitempty"`
	RecipientTypes     []Recipient         `json:"recipient_types"`
}

// Condition is a single comparison clause of a level.
type Condition struct {
	ID               string      `json:"id,omitempty"`
	FieldConfig      string      `json:"field_config"`
	FieldOperatorID  string      `json:"field_operator_id"`
	TargetFieldValue TargetValue `json:"target_field_value"`
	Indent           int         `json:"indent"`
	PlacementOrder   int         `json:"placement_order"`
}

// TargetValue holds the literals a condition compares against.
type TargetValue struct {
	Values []any `json:"values"`
}

// OperatorCondition is an AND/OR marker interleaved with conditions by
// placement order.
type OperatorCondition struct {
	Operator       string `json:"operator"`
	Indent         int    `json:"indent"`
	PlacementOrder int    `json:"placement_order"`
}

// Recipient is a recipient-type entry of a level. Before resolution MetaData
// holds strategy parameters; afterwards it holds concrete user ids.
type Recipient struct {
	ID              string         `json:"id,omitempty"`
	RecipientTypeID string         `json:"recipient_type_id"`
	MetaData        map[string]any `json:"meta_data"`
	Behaviour       string         `json:"behaviour,omitempty"`
	Status          string         `json:"status"`
	ReplacedBy      string         `json:"replaced_by,omitempty"`
	Note            string         `json:"note,omitempty"`
}

// UserIDs returns every user id the recipient names, replaced_by first.
func (r Recipient) UserIDs() []string {
	var ids []string
	if r.ReplacedBy != "" {
		ids = append(ids, r.ReplacedBy)
	}
	keys := slices.Sorted(maps.Keys(r.MetaData))
	for _, k := range keys {
		if s, ok := r.MetaData[k].(string); ok && s != "" && !slices.Contains(ids, s) {
			ids = append(ids, s)
		}
	}
	return ids
}

// Names reports whether userID appears in meta_data or replaced_by.
func (r Recipient) Names(userID string) bool {
	if userID == "" {
		return false
	}
	return slices.Contains(r.UserIDs(), userID)
}

// Clone returns a deep copy of the workflow.
func (w Workflow) Clone() Workflow {
	out := w
	out.HierarchyIDs = slices.Clone(w.HierarchyIDs)
	out.Levels = make([]Level, len(w.Levels))
	for i, l := range w.Levels {
		out.Levels[i] = l.Clone()
	}
	return out
}

// Clone returns a deep copy of the level.
func (l Level) Clone() Level {
	out := l
	out.Conditions = make([]Condition, len(l.Conditions))
	for i, c := range l.Conditions {
		c.TargetFieldValue.Values = slices.Clone(c.TargetFieldValue.Values)
		out.Conditions[i] = c
	}
	out.OperatorConditions = slices.Clone(l.OperatorConditions)
	out.RecipientTypes = make([]Recipient, len(l.RecipientTypes))
	for i, r := range l.RecipientTypes {
		r.MetaData = maps.Clone(r.MetaData)
		out.RecipientTypes[i] = r
	}
	return out
}

// WorkflowFilters are optional filters for listing workflows.
type WorkflowFilters struct {
	ProgramID         string
	Event             string
	WorkflowTriggerID string
	Status            string
}
