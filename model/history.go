package model

import "time"

// History event types.
const (
	HistoryEventCreate       = "JOB_CREATE"
	HistoryEventUpdate       = "JOB_UPDATE"
	HistoryEventStatusChange = "JOB_STATUS_CHANGE"
	HistoryEventDistribution = "JOB_DISTRIBUTION"
)

// FieldChange is a single before/after pair of a structured diff.
type FieldChange struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// HistoryRecord is an audit entry for a job.
type HistoryRecord struct {
	ID        string        `json:"id"`
	JobID     string        `json:"job_id"`
	ProgramID string        `json:"program_id"`
	Event     string        `json:"event_type"`
	ActorID   string        `json:"actor_id"`
	Status    JobStatus     `json:"status,omitempty"`
	Diff      []FieldChange `json:"diff"`
	CreatedAt time.Time     `json:"created_at"`
}

// Notification is a payload handed to the notification sender.
type Notification struct {
	Event      string         `json:"event"`
	ProgramID  string         `json:"program_id"`
	JobID      string         `json:"job_id"`
	Recipients []string       `json:"recipients,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}
