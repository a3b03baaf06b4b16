package model

import "time"

// Distribution status constants.
const (
	DistributionStatusDistributed = "distributed"
	DistributionStatusScheduled   = "scheduled"
	DistributionStatusCancelled   = "cancelled"
)

// Opt status constants.
const (
	OptStatusPending = "pending"
	OptStatusOptIn   = "opt_in"
	OptStatusOptOut  = "opt_out"
)

// Measure units accepted by tiered schedules.
const (
	MeasureUnitMinutes = "minutes"
	MeasureUnitHours   = "hours"
	MeasureUnitDays    = "days"
	MeasureUnitWeeks   = "weeks"
)

// JobDistribution assigns a job to a vendor.
type JobDistribution struct {
	ID               string     `json:"id"`
	ProgramID        string     `json:"program_id"`
	JobID            string     `json:"job_id"`
	VendorID         string     `json:"vendor_id"`
	CandidateID      string     `json:"candidate_id,omitempty"`
	Status           string     `json:"status"`
	SubmissionLimit  int        `json:"submission_limit"`
	OptStatus        string     `json:"opt_status"`
	DistributionDate *time.Time `json:"distribution_date"`
	ScheduledFor     *time.Time `json:"scheduled_for,omitempty"`
	Duration         int        `json:"duration"`
	MeasureUnit      string     `json:"measure_unit,omitempty"`
	DistributedBy    string     `json:"distributed_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// DistributionResult reports the outcome of a distribution run. Failures are
// values, not errors: callers must check Success.
type DistributionResult struct {
	Success     bool     `json:"success"`
	Message     string   `json:"message"`
	Distributed []string `json:"distributed,omitempty"`
	Scheduled   []string `json:"scheduled,omitempty"`
	Skipped     []string `json:"skipped,omitempty"`
}

// ProgramVendor is a vendor enrolled in a program.
type ProgramVendor struct {
	ID                string   `json:"id"`
	ProgramID         string   `json:"program_id"`
	VendorID          string   `json:"vendor_id"`
	Status            string   `json:"status"`
	HierarchyIDs      []string `json:"hierarchy_ids"`
	IsAllHierarchy    bool     `json:"is_all_hierarchy"`
	LabourCategoryIDs []string `json:"labour_category_ids"`
	IsIndustryExempt  bool     `json:"is_industry_exempt"`
	SubmissionLimit   int      `json:"submission_limit"`
}
