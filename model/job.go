package model

import "time"

// JobStatus enumerates the lifecycle states of a job requisition.
type JobStatus string

// Job status constants.
const (
	JobStatusDraft                   JobStatus = "DRAFT"
	JobStatusOpen                    JobStatus = "OPEN"
	JobStatusSourcing                JobStatus = "SOURCING"
	JobStatusPendingApprovalSourcing JobStatus = "PENDING_APPROVAL_SOURCING"
	JobStatusPendingApproval         JobStatus = "PENDING_APPROVAL"
	JobStatusPendingReview           JobStatus = "PENDING_REVIEW"
	JobStatusRejected                JobStatus = "REJECTED"
	JobStatusHalted                  JobStatus = "HALTED"
	JobStatusHold                    JobStatus = "HOLD"
	JobStatusFilled                  JobStatus = "FILLED"
	JobStatusClosed                  JobStatus = "CLOSED"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusDraft, JobStatusOpen, JobStatusSourcing, JobStatusPendingApprovalSourcing,
		JobStatusPendingApproval, JobStatusPendingReview, JobStatusRejected, JobStatusHalted,
		JobStatusHold, JobStatusFilled, JobStatusClosed:
		return true
	}
	return false
}

// Budget is one bound of a job's budget.
type Budget struct {
	NetBudget *float64 `json:"net_budget,omitempty"`
	BillRate  *float64 `json:"bill_rate,omitempty"`
}

// Budgets groups the min, max and average budget bounds.
type Budgets struct {
	Min Budget `json:"min"`
	Max Budget `json:"max"`
	Avg Budget `json:"avg"`
}

// CustomField is a program-defined field value attached to a job.
type CustomField struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

// FoundationRef points at a foundation-data record (cost center, GL account, ...)
// the job references.
type FoundationRef struct {
	TypeID string `json:"foundation_data_type_id"`
	ID     string `json:"foundation_data_id"`
}

// IdentifiedCandidate is a named candidate tied to the vendor that supplies them.
type IdentifiedCandidate struct {
	CandidateID string `json:"candidate_id"`
	VendorID    string `json:"vendor_id"`
}

// Job is a requisition.
type Job struct {
	ID                   string                `json:"id"`
	ProgramID            string                `json:"program_id"`
	Status               JobStatus             `json:"status"`
	HierarchyIDs         []string              `json:"hierarchy_ids"`
	JobTemplateID        string                `json:"job_template_id"`
	JobManagerID         string                `json:"job_manager_id"`
	LabourCategoryID     string                `json:"labour_category_id,omitempty"`
	WorkLocationID       string                `json:"work_location_id,omitempty"`
	JobType              string                `json:"job_type,omitempty"`
	Currency             string                `json:"currency,omitempty"`
	RateModel            string                `json:"rate_model,omitempty"`
	AllowPerIdentifiedS  bool                  `json:"allow_per_identified_s"`
	Budgets              Budgets               `json:"budgets"`
	NoPositions          int                   `json:"no_positions"`
	AssignmentCount      int                   `json:"assignment_count"`
	CustomFields         []CustomField         `json:"custom_fields,omitempty"`
	FoundationData       []FoundationRef       `json:"foundation_data,omitempty"`
	IdentifiedCandidates []IdentifiedCandidate `json:"identified_candidates,omitempty"`
	CreatedBy            string                `json:"created_by,omitempty"`
	IsDeleted            bool                  `json:"is_deleted"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

// MinNetBudget returns the minimum net budget, or 0 when unset.
func (j *Job) MinNetBudget() float64 {
	if j.Budgets.Min.NetBudget == nil {
		return 0
	}
	return *j.Budgets.Min.NetBudget
}

// MaxNetBudget returns the maximum net budget, falling back to the minimum.
func (j *Job) MaxNetBudget() float64 {
	if j.Budgets.Max.NetBudget == nil {
		return j.MinNetBudget()
	}
	return *j.Budgets.Max.NetBudget
}

// CustomFieldValue returns the stored value of the custom field with the given id.
func (j *Job) CustomFieldValue(id string) (any, bool) {
	for _, cf := range j.CustomFields {
		if cf.ID == id {
			return cf.Value, true
		}
	}
	return nil, false
}

// Foundation returns the foundation-data record of the given type.
func (j *Job) Foundation(typeID string) (FoundationRef, bool) {
	for _, fd := range j.FoundationData {
		if fd.TypeID == typeID {
			return fd, true
		}
	}
	return FoundationRef{}, false
}

// ScheduleBucket is one tier of a tiered distribution schedule.
type ScheduleBucket struct {
	Duration       int      `json:"duration"`
	MeasureUnit    string   `json:"measure_unit"`
	VendorIDs      []string `json:"vendor_ids,omitempty"`
	VendorGroupIDs []string `json:"vendor_group_ids,omitempty"`
}

// JobTemplate carries the distribution and review policy of a job.
type JobTemplate struct {
	ID                         string           `json:"id"`
	ProgramID                  string           `json:"program_id"`
	Name                       string           `json:"name"`
	IsAutomaticDistribution    bool             `json:"is_automatic_distribution"`
	IsTieredDistributeSubmit   bool             `json:"is_tiered_distribute_submit"`
	IsReviewConfiguredOrSubmit bool             `json:"is_review_configured_or_submit"`
	SubmissionLimitVendor      int              `json:"submission_limit_vendor"`
	DistributionSchedule       []ScheduleBucket `json:"distribution_schedule,omitempty"`
	LabourCategoryID           string           `json:"labour_category"`
}

// JobFilters are optional filters for listing jobs.
type JobFilters struct {
	ProgramID string
	Status    JobStatus
	Limit     int
	Offset    int
}
