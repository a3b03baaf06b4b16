package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pitabwire/requisition/model"
)

type jobRow struct {
	ID                   string                      `gorm:"primaryKey;type:text"`
	ProgramID            string                      `gorm:"type:text;not null;index:idx_jobs_program_status,priority:1"`
	Status               string                      `gorm:"type:text;not null;index:idx_jobs_program_status,priority:2"`
	HierarchyIDs         []string                    `gorm:"type:jsonb;serializer:json"`
	JobTemplateID        string                      `gorm:"type:text;not null"`
	JobManagerID         string                      `gorm:"type:text;not null"`
	LabourCategoryID     string                      `gorm:"type:text"`
	WorkLocationID       string                      `gorm:"type:text"`
	JobType              string                      `gorm:"type:text"`
	Currency             string                      `gorm:"type:text"`
	RateModel            string                      `gorm:"type:text"`
	AllowPerIdentifiedS  bool                        `gorm:"not null;default:false"`
	Budgets              model.Budgets               `gorm:"type:jsonb;serializer:json"`
	NoPositions          int                         `gorm:"not null;default:1"`
	AssignmentCount      int                         `gorm:"not null;default:0"`
	CustomFields         []model.CustomField         `gorm:"type:jsonb;serializer:json"`
	FoundationData       []model.FoundationRef       `gorm:"type:jsonb;serializer:json"`
	IdentifiedCandidates []model.IdentifiedCandidate `gorm:"type:jsonb;serializer:json"`
	CreatedBy            string                      `gorm:"type:text"`
	IsDeleted            bool                        `gorm:"not null;default:false"`
	CreatedAt            time.Time                   `gorm:"not null"`
	UpdatedAt            time.Time                   `gorm:"not null"`
}

func (jobRow) TableName() string { return "jobs" }

func jobToRow(j *model.Job) jobRow {
	return jobRow{
		ID:                   j.ID,
		ProgramID:            j.ProgramID,
		Status:               string(j.Status),
		HierarchyIDs:         j.HierarchyIDs,
		JobTemplateID:        j.JobTemplateID,
		JobManagerID:         j.JobManagerID,
		LabourCategoryID:     j.LabourCategoryID,
		WorkLocationID:       j.WorkLocationID,
		JobType:              j.JobType,
		Currency:             j.Currency,
		RateModel:            j.RateModel,
		AllowPerIdentifiedS:  j.AllowPerIdentifiedS,
		Budgets:              j.Budgets,
		NoPositions:          j.NoPositions,
		AssignmentCount:      j.AssignmentCount,
		CustomFields:         j.CustomFields,
		FoundationData:       j.FoundationData,
		IdentifiedCandidates: j.IdentifiedCandidates,
		CreatedBy:            j.CreatedBy,
		IsDeleted:            j.IsDeleted,
		CreatedAt:            j.CreatedAt,
		UpdatedAt:            j.UpdatedAt,
	}
}

func (r jobRow) toModel() *model.Job {
	return &model.Job{
		ID:                   r.ID,
		ProgramID:            r.ProgramID,
		Status:               model.JobStatus(r.Status),
		HierarchyIDs:         r.HierarchyIDs,
		JobTemplateID:        r.JobTemplateID,
		JobManagerID:         r.JobManagerID,
		LabourCategoryID:     r.LabourCategoryID,
		WorkLocationID:       r.WorkLocationID,
		JobType:              r.JobType,
		Currency:             r.Currency,
		RateModel:            r.RateModel,
		AllowPerIdentifiedS:  r.AllowPerIdentifiedS,
		Budgets:              r.Budgets,
		NoPositions:          r.NoPositions,
		AssignmentCount:      r.AssignmentCount,
		CustomFields:         r.CustomFields,
		FoundationData:       r.FoundationData,
		IdentifiedCandidates: r.IdentifiedCandidates,
		CreatedBy:            r.CreatedBy,
		IsDeleted:            r.IsDeleted,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

type templateRow struct {
	ID                         string                 `gorm:"primaryKey;type:text"`
	ProgramID                  string                 `gorm:"primaryKey;type:text"`
	Name                       string                 `gorm:"type:text"`
	IsAutomaticDistribution    bool                   `gorm:"not null;default:false"`
	IsTieredDistributeSubmit   bool                   `gorm:"not null;default:false"`
	IsReviewConfiguredOrSubmit bool                   `gorm:"not null;default:false"`
	SubmissionLimitVendor      int                    `gorm:"not null;default:0"`
	DistributionSchedule       []model.ScheduleBucket `gorm:"type:jsonb;serializer:json"`
	LabourCategoryID           string                 `gorm:"type:text"`
}

func (templateRow) TableName() string { return "job_templates" }

type historyRow struct {
	ID        string              `gorm:"primaryKey;type:text"`
	JobID     string              `gorm:"type:text;not null;index:idx_job_histories_job,priority:2"`
	ProgramID string              `gorm:"type:text;not null;index:idx_job_histories_job,priority:1"`
	Event     string              `gorm:"column:event_type;type:text;not null"`
	ActorID   string              `gorm:"type:text"`
	Status    string              `gorm:"type:text"`
	Diff      []model.FieldChange `gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time           `gorm:"not null;index:idx_job_histories_job,priority:3"`
}

func (historyRow) TableName() string { return "job_histories" }

// GormStore is a PostgreSQL Store on gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store over db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the jobs, job_templates and job_histories tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&jobRow{}, &templateRow{}, &historyRow{})
}

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) GetJob(ctx context.Context, programID, id string) (*model.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).
		Where("program_id = ? AND id = ?", programID, id).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.NewNotFoundError(fmt.Sprintf("job %q not found", id))
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) SaveJob(ctx context.Context, job *model.Job) error {
	row := jobToRow(job)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return ClassifyError(fmt.Errorf("save job: %w", err))
	}
	return nil
}

func (s *GormStore) AppendHistory(ctx context.Context, rec model.HistoryRecord) error {
	row := historyRow{
		ID:        rec.ID,
		JobID:     rec.JobID,
		ProgramID: rec.ProgramID,
		Event:     rec.Event,
		ActorID:   rec.ActorID,
		Status:    string(rec.Status),
		Diff:      rec.Diff,
		CreatedAt: rec.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ClassifyError(fmt.Errorf("append history: %w", err))
	}
	return nil
}

func (s *GormStore) ListJobs(ctx context.Context, f model.JobFilters) ([]model.Job, error) {
	q := s.db.WithContext(ctx).Where("is_deleted = ?", false)
	if f.ProgramID != "" {
		q = q.Where("program_id = ?", f.ProgramID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []jobRow
	if err := q.Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]model.Job, len(rows))
	for i, r := range rows {
		out[i] = *r.toModel()
	}
	return out, nil
}

func (s *GormStore) GetTemplate(ctx context.Context, programID, id string) (*model.JobTemplate, error) {
	var row templateRow
	err := s.db.WithContext(ctx).
		Where("program_id = ? AND id = ?", programID, id).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.NewNotFoundError(fmt.Sprintf("job template %q not found", id))
		}
		return nil, fmt.Errorf("get job template: %w", err)
	}
	return &model.JobTemplate{
		ID:                         row.ID,
		ProgramID:                  row.ProgramID,
		Name:                       row.Name,
		IsAutomaticDistribution:    row.IsAutomaticDistribution,
		IsTieredDistributeSubmit:   row.IsTieredDistributeSubmit,
		IsReviewConfiguredOrSubmit: row.IsReviewConfiguredOrSubmit,
		SubmissionLimitVendor:      row.SubmissionLimitVendor,
		DistributionSchedule:       row.DistributionSchedule,
		LabourCategoryID:           row.LabourCategoryID,
	}, nil
}

func (s *GormStore) SaveTemplate(ctx context.Context, tpl *model.JobTemplate) error {
	row := templateRow{
		ID:                         tpl.ID,
		ProgramID:                  tpl.ProgramID,
		Name:                       tpl.Name,
		IsAutomaticDistribution:    tpl.IsAutomaticDistribution,
		IsTieredDistributeSubmit:   tpl.IsTieredDistributeSubmit,
		IsReviewConfiguredOrSubmit: tpl.IsReviewConfiguredOrSubmit,
		SubmissionLimitVendor:      tpl.SubmissionLimitVendor,
		DistributionSchedule:       tpl.DistributionSchedule,
		LabourCategoryID:           tpl.LabourCategoryID,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return ClassifyError(fmt.Errorf("save job template: %w", err))
	}
	return nil
}

func (s *GormStore) History(ctx context.Context, programID, jobID string) ([]model.HistoryRecord, error) {
	var rows []historyRow
	err := s.db.WithContext(ctx).
		Where("program_id = ? AND job_id = ?", programID, jobID).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list job history: %w", err)
	}
	out := make([]model.HistoryRecord, len(rows))
	for i, r := range rows {
		out[i] = model.HistoryRecord{
			ID:        r.ID,
			JobID:     r.JobID,
			ProgramID: r.ProgramID,
			Event:     r.Event,
			ActorID:   r.ActorID,
			Status:    model.JobStatus(r.Status),
			Diff:      r.Diff,
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}

// HealthCheck pings the underlying connection pool.
func (s *GormStore) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// PostgreSQL error codes the classifier understands.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgNotNullViolation    = "23502"
	pgCheckViolation      = "23514"
)

// ClassifyError maps persistence errors to API errors: duplicate keys become
// CONFLICT, constraint violations BAD_REQUEST and missing rows NOT_FOUND.
// Anything else is returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return wrapEnvelope(model.NewConflictError("record already exists"), err)
		case pgForeignKeyViolation, pgNotNullViolation, pgCheckViolation:
			return wrapEnvelope(model.NewBadRequestError(fmt.Sprintf("constraint %s violated", pgErr.ConstraintName)), err)
		}
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return wrapEnvelope(model.NewNotFoundError("record not found"), err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return wrapEnvelope(model.NewConflictError("record already exists"), err)
	case errors.Is(err, gorm.ErrForeignKeyViolated), errors.Is(err, gorm.ErrCheckConstraintViolated):
		return wrapEnvelope(model.NewBadRequestError("constraint violated"), err)
	}
	return err
}

// classified keeps the driver error reachable for logging while exposing the
// envelope to errors.As.
type classified struct {
	env   *model.ErrorEnvelope
	cause error
}

func (c *classified) Error() string { return c.env.Error() + ": " + c.cause.Error() }

func (c *classified) Unwrap() []error { return []error{c.env, c.cause} }

func wrapEnvelope(env *model.ErrorEnvelope, cause error) error {
	return &classified{env: env, cause: cause}
}
