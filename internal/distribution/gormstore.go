package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pitabwire/requisition/model"
)

// distributionRow is the job_distributions table.
type distributionRow struct {
	ID               string     `gorm:"primaryKey;type:text"`
	ProgramID        string     `gorm:"type:text;index;not null"`
	JobID            string     `gorm:"type:text;not null;uniqueIndex:uq_job_distributions_job_vendor"`
	VendorID         string     `gorm:"type:text;not null;uniqueIndex:uq_job_distributions_job_vendor"`
	CandidateID      string     `gorm:"type:text"`
	Status           string     `gorm:"type:text;not null;index:idx_job_distributions_due,priority:1"`
	SubmissionLimit  int        `gorm:"not null;default:0"`
	OptStatus        string     `gorm:"type:text;not null;default:'pending'"`
	DistributionDate *time.Time `gorm:"type:timestamptz"`
	ScheduledFor     *time.Time `gorm:"type:timestamptz;index:idx_job_distributions_due,priority:2"`
	Duration         int        `gorm:"not null;default:0"`
	MeasureUnit      string     `gorm:"type:text"`
	DistributedBy    string     `gorm:"type:text"`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

func (distributionRow) TableName() string { return "job_distributions" }

func toRow(d model.JobDistribution) distributionRow {
	return distributionRow{
		ID:               d.ID,
		ProgramID:        d.ProgramID,
		JobID:            d.JobID,
		VendorID:         d.VendorID,
		CandidateID:      d.CandidateID,
		Status:           d.Status,
		SubmissionLimit:  d.SubmissionLimit,
		OptStatus:        d.OptStatus,
		DistributionDate: d.DistributionDate,
		ScheduledFor:     d.ScheduledFor,
		Duration:         d.Duration,
		MeasureUnit:      d.MeasureUnit,
		DistributedBy:    d.DistributedBy,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func (r distributionRow) toModel() model.JobDistribution {
	return model.JobDistribution{
		ID:               r.ID,
		ProgramID:        r.ProgramID,
		JobID:            r.JobID,
		VendorID:         r.VendorID,
		CandidateID:      r.CandidateID,
		Status:           r.Status,
		SubmissionLimit:  r.SubmissionLimit,
		OptStatus:        r.OptStatus,
		DistributionDate: r.DistributionDate,
		ScheduledFor:     r.ScheduledFor,
		Duration:         r.Duration,
		MeasureUnit:      r.MeasureUnit,
		DistributedBy:    r.DistributedBy,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// GormStore is a PostgreSQL Store on gorm. The unique index on
// (job_id, vendor_id) backs the insert-if-absent contract.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store over db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the job_distributions table and its indexes.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&distributionRow{})
}

func (s *GormStore) Exists(ctx context.Context, jobID, vendorID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&distributionRow{}).
		Where("job_id = ? AND vendor_id = ?", jobID, vendorID).
		Limit(1).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("count distributions: %w", err)
	}
	return n > 0, nil
}

func (s *GormStore) Insert(ctx context.Context, d model.JobDistribution) (bool, error) {
	row := toRow(d)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "vendor_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, fmt.Errorf("insert distribution: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ListByJob(ctx context.Context, programID, jobID string) ([]model.JobDistribution, error) {
	var rows []distributionRow
	err := s.db.WithContext(ctx).
		Where("program_id = ? AND job_id = ?", programID, jobID).
		Order("vendor_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list distributions: %w", err)
	}
	out := make([]model.JobDistribution, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *GormStore) CancelScheduled(ctx context.Context, programID, jobID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&distributionRow{}).
		Where("program_id = ? AND job_id = ? AND status = ?", programID, jobID, model.DistributionStatusScheduled).
		Updates(map[string]any{
			"status":     model.DistributionStatusCancelled,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel scheduled distributions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// ActivateDue claims due rows with SKIP LOCKED so concurrent activators
// never flip the same row twice.
func (s *GormStore) ActivateDue(ctx context.Context, now time.Time, limit int) ([]model.JobDistribution, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []distributionRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(`
with due as (
  select id
  from job_distributions
  where status = ? and scheduled_for <= ?
  order by scheduled_for
  for update skip locked
  limit ?
)
update job_distributions
set status = ?, distribution_date = ?, updated_at = ?
where id in (select id from due)
returning *`,
			model.DistributionStatusScheduled, now, limit,
			model.DistributionStatusDistributed, now, now,
		).Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("activate due distributions: %w", err)
	}
	out := make([]model.JobDistribution, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
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
