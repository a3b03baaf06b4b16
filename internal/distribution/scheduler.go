// Package distribution assigns jobs to vendors under the automatic, tiered
// and per-identified-candidate policies of a job template.
package distribution

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/requisition/model"
)

// Mode names a distribution policy.
type Mode string

const (
	ModeAutomatic     Mode = "automatic"
	ModeTiered        Mode = "tiered"
	ModePerIdentified Mode = "per_identified"
)

// VendorSource answers which vendors may receive a job.
type VendorSource interface {
	MatchingVendors(ctx context.Context, job *model.Job) ([]model.ProgramVendor, error)
	VendorGroupMembers(ctx context.Context, programID, groupID string) ([]string, error)
}

// StatusTransitioner is called when a job is first actually distributed to a
// vendor, either directly or by activating a scheduled row. It must tolerate
// being called for a job that already moved on.
type StatusTransitioner func(ctx context.Context, job *model.Job) error

// Recorder receives distribution metrics.
type Recorder interface {
	RecordDistribution(mode string, distributed, scheduled int, duration time.Duration)
	RecordDistributionActivations(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDistribution(string, int, int, time.Duration) {}
func (nopRecorder) RecordDistributionActivations(int)                  {}

// Scheduler distributes jobs to vendors.
type Scheduler struct {
	store       Store
	vendors     VendorSource
	onFirst     StatusTransitioner
	concurrency int
	metrics     Recorder
	logger      *zap.Logger
	now         func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(store Store, vendors VendorSource, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:       store,
		vendors:     vendors,
		concurrency: 8,
		metrics:     nopRecorder{},
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithConcurrency bounds the per-vendor fan-out.
func (s *Scheduler) WithConcurrency(n int) *Scheduler {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// WithMetrics sets the metrics recorder.
func (s *Scheduler) WithMetrics(r Recorder) *Scheduler {
	if r != nil {
		s.metrics = r
	}
	return s
}

// OnFirstDistribution registers the job status transition run after a job's
// first distribution.
func (s *Scheduler) OnFirstDistribution(fn StatusTransitioner) *Scheduler {
	s.onFirst = fn
	return s
}

// ModeOf picks the policy for a job. Per-identified wins over the template
// flags; tiered wins over automatic.
func ModeOf(job *model.Job, tpl *model.JobTemplate) (Mode, bool) {
	switch {
	case job.AllowPerIdentifiedS:
		return ModePerIdentified, true
	case tpl != nil && tpl.IsTieredDistributeSubmit:
		return ModeTiered, true
	case tpl != nil && tpl.IsAutomaticDistribution:
		return ModeAutomatic, true
	}
	return "", false
}

// candidate is one planned distribution.
type candidate struct {
	vendorID    string
	candidateID string
	limit       int
	delay       time.Duration
	duration    int
	unit        string
}

// Distribute runs the job's distribution policy. Every failure is reported
// through the result; callers must check Success.
func (s *Scheduler) Distribute(ctx context.Context, job *model.Job, tpl *model.JobTemplate, actorID string) model.DistributionResult {
	start := time.Now()
	logger := s.logger.With(zap.String("job_id", job.ID), zap.String("program_id", job.ProgramID))

	mode, ok := ModeOf(job, tpl)
	if !ok {
		return failure("job template has no distribution policy")
	}

	existing, err := s.store.ListByJob(ctx, job.ProgramID, job.ID)
	if err != nil {
		logger.Error("list existing distributions", zap.Error(err))
		return failure(fmt.Sprintf("distribution failed: %v", err))
	}

	var plan []candidate
	var skipped []string
	switch mode {
	case ModeAutomatic:
		plan, err = s.planAutomatic(ctx, job, tpl)
	case ModeTiered:
		plan, skipped, err = s.planTiered(ctx, job, tpl, existing)
	case ModePerIdentified:
		plan, skipped = planPerIdentified(job)
		if len(plan) == 0 {
			err = reportedError{"job has no identified candidates"}
		}
	}
	if err != nil {
		if res, reported := asReported(err); reported {
			logger.Info("distribution not performed", zap.String("mode", string(mode)), zap.String("reason", res.Message))
			return res
		}
		logger.Error("plan distribution", zap.String("mode", string(mode)), zap.Error(err))
		return failure(fmt.Sprintf("distribution failed: %v", err))
	}

	res, err := s.apply(ctx, job, mode, plan, actorID, logger)
	res.Skipped = append(res.Skipped, skipped...)
	sort.Strings(res.Skipped)
	res.Skipped = slices.Compact(res.Skipped)
	s.metrics.RecordDistribution(string(mode), len(res.Distributed), len(res.Scheduled), time.Since(start))
	if err != nil {
		logger.Error("distribute job", zap.String("mode", string(mode)), zap.Error(err))
		res.Success = false
		res.Message = fmt.Sprintf("distribution failed: %v", err)
		return res
	}

	created := len(res.Distributed) + len(res.Scheduled)
	if len(res.Distributed) > 0 && !anyDistributed(existing) && s.onFirst != nil {
		if err := s.onFirst(ctx, job); err != nil {
			logger.Error("transition job after first distribution", zap.Error(err))
		}
	}

	res.Success = true
	if created == 0 {
		res.Message = "no new distributions, every eligible vendor already has this job"
	} else {
		res.Message = fmt.Sprintf("distributed to %d vendors, scheduled %d", len(res.Distributed), len(res.Scheduled))
	}
	logger.Info("job distributed",
		zap.String("mode", string(mode)),
		zap.Int("distributed", len(res.Distributed)),
		zap.Int("scheduled", len(res.Scheduled)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res
}

// reportedError is a distribution outcome that is expected, not a fault.
type reportedError struct{ msg string }

func (e reportedError) Error() string { return e.msg }

func asReported(err error) (model.DistributionResult, bool) {
	if r, ok := err.(reportedError); ok {
		return failure(r.msg), true
	}
	return model.DistributionResult{}, false
}

func failure(msg string) model.DistributionResult {
	return model.DistributionResult{Success: false, Message: msg}
}

func submissionLimit(tpl *model.JobTemplate, v model.ProgramVendor) int {
	if tpl != nil && tpl.SubmissionLimitVendor > 0 {
		return tpl.SubmissionLimitVendor
	}
	return v.SubmissionLimit
}

func (s *Scheduler) planAutomatic(ctx context.Context, job *model.Job, tpl *model.JobTemplate) ([]candidate, error) {
	vendors, err := s.vendors.MatchingVendors(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("match vendors: %w", err)
	}
	if len(vendors) == 0 {
		return nil, reportedError{"no matching vendors for job"}
	}
	plan := make([]candidate, 0, len(vendors))
	for _, v := range vendors {
		plan = append(plan, candidate{vendorID: v.VendorID, limit: submissionLimit(tpl, v)})
	}
	return plan, nil
}

// planTiered walks the schedule in order. A vendor claimed by an earlier
// bucket, or already distributed, is excluded from later buckets.
func (s *Scheduler) planTiered(ctx context.Context, job *model.Job, tpl *model.JobTemplate, existing []model.JobDistribution) ([]candidate, []string, error) {
	if len(tpl.DistributionSchedule) == 0 {
		return nil, nil, reportedError{"job template has no distribution schedule"}
	}
	vendors, err := s.vendors.MatchingVendors(ctx, job)
	if err != nil {
		return nil, nil, fmt.Errorf("match vendors: %w", err)
	}
	if len(vendors) == 0 {
		return nil, nil, reportedError{"no program vendors match job"}
	}
	eligible := make(map[string]model.ProgramVendor, len(vendors))
	for _, v := range vendors {
		eligible[v.VendorID] = v
	}

	claimed := make(map[string]bool, len(existing))
	for _, d := range existing {
		claimed[d.VendorID] = true
	}

	var plan []candidate
	var skipped []string
	for i, bucket := range tpl.DistributionSchedule {
		delay, ok := unitDuration(bucket.Duration, bucket.MeasureUnit)
		if !ok {
			s.logger.Warn("skipping schedule bucket with unknown measure unit",
				zap.String("job_id", job.ID),
				zap.Int("bucket", i),
				zap.String("measure_unit", bucket.MeasureUnit),
			)
			continue
		}
		ids, err := s.bucketVendors(ctx, job.ProgramID, bucket)
		if err != nil {
			return nil, nil, err
		}
		for _, id := range ids {
			if claimed[id] {
				continue
			}
			v, ok := eligible[id]
			if !ok {
				skipped = append(skipped, id)
				continue
			}
			claimed[id] = true
			plan = append(plan, candidate{
				vendorID: id,
				limit:    submissionLimit(tpl, v),
				delay:    delay,
				duration: bucket.Duration,
				unit:     bucket.MeasureUnit,
			})
		}
	}
	if len(plan) == 0 && len(skipped) > 0 {
		return nil, skipped, reportedError{"no scheduled vendor matches job"}
	}
	return plan, skipped, nil
}

func (s *Scheduler) bucketVendors(ctx context.Context, programID string, bucket model.ScheduleBucket) ([]string, error) {
	ids := slices.Clone(bucket.VendorIDs)
	for _, groupID := range bucket.VendorGroupIDs {
		members, err := s.vendors.VendorGroupMembers(ctx, programID, groupID)
		if err != nil {
			return nil, fmt.Errorf("vendor group %s: %w", groupID, err)
		}
		for _, m := range members {
			if !slices.Contains(ids, m) {
				ids = append(ids, m)
			}
		}
	}
	return ids, nil
}

// planPerIdentified plans one row per vendor for its first identified
// candidate. Later candidates of the same vendor are reported as skipped.
func planPerIdentified(job *model.Job) (plan []candidate, skipped []string) {
	seen := make(map[string]bool)
	for _, ic := range job.IdentifiedCandidates {
		if ic.VendorID == "" {
			continue
		}
		if seen[ic.VendorID] {
			skipped = append(skipped, ic.VendorID)
			continue
		}
		seen[ic.VendorID] = true
		plan = append(plan, candidate{vendorID: ic.VendorID, candidateID: ic.CandidateID, limit: 1})
	}
	return plan, skipped
}

func anyDistributed(rows []model.JobDistribution) bool {
	for _, d := range rows {
		if d.Status == model.DistributionStatusDistributed {
			return true
		}
	}
	return false
}

// unitDuration converts a bucket delay. Zero needs no unit.
func unitDuration(n int, unit string) (time.Duration, bool) {
	if n == 0 {
		return 0, true
	}
	var per time.Duration
	switch unit {
	case model.MeasureUnitMinutes:
		per = time.Minute
	case model.MeasureUnitHours:
		per = time.Hour
	case model.MeasureUnitDays:
		per = 24 * time.Hour
	case model.MeasureUnitWeeks:
		per = 7 * 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(n) * per, true
}

// apply inserts the plan with a bounded fan-out. Each vendor is checked and
// inserted independently; the store's uniqueness closes the race between
// the check and the insert.
func (s *Scheduler) apply(ctx context.Context, job *model.Job, mode Mode, plan []candidate, actorID string, logger *zap.Logger) (model.DistributionResult, error) {
	var (
		mu  sync.Mutex
		res model.DistributionResult
	)
	now := s.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, c := range plan {
		g.Go(func() error {
			exists, err := s.store.Exists(gctx, job.ID, c.vendorID)
			if err != nil {
				return fmt.Errorf("vendor %s: %w", c.vendorID, err)
			}
			if exists {
				if mode == ModePerIdentified {
					logger.Info("vendor already distributed, skipping identified candidate",
						zap.String("vendor_id", c.vendorID),
						zap.String("candidate_id", c.candidateID),
					)
				}
				mu.Lock()
				res.Skipped = append(res.Skipped, c.vendorID)
				mu.Unlock()
				return nil
			}

			d := model.JobDistribution{
				ID:              uuid.NewString(),
				ProgramID:       job.ProgramID,
				JobID:           job.ID,
				VendorID:        c.vendorID,
				CandidateID:     c.candidateID,
				SubmissionLimit: c.limit,
				OptStatus:       model.OptStatusPending,
				Duration:        c.duration,
				MeasureUnit:     c.unit,
				DistributedBy:   actorID,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if c.delay == 0 {
				at := now
				d.Status = model.DistributionStatusDistributed
				d.DistributionDate = &at
			} else {
				at := now.Add(c.delay)
				d.Status = model.DistributionStatusScheduled
				d.ScheduledFor = &at
			}

			inserted, err := s.store.Insert(gctx, d)
			if err != nil {
				return fmt.Errorf("vendor %s: %w", c.vendorID, err)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case !inserted:
				res.Skipped = append(res.Skipped, c.vendorID)
			case d.Status == model.DistributionStatusDistributed:
				res.Distributed = append(res.Distributed, c.vendorID)
			default:
				res.Scheduled = append(res.Scheduled, c.vendorID)
			}
			return nil
		})
	}
	err := g.Wait()

	sort.Strings(res.Distributed)
	sort.Strings(res.Scheduled)
	return res, err
}
