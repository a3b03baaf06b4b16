package distribution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/requisition/model"
)

// Activator periodically flips due scheduled distributions to distributed.
type Activator struct {
	store    Store
	interval time.Duration
	batch    int
	metrics  Recorder
	onFirst  StatusTransitioner
	logger   *zap.Logger
	now      func() time.Time
}

// NewActivator creates an activator polling every interval.
func NewActivator(store Store, interval time.Duration, batch int, logger *zap.Logger) *Activator {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activator{
		store:    store,
		interval: interval,
		batch:    batch,
		metrics:  nopRecorder{},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics sets the metrics recorder.
func (a *Activator) WithMetrics(r Recorder) *Activator {
	if r != nil {
		a.metrics = r
	}
	return a
}

// OnActivation registers the transition run for every job that had a row
// activated, so a job whose vendors were all scheduled starts sourcing once
// the first of them is due.
func (a *Activator) OnActivation(fn StatusTransitioner) *Activator {
	a.onFirst = fn
	return a
}

// Run polls until ctx is cancelled.
func (a *Activator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("activate scheduled distributions", zap.Error(err))
			}
		}
	}
}

// RunOnce activates every due row, one batch at a time, and returns how
// many were activated.
func (a *Activator) RunOnce(ctx context.Context) (int, error) {
	total := 0
	jobs := map[[2]string]struct{}{}
	for {
		activated, err := a.store.ActivateDue(ctx, a.now(), a.batch)
		if err != nil {
			return total, err
		}
		total += len(activated)
		for _, d := range activated {
			a.logger.Info("scheduled distribution activated",
				zap.String("job_id", d.JobID),
				zap.String("vendor_id", d.VendorID),
			)
			jobs[[2]string{d.ProgramID, d.JobID}] = struct{}{}
		}
		if len(activated) < a.batch {
			break
		}
	}
	if total > 0 {
		a.metrics.RecordDistributionActivations(total)
	}
	if a.onFirst != nil {
		for key := range jobs {
			if err := a.onFirst(ctx, &model.Job{ProgramID: key[0], ID: key[1]}); err != nil {
				a.logger.Error("transition job after activation",
					zap.String("job_id", key[1]),
					zap.Error(err),
				)
			}
		}
	}
	return total, nil
}
