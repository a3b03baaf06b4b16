package distribution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/requisition/model"
)

// Store persists job distributions. A (job_id, vendor_id) pair is stored at
// most once; Insert reports false instead of failing on a duplicate.
type Store interface {
	Exists(ctx context.Context, jobID, vendorID string) (bool, error)
	Insert(ctx context.Context, d model.JobDistribution) (inserted bool, err error)
	ListByJob(ctx context.Context, programID, jobID string) ([]model.JobDistribution, error)
	// CancelScheduled cancels the still-scheduled rows of a job.
	CancelScheduled(ctx context.Context, programID, jobID string) (int, error)
	// ActivateDue flips up to limit scheduled rows due at now to distributed.
	ActivateDue(ctx context.Context, now time.Time, limit int) ([]model.JobDistribution, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]model.JobDistribution
	pairs map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[string]model.JobDistribution),
		pairs: make(map[string]string),
	}
}

func pairKey(jobID, vendorID string) string {
	return jobID + "\x00" + vendorID
}

func (m *MemoryStore) Exists(_ context.Context, jobID, vendorID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pairs[pairKey(jobID, vendorID)]
	return ok, nil
}

func (m *MemoryStore) Insert(_ context.Context, d model.JobDistribution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(d.JobID, d.VendorID)
	if _, ok := m.pairs[key]; ok {
		return false, nil
	}
	m.pairs[key] = d.ID
	m.rows[d.ID] = d
	return true, nil
}

func (m *MemoryStore) ListByJob(_ context.Context, programID, jobID string) ([]model.JobDistribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.JobDistribution
	for _, d := range m.rows {
		if d.ProgramID == programID && d.JobID == jobID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VendorID < out[j].VendorID })
	return out, nil
}

func (m *MemoryStore) CancelScheduled(_ context.Context, programID, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for id, d := range m.rows {
		if d.ProgramID == programID && d.JobID == jobID && d.Status == model.DistributionStatusScheduled {
			d.Status = model.DistributionStatusCancelled
			d.UpdatedAt = now
			m.rows[id] = d
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ActivateDue(_ context.Context, now time.Time, limit int) ([]model.JobDistribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []model.JobDistribution
	for _, d := range m.rows {
		if d.Status == model.DistributionStatusScheduled && d.ScheduledFor != nil && !d.ScheduledFor.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(*due[j].ScheduledFor) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		at := now
		due[i].Status = model.DistributionStatusDistributed
		due[i].DistributionDate = &at
		due[i].UpdatedAt = now
		m.rows[due[i].ID] = due[i]
	}
	return due, nil
}

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }
