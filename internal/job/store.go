package job

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/pitabwire/requisition/model"
)

// Tx is the set of job mutations that run inside one transaction.
type Tx interface {
	// GetJob returns a NOT_FOUND envelope when the job does not exist.
	GetJob(ctx context.Context, programID, id string) (*model.Job, error)
	SaveJob(ctx context.Context, job *model.Job) error
	AppendHistory(ctx context.Context, rec model.HistoryRecord) error
}

// Store persists jobs, their templates and their history.
type Store interface {
	Tx
	// WithTx runs fn in a transaction; an error from fn rolls back every
	// write made through the Tx it was given.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	ListJobs(ctx context.Context, filters model.JobFilters) ([]model.Job, error)
	GetTemplate(ctx context.Context, programID, id string) (*model.JobTemplate, error)
	SaveTemplate(ctx context.Context, tpl *model.JobTemplate) error
	// History returns a job's history oldest first.
	History(ctx context.Context, programID, jobID string) ([]model.HistoryRecord, error)
}

// MemoryStore is an in-process Store. Transactions are serialized and roll
// back by restoring a snapshot.
type MemoryStore struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	jobs      map[string]model.Job
	templates map[string]model.JobTemplate
	history   map[string][]model.HistoryRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]model.Job),
		templates: make(map[string]model.JobTemplate),
		history:   make(map[string][]model.HistoryRecord),
	}
}

func key(programID, id string) string {
	return programID + "/" + id
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	jobs := maps.Clone(m.jobs)
	history := make(map[string][]model.HistoryRecord, len(m.history))
	for k, v := range m.history {
		history[k] = slices.Clone(v)
	}
	m.mu.RUnlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.jobs = jobs
		m.history = history
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, programID, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[key(programID, id)]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("job %q not found", id))
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) SaveJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[key(job.ProgramID, job.ID)] = *cloneJob(*job)
	return nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, rec model.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(rec.ProgramID, rec.JobID)
	m.history[k] = append(m.history[k], rec)
	return nil
}

func (m *MemoryStore) ListJobs(_ context.Context, f model.JobFilters) ([]model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Job
	for _, j := range m.jobs {
		if j.IsDeleted || (f.ProgramID != "" && j.ProgramID != f.ProgramID) || (f.Status != "" && j.Status != f.Status) {
			continue
		}
		out = append(out, *cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return page(out, f.Offset, f.Limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *MemoryStore) GetTemplate(_ context.Context, programID, id string) (*model.JobTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[key(programID, id)]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("job template %q not found", id))
	}
	t.DistributionSchedule = slices.Clone(t.DistributionSchedule)
	return &t, nil
}

func (m *MemoryStore) SaveTemplate(_ context.Context, tpl *model.JobTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *tpl
	t.DistributionSchedule = slices.Clone(tpl.DistributionSchedule)
	m.templates[key(tpl.ProgramID, tpl.ID)] = t
	return nil
}

func (m *MemoryStore) History(_ context.Context, programID, jobID string) ([]model.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history[key(programID, jobID)]), nil
}

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

func cloneJob(j model.Job) *model.Job {
	j.HierarchyIDs = slices.Clone(j.HierarchyIDs)
	j.CustomFields = slices.Clone(j.CustomFields)
	j.FoundationData = slices.Clone(j.FoundationData)
	j.IdentifiedCandidates = slices.Clone(j.IdentifiedCandidates)
	return &j
}
