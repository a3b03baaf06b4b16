package distribution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/requisition/model"
)

type countingRecorder struct {
	activations int
}

func (c *countingRecorder) RecordDistribution(string, int, int, time.Duration) {}
func (c *countingRecorder) RecordDistributionActivations(n int)                { c.activations += n }

func scheduled(id, vendorID string, at time.Time) model.JobDistribution {
	return model.JobDistribution{
		ID:           id,
		ProgramID:    "p1",
		JobID:        "job-1",
		VendorID:     vendorID,
		Status:       model.DistributionStatusScheduled,
		ScheduledFor: &at,
	}
}

func TestActivator_RunOnceFlipsDueRows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, d := range []model.JobDistribution{
		scheduled("d1", "v1", testNow.Add(-time.Hour)),
		scheduled("d2", "v2", testNow.Add(-time.Minute)),
		scheduled("d3", "v3", testNow.Add(time.Hour)),
	} {
		_, err := store.Insert(ctx, d)
		require.NoError(t, err)
	}

	rec := &countingRecorder{}
	a := NewActivator(store, time.Second, 1, nil).WithMetrics(rec)
	a.now = func() time.Time { return testNow }

	n, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "batches of one keep going until drained")
	assert.Equal(t, 2, rec.activations)

	rows, err := store.ListByJob(ctx, "p1", "job-1")
	require.NoError(t, err)
	status := map[string]string{}
	for _, r := range rows {
		status[r.VendorID] = r.Status
		if r.Status == model.DistributionStatusDistributed {
			require.NotNil(t, r.DistributionDate)
			assert.Equal(t, testNow, *r.DistributionDate)
		}
	}
	assert.Equal(t, map[string]string{
		"v1": model.DistributionStatusDistributed,
		"v2": model.DistributionStatusDistributed,
		"v3": model.DistributionStatusScheduled,
	}, status)
}

func TestMemoryStore_CancelScheduled(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.Insert(ctx, scheduled("d1", "v1", testNow))
	_, _ = store.Insert(ctx, model.JobDistribution{ID: "d2", ProgramID: "p1", JobID: "job-1", VendorID: "v2", Status: model.DistributionStatusDistributed})

	n, err := store.CancelScheduled(ctx, "p1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CancelScheduled(ctx, "p1", "job-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	due, err := store.ActivateDue(ctx, testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "cancelled rows never activate")
}

func TestMemoryStore_InsertRejectsDuplicatePair(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ok, err := store.Insert(ctx, model.JobDistribution{ID: "d1", JobID: "job-1", VendorID: "v1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Insert(ctx, model.JobDistribution{ID: "d2", JobID: "job-1", VendorID: "v1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActivator_RunStopsOnCancel(t *testing.T) {
	a := NewActivator(NewMemoryStore(), time.Millisecond, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
