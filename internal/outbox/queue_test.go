package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type taskRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func newTaskRecorder() *taskRecorder {
	return &taskRecorder{outcomes: map[string]int{}}
}

func (r *taskRecorder) RecordOutboxTask(kind, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[kind+"/"+outcome]++
}

func (r *taskRecorder) SetOutboxQueueDepth(int) {}

func (r *taskRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[key]
}

func TestQueue_RunsTasksAndDrainsOnClose(t *testing.T) {
	rec := newTaskRecorder()
	q := NewQueue(Options{Workers: 3, QueueSize: 16}, nil, nil).WithMetrics(rec)
	q.Start(context.Background())

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		err := q.Enqueue(Task{Kind: KindHistory, Key: "job-1", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
		require.NoError(t, err)
	}

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, 10, rec.count("history/ok"))
}

func TestQueue_FailedTaskIsDeadLettered(t *testing.T) {
	sink := NewMemorySink(0)
	rec := newTaskRecorder()
	q := NewQueue(Options{Workers: 1}, sink, nil).WithMetrics(rec)
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Task{
		Kind:    KindNotification,
		Key:     "job-7",
		Payload: map[string]any{"event": "JOB_CREATE"},
		Run:     func(context.Context) error { return errors.New("webhook returned 502") },
	}))
	require.NoError(t, q.Enqueue(Task{Kind: KindNotification, Key: "job-8", Run: func(context.Context) error {
		panic("boom")
	}}))
	require.NoError(t, q.Close(context.Background()))

	entries := sink.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "job-7", entries[0].Key)
	assert.Equal(t, "webhook returned 502", entries[0].Error)
	assert.Equal(t, "panic: boom", entries[1].Error)
	assert.Equal(t, 2, rec.count("notification/failed"))
	assert.Equal(t, 2, rec.count("notification/dead_letter"))
}

func TestQueue_FullQueueDropsWithoutBlocking(t *testing.T) {
	sink := NewMemorySink(0)
	q := NewQueue(Options{Workers: 1, QueueSize: 1}, sink, nil)

	noop := func(context.Context) error { return nil }
	require.NoError(t, q.Enqueue(Task{Kind: KindHistory, Key: "a", Run: noop}))
	err := q.Enqueue(Task{Kind: KindHistory, Key: "b", Run: noop})
	assert.ErrorIs(t, err, ErrFull)

	require.Len(t, sink.Entries(), 1)
	assert.Equal(t, "b", sink.Entries()[0].Key)
	require.NoError(t, q.Close(context.Background()))
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := NewQueue(Options{}, nil, nil)
	require.NoError(t, q.Close(context.Background()))
	err := q.Enqueue(Task{Kind: KindHistory, Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_TaskTimeout(t *testing.T) {
	sink := NewMemorySink(0)
	q := NewQueue(Options{TaskTimeout: 10 * time.Millisecond}, sink, nil)
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(Task{Kind: KindHistory, Key: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.NoError(t, q.Close(context.Background()))
	require.Len(t, sink.Entries(), 1)
	assert.Contains(t, sink.Entries()[0].Error, "deadline exceeded")
}

func TestMemorySink_KeepsMostRecent(t *testing.T) {
	s := NewMemorySink(2)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, DeadLetter{Key: k}))
	}
	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Key)
	assert.Equal(t, "c", entries[1].Key)
}

func TestRedisSink_PushAndTrim(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisSink(client, "", 2)
	ctx := context.Background()
	for _, k := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, s.Put(ctx, DeadLetter{Kind: KindHistory, Key: k, Error: "db down"}))
	}

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "job-3", got[0].Key)
	assert.Equal(t, "job-2", got[1].Key)
	assert.Equal(t, "db down", got[0].Error)
}

func TestRedisSink_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	err := NewRedisSink(client, "dl", 0).Put(context.Background(), DeadLetter{Key: "x"})
	assert.Error(t, err)
}
