// Package outbox runs best-effort background effects such as history writes
// and notifications. A task failure never reaches the request that enqueued
// it; it is logged and handed to a dead-letter sink.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task kinds.
const (
	KindHistory      = "history"
	KindNotification = "notification"
)

// Task outcomes reported to metrics.
const (
	outcomeOK         = "ok"
	outcomeFailed     = "failed"
	outcomeDropped    = "dropped"
	outcomeDeadLetter = "dead_letter"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("outbox: queue closed")

// ErrFull is returned by Enqueue when the buffer is full.
var ErrFull = errors.New("outbox: queue full")

// Task is one background effect.
type Task struct {
	Kind string
	// Key identifies the subject of the task, typically a job id.
	Key     string
	Payload any
	Run     func(ctx context.Context) error
}

// Recorder receives outbox metrics.
type Recorder interface {
	RecordOutboxTask(kind, outcome string)
	SetOutboxQueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordOutboxTask(string, string) {}
func (nopRecorder) SetOutboxQueueDepth(int)         {}

// Options tune a Queue.
type Options struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

// Queue drains tasks with a fixed worker pool.
type Queue struct {
	opts    Options
	tasks   chan Task
	sink    DeadLetterSink
	metrics Recorder
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	start  sync.Once
}

// NewQueue creates a queue. Call Start to begin draining.
func NewQueue(opts Options, sink DeadLetterSink, logger *zap.Logger) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1024
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = NewMemorySink(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		opts:    opts,
		tasks:   make(chan Task, opts.QueueSize),
		sink:    sink,
		metrics: nopRecorder{},
		logger:  logger,
	}
}

// WithMetrics sets the metrics recorder.
func (q *Queue) WithMetrics(r Recorder) *Queue {
	if r != nil {
		q.metrics = r
	}
	return q
}

// Start launches the workers. Tasks run with contexts derived from ctx, so
// ctx should outlive request handling; use Close to stop.
func (q *Queue) Start(ctx context.Context) {
	q.start.Do(func() {
		for i := 0; i < q.opts.Workers; i++ {
			q.wg.Add(1)
			go q.work(context.WithoutCancel(ctx))
		}
	})
}

// Enqueue hands t to the workers without blocking. A full or closed queue
// dead-letters the task and returns the reason.
func (q *Queue) Enqueue(t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.deadLetter(context.Background(), t, ErrClosed)
		q.metrics.RecordOutboxTask(t.Kind, outcomeDropped)
		return ErrClosed
	}
	select {
	case q.tasks <- t:
		q.metrics.SetOutboxQueueDepth(len(q.tasks))
		return nil
	default:
		q.deadLetter(context.Background(), t, ErrFull)
		q.metrics.RecordOutboxTask(t.Kind, outcomeDropped)
		return ErrFull
	}
}

// Close stops accepting tasks and waits for the buffered ones to finish or
// for ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	q.Start(ctx)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox: drain interrupted: %w", ctx.Err())
	}
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for t := range q.tasks {
		q.metrics.SetOutboxQueueDepth(len(q.tasks))
		q.run(ctx, t)
	}
}

func (q *Queue) run(parent context.Context, t Task) {
	ctx, cancel := context.WithTimeout(parent, q.opts.TaskTimeout)
	defer cancel()

	err := safeRun(ctx, t)
	if err == nil {
		q.metrics.RecordOutboxTask(t.Kind, outcomeOK)
		return
	}
	q.logger.Warn("background task failed",
		zap.String("kind", t.Kind),
		zap.String("key", t.Key),
		zap.Error(err),
	)
	q.metrics.RecordOutboxTask(t.Kind, outcomeFailed)
	q.deadLetter(parent, t, err)
}

func safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if t.Run == nil {
		return errors.New("task has no run function")
	}
	return t.Run(ctx)
}

func (q *Queue) deadLetter(ctx context.Context, t Task, cause error) {
	ctx, cancel := context.WithTimeout(ctx, q.opts.TaskTimeout)
	defer cancel()
	entry := DeadLetter{
		Kind:     t.Kind,
		Key:      t.Key,
		Payload:  t.Payload,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	}
	if err := q.sink.Put(ctx, entry); err != nil {
		q.logger.Error("dead-letter sink rejected task",
			zap.String("kind", t.Kind),
			zap.String("key", t.Key),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	q.metrics.RecordOutboxTask(t.Kind, outcomeDeadLetter)
}
