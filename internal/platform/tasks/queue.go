// Package tasks runs long operations on a fixed worker pool and publishes
// their progress for polling. Work inside a task is sequential; there is no
// mid-flight cancellation.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull   = errors.New("task queue is full")
	ErrQueueClosed = errors.New("task queue is closed")
)

// Func is the body of a task. The returned map becomes the task result.
type Func func(ctx context.Context, r *Reporter) (map[string]any, error)

type job struct {
	progress *Progress
	fn       Func
}

// Queue is a bounded in-process task queue.
type Queue struct {
	store   ProgressStore
	logger  zerolog.Logger
	workers int
	jobs    chan job

	mu        sync.RWMutex
	closed    bool
	observers []func(Progress)
	wg        sync.WaitGroup
	now       func() time.Time
}

func NewQueue(store ProgressStore, workers, buffer int, logger zerolog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 64
	}
	return &Queue{
		store:   store,
		logger:  logger.With().Str("component", "tasks").Logger(),
		workers: workers,
		jobs:    make(chan job, buffer),
		now:     time.Now,
	}
}

// Start launches the workers. Tasks run with ctx, so cancelling it only
// affects tasks that honour context cancellation in their I/O.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Observe registers fn to receive a copy of every progress update made by a
// running task. Register observers before Start.
func (q *Queue) Observe(fn func(Progress)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, fn)
}

func (q *Queue) notify(p Progress) {
	q.mu.RLock()
	observers := q.observers
	q.mu.RUnlock()
	for _, fn := range observers {
		fn(p)
	}
}

// Enqueue records the task as PENDING and hands it to a worker. It returns
// the task id immediately.
func (q *Queue) Enqueue(ctx context.Context, name string, owner uuid.UUID, fn Func) (string, error) {
	now := q.now().UTC()
	p := &Progress{
		TaskID:    uuid.NewString(),
		Name:      name,
		State:     StatePending,
		Message:   "queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if owner != uuid.Nil {
		p.OwnerID = owner.String()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	if err := q.store.Put(ctx, p); err != nil {
		return "", fmt.Errorf("record task: %w", err)
	}
	select {
	case q.jobs <- job{progress: p, fn: fn}:
	default:
		p.State = StateFailure
		p.Error = ErrQueueFull.Error()
		_ = q.store.Put(ctx, p)
		return "", ErrQueueFull
	}
	q.logger.Info().Str("task_id", p.TaskID).Str("task", name).Msg("task enqueued")
	return p.TaskID, nil
}

// Get returns the current progress of a task.
func (q *Queue) Get(ctx context.Context, taskID string) (*Progress, error) {
	return q.store.Get(ctx, taskID)
}

// Shutdown stops accepting tasks and waits for queued ones to finish or for
// ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context, n int) {
	defer q.wg.Done()
	for j := range q.jobs {
		q.run(ctx, j)
	}
	q.logger.Debug().Int("worker", n).Msg("worker stopped")
}

func (q *Queue) run(ctx context.Context, j job) {
	p := j.progress
	log := q.logger.With().Str("task_id", p.TaskID).Str("task", p.Name).Logger()
	r := &Reporter{queue: q, progress: p, logger: log}
	start := q.now()

	r.set(func(p *Progress) {
		p.State = StateProgress
		p.Message = "started"
	})

	result, err := q.call(ctx, j.fn, r)
	if err != nil {
		log.Error().Err(err).Dur("elapsed", q.now().Sub(start)).Msg("task failed")
		r.set(func(p *Progress) {
			p.State = StateFailure
			p.Error = err.Error()
			p.Result = result
		})
		return
	}

	log.Info().Dur("elapsed", q.now().Sub(start)).Msg("task completed")
	r.set(func(p *Progress) {
		p.State = StateSuccess
		if p.Total > 0 {
			p.Current = p.Total
		}
		p.Percent = 100
		p.Result = result
		if p.Message == "" || p.Message == "started" {
			p.Message = "completed"
		}
	})
}

func (q *Queue) call(ctx context.Context, fn Func, r *Reporter) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panic: %v", rec)
		}
	}()
	return fn(ctx, r)
}

// Reporter publishes progress for the running task.
type Reporter struct {
	queue    *Queue
	logger   zerolog.Logger
	mu       sync.Mutex
	progress *Progress
}

// TaskID returns the id of the running task.
func (r *Reporter) TaskID() string { return r.progress.TaskID }

// Report records current/total and a message. Store failures are logged so a
// flaky progress backend never fails the task.
func (r *Reporter) Report(current, total int, message string) {
	r.set(func(p *Progress) {
		p.Current = current
		p.Total = total
		p.Percent = percent(current, total)
		p.Message = message
	})
}

func (r *Reporter) set(mutate func(p *Progress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(r.progress)
	r.progress.UpdatedAt = r.queue.now().UTC()
	if err := r.queue.store.Put(context.Background(), r.progress); err != nil {
		r.logger.Warn().Err(err).Msg("progress update failed")
	}
	r.queue.notify(*r.progress)
}

// NopReporter returns a reporter that records into a private in-memory store.
// For running a task body synchronously.
func NopReporter() *Reporter {
	q := NewQueue(NewMemoryProgressStore(0), 1, 1, zerolog.Nop())
	return &Reporter{queue: q, logger: zerolog.Nop(), progress: &Progress{TaskID: uuid.NewString()}}
}
