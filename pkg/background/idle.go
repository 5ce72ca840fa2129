// Package background runs low priority work, such as prefetching and index
// cleanup, one task at a time off the caller's goroutine.
package background

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/valandreev/restcache/log"
	"github.com/valandreev/restcache/pkg/queue"
)

// Logger captures structured log output for background tasks.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Task is a labelled unit of work. The label lets callers ask whether work
// of a given kind is still outstanding.
type Task struct {
	Kind string
	Run  func(ctx context.Context)
}

// Option customises queue construction.
type Option func(*Queue)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithPollInterval sets how often the worker re-checks for cancellation
// while idle, and how often WaitIdle re-checks pending work.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.pollInterval = d
	}
}

// Queue is a single worker FIFO of background tasks.
type Queue struct {
	tasks        *queue.SyncQueue[Task]
	logger       Logger
	pollInterval time.Duration

	mu      sync.Mutex
	pending map[string]int
	running bool
}

// New constructs an idle Queue. Call Run to start the worker, or Drain to
// execute queued work on the calling goroutine.
func New(opts ...Option) *Queue {
	q := &Queue{
		tasks:        queue.NewSyncQueue[Task](),
		logger:       defaultLogger(),
		pollInterval: 200 * time.Millisecond,
		pending:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = defaultLogger()
	}
	if q.pollInterval <= 0 {
		q.pollInterval = 200 * time.Millisecond
	}
	return q
}

// Submit queues fn under kind.
func (q *Queue) Submit(kind string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.pending[kind]++
	q.mu.Unlock()

	q.tasks.Enqueue(Task{Kind: kind, Run: fn})
}

// Pending counts queued and running tasks of the given kinds, or of every
// kind when none are given.
func (q *Queue) Pending(kinds ...string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(kinds) == 0 {
		total := 0
		for _, n := range q.pending {
			total += n
		}
		return total
	}
	total := 0
	for _, k := range kinds {
		total += q.pending[k]
	}
	return total
}

// Run executes tasks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("background queue: already running")
	}
	q.running = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, ok := q.tasks.Dequeue(q.pollInterval)
		if !ok {
			continue
		}
		q.execute(ctx, task)
	}
}

// Drain runs queued tasks on the calling goroutine until the queue is
// empty, including tasks submitted by the tasks themselves. It returns the
// number of tasks executed.
func (q *Queue) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		task, ok := q.tasks.Dequeue(0)
		if !ok {
			return n
		}
		q.execute(ctx, task)
		n++
	}
	return n
}

// WaitIdle blocks until no task of the given kinds is pending.
func (q *Queue) WaitIdle(ctx context.Context, kinds ...string) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for q.Pending(kinds...) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (q *Queue) execute(ctx context.Context, task Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorf("background task %s panicked: %v", task.Kind, r)
		}
		q.mu.Lock()
		q.pending[task.Kind]--
		if q.pending[task.Kind] <= 0 {
			delete(q.pending, task.Kind)
		}
		q.mu.Unlock()
		q.logger.Debugf("background task %s finished in %s", task.Kind, time.Since(start))
	}()

	task.Run(ctx)
}

func defaultLogger() Logger {
	return log.GetLogger("background")
}
