// Package lanes implements the Lane & Lane Manager: named FIFO task
// queues with configurable per-lane concurrency, retry-at-head-on-failure,
// a per-task timeout, and a bounded queue that rejects rather than grows
// unbounded.
package lanes

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueFull is returned by Enqueue when a lane's queue has reached
// MaxQueueSize; the queue is left unmodified.
var ErrQueueFull = errors.New("lanes: queue full")

// ErrTimeout distinguishes a task that failed because it exceeded its
// per-task timeout from any other task error.
var ErrTimeout = errors.New("lanes: task timed out")

// Task is unit of work submitted to a Lane. Implementations should
// respect ctx cancellation promptly.
type Task func(ctx context.Context) (any, error)

// entry is one queued task plus its retry/timeout/result plumbing.
type entry struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	retries    int
	resultCh   chan any
	errCh      chan error
	done       bool // success/error callback runs exactly once
}

// Lane processes its queue in arrival order when Concurrency == 1;
// dequeued tasks are awaited to completion before the next begins (within
// the available concurrency). Failures with remaining retries are
// re-queued at the head; tasks that exhaust retries (or whose failure is
// terminal) report their error exactly once.
type Lane struct {
	Name        string
	Concurrency int
	MaxQueueSize int // 0 = unbounded

	mu       sync.Mutex
	queue    []*entry
	active   int
	draining bool
}

// NewLane constructs a Lane with the given name and concurrency (clamped
// to at least 1).
func NewLane(name string, concurrency int) *Lane {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Lane{Name: name, Concurrency: concurrency}
}

// EnqueueOptions configures a single task's timeout and retry budget.
type EnqueueOptions struct {
	// Timeout, if non-zero, races the task against a timer; on expiry the
	// task is treated as failed with ErrTimeout.
	Timeout time.Duration
	// Retries is the number of times a failed task is re-queued at the
	// head of the lane before its error is reported to the caller.
	Retries int
}

// Enqueue adds task to the lane and blocks until it completes (success or
// terminal failure) or ctx is cancelled. It returns ErrQueueFull
// immediately, without mutating the queue, if MaxQueueSize is set and
// already reached.
func (l *Lane) Enqueue(ctx context.Context, task Task, opts EnqueueOptions) (any, error) {
	l.mu.Lock()
	if l.MaxQueueSize > 0 && len(l.queue) >= l.MaxQueueSize {
		l.mu.Unlock()
		return nil, ErrQueueFull
	}
	e := &entry{
		task:       task,
		enqueuedAt: time.Now(),
		timeout:    opts.Timeout,
		retries:    opts.Retries,
		resultCh:   make(chan any, 1),
		errCh:      make(chan error, 1),
	}
	l.queue = append(l.queue, e)
	l.reportMetrics()
	l.mu.Unlock()

	l.drain()

	select {
	case result := <-e.resultCh:
		return result, nil
	case err := <-e.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Lane) drain() {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	l.mu.Unlock()

	l.pump()
}

func (l *Lane) pump() {
	for {
		l.mu.Lock()
		if l.active >= l.Concurrency || len(l.queue) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		e := l.queue[0]
		l.queue = l.queue[1:]
		l.active++
		l.reportMetrics()
		l.mu.Unlock()

		go l.run(e)
	}
}

func (l *Lane) run(e *entry) {
	result, err := l.execute(e)

	if err != nil && e.retries > 0 {
		e.retries--
		l.mu.Lock()
		l.active--
		// Re-queue at the head: the next dequeue must be this same task,
		// not whatever arrived after it.
		l.queue = append([]*entry{e}, l.queue...)
		l.reportMetrics()
		l.mu.Unlock()
		l.drain()
		return
	}

	l.mu.Lock()
	l.active--
	already := e.done
	e.done = true
	l.reportMetrics()
	l.mu.Unlock()

	if !already {
		if err != nil {
			e.errCh <- err
		} else {
			e.resultCh <- result
		}
	}

	l.drain()
}

func (l *Lane) execute(e *entry) (any, error) {
	if e.timeout <= 0 {
		return e.task(context.Background())
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := e.task(ctx)
		ch <- outcome{r, err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// QueueSize returns the number of queued-plus-active tasks.
func (l *Lane) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) + l.active
}

// Idle reports whether the lane has no queued or active tasks.
func (l *Lane) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) == 0 && l.active == 0
}
