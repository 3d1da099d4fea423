// Package queue serializes writes onto a single transport. Tasks run one at a
// time in enqueue order on a dedicated goroutine, so a task that waits on slow
// external I/O holds back everything queued behind it but never reorders it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrFailed wraps the first task error once the queue has stopped advancing.
var ErrFailed = errors.New("write queue failed")

// ErrClosed is returned for tasks enqueued after Close.
var ErrClosed = errors.New("write queue closed")

// Task performs one ordered write.
type Task func(ctx context.Context) error

// Handle resolves once its task, and every task enqueued before it, has finished.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func resolved(err error) *Handle {
	h := newHandle()
	h.resolve(err)
	return h
}

func (h *Handle) resolve(err error) {
	h.err = err
	close(h.done)
}

// Done is closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task result. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type entry struct {
	task   Task
	handle *Handle
}

// Queue is a strictly ordered asynchronous task runner.
type Queue struct {
	ctx    context.Context
	log    *slog.Logger
	mu     sync.Mutex
	items  []entry
	wake   chan struct{}
	closed bool
	err    error
	done   chan struct{}
}

// New starts the consumer goroutine. It stops when ctx is cancelled or after
// Close once every queued task has been resolved.
func New(ctx context.Context, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		ctx:  ctx,
		log:  logger,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends task to the tail. It never blocks.
func (q *Queue) Enqueue(task Task) *Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return resolved(q.err)
	}
	if q.closed {
		return resolved(ErrClosed)
	}
	h := newHandle()
	q.items = append(q.items, entry{task: task, handle: h})
	q.signal()
	return h
}

// Close stops accepting tasks. Already queued tasks still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Wait blocks until the consumer has exited.
func (q *Queue) Wait() { <-q.done }

// Done is closed when the consumer has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Err returns the terminal error, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				q.fail(q.ctx.Err())
				return
			}
		}
		next := q.items[0]
		q.items[0] = entry{}
		q.items = q.items[1:]
		failed := q.err
		q.mu.Unlock()

		if failed != nil {
			next.handle.resolve(failed)
			continue
		}
		if err := q.ctx.Err(); err != nil {
			next.handle.resolve(err)
			q.fail(err)
			return
		}
		if err := next.task(q.ctx); err != nil {
			wrapped := fmt.Errorf("%w: %w", ErrFailed, err)
			q.log.Error("write task failed, stopping queue", slog.String("error", err.Error()))
			q.mu.Lock()
			q.err = wrapped
			q.mu.Unlock()
			next.handle.resolve(wrapped)
			continue
		}
		next.handle.resolve(nil)
	}
}

// fail resolves every pending handle with err and records it as terminal.
func (q *Queue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	pending := q.items
	q.items = nil
	q.closed = true
	q.mu.Unlock()
	for _, e := range pending {
		e.handle.resolve(err)
	}
}
