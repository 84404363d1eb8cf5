// Package queue implements the bounded query queue that gates every access to
// persistent state. At most MaxConcurrent work items execute at once; further
// items wait in a FIFO list. When the list holds MaxQueued items, low priority
// work is rejected immediately while high priority work still queues.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// Priority decides admission when the wait list is full. It never reorders
// items that are already waiting.
type Priority int

const (
	Low Priority = iota
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "low"
}

const (
	DefaultMaxConcurrent = 20
	DefaultMaxQueued     = 50
)

var (
	// ErrCapacity is returned when low priority work arrives at a full wait list.
	ErrCapacity = errors.New("query queue is at capacity")

	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New("query queue is closed")
)

// Config holds the queue limits. Zero values fall back to the defaults.
type Config struct {
	MaxConcurrent int
	MaxQueued     int
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Ongoing int
	Queued  int
}

type waiter struct {
	priority Priority
	ready    chan struct{}
}

// Queue is safe for concurrent use.
type Queue struct {
	maxConcurrent int
	maxQueued     int
	metrics       *Metrics

	mu      sync.Mutex
	ongoing int
	waiting *list.List
	closed  bool
	drained chan struct{}
}

// New creates a queue. metrics may be nil.
func New(cfg Config, metrics *Metrics) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxQueued < 0 {
		cfg.MaxQueued = 0
	} else if cfg.MaxQueued == 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Queue{
		maxConcurrent: cfg.MaxConcurrent,
		maxQueued:     cfg.MaxQueued,
		metrics:       metrics,
		waiting:       list.New(),
	}
}

// Do waits for a slot, runs fn and frees the slot when fn returns, whatever
// the outcome. If ctx ends while waiting, the item leaves the wait list and
// ctx.Err() is returned without running fn.
func (q *Queue) Do(ctx context.Context, priority Priority, fn func(ctx context.Context) error) error {
	if err := q.acquire(ctx, priority); err != nil {
		return err
	}
	defer q.release()
	return fn(ctx)
}

// Run is Do for work that produces a value.
func Run[T any](ctx context.Context, q *Queue, priority Priority, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := q.Do(ctx, priority, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func (q *Queue) acquire(ctx context.Context, priority Priority) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.ongoing < q.maxConcurrent && q.waiting.Len() == 0 {
		q.ongoing++
		q.metrics.admit(priority)
		q.updateGaugesLocked()
		q.mu.Unlock()
		return nil
	}
	if priority == Low && q.waiting.Len() >= q.maxQueued {
		q.metrics.reject(priority)
		q.mu.Unlock()
		return ErrCapacity
	}

	w := &waiter{priority: priority, ready: make(chan struct{})}
	el := q.waiting.PushBack(w)
	q.metrics.admit(priority)
	q.updateGaugesLocked()
	q.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		select {
		case <-w.ready:
			// The slot was handed over while we were giving up; pass it on.
			q.mu.Unlock()
			q.release()
			return ctx.Err()
		default:
		}
		q.waiting.Remove(el)
		q.metrics.abandon()
		q.updateGaugesLocked()
		q.signalDrainedLocked()
		q.mu.Unlock()
		return ctx.Err()
	}
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ongoing--
	q.metrics.complete()
	if front := q.waiting.Front(); front != nil {
		q.waiting.Remove(front)
		q.ongoing++
		close(front.Value.(*waiter).ready)
	}
	q.updateGaugesLocked()
	q.signalDrainedLocked()
}

// Stats returns the number of executing and waiting items.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Ongoing: q.ongoing, Queued: q.waiting.Len()}
}

// Close stops admitting work and waits until executing and queued items have
// finished or ctx ends.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.drained = make(chan struct{})
		q.signalDrainedLocked()
	}
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) signalDrainedLocked() {
	if !q.closed || q.drained == nil || q.ongoing > 0 || q.waiting.Len() > 0 {
		return
	}
	select {
	case <-q.drained:
	default:
		close(q.drained)
	}
}

func (q *Queue) updateGaugesLocked() {
	q.metrics.ongoing.Set(float64(q.ongoing))
	q.metrics.queued.Set(float64(q.waiting.Len()))
}
