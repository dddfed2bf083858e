// Package memory provides queue implementations for local development.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/relist/internal/listing"
)

// ErrQueueFull is returned when the queue is at capacity.
var ErrQueueFull = errors.New("queue full")

// Keys is a job-key registry that can be shared by several queues so that a
// draft is only ever held by one of them.
type Keys struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeys constructs an empty registry.
func NewKeys() *Keys {
	return &Keys{held: make(map[string]struct{})}
}

func (k *Keys) acquire(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.held[key]; ok {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

func (k *Keys) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, key)
}

// Held reports whether key is queued or running.
func (k *Keys) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.held[key]
	return ok
}

// Queue is a bounded in-memory delay queue with context-aware operations.
type Queue struct {
	mu       sync.Mutex
	items    jobHeap
	seq      uint64
	keys     *Keys
	capacity int
	notify   chan struct{}
	closed   bool
	now      func() time.Time
}

// NewQueue constructs a new queue with the provided capacity. A nil keys
// registry gives the queue its own.
func NewQueue(capacity int, keys *Keys) *Queue {
	if keys == nil {
		keys = NewKeys()
	}
	return &Queue{
		keys:     keys,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Enqueue schedules a job unless its key is already held.
func (q *Queue) Enqueue(ctx context.Context, job listing.Job) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, listing.ErrQueueClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return false, ErrQueueFull
	}
	if !q.keys.acquire(job.Key()) {
		return false, nil
	}
	q.push(job)
	return true, nil
}

// Requeue reschedules a job whose key the caller already holds.
func (q *Queue) Requeue(_ context.Context, job listing.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return listing.ErrQueueClosed
	}
	q.push(job)
	return nil
}

// Complete releases the job's key.
func (q *Queue) Complete(_ context.Context, job listing.Job) error {
	q.keys.release(job.Key())
	return nil
}

// Dequeue pops the next due job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (listing.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return listing.Job{}, listing.ErrQueueClosed
		}
		var wait time.Duration = -1
		if len(q.items) > 0 {
			next := q.items[0]
			wait = next.job.RunAt.Sub(q.now())
			if wait <= 0 {
				heap.Pop(&q.items)
				if len(q.items) > 0 {
					q.signal()
				}
				q.mu.Unlock()
				return next.job, nil
			}
		}
		q.mu.Unlock()

		if err := q.wait(ctx, wait); err != nil {
			return listing.Job{}, err
		}
	}
}

// wait blocks until a push, the next due time, or cancellation. A negative
// wait means nothing is scheduled.
func (q *Queue) wait(ctx context.Context, wait time.Duration) error {
	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.notify:
	case <-timer:
	}
	return nil
}

// Len returns the number of scheduled jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes blocked consumers and rejects further work.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

func (q *Queue) push(job listing.Job) {
	q.seq++
	heap.Push(&q.items, &entry{job: job, seq: q.seq})
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type entry struct {
	job listing.Job
	seq uint64
}

type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.RunAt.Equal(h[j].job.RunAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].job.RunAt.Before(h[j].job.RunAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
