package listing

import (
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned by Dequeue after Close.
var ErrQueueClosed = errors.New("queue closed")

// JobKind selects the handler for a job.
type JobKind string

// Job kinds.
const (
	JobCollect        JobKind = "collect"
	JobPublish        JobKind = "publish"
	JobModerationPoll JobKind = "moderation_poll"
)

// Job is one unit of queued work against a draft.
type Job struct {
	Kind      JobKind   `json:"kind"`
	DraftID   string    `json:"draft_id"`
	Attempt   int       `json:"attempt"`
	RunAt     time.Time `json:"run_at"`
	LastError string    `json:"last_error,omitempty"`
	// Receipt is set by queues that need the dequeued form to acknowledge.
	Receipt string `json:"-"`
}

// Key is the mutual-exclusion key: one queued or running job per draft.
func (j Job) Key() string {
	return j.DraftID
}

// Queue is a durable, delay-capable job queue with per-key dedupe.
type Queue interface {
	// Enqueue returns false when a job with the same key is already queued or running.
	Enqueue(ctx context.Context, job Job) (bool, error)
	// Dequeue blocks until a job is due.
	Dequeue(ctx context.Context) (Job, error)
	// Requeue reschedules a dequeued job without releasing its key.
	Requeue(ctx context.Context, job Job) error
	// Complete acknowledges a dequeued job and releases its key.
	Complete(ctx context.Context, job Job) error
	Close()
}

// Enqueuer routes jobs to the queue that serves their kind.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) (bool, error)
}
