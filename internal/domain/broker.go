package domain

import (
	"context"
	"time"
)

// Broker defines the contract for the durable job broker.
// It decouples the worker from the underlying message store (Redis in
// production, in-memory for tests) and provides at-least-once delivery
// with per-job retry/backoff, dedup keys and repeating schedules.
type Broker interface {
	// Enqueue durably submits a job. It returns once the broker has
	// accepted the job; enqueue failures propagate to the caller and
	// are never retried internally. A job whose DedupID collides with
	// a pending or active job is silently collapsed into it.
	Enqueue(ctx context.Context, job Job) error

	// Subscribe returns a read-only channel streaming deliveries for
	// one queue. The channel closes when ctx is cancelled. Delayed and
	// retried jobs are delivered when due, which may reorder them
	// relative to freshly enqueued jobs.
	Subscribe(ctx context.Context, queue string) (<-chan Delivery, error)

	// Ack confirms successful processing and releases the dedup key.
	Ack(ctx context.Context, d Delivery) error

	// Fail reports a handler failure. The broker either schedules a
	// retry after the job's backoff delay or, once MaxAttempts is
	// exhausted, records the job as terminally failed.
	Fail(ctx context.Context, d Delivery, cause error) error

	// EnsureRepeat idempotently registers a fixed-interval repeating
	// job. The broker re-arms the next occurrence after each firing.
	EnsureRepeat(ctx context.Context, s RepeatSchedule) error

	// SubscribeEvents streams job lifecycle events (completed, retried,
	// terminally failed) from all queues, for operator tooling.
	SubscribeEvents(ctx context.Context) (<-chan JobEvent, error)

	// Close releases broker connections.
	Close() error
}

// Job lifecycle event statuses.
const (
	EventCompleted = "completed"
	EventRetried   = "retried"
	EventFailed    = "failed"
)

// JobEvent reports a job reaching a lifecycle milestone.
type JobEvent struct {
	Queue    string    `json:"queue"`
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
