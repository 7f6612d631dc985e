package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoJobs is returned by Lease when nothing is ready.
var ErrNoJobs = errors.New("queue: no jobs available")

// ErrNotFound is returned for unknown job IDs.
var ErrNotFound = errors.New("queue: job not found")

// ErrUnknownLease is returned when a lease token does not match an active
// lease, typically because the visibility timeout expired and the job was
// re-leased elsewhere.
var ErrUnknownLease = errors.New("queue: unknown or expired lease")

// ErrNotCancellable is returned by Cancel for jobs in a terminal state.
var ErrNotCancellable = errors.New("queue: job not cancellable")

// Fataler marks errors that must not be retried. Adapter errors implement
// this; anything else is treated as retryable.
type Fataler interface {
	Fatal() bool
}

// IsFatal reports whether err (or anything it wraps) declares itself fatal.
func IsFatal(err error) bool {
	var f Fataler
	if errors.As(err, &f) {
		return f.Fatal()
	}
	return false
}

// RetryAfterHinter lets an error carry a vendor-supplied backoff hint,
// used by rate-limited failures instead of the computed backoff.
type RetryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// Queue is the shared work queue contract. Delivery is at-least-once: a
// leased job whose visibility timeout lapses without Complete or Fail
// becomes leasable again. Ordering is priority-first, FIFO within a
// priority; there is no ordering guarantee across priorities.
type Queue interface {
	// Enqueue adds a job and returns its ID. Zero-value MaxAttempts is
	// filled from the queue's retry policy.
	Enqueue(ctx context.Context, job *Job) (uuid.UUID, error)

	// Lease claims the next ready job for the worker, marking it ACTIVE and
	// incrementing its attempt count. Returns ErrNoJobs when nothing is ready.
	Lease(ctx context.Context, workerID string, visibility time.Duration) (*Job, string, error)

	// Complete finishes the leased job successfully.
	Complete(ctx context.Context, leaseToken string) error

	// Fail records a failure. Retryable errors reschedule the job with
	// exponential backoff until the attempt budget is exhausted, then move
	// it to DEAD_LETTER. Fatal errors end the job immediately.
	Fail(ctx context.Context, leaseToken string, jobErr error) error

	// Extend pushes out the visibility timeout of a held lease; bulk jobs
	// call this between pages instead of taking one oversized lease.
	Extend(ctx context.Context, leaseToken string, d time.Duration) error

	// AckCancel finalizes a leased job as CANCELLED after the worker
	// observed its cancellation flag between pipeline stages.
	AckCancel(ctx context.Context, leaseToken string) error

	// Cancel removes a QUEUED job or flags an ACTIVE one for cooperative
	// cancellation.
	Cancel(ctx context.Context, jobID uuid.UUID) error

	// Get returns a job by ID.
	Get(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// Stats returns queue counters.
	Stats(ctx context.Context) (Stats, error)
}
