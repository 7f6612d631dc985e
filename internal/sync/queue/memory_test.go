package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fatalErr struct{ msg string }

func (e fatalErr) Error() string { return e.msg }
func (e fatalErr) Fatal() bool   { return true }

type throttledErr struct{ after time.Duration }

func (e throttledErr) Error() string                 { return "throttled" }
func (e throttledErr) RetryAfterHint() time.Duration { return e.after }

func newTestQueue(t *testing.T) (*MemoryQueue, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(DefaultRetryPolicy())
	q.now = func() time.Time { return now }
	return q, &now
}

func enqueue(t *testing.T, q *MemoryQueue, priority int) uuid.UUID {
	t.Helper()
	id, err := q.Enqueue(context.Background(), &Job{
		Type:         TypeInbound,
		Provider:     "epic",
		ConnectionID: uuid.New(),
		ResourceType: "Patient",
		Priority:     priority,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestEnqueueLeaseComplete(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, 0)

	job, token, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if job.ID != id {
		t.Fatalf("leased job %s, want %s", job.ID, id)
	}
	if job.Status != StatusActive {
		t.Fatalf("status = %s, want ACTIVE", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}

	if err := q.Complete(ctx, token); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
}

func TestLeaseEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, _, err := q.Lease(context.Background(), "w1", time.Minute); !errors.Is(err, ErrNoJobs) {
		t.Fatalf("err = %v, want ErrNoJobs", err)
	}
}

func TestLeaseOrdering(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	low1 := enqueue(t, q, 0)
	*now = now.Add(time.Millisecond)
	low2 := enqueue(t, q, 0)
	*now = now.Add(time.Millisecond)
	high := enqueue(t, q, 10)

	want := []uuid.UUID{high, low1, low2}
	for i, id := range want {
		job, _, err := q.Lease(ctx, "w1", time.Minute)
		if err != nil {
			t.Fatalf("Lease %d: %v", i, err)
		}
		if job.ID != id {
			t.Fatalf("lease %d = %s, want %s", i, job.ID, id)
		}
	}
}

func TestRetryBackoffMonotonic(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, 0)

	var delays []time.Duration
	for attempt := 1; attempt < DefaultRetryPolicy().MaxAttempts; attempt++ {
		_, token, err := q.Lease(ctx, "w1", time.Minute)
		if err != nil {
			t.Fatalf("Lease attempt %d: %v", attempt, err)
		}
		if err := q.Fail(ctx, token, errors.New("connect refused")); err != nil {
			t.Fatalf("Fail attempt %d: %v", attempt, err)
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status != StatusQueued {
			t.Fatalf("attempt %d: status = %s, want QUEUED", attempt, job.Status)
		}
		delays = append(delays, job.NotBefore.Sub(*now))
		*now = job.NotBefore
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("backoff not increasing: %v", delays)
		}
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, 0)
	policy := DefaultRetryPolicy()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		_, token, err := q.Lease(ctx, "w1", time.Minute)
		if err != nil {
			t.Fatalf("Lease attempt %d: %v", attempt, err)
		}
		if err := q.Fail(ctx, token, errors.New("timeout")); err != nil {
			t.Fatalf("Fail attempt %d: %v", attempt, err)
		}
		*now = now.Add(policy.BackoffCap)
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusDeadLetter {
		t.Fatalf("status = %s, want DEAD_LETTER", job.Status)
	}
	if job.Attempts != policy.MaxAttempts {
		t.Fatalf("attempts = %d, want %d", job.Attempts, policy.MaxAttempts)
	}
	// Dead-lettered jobs never come back.
	if _, _, err := q.Lease(ctx, "w1", time.Minute); !errors.Is(err, ErrNoJobs) {
		t.Fatalf("lease after dead-letter: err = %v, want ErrNoJobs", err)
	}
}

func TestFatalErrorFailsImmediately(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, 0)
	_, token, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if err := q.Fail(ctx, token, fatalErr{msg: "unsupported resource"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retries for fatal errors)", job.Attempts)
	}
}

func TestRetryAfterHintOverridesBackoff(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, 0)
	_, token, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	hint := 42 * time.Second
	if err := q.Fail(ctx, token, throttledErr{after: hint}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := job.NotBefore.Sub(*now); got != hint {
		t.Fatalf("retry delay = %v, want %v", got, hint)
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, 0)
	_, staleToken, err := q.Lease(ctx, "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}

	// Before expiry the job is invisible to other workers.
	if _, _, err := q.Lease(ctx, "w2", time.Minute); !errors.Is(err, ErrNoJobs) {
		t.Fatalf("lease before expiry: err = %v, want ErrNoJobs", err)
	}

	*now = now.Add(31 * time.Second)
	job, _, err := q.Lease(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("Lease after expiry: %v", err)
	}
	if job.ID != id {
		t.Fatalf("reclaimed job %s, want %s", job.ID, id)
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}

	// The crashed worker's token is now worthless.
	if err := q.Complete(ctx, staleToken); !errors.Is(err, ErrUnknownLease) {
		t.Fatalf("stale Complete: err = %v, want ErrUnknownLease", err)
	}
}

func TestExtendLease(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, 0)
	_, token, err := q.Lease(ctx, "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	*now = now.Add(20 * time.Second)
	if err := q.Extend(ctx, token, 30*time.Second); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	// Past the original expiry but inside the extension.
	*now = now.Add(20 * time.Second)
	if _, _, err := q.Lease(ctx, "w2", time.Minute); !errors.Is(err, ErrNoJobs) {
		t.Fatalf("job reclaimed despite extension: %v", err)
	}
	if err := q.Complete(ctx, token); err != nil {
		t.Fatalf("Complete after extend: %v", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, 0)
	if err := q.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", job.Status)
	}
	if _, _, err := q.Lease(ctx, "w1", time.Minute); !errors.Is(err, ErrNoJobs) {
		t.Fatalf("cancelled job still leasable: %v", err)
	}
}

func TestCancelActiveJobSetsFlag(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, 0)
	_, token, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if err := q.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusActive {
		t.Fatalf("status = %s, want ACTIVE (cancellation is cooperative)", job.Status)
	}
	if !job.CancelRequested {
		t.Fatal("CancelRequested not set")
	}
	// The worker still owns the lease and may finish normally.
	if err := q.Complete(ctx, token); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestAckCancelFinalizesLeasedJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, 0)
	_, token, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if err := q.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := q.AckCancel(ctx, token); err != nil {
		t.Fatalf("AckCancel: %v", err)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", job.Status)
	}
	if err := q.Complete(ctx, token); !errors.Is(err, ErrUnknownLease) {
		t.Fatalf("Complete after AckCancel: err = %v, want ErrUnknownLease", err)
	}
}

func TestCancelTerminalJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, 0)
	_, token, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if err := q.Complete(ctx, token); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Cancel(ctx, id); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("Cancel terminal: err = %v, want ErrNotCancellable", err)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, 0)

	_, token, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("first Lease: %v", err)
	}
	if err := q.Fail(ctx, token, errors.New("503 upstream")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// Not leasable until the backoff elapses.
	if _, _, err := q.Lease(ctx, "w1", time.Minute); !errors.Is(err, ErrNoJobs) {
		t.Fatalf("lease during backoff: err = %v, want ErrNoJobs", err)
	}
	*now = now.Add(DefaultRetryPolicy().Backoff(1))

	job, token, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("second Lease: %v", err)
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
	if err := q.Complete(ctx, token); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != StatusCompleted || got.LastError == "" {
		t.Fatalf("final job = %+v, want COMPLETED with last_error retained", got)
	}
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, 0)
	enqueue(t, q, 0)
	enqueue(t, q, 5)

	if _, _, err := q.Lease(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("Lease: %v", err)
	}

	s, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Depth != 2 || s.Active != 1 {
		t.Fatalf("stats = %+v, want depth 2 active 1", s)
	}
}

func TestBackoffCap(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BackoffBase: 2 * time.Second, BackoffCap: 5 * time.Minute}
	if d := p.Backoff(1); d != 2*time.Second {
		t.Fatalf("Backoff(1) = %v", d)
	}
	if d := p.Backoff(3); d != 8*time.Second {
		t.Fatalf("Backoff(3) = %v", d)
	}
	if d := p.Backoff(20); d != 5*time.Minute {
		t.Fatalf("Backoff(20) = %v", d)
	}
}
