package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a thread-safe, in-memory Queue used by tests and the
// sandbox mode. Job state is kept for the process lifetime; terminal jobs
// remain queryable.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*Job
	leases map[string]uuid.UUID
	policy RetryPolicy
	now    func() time.Time
}

// NewMemoryQueue creates an empty MemoryQueue with the given retry policy.
func NewMemoryQueue(policy RetryPolicy) *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(map[uuid.UUID]*Job),
		leases: make(map[string]uuid.UUID),
		policy: policy,
		now:    time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j := *job
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = q.policy.MaxAttempts
	}
	now := q.now().UTC()
	j.Status = StatusQueued
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.NotBefore.IsZero() {
		j.NotBefore = now
	}

	q.jobs[j.ID] = &j
	return j.ID, nil
}

// reapExpired returns expired ACTIVE jobs to QUEUED so they can be re-leased
// (crash recovery).
func (q *MemoryQueue) reapExpired(now time.Time) {
	for _, j := range q.jobs {
		if j.Status == StatusActive && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			delete(q.leases, j.LeaseToken)
			j.Status = StatusQueued
			j.LeaseToken = ""
			j.LeaseExpiresAt = nil
			j.UpdatedAt = now
		}
	}
}

func (q *MemoryQueue) Lease(_ context.Context, workerID string, visibility time.Duration) (*Job, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	q.reapExpired(now)

	var candidates []*Job
	for _, j := range q.jobs {
		if j.Status == StatusQueued && !j.NotBefore.After(now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, "", ErrNoJobs
	}

	// Priority first, FIFO within priority.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	j := candidates[0]
	token := uuid.New().String()
	expires := now.Add(visibility)

	j.Status = StatusActive
	j.Attempts++
	j.LeaseToken = token
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	q.leases[token] = j.ID

	leased := *j
	return &leased, token, nil
}

func (q *MemoryQueue) holder(token string, now time.Time) (*Job, error) {
	id, ok := q.leases[token]
	if !ok {
		return nil, ErrUnknownLease
	}
	j := q.jobs[id]
	if j == nil || j.Status != StatusActive || j.LeaseToken != token {
		return nil, ErrUnknownLease
	}
	if j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
		return nil, ErrUnknownLease
	}
	return j, nil
}

func (q *MemoryQueue) Complete(_ context.Context, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	j, err := q.holder(leaseToken, now)
	if err != nil {
		return err
	}

	delete(q.leases, leaseToken)
	j.Status = StatusCompleted
	j.LeaseToken = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, leaseToken string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	j, err := q.holder(leaseToken, now)
	if err != nil {
		return err
	}

	delete(q.leases, leaseToken)
	j.LeaseToken = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	if jobErr != nil {
		j.LastError = jobErr.Error()
	}

	switch {
	case IsFatal(jobErr):
		j.Status = StatusFailed
	case j.Attempts >= j.MaxAttempts:
		j.Status = StatusDeadLetter
	default:
		delay := q.policy.Backoff(j.Attempts)
		var hinter RetryAfterHinter
		if errors.As(jobErr, &hinter) && hinter.RetryAfterHint() > 0 {
			delay = hinter.RetryAfterHint()
		}
		j.Status = StatusQueued
		j.NotBefore = now.Add(delay)
	}
	return nil
}

func (q *MemoryQueue) AckCancel(_ context.Context, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	j, err := q.holder(leaseToken, now)
	if err != nil {
		return err
	}

	delete(q.leases, leaseToken)
	j.Status = StatusCancelled
	j.LeaseToken = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Extend(_ context.Context, leaseToken string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	j, err := q.holder(leaseToken, now)
	if err != nil {
		return err
	}
	expires := now.Add(d)
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Cancel(_ context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}

	now := q.now().UTC()
	switch j.Status {
	case StatusQueued:
		j.Status = StatusCancelled
		j.UpdatedAt = now
		return nil
	case StatusActive:
		// Cooperative: the worker observes the flag between pipeline stages.
		j.CancelRequested = true
		j.UpdatedAt = now
		return nil
	default:
		return ErrNotCancellable
	}
}

func (q *MemoryQueue) Get(_ context.Context, jobID uuid.UUID) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *j
	return &out, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, j := range q.jobs {
		switch j.Status {
		case StatusQueued:
			s.Depth++
		case StatusActive:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusDeadLetter:
			s.DeadLetter++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}
