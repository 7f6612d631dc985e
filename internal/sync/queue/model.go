// Package queue implements the durable, priority-ordered sync job queue with
// lease-based delivery, visibility timeouts, exponential backoff, and a
// dead-letter terminal state.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// JobType is the sync direction of a job.
type JobType string

const (
	TypeInbound       JobType = "INBOUND"
	TypeOutbound      JobType = "OUTBOUND"
	TypeBidirectional JobType = "BIDIRECTIONAL"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case TypeInbound, TypeOutbound, TypeBidirectional:
		return true
	}
	return false
}

// Status is the lifecycle state of a job. A job never moves from QUEUED
// straight to COMPLETED; it always passes through ACTIVE.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusActive     Status = "ACTIVE"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// Job is one unit of sync work.
type Job struct {
	ID           uuid.UUID `json:"id"`
	Type         JobType   `json:"type"`
	Provider     string    `json:"provider"`
	ConnectionID uuid.UUID `json:"connection_id"`
	ResourceType string    `json:"resource_type,omitempty"`
	// RecordID targets a single record; nil means a bulk job. Inbound jobs
	// carry the vendor's record ID, outbound jobs the internal UUID.
	RecordID *string `json:"record_id,omitempty"`
	// Since restricts an inbound fetch to records modified after this
	// instant. Set by the poll scheduler for incremental syncs.
	Since *time.Time `json:"since,omitempty"`

	Priority int    `json:"priority"`
	Status   Status `json:"status"`

	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`

	// NotBefore gates retries: the job is not leasable until this instant.
	NotBefore      time.Time  `json:"not_before"`
	LeaseToken     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CancelRequested bool `json:"cancel_requested"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats summarizes queue state for the operator API.
type Stats struct {
	Depth      int `json:"depth"`       // QUEUED jobs ready or backing off
	Active     int `json:"active"`      // currently leased
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
	Cancelled  int `json:"cancelled"`
}

// RetryPolicy controls backoff and the retry budget.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultRetryPolicy matches the engine defaults: 5 attempts, base 2s,
// capped at 5 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
	}
}

// Backoff returns the delay before the next attempt after the given attempt
// number (1-based): base * 2^(attempt-1), capped.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}
