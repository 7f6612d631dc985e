package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGQueue is the Postgres implementation of Queue, backed by the sync_job
// table. Leasing uses FOR UPDATE SKIP LOCKED so multiple workers can poll
// the same table without contending.
type PGQueue struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
}

// NewPGQueue creates a PGQueue with the given retry policy.
func NewPGQueue(pool *pgxpool.Pool, policy RetryPolicy) *PGQueue {
	return &PGQueue{pool: pool, policy: policy}
}

const jobColumns = `id, type, provider, connection_id, resource_type, record_id, since_ts,
	priority, status, attempts, max_attempts, last_error,
	not_before, lease_token, lease_expires_at, cancel_requested,
	created_at, updated_at`

func (q *PGQueue) Enqueue(ctx context.Context, job *Job) (uuid.UUID, error) {
	j := *job
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = q.policy.MaxAttempts
	}
	now := time.Now().UTC()
	if j.NotBefore.IsZero() {
		j.NotBefore = now
	}

	_, err := q.pool.Exec(ctx,
		`INSERT INTO sync_job (id, type, provider, connection_id, resource_type, record_id, since_ts,
			priority, status, attempts, max_attempts, not_before, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'QUEUED',0,$9,$10,$11,$11)`,
		j.ID, j.Type, j.Provider, j.ConnectionID, j.ResourceType, j.RecordID, j.Since,
		j.Priority, j.MaxAttempts, j.NotBefore, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return j.ID, nil
}

func (q *PGQueue) Lease(ctx context.Context, workerID string, visibility time.Duration) (*Job, string, error) {
	token := uuid.New().String()

	// Expired ACTIVE leases are reclaimed in the same query, so crashed
	// workers never strand a job.
	row := q.pool.QueryRow(ctx, `
		UPDATE sync_job SET
			status = 'ACTIVE',
			attempts = attempts + 1,
			lease_token = $1,
			lease_expires_at = now() + $2::interval,
			updated_at = now()
		WHERE id = (
			SELECT id FROM sync_job
			WHERE (status = 'QUEUED' AND not_before <= now())
			   OR (status = 'ACTIVE' AND lease_expires_at < now())
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		token, fmt.Sprintf("%d milliseconds", visibility.Milliseconds()))

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", ErrNoJobs
		}
		return nil, "", fmt.Errorf("lease job for %s: %w", workerID, err)
	}
	return job, token, nil
}

func (q *PGQueue) Complete(ctx context.Context, leaseToken string) error {
	res, err := q.pool.Exec(ctx,
		`UPDATE sync_job SET status = 'COMPLETED', lease_token = NULL,
			lease_expires_at = NULL, updated_at = now()
		 WHERE lease_token = $1 AND status = 'ACTIVE' AND lease_expires_at >= now()`,
		leaseToken)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrUnknownLease
	}
	return nil
}

func (q *PGQueue) Fail(ctx context.Context, leaseToken string, jobErr error) error {
	row := q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM sync_job
		 WHERE lease_token = $1 AND status = 'ACTIVE' AND lease_expires_at >= now()`,
		leaseToken)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUnknownLease
		}
		return fmt.Errorf("load leased job: %w", err)
	}

	lastError := ""
	if jobErr != nil {
		lastError = jobErr.Error()
	}

	var status Status
	notBefore := time.Now().UTC()
	switch {
	case IsFatal(jobErr):
		status = StatusFailed
	case job.Attempts >= job.MaxAttempts:
		status = StatusDeadLetter
	default:
		status = StatusQueued
		delay := q.policy.Backoff(job.Attempts)
		var hinter RetryAfterHinter
		if errors.As(jobErr, &hinter) && hinter.RetryAfterHint() > 0 {
			delay = hinter.RetryAfterHint()
		}
		notBefore = notBefore.Add(delay)
	}

	res, err := q.pool.Exec(ctx,
		`UPDATE sync_job SET status = $2, last_error = $3, not_before = $4,
			lease_token = NULL, lease_expires_at = NULL, updated_at = now()
		 WHERE lease_token = $1 AND status = 'ACTIVE'`,
		leaseToken, status, lastError, notBefore)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrUnknownLease
	}
	return nil
}

func (q *PGQueue) AckCancel(ctx context.Context, leaseToken string) error {
	res, err := q.pool.Exec(ctx,
		`UPDATE sync_job SET status = 'CANCELLED', lease_token = NULL,
			lease_expires_at = NULL, updated_at = now()
		 WHERE lease_token = $1 AND status = 'ACTIVE' AND lease_expires_at >= now()`,
		leaseToken)
	if err != nil {
		return fmt.Errorf("ack cancel: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrUnknownLease
	}
	return nil
}

func (q *PGQueue) Extend(ctx context.Context, leaseToken string, d time.Duration) error {
	res, err := q.pool.Exec(ctx,
		`UPDATE sync_job SET lease_expires_at = now() + $2::interval, updated_at = now()
		 WHERE lease_token = $1 AND status = 'ACTIVE' AND lease_expires_at >= now()`,
		leaseToken, fmt.Sprintf("%d milliseconds", d.Milliseconds()))
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrUnknownLease
	}
	return nil
}

func (q *PGQueue) Cancel(ctx context.Context, jobID uuid.UUID) error {
	// QUEUED jobs cancel outright; ACTIVE jobs get the cooperative flag.
	res, err := q.pool.Exec(ctx,
		`UPDATE sync_job SET
			status = CASE WHEN status = 'QUEUED' THEN 'CANCELLED' ELSE status END,
			cancel_requested = CASE WHEN status = 'ACTIVE' THEN TRUE ELSE cancel_requested END,
			updated_at = now()
		 WHERE id = $1 AND status IN ('QUEUED','ACTIVE')`,
		jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if res.RowsAffected() == 0 {
		// Either unknown or already terminal.
		if _, err := q.Get(ctx, jobID); err != nil {
			return err
		}
		return ErrNotCancellable
	}
	return nil
}

func (q *PGQueue) Get(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM sync_job WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (q *PGQueue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT status, count(*) FROM sync_job GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case StatusQueued:
			s.Depth = count
		case StatusActive:
			s.Active = count
		case StatusCompleted:
			s.Completed = count
		case StatusFailed:
			s.Failed = count
		case StatusDeadLetter:
			s.DeadLetter = count
		case StatusCancelled:
			s.Cancelled = count
		}
	}
	return s, rows.Err()
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var leaseToken *string
	err := row.Scan(
		&j.ID, &j.Type, &j.Provider, &j.ConnectionID, &j.ResourceType, &j.RecordID, &j.Since,
		&j.Priority, &j.Status, &j.Attempts, &j.MaxAttempts, &j.LastError,
		&j.NotBefore, &leaseToken, &j.LeaseExpiresAt, &j.CancelRequested,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if leaseToken != nil {
		j.LeaseToken = *leaseToken
	}
	return &j, nil
}
