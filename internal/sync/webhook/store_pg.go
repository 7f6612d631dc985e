package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists subscriptions and deliveries in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_subscription (id, url, secret, events, max_attempts, active, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sub.ID, sub.URL, sub.Secret, sub.Events, sub.MaxAttempts, sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *PGStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, url, secret, events, max_attempts, active, created_at
		 FROM webhook_subscription WHERE id = $1`, id)
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.Events, &sub.MaxAttempts, &sub.Active, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func (s *PGStore) ListSubscriptions(ctx context.Context, activeOnly bool) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, secret, events, max_attempts, active, created_at
		 FROM webhook_subscription
		 WHERE NOT $1 OR active
		 ORDER BY created_at ASC`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.Events, &sub.MaxAttempts, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	res, err := s.pool.Exec(ctx, `DELETE FROM webhook_subscription WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) EnqueueDelivery(ctx context.Context, d *Delivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.NextRetryAt.IsZero() {
		d.NextRetryAt = d.CreatedAt
	}
	d.Status = DeliveryPending

	// Seq assignment and insert in one statement keeps per-key ordering
	// correct under concurrent enqueues.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO webhook_delivery
			(id, subscription_id, event_id, event_type, record_key, seq,
			 payload, payload_hash, status, attempts, next_retry_at, created_at)
		 SELECT $1, $2, $3, $4, $5,
			COALESCE(MAX(seq), 0) + 1,
			$6, $7, $8, 0, $9, $10
		 FROM webhook_delivery
		 WHERE subscription_id = $2 AND record_key = $5
		 RETURNING seq`,
		d.ID, d.SubscriptionID, d.EventID, d.EventType, d.RecordKey,
		d.Payload, d.PayloadHash, d.Status, d.NextRetryAt, d.CreatedAt).Scan(&d.Seq)
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

func (s *PGStore) DueHead(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	// DISTINCT ON keeps only the lowest pending seq per ordering key, then
	// the due filter applies on that head delivery.
	rows, err := s.pool.Query(ctx,
		`SELECT id, subscription_id, event_id, event_type, record_key, seq,
			payload, payload_hash, status, attempts, last_error, next_retry_at, created_at, delivered_at
		 FROM (
			SELECT DISTINCT ON (subscription_id, record_key) *
			FROM webhook_delivery
			WHERE status = $1
			ORDER BY subscription_id, record_key, seq ASC
		 ) head
		 WHERE next_retry_at <= $2
		 ORDER BY next_retry_at ASC
		 LIMIT $3`,
		DeliveryPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (s *PGStore) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.pool.Exec(ctx,
		`UPDATE webhook_delivery SET status = $2, delivered_at = $3 WHERE id = $1`,
		id, DeliveryDelivered, at.UTC())
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextRetry time.Time, exhausted bool) error {
	status := DeliveryPending
	if exhausted {
		status = DeliveryExhausted
	}
	res, err := s.pool.Exec(ctx,
		`UPDATE webhook_delivery
		 SET attempts = attempts + 1, last_error = $2, next_retry_at = $3, status = $4
		 WHERE id = $1`,
		id, lastError, nextRetry, status)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Deliveries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, subscription_id, event_id, event_type, record_key, seq,
			payload, payload_hash, status, attempts, last_error, next_retry_at, created_at, delivered_at
		 FROM webhook_delivery
		 WHERE subscription_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func scanDeliveries(rows pgx.Rows) ([]*Delivery, error) {
	var out []*Delivery
	for rows.Next() {
		var d Delivery
		err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType, &d.RecordKey,
			&d.Seq, &d.Payload, &d.PayloadHash, &d.Status, &d.Attempts, &d.LastError,
			&d.NextRetryAt, &d.CreatedAt, &d.DeliveredAt)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
