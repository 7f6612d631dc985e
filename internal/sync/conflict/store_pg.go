package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists conflicts in the conflict_record table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = StatusNeedsReview
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}
	diffs, err := json.Marshal(rec.Diffs)
	if err != nil {
		return fmt.Errorf("encode diffs: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO conflict_record (id, record_id, resource_type, local_provider,
			remote_provider, diffs, local_version, status, detected_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.RecordID, rec.ResourceType, rec.LocalProvider,
		rec.RemoteProvider, diffs, rec.LocalVersion, rec.Status, rec.DetectedAt)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, record_id, resource_type, local_provider, remote_provider,
			diffs, local_version, status, detected_at, resolved_at, resolved_by, resolved_fields
		 FROM conflict_record WHERE id = $1`, id)
	rec, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return rec, nil
}

func (s *PGStore) List(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM conflict_record WHERE ($1 = '' OR status = $1)`,
		string(status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conflicts: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, record_id, resource_type, local_provider, remote_provider,
			diffs, local_version, status, detected_at, resolved_at, resolved_by, resolved_fields
		 FROM conflict_record
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY detected_at ASC
		 LIMIT $2 OFFSET $3`,
		string(status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *PGStore) OpenForRecord(ctx context.Context, recordID uuid.UUID) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, record_id, resource_type, local_provider, remote_provider,
			diffs, local_version, status, detected_at, resolved_at, resolved_by, resolved_fields
		 FROM conflict_record
		 WHERE record_id = $1 AND status = $2
		 ORDER BY detected_at ASC
		 LIMIT 1`, recordID, StatusNeedsReview)
	rec, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("open conflict for record: %w", err)
	}
	return rec, nil
}

func (s *PGStore) MarkResolved(ctx context.Context, id uuid.UUID, fields map[string]any, resolvedBy string) (*Record, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode resolved fields: %w", err)
	}

	// The status guard makes resolution immutable at the row level.
	row := s.pool.QueryRow(ctx,
		`UPDATE conflict_record
		 SET status = $2, resolved_at = now(), resolved_by = $3, resolved_fields = $4
		 WHERE id = $1 AND status = $5
		 RETURNING id, record_id, resource_type, local_provider, remote_provider,
			diffs, local_version, status, detected_at, resolved_at, resolved_by, resolved_fields`,
		id, StatusResolved, resolvedBy, encoded, StatusNeedsReview)
	rec, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.Get(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrAlreadyResolved
		}
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}
	return rec, nil
}

func (s *PGStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM conflict_record WHERE status = $1`,
		StatusNeedsReview).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending conflicts: %w", err)
	}
	return n, nil
}

func scanConflict(row pgx.Row) (*Record, error) {
	var rec Record
	var diffs []byte
	var resolvedFields []byte
	err := row.Scan(&rec.ID, &rec.RecordID, &rec.ResourceType, &rec.LocalProvider,
		&rec.RemoteProvider, &diffs, &rec.LocalVersion, &rec.Status,
		&rec.DetectedAt, &rec.ResolvedAt, &rec.ResolvedBy, &resolvedFields)
	if err != nil {
		return nil, err
	}
	if len(diffs) > 0 {
		if err := json.Unmarshal(diffs, &rec.Diffs); err != nil {
			return nil, fmt.Errorf("decode diffs: %w", err)
		}
	}
	if len(resolvedFields) > 0 {
		if err := json.Unmarshal(resolvedFields, &rec.ResolvedFields); err != nil {
			return nil, fmt.Errorf("decode resolved fields: %w", err)
		}
	}
	return &rec, nil
}
