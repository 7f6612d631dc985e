package record

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

// PGStore is the Postgres implementation of Store, backed by the
// canonical_record table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const recordColumns = `id, resource_type, fields, extensions, warnings,
	prov_provider, prov_connection_id, prov_vendor_id, prov_vendor_version, prov_last_modified,
	prov_reconciled, version, updated_at`

func (s *PGStore) Get(ctx context.Context, internalID uuid.UUID) (*CanonicalRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM canonical_record WHERE id = $1`, internalID)
	return scanRecord(row)
}

func (s *PGStore) FindByProvenance(ctx context.Context, provider, vendorID string) (*CanonicalRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM canonical_record
		 WHERE prov_provider = $1 AND prov_vendor_id = $2`, provider, vendorID)
	return scanRecord(row)
}

func (s *PGStore) Put(ctx context.Context, rec *CanonicalRecord, expectedVersion int64) (*CanonicalRecord, error) {
	stored := rec.Clone()
	if stored.InternalID == uuid.Nil {
		stored.InternalID = uuid.New()
	}

	fields, err := json.Marshal(stored.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	extensions, err := json.Marshal(stored.Extensions)
	if err != nil {
		return nil, fmt.Errorf("marshal extensions: %w", err)
	}

	reconciled, err := json.Marshal(stored.Provenance.Reconciled)
	if err != nil {
		return nil, fmt.Errorf("marshal reconciled: %w", err)
	}

	stored.Version = expectedVersion + 1
	stored.UpdatedAt = time.Now().UTC()

	if expectedVersion == 0 {
		// Insert only; a concurrent insert for the same ID is a conflict.
		res, err := s.pool.Exec(ctx,
			`INSERT INTO canonical_record (`+recordColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			 ON CONFLICT (id) DO NOTHING`,
			stored.InternalID, stored.ResourceType, fields, extensions, stored.Warnings,
			stored.Provenance.Provider, stored.Provenance.ConnectionID,
			stored.Provenance.VendorID, stored.Provenance.VendorVersion, stored.Provenance.LastModified,
			reconciled, stored.Version, stored.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert canonical record: %w", err)
		}
		if res.RowsAffected() == 0 {
			return nil, ErrVersionConflict
		}
	} else {
		res, err := s.pool.Exec(ctx,
			`UPDATE canonical_record SET
				resource_type = $2, fields = $3, extensions = $4, warnings = $5,
				prov_provider = $6, prov_connection_id = $7, prov_vendor_id = $8,
				prov_vendor_version = $9, prov_last_modified = $10,
				prov_reconciled = $11, version = $12, updated_at = $13
			 WHERE id = $1 AND version = $14`,
			stored.InternalID, stored.ResourceType, fields, extensions, stored.Warnings,
			stored.Provenance.Provider, stored.Provenance.ConnectionID,
			stored.Provenance.VendorID, stored.Provenance.VendorVersion, stored.Provenance.LastModified,
			reconciled, stored.Version, stored.UpdatedAt, expectedVersion)
		if err != nil {
			return nil, fmt.Errorf("update canonical record: %w", err)
		}
		if res.RowsAffected() == 0 {
			return nil, ErrVersionConflict
		}
	}

	return stored, nil
}

func scanRecord(row pgx.Row) (*CanonicalRecord, error) {
	var rec CanonicalRecord
	var fields, extensions, reconciled []byte
	err := row.Scan(
		&rec.InternalID, &rec.ResourceType, &fields, &extensions, &rec.Warnings,
		&rec.Provenance.Provider, &rec.Provenance.ConnectionID,
		&rec.Provenance.VendorID, &rec.Provenance.VendorVersion, &rec.Provenance.LastModified,
		&reconciled, &rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan canonical record: %w", err)
	}

	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	if len(extensions) > 0 {
		if err := json.Unmarshal(extensions, &rec.Extensions); err != nil {
			return nil, fmt.Errorf("unmarshal extensions: %w", err)
		}
	}
	if len(reconciled) > 0 {
		if err := json.Unmarshal(reconciled, &rec.Provenance.Reconciled); err != nil {
			return nil, fmt.Errorf("unmarshal reconciled: %w", err)
		}
	}
	return &rec, nil
}
