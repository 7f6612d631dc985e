package record

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no stored record matches the lookup.
var ErrNotFound = errors.New("record: not found")

// ErrVersionConflict is returned by Put when expectedVersion does not match
// the stored version. It is the storage layer's optimistic-concurrency
// signal, complementary to the conflict resolution engine.
var ErrVersionConflict = errors.New("record: version conflict")

// Store is the persistence boundary to the clinical repository.
type Store interface {
	// Get returns the stored record for an internal ID.
	Get(ctx context.Context, internalID uuid.UUID) (*CanonicalRecord, error)

	// FindByProvenance returns the stored record whose provenance matches
	// the given provider and vendor-native ID, if any.
	FindByProvenance(ctx context.Context, provider, vendorID string) (*CanonicalRecord, error)

	// Put writes the record. expectedVersion must equal the stored version
	// (0 for a new record) or ErrVersionConflict is returned. On success the
	// returned record carries the incremented version.
	Put(ctx context.Context, rec *CanonicalRecord, expectedVersion int64) (*CanonicalRecord, error)
}
