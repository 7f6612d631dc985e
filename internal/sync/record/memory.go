package record

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe, in-memory Store used by tests and the
// sandbox mode.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*CanonicalRecord
	byProv  map[string]uuid.UUID // provider + "\x00" + vendorID -> internal ID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[uuid.UUID]*CanonicalRecord),
		byProv: make(map[string]uuid.UUID),
	}
}

func provKey(provider, vendorID string) string {
	return provider + "\x00" + vendorID
}

func (s *MemoryStore) Get(_ context.Context, internalID uuid.UUID) (*CanonicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[internalID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) FindByProvenance(_ context.Context, provider, vendorID string) (*CanonicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byProv[provKey(provider, vendorID)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, rec *CanonicalRecord, expectedVersion int64) (*CanonicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := rec.Clone()
	if stored.InternalID == uuid.Nil {
		stored.InternalID = uuid.New()
	}

	current, exists := s.byID[stored.InternalID]
	switch {
	case !exists && expectedVersion != 0:
		return nil, ErrVersionConflict
	case exists && current.Version != expectedVersion:
		return nil, ErrVersionConflict
	}

	stored.Version = expectedVersion + 1
	stored.UpdatedAt = time.Now().UTC()
	s.byID[stored.InternalID] = stored
	s.byProv[provKey(stored.Provenance.Provider, stored.Provenance.VendorID)] = stored.InternalID
	return stored.Clone(), nil
}
