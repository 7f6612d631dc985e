package conflict

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("conflict not found")
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// Store persists conflict records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	// List returns conflicts filtered by status; empty status means all.
	List(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error)
	// OpenForRecord returns the oldest NEEDS_REVIEW conflict for a canonical
	// record, or nil when the record has none.
	OpenForRecord(ctx context.Context, recordID uuid.UUID) (*Record, error)
	// MarkResolved finalizes the record. Resolution is immutable: a second
	// call fails with ErrAlreadyResolved.
	MarkResolved(ctx context.Context, id uuid.UUID, fields map[string]any, resolvedBy string) (*Record, error)
	// PendingCount reports NEEDS_REVIEW conflicts for the stats endpoint.
	PendingCount(ctx context.Context) (int, error)
}

// MemoryStore is the in-memory Store for tests and sandbox mode.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[uuid.UUID]*Record), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = StatusNeedsReview
	}
	if r.DetectedAt.IsZero() {
		r.DetectedAt = s.now().UTC()
	}
	s.recs[r.ID] = &r
	rec.ID = r.ID
	rec.Status = r.Status
	rec.DetectedAt = r.DetectedAt
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Record
	for _, r := range s.recs {
		if status == "" || r.Status == status {
			out := *r
			all = append(all, &out)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DetectedAt.Before(all[j].DetectedAt) })

	total := len(all)
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (s *MemoryStore) OpenForRecord(_ context.Context, recordID uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *Record
	for _, r := range s.recs {
		if r.RecordID != recordID || r.Status != StatusNeedsReview {
			continue
		}
		if oldest == nil || r.DetectedAt.Before(oldest.DetectedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, nil
	}
	out := *oldest
	return &out, nil
}

func (s *MemoryStore) MarkResolved(_ context.Context, id uuid.UUID, fields map[string]any, resolvedBy string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	now := s.now().UTC()
	r.Status = StatusResolved
	r.ResolvedAt = &now
	r.ResolvedBy = resolvedBy
	r.ResolvedFields = fields
	out := *r
	return &out, nil
}

func (s *MemoryStore) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.recs {
		if r.Status == StatusNeedsReview {
			n++
		}
	}
	return n, nil
}
