package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("webhook not found")
)

// Store persists subscriptions and deliveries.
type Store interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ListSubscriptions(ctx context.Context, activeOnly bool) ([]*Subscription, error)
	DeleteSubscription(ctx context.Context, id uuid.UUID) error

	// EnqueueDelivery persists d with the next Seq for its
	// (subscription, record key) pair.
	EnqueueDelivery(ctx context.Context, d *Delivery) error
	// DueHead returns up to limit PENDING deliveries whose NextRetryAt has
	// passed AND that are head-of-line: no earlier-Seq PENDING delivery
	// exists for the same (subscription, record key).
	DueHead(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkFailed records the failure; exhausted flips the delivery to
	// EXHAUSTED instead of scheduling nextRetry.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextRetry time.Time, exhausted bool) error
	// Deliveries lists a subscription's deliveries, newest first.
	Deliveries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*Delivery, error)
}

// MemoryStore is the in-memory Store for tests and sandbox mode.
type MemoryStore struct {
	mu         sync.Mutex
	subs       map[uuid.UUID]*Subscription
	deliveries map[uuid.UUID]*Delivery
	seq        map[string]int64 // subscriptionID + "\x00" + recordKey
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:       make(map[uuid.UUID]*Subscription),
		deliveries: make(map[uuid.UUID]*Delivery),
		seq:        make(map[string]int64),
		now:        time.Now,
	}
}

func seqKey(sub uuid.UUID, recordKey string) string {
	return sub.String() + "\x00" + recordKey
}

func (s *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now().UTC()
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) ListSubscriptions(_ context.Context, activeOnly bool) ([]*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if activeOnly && !sub.Active {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteSubscription(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return ErrNotFound
	}
	delete(s.subs, id)
	return nil
}

func (s *MemoryStore) EnqueueDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	key := seqKey(d.SubscriptionID, d.RecordKey)
	s.seq[key]++
	d.Seq = s.seq[key]
	d.Status = DeliveryPending
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	if d.NextRetryAt.IsZero() {
		d.NextRetryAt = d.CreatedAt
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *MemoryStore) DueHead(_ context.Context, now time.Time, limit int) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Earliest pending Seq per ordering key.
	head := make(map[string]int64)
	for _, d := range s.deliveries {
		if d.Status != DeliveryPending {
			continue
		}
		key := seqKey(d.SubscriptionID, d.RecordKey)
		if cur, ok := head[key]; !ok || d.Seq < cur {
			head[key] = d.Seq
		}
	}

	var due []*Delivery
	for _, d := range s.deliveries {
		if d.Status != DeliveryPending || d.NextRetryAt.After(now) {
			continue
		}
		if head[seqKey(d.SubscriptionID, d.RecordKey)] != d.Seq {
			continue
		}
		cp := *d
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeliveryDelivered
	at = at.UTC()
	d.DeliveredAt = &at
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, lastError string, nextRetry time.Time, exhausted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.LastError = lastError
	if exhausted {
		d.Status = DeliveryExhausted
	} else {
		d.NextRetryAt = nextRetry
	}
	return nil
}

func (s *MemoryStore) Deliveries(_ context.Context, subscriptionID uuid.UUID, limit int) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Delivery
	for _, d := range s.deliveries {
		if d.SubscriptionID == subscriptionID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
