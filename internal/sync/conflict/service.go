package conflict

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehrsync/ehrsync/internal/platform/audit"
	"github.com/ehrsync/ehrsync/internal/sync/record"
)

// Notifier publishes sync events to webhook subscribers. Satisfied by the
// webhook dispatcher; a no-op implementation is fine for tests.
type Notifier interface {
	Notify(ctx context.Context, eventType, recordKey string, payload any) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string, any) error { return nil }

// Service owns the manual resolution flow: applying a reviewer's chosen
// values to the canonical record and finalizing the conflict.
type Service struct {
	store    Store
	records  record.Store
	auditor  audit.Emitter
	notifier Notifier
	log      zerolog.Logger
}

func NewService(store Store, records record.Store, auditor audit.Emitter, notifier Notifier, log zerolog.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{store: store, records: records, auditor: auditor, notifier: notifier, log: log}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	return s.store.List(ctx, status, limit, offset)
}

// Resolve applies the reviewer's field choices and closes the conflict.
// The write uses the current record version, so a concurrent sync that
// moved the record on fails cleanly with ErrVersionConflict instead of
// clobbering it.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, fieldValues map[string]any, resolverIdentity string) (*Record, error) {
	if resolverIdentity == "" {
		return nil, fmt.Errorf("resolver identity required")
	}
	if len(fieldValues) == 0 {
		return nil, fmt.Errorf("no field values supplied")
	}

	conf, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conf.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}

	rec, err := s.records.Get(ctx, conf.RecordID)
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", conf.RecordID, err)
	}

	merged := rec.Clone()
	for f, v := range fieldValues {
		merged.Fields[f] = v
	}
	if _, err := s.records.Put(ctx, merged, rec.Version); err != nil {
		return nil, fmt.Errorf("write resolved record: %w", err)
	}

	resolved, err := s.store.MarkResolved(ctx, id, fieldValues, resolverIdentity)
	if err != nil {
		return nil, err
	}

	s.auditor.Emit(ctx, audit.Event{
		Action:   audit.ActionConflictResolved,
		Actor:    resolverIdentity,
		RecordID: conf.RecordID.String(),
		Detail: map[string]any{
			"conflict_id":   id.String(),
			"resource_type": conf.ResourceType,
			"strategy":      string(StrategyManual),
		},
	})
	if err := s.notifier.Notify(ctx, "conflict.resolved", conf.RecordID.String(), resolved); err != nil {
		s.log.Warn().Err(err).Str("conflict_id", id.String()).Msg("conflict notification failed")
	}
	return resolved, nil
}

// Open persists a NEEDS_REVIEW conflict and fans out notifications. Called
// by the orchestrator when the strategy chain ends at manual review.
func (s *Service) Open(ctx context.Context, rec *Record) error {
	if err := s.store.Create(ctx, rec); err != nil {
		return err
	}
	s.auditor.Emit(ctx, audit.Event{
		Action:   audit.ActionConflictDetected,
		RecordID: rec.RecordID.String(),
		Detail: map[string]any{
			"conflict_id":   rec.ID.String(),
			"resource_type": rec.ResourceType,
			"fields":        len(rec.Diffs),
		},
	})
	if err := s.notifier.Notify(ctx, "conflict.needs_review", rec.RecordID.String(), rec); err != nil {
		s.log.Warn().Err(err).Str("conflict_id", rec.ID.String()).Msg("conflict notification failed")
	}
	return nil
}

// OpenForRecord reports the record's blocking unresolved conflict, if any.
// The sync pipeline checks it before every canonical write.
func (s *Service) OpenForRecord(ctx context.Context, recordID uuid.UUID) (*Record, error) {
	return s.store.OpenForRecord(ctx, recordID)
}

// PendingCount exposes the NEEDS_REVIEW count for the stats endpoint.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.store.PendingCount(ctx)
}
