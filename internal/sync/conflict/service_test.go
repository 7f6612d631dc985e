package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehrsync/ehrsync/internal/platform/audit"
	"github.com/ehrsync/ehrsync/internal/sync/record"
)

func newTestService(t *testing.T) (*Service, *record.MemoryStore, *audit.MemoryEmitter) {
	t.Helper()
	records := record.NewMemoryStore()
	auditor := audit.NewMemoryEmitter()
	svc := NewService(NewMemoryStore(), records, auditor, nil, zerolog.Nop())
	return svc, records, auditor
}

func storedRecord(t *testing.T, records *record.MemoryStore) *record.CanonicalRecord {
	t.Helper()
	rec, err := records.Put(context.Background(), &record.CanonicalRecord{
		ResourceType: "MedicationOrder",
		Fields:       map[string]any{"dosage_text": "10mg daily", "status": "active"},
		Provenance:   record.Provenance{Provider: "epic", VendorID: "v-1"},
	}, 0)
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return rec
}

func TestResolveAppliesChosenValues(t *testing.T) {
	svc, records, auditor := newTestService(t)
	ctx := context.Background()
	rec := storedRecord(t, records)

	conf := &Record{
		RecordID:     rec.InternalID,
		ResourceType: "MedicationOrder",
		Diffs:        []FieldDiff{{Field: "dosage_text", Local: "10mg daily", Remote: "20mg daily"}},
		LocalVersion: rec.Version,
	}
	if err := svc.Open(ctx, conf); err != nil {
		t.Fatalf("Open: %v", err)
	}

	resolved, err := svc.Resolve(ctx, conf.ID, map[string]any{"dosage_text": "20mg daily"}, "dr.osei")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.ResolvedBy != "dr.osei" {
		t.Fatalf("resolved = %+v", resolved)
	}

	got, err := records.Get(ctx, rec.InternalID)
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if got.Fields["dosage_text"] != "20mg daily" {
		t.Errorf("dosage_text = %v, want reviewer's choice", got.Fields["dosage_text"])
	}
	if got.Fields["status"] != "active" {
		t.Errorf("untouched field changed: %v", got.Fields["status"])
	}
	if got.Version != rec.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, rec.Version+1)
	}

	if evs := auditor.ByAction(audit.ActionConflictResolved); len(evs) != 1 {
		t.Errorf("audit events = %d, want 1", len(evs))
	}
}

func TestResolveIsImmutable(t *testing.T) {
	svc, records, _ := newTestService(t)
	ctx := context.Background()
	rec := storedRecord(t, records)

	conf := &Record{RecordID: rec.InternalID, ResourceType: "MedicationOrder", LocalVersion: rec.Version}
	if err := svc.Open(ctx, conf); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := svc.Resolve(ctx, conf.ID, map[string]any{"status": "completed"}, "dr.osei"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if _, err := svc.Resolve(ctx, conf.ID, map[string]any{"status": "active"}, "dr.chen"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second Resolve err = %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveRequiresIdentityAndValues(t *testing.T) {
	svc, records, _ := newTestService(t)
	ctx := context.Background()
	rec := storedRecord(t, records)

	conf := &Record{RecordID: rec.InternalID, LocalVersion: rec.Version}
	if err := svc.Open(ctx, conf); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := svc.Resolve(ctx, conf.ID, map[string]any{"status": "x"}, ""); err == nil {
		t.Error("expected error for empty resolver identity")
	}
	if _, err := svc.Resolve(ctx, conf.ID, nil, "dr.osei"); err == nil {
		t.Error("expected error for empty field values")
	}
}

func TestResolveUnknownConflict(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Resolve(context.Background(), uuid.New(), map[string]any{"x": 1}, "dr.osei")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOpenDefaultsAndPendingCount(t *testing.T) {
	svc, records, auditor := newTestService(t)
	ctx := context.Background()
	rec := storedRecord(t, records)

	conf := &Record{RecordID: rec.InternalID, ResourceType: "MedicationOrder"}
	if err := svc.Open(ctx, conf); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if conf.ID == uuid.Nil || conf.Status != StatusNeedsReview {
		t.Fatalf("conflict after Open = %+v", conf)
	}
	n, err := svc.PendingCount(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PendingCount = %d, %v", n, err)
	}
	if evs := auditor.ByAction(audit.ActionConflictDetected); len(evs) != 1 {
		t.Errorf("audit events = %d, want 1", len(evs))
	}
}
