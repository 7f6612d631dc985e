package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehrsync/ehrsync/internal/platform/audit"
	"github.com/ehrsync/ehrsync/internal/platform/locks"
	"github.com/ehrsync/ehrsync/internal/sync/adapter"
	"github.com/ehrsync/ehrsync/internal/sync/conflict"
	"github.com/ehrsync/ehrsync/internal/sync/provider"
	"github.com/ehrsync/ehrsync/internal/sync/queue"
	"github.com/ehrsync/ehrsync/internal/sync/record"
)

type stubSource struct {
	ad  adapter.Adapter
	err error
}

func (s stubSource) For(context.Context, *provider.Connection) (adapter.Adapter, error) {
	return s.ad, s.err
}

// captureNotifier records event types in publish order.
type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *captureNotifier) Notify(_ context.Context, eventType, _ string, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
	return nil
}

func (n *captureNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type testRig struct {
	orch    *Orchestrator
	queue   queue.Queue
	pool    *provider.Pool
	conn    *provider.Connection
	mock    *adapter.MockAdapter
	records record.Store
	service *conflict.Service
	audit   *audit.MemoryEmitter
	events  *captureNotifier
}

func newTestRig(t *testing.T, prov provider.Type) *testRig {
	t.Helper()

	mock := adapter.NewMockAdapter(prov)
	conn := &provider.Connection{
		ID:             uuid.New(),
		Provider:       prov,
		BaseURL:        "https://vendor.test/fhir",
		RateLimitRPS:   100,
		RateLimitBurst: 10,
		Capabilities:   []string{"Patient", "Observation", "MedicationOrder"},
		Healthy:        true,
	}
	pool := provider.NewPool([]*provider.Connection{conn}, nil, time.Hour, zerolog.Nop())

	q := queue.NewMemoryQueue(queue.DefaultRetryPolicy())
	records := record.NewMemoryStore()
	auditor := audit.NewMemoryEmitter()
	engine := conflict.NewEngine(map[string]string{"MedicationOrder": "epic"})
	svc := conflict.NewService(conflict.NewMemoryStore(), records, auditor, conflict.NopNotifier{}, zerolog.Nop())

	events := &captureNotifier{}
	orch := New(
		q, pool, stubSource{ad: mock}, records, engine, svc,
		events, locks.NewLocalLocker(), auditor,
		Options{WorkerCount: 1, LeaseDuration: time.Minute},
		zerolog.Nop(),
	)
	return &testRig{
		orch: orch, queue: q, pool: pool, conn: conn, mock: mock,
		records: records, service: svc, audit: auditor, events: events,
	}
}

// runOne leases the next job, runs it through the pipeline, and returns its
// final state.
func (r *testRig) runOne(t *testing.T) *queue.Job {
	t.Helper()
	ctx := context.Background()
	job, token, err := r.queue.Lease(ctx, "w-test", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	r.orch.runJob(ctx, zerolog.Nop(), job, token)
	after, err := r.queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get after run: %v", err)
	}
	return after
}

func (r *testRig) enqueue(t *testing.T, job *queue.Job) uuid.UUID {
	t.Helper()
	id, err := r.queue.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func epicPatient(id, family string) map[string]any {
	return map[string]any{
		"resourceType": "Patient",
		"id":           id,
		"meta":         map[string]any{"versionId": "1", "lastUpdated": "2026-02-01T10:00:00Z"},
		"name":         []any{map[string]any{"family": family, "given": []any{"Ada"}}},
		"birthDate":    "1975-04-12",
		"gender":       "female",
	}
}

func TestInboundSyncCreatesRecords(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	rig.mock.Seed("Patient", epicPatient("ep-1", "Alvarez"))
	rig.mock.Seed("Patient", epicPatient("ep-2", "Baker"))

	rig.enqueue(t, &queue.Job{
		Type:         queue.TypeInbound,
		Provider:     "epic",
		ConnectionID: rig.conn.ID,
		ResourceType: "Patient",
	})

	after := rig.runOne(t)
	if after.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (last error %q)", after.Status, after.LastError)
	}

	ctx := context.Background()
	for _, vendorID := range []string{"ep-1", "ep-2"} {
		rec, err := rig.records.FindByProvenance(ctx, "epic", vendorID)
		if err != nil {
			t.Fatalf("FindByProvenance(%s): %v", vendorID, err)
		}
		if rec.Version != 1 {
			t.Errorf("record %s version = %d, want 1", vendorID, rec.Version)
		}
		if rec.Fields["birth_date"] != "1975-04-12" {
			t.Errorf("record %s birth_date = %v", vendorID, rec.Fields["birth_date"])
		}
	}

	if got := len(rig.audit.ByAction(audit.ActionRecordWritten)); got != 2 {
		t.Errorf("record.written events = %d, want 2", got)
	}
	if got := len(rig.audit.ByAction(audit.ActionJobCompleted)); got != 1 {
		t.Errorf("job.completed events = %d, want 1", got)
	}
}

func TestInboundRefreshDoesNotConflict(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	rig.mock.Seed("Patient", epicPatient("ep-1", "Alvarez"))

	for i := 0; i < 2; i++ {
		rig.enqueue(t, &queue.Job{
			Type: queue.TypeInbound, Provider: "epic",
			ConnectionID: rig.conn.ID, ResourceType: "Patient",
		})
		if after := rig.runOne(t); after.Status != queue.StatusCompleted {
			t.Fatalf("run %d status = %s (last error %q)", i, after.Status, after.LastError)
		}
	}

	pending, err := rig.service.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending conflicts = %d, want 0", pending)
	}
}

func TestInboundConflictSuspendsForReview(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	ctx := context.Background()

	// The stored copy came from cerner with a contested family name and a
	// near-simultaneous timestamp, so no strategy can auto-resolve.
	seeded, err := rig.records.Put(ctx, &record.CanonicalRecord{
		InternalID:   uuid.New(),
		ResourceType: "Patient",
		Fields:       map[string]any{"family_name": "Alvarez-Cruz", "birth_date": "1975-04-12"},
		Provenance: record.Provenance{
			Provider: "cerner", VendorID: "cn-9", VendorVersion: "4",
			LastModified: time.Date(2026, 2, 1, 10, 0, 0, 500_000_000, time.UTC),
		},
	}, 0)
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	// Same patient under the epic vendor ID via a prior link.
	link := seeded.Clone()
	link.Provenance.Provider = "epic"
	link.Provenance.VendorID = "ep-1"
	if _, err := rig.records.Put(ctx, link, seeded.Version); err != nil {
		t.Fatalf("link record: %v", err)
	}

	rig.mock.Seed("Patient", epicPatient("ep-1", "Alvarez"))
	rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "Patient",
	})

	after := rig.runOne(t)
	if after.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED: a suspended record is not a job failure (last error %q)",
			after.Status, after.LastError)
	}

	pending, err := rig.service.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 1 {
		t.Fatalf("pending conflicts = %d, want 1", pending)
	}

	// The contested write must not have gone through.
	cur, err := rig.records.Get(ctx, seeded.InternalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Fields["family_name"] != "Alvarez-Cruz" {
		t.Errorf("family_name = %v, want stored value untouched", cur.Fields["family_name"])
	}
	if got := len(rig.audit.ByAction(audit.ActionConflictDetected)); got != 1 {
		t.Errorf("conflict.detected events = %d, want 1", got)
	}
}

func TestInboundAuthorityAutoResolves(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	ctx := context.Background()

	seeded, err := rig.records.Put(ctx, &record.CanonicalRecord{
		InternalID:   uuid.New(),
		ResourceType: "MedicationOrder",
		Fields: map[string]any{
			"status": "active", "medication": "197361",
			"patient_ref": "Patient/p1",
		},
		Provenance: record.Provenance{
			Provider: "epic", VendorID: "mo-1", VendorVersion: "1",
			LastModified: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		},
	}, 0)
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}

	rig.mock.Seed("MedicationOrder", map[string]any{
		"resourceType": "MedicationOrder",
		"id":           "mo-1",
		"meta":         map[string]any{"versionId": "2", "lastUpdated": "2026-02-01T09:00:00.200Z"},
		"status":       "completed",
		"medicationCodeableConcept": map[string]any{
			"coding": []any{map[string]any{"code": "197361"}},
		},
		"subject": map[string]any{"reference": "Patient/p1"},
	})

	rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "MedicationOrder",
	})
	if after := rig.runOne(t); after.Status != queue.StatusCompleted {
		t.Fatalf("status = %s (last error %q)", after.Status, after.LastError)
	}

	cur, err := rig.records.Get(ctx, seeded.InternalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Fields["status"] != "completed" {
		t.Errorf("status = %v, want authoritative epic value", cur.Fields["status"])
	}
	pending, _ := rig.service.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("pending conflicts = %d, want 0", pending)
	}
}

func TestInboundEventsDistinguishCreateFromUpdate(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	rig.mock.Seed("MedicationOrder", map[string]any{
		"resourceType": "MedicationOrder",
		"id":           "mo-9",
		"meta":         map[string]any{"versionId": "1", "lastUpdated": "2026-02-01T09:00:00Z"},
		"status":       "active",
		"medicationCodeableConcept": map[string]any{
			"coding": []any{map[string]any{"code": "197361"}},
		},
		"subject": map[string]any{"reference": "Patient/p1"},
	})

	// First sight of the vendor record creates the canonical record.
	rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "MedicationOrder",
	})
	if after := rig.runOne(t); after.Status != queue.StatusCompleted {
		t.Fatalf("status = %s (last error %q)", after.Status, after.LastError)
	}
	if got := rig.events.Events(); len(got) != 1 || got[0] != "medication.created" {
		t.Fatalf("events = %v, want [medication.created]", got)
	}

	// The same payload again is a refresh of an existing record.
	rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "MedicationOrder",
	})
	if after := rig.runOne(t); after.Status != queue.StatusCompleted {
		t.Fatalf("refresh status = %s (last error %q)", after.Status, after.LastError)
	}
	if got := rig.events.Events(); len(got) != 2 || got[1] != "medication.updated" {
		t.Fatalf("events = %v, want medication.updated after refresh", got)
	}
}

func TestOpenConflictBlocksLaterWrites(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	ctx := context.Background()

	seeded, err := rig.records.Put(ctx, &record.CanonicalRecord{
		InternalID:   uuid.New(),
		ResourceType: "Patient",
		Fields:       map[string]any{"family_name": "Alvarez-Cruz", "birth_date": "1975-04-12"},
		Provenance: record.Provenance{
			Provider: "cerner", VendorID: "cn-9", VendorVersion: "4",
			LastModified: time.Date(2026, 2, 1, 10, 0, 0, 500_000_000, time.UTC),
		},
	}, 0)
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	link := seeded.Clone()
	link.Provenance.Provider = "epic"
	link.Provenance.VendorID = "ep-1"
	if _, err := rig.records.Put(ctx, link, seeded.Version); err != nil {
		t.Fatalf("link record: %v", err)
	}

	// Near-simultaneous contested edit suspends the record.
	rig.mock.Seed("Patient", epicPatient("ep-1", "Alvarez"))
	rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "Patient",
	})
	if after := rig.runOne(t); after.Status != queue.StatusCompleted {
		t.Fatalf("status = %s (last error %q)", after.Status, after.LastError)
	}

	// A later vendor copy is clearly newer and would auto-resolve on
	// timestamps, but the open conflict freezes the record until a reviewer
	// acts.
	rig.mock.Seed("Patient", map[string]any{
		"resourceType": "Patient",
		"id":           "ep-1",
		"meta":         map[string]any{"versionId": "5", "lastUpdated": "2026-03-01T10:00:00Z"},
		"name":         []any{map[string]any{"family": "Nakamura", "given": []any{"Ada"}}},
		"birthDate":    "1975-04-12",
		"gender":       "female",
	})
	rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "Patient",
	})
	if after := rig.runOne(t); after.Status != queue.StatusCompleted {
		t.Fatalf("second run status = %s (last error %q)", after.Status, after.LastError)
	}

	cur, err := rig.records.Get(ctx, seeded.InternalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Fields["family_name"] != "Alvarez-Cruz" {
		t.Errorf("family_name = %v, want stored value frozen while the conflict is open", cur.Fields["family_name"])
	}
	pending, err := rig.service.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending conflicts = %d, want the original one only", pending)
	}
}

func TestFailedJobErrorCarriesJobContext(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	rig.mock.FetchErr = &adapter.Error{
		Kind: adapter.KindAuth, Provider: provider.Epic, Op: "fetch", Message: "401",
	}

	rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "Patient",
	})
	after := rig.runOne(t)
	if after.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want FAILED", after.Status)
	}
	for _, want := range []string{"epic", rig.conn.ID.String(), "attempt 1"} {
		if !strings.Contains(after.LastError, want) {
			t.Errorf("LastError = %q, missing %q", after.LastError, want)
		}
	}
}

func TestFatalTransformFailsJob(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	// Missing the required birthDate: refetching cannot fix it.
	rig.mock.Seed("Patient", map[string]any{
		"resourceType": "Patient",
		"id":           "ep-bad",
		"name":         []any{map[string]any{"family": "Nguyen"}},
	})

	rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "Patient",
	})
	after := rig.runOne(t)
	if after.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want FAILED", after.Status)
	}
	if after.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a fatal error", after.Attempts)
	}
	if got := len(rig.audit.ByAction(audit.ActionJobFailed)); got != 1 {
		t.Errorf("job.failed events = %d, want 1", got)
	}
}

func TestRateLimitedFetchRetriesWithHint(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	rig.mock.FetchErr = &adapter.Error{
		Kind: adapter.KindRateLimited, Provider: provider.Epic, Op: "fetch",
		Message: "429", RetryAfter: 42 * time.Second,
	}

	rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "Patient",
	})
	before := time.Now()
	after := rig.runOne(t)
	if after.Status != queue.StatusQueued {
		t.Fatalf("status = %s, want QUEUED for a retryable failure", after.Status)
	}
	if wait := after.NotBefore.Sub(before); wait < 40*time.Second {
		t.Errorf("NotBefore only %v out, want the vendor's 42s hint honored", wait)
	}
}

func TestAuthFailureMarksConnectionUnhealthy(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	rig.mock.FetchErr = &adapter.Error{
		Kind: adapter.KindAuth, Provider: provider.Epic, Op: "fetch", Message: "401",
	}

	rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "Patient",
	})
	after := rig.runOne(t)
	if after.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want FAILED", after.Status)
	}

	conn, err := rig.pool.Get(rig.conn.ID)
	if err != nil {
		t.Fatalf("pool.Get: %v", err)
	}
	if conn.Healthy {
		t.Error("connection still marked healthy after authentication failure")
	}
	if got := len(rig.audit.ByAction(audit.ActionConnectionFlagged)); got != 1 {
		t.Errorf("connection.unhealthy events = %d, want 1", got)
	}
}

func TestOutboundPushUpdatesProvenance(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	ctx := context.Background()

	seeded, err := rig.records.Put(ctx, &record.CanonicalRecord{
		InternalID:   uuid.New(),
		ResourceType: "Patient",
		Fields: map[string]any{
			"family_name": "Okafor", "birth_date": "1982-11-30", "gender": "male",
		},
		Provenance: record.Provenance{
			Provider: "cerner", VendorID: "cn-5", VendorVersion: "2",
			LastModified: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
		},
	}, 0)
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}

	recordID := seeded.InternalID.String()
	rig.enqueue(t, &queue.Job{
		Type: queue.TypeOutbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "Patient", RecordID: &recordID,
	})
	if after := rig.runOne(t); after.Status != queue.StatusCompleted {
		t.Fatalf("status = %s (last error %q)", after.Status, after.LastError)
	}

	pushed := rig.mock.Pushed()
	if len(pushed) != 1 {
		t.Fatalf("pushed payloads = %d, want 1", len(pushed))
	}
	if _, has := pushed[0]["id"]; has {
		t.Error("payload carries a cerner vendor id into an epic push")
	}

	cur, err := rig.records.Get(ctx, seeded.InternalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Provenance.Provider != "epic" || cur.Provenance.VendorID == "" {
		t.Errorf("provenance = %+v, want epic basis after push", cur.Provenance)
	}
	if cur.Version != seeded.Version+1 {
		t.Errorf("version = %d, want %d", cur.Version, seeded.Version+1)
	}
}

func TestOutboundRequiresRecordID(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	rig.enqueue(t, &queue.Job{
		Type: queue.TypeOutbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "Patient",
	})
	after := rig.runOne(t)
	if after.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want FAILED without a target record", after.Status)
	}
}

func TestCancelObservedBetweenPages(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	rig.mock.Caps.MaxPageSize = 1
	for _, id := range []string{"ep-1", "ep-2", "ep-3"} {
		rig.mock.Seed("Patient", epicPatient(id, "Santos"))
	}

	jobID := rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "Patient",
	})

	ctx := context.Background()
	job, token, err := rig.queue.Lease(ctx, "w-test", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	// Cancel lands while the job is active; the worker picks it up at the
	// next page boundary.
	if err := rig.queue.Cancel(ctx, jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rig.orch.runJob(ctx, zerolog.Nop(), job, token)

	after, err := rig.queue.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Status != queue.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", after.Status)
	}

	if _, err := rig.records.FindByProvenance(ctx, "epic", "ep-1"); err != nil {
		t.Errorf("first page should have been stored before the cancel: %v", err)
	}
	if _, err := rig.records.FindByProvenance(ctx, "epic", "ep-3"); err == nil {
		t.Error("final page stored after a cancel was observed")
	}
	if got := len(rig.audit.ByAction(audit.ActionJobCancelled)); got != 1 {
		t.Errorf("job.cancelled events = %d, want 1", got)
	}
}

func TestBidirectionalPullsThenPushes(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	ctx := context.Background()

	seeded, err := rig.records.Put(ctx, &record.CanonicalRecord{
		InternalID:   uuid.New(),
		ResourceType: "Patient",
		Fields:       map[string]any{"family_name": "Alvarez", "birth_date": "1975-04-12"},
		Provenance: record.Provenance{
			Provider: "epic", VendorID: "ep-1", VendorVersion: "1",
			LastModified: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		},
	}, 0)
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	// The vendor's copy is a refresh of the same version.
	rig.mock.Seed("Patient", epicPatient("ep-1", "Alvarez"))

	recordID := seeded.InternalID.String()
	rig.enqueue(t, &queue.Job{
		Type: queue.TypeBidirectional, Provider: "epic",
		ConnectionID: rig.conn.ID, RecordID: &recordID,
	})
	if after := rig.runOne(t); after.Status != queue.StatusCompleted {
		t.Fatalf("status = %s (last error %q)", after.Status, after.LastError)
	}

	if pushed := rig.mock.Pushed(); len(pushed) != 1 {
		t.Fatalf("pushed payloads = %d, want 1", len(pushed))
	}
}

func TestUnsupportedResourceFailsFatally(t *testing.T) {
	rig := newTestRig(t, provider.Epic)
	rig.enqueue(t, &queue.Job{
		Type: queue.TypeInbound, Provider: "epic",
		ConnectionID: rig.conn.ID, ResourceType: "Appointment",
	})
	after := rig.runOne(t)
	if after.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want FAILED for an unsupported resource", after.Status)
	}
	if after.Attempts != 1 {
		t.Errorf("attempts = %d, want no retries", after.Attempts)
	}
}
