package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehrsync/ehrsync/internal/platform/audit"
	"github.com/ehrsync/ehrsync/internal/platform/locks"
	"github.com/ehrsync/ehrsync/internal/sync/adapter"
	"github.com/ehrsync/ehrsync/internal/sync/conflict"
	"github.com/ehrsync/ehrsync/internal/sync/provider"
	"github.com/ehrsync/ehrsync/internal/sync/queue"
	"github.com/ehrsync/ehrsync/internal/sync/record"
	"github.com/ehrsync/ehrsync/internal/sync/transform"
)

// fatalError marks pipeline failures that retrying cannot fix, such as a
// malformed job or a missing connection.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }
func (e *fatalError) Fatal() bool   { return true }

func fatalf(format string, args ...any) error {
	return &fatalError{err: fmt.Errorf(format, args...)}
}

const lockRetryDelay = 200 * time.Millisecond

// processJob runs one leased job end to end. It returns cancelled=true when
// the job's cancellation flag was observed between stages; the caller then
// acknowledges instead of completing.
func (o *Orchestrator) processJob(ctx context.Context, job *queue.Job, token string) (bool, error) {
	conn, err := o.pool.Get(job.ConnectionID)
	if err != nil {
		return false, fatalf("connection %s: %w", job.ConnectionID, err)
	}
	if string(conn.Provider) != job.Provider {
		return false, fatalf("job provider %q does not match connection provider %q", job.Provider, conn.Provider)
	}

	ad, err := o.adapters.For(ctx, conn)
	if err != nil {
		return false, err
	}
	if job.ResourceType != "" && !ad.Capabilities().SupportsResource(job.ResourceType) {
		return false, &adapter.Error{
			Kind:     adapter.KindUnsupportedResource,
			Provider: conn.Provider,
			Op:       "process",
			Message:  fmt.Sprintf("resource type %s not supported by %s", job.ResourceType, conn.Provider),
		}
	}

	switch job.Type {
	case queue.TypeInbound:
		cancelled, _, err := o.runInbound(ctx, job, token, conn, ad)
		return cancelled, err
	case queue.TypeOutbound:
		return false, o.runOutbound(ctx, job, conn, ad)
	case queue.TypeBidirectional:
		return o.runBidirectional(ctx, job, token, conn, ad)
	default:
		return false, fatalf("unknown job type %q", job.Type)
	}
}

// runBidirectional pulls the vendor's current copy of one record, merges it,
// and then pushes the canonical result back out. A merge that suspended for
// review blocks the push: pushing past an unresolved conflict would overwrite
// the very divergence a reviewer is meant to arbitrate.
func (o *Orchestrator) runBidirectional(ctx context.Context, job *queue.Job, token string, conn *provider.Connection, ad adapter.Adapter) (bool, error) {
	if job.RecordID == nil {
		return false, fatalf("bidirectional job has no record id")
	}
	internalID, err := uuid.Parse(*job.RecordID)
	if err != nil {
		return false, fatalf("bidirectional record id %q: %w", *job.RecordID, err)
	}
	rec, err := o.records.Get(ctx, internalID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return false, fatalf("record %s: %w", internalID, err)
		}
		return false, fmt.Errorf("load record: %w", err)
	}

	// The pull phase only applies when this vendor already holds a copy.
	if rec.Provenance.Provider == string(conn.Provider) && rec.Provenance.VendorID != "" {
		pull := *job
		vendorID := rec.Provenance.VendorID
		pull.RecordID = &vendorID
		pull.ResourceType = rec.ResourceType
		cancelled, suspended, err := o.runInbound(ctx, &pull, token, conn, ad)
		if cancelled || err != nil {
			return cancelled, err
		}
		if suspended {
			return false, nil
		}
	}

	if o.cancelRequested(ctx, job.ID) {
		return true, nil
	}
	return false, o.runOutbound(ctx, job, conn, ad)
}

// cancelRequested re-reads the job between pipeline stages so a cancel issued
// while the worker holds the lease takes effect at the next stage boundary.
func (o *Orchestrator) cancelRequested(ctx context.Context, jobID uuid.UUID) bool {
	j, err := o.queue.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return j.CancelRequested
}

func (o *Orchestrator) runInbound(ctx context.Context, job *queue.Job, token string, conn *provider.Connection, ad adapter.Adapter) (cancelled, suspended bool, err error) {
	if job.ResourceType == "" {
		return false, false, fatalf("inbound job has no resource type")
	}
	caps := ad.Capabilities()
	req := adapter.FetchRequest{
		ResourceType: job.ResourceType,
		PageSize:     caps.MaxPageSize,
	}
	if job.RecordID != nil {
		req.VendorID = *job.RecordID
	}
	if job.Since != nil && caps.SupportsSince {
		req.Since = *job.Since
	}

	parallelism := o.opts.Parallelism
	if parallelism < 1 {
		parallelism = conn.RateLimitBurst
	}

	for {
		fetchCtx, cancelFetch := context.WithTimeout(ctx, o.opts.AdapterTimeout)
		page, err := ad.Fetch(fetchCtx, req)
		cancelFetch()
		if err != nil {
			return false, false, err
		}

		results := transform.Batch(ctx, conn.Provider, job.ResourceType, page.Resources, parallelism)
		for _, res := range results {
			if res.Err != nil {
				return false, false, res.Err
			}
			wasSuspended, err := o.applyInbound(ctx, job, conn, res.Record)
			if err != nil {
				return false, false, err
			}
			if wasSuspended {
				suspended = true
			}
		}

		if page.NextCursor == "" {
			return false, suspended, nil
		}
		req.Cursor = page.NextCursor

		// Between pages: honor cancellation and keep the lease alive.
		if o.cancelRequested(ctx, job.ID) {
			return true, suspended, nil
		}
		if err := o.queue.Extend(ctx, token, o.opts.LeaseDuration); err != nil {
			return false, suspended, fmt.Errorf("extend lease: %w", err)
		}
	}
}

// applyInbound merges one transformed record into the canonical store under
// the per-record lock, running the conflict strategy chain against whatever
// is already stored.
func (o *Orchestrator) applyInbound(ctx context.Context, job *queue.Job, conn *provider.Connection, incoming *record.CanonicalRecord) (suspended bool, err error) {
	incoming.Provenance.ConnectionID = conn.ID

	local, err := o.lookupLocal(ctx, incoming)
	if err != nil {
		return false, err
	}
	if local != nil {
		incoming.InternalID = local.InternalID
	} else if incoming.InternalID == uuid.Nil {
		incoming.InternalID = uuid.New()
	}

	release, err := o.acquireRecordLock(ctx, lockKey(incoming))
	if err != nil {
		return false, err
	}
	defer release()

	// Re-read under the lock: another worker may have written between the
	// lookup and the acquire.
	if local != nil {
		if local, err = o.records.Get(ctx, local.InternalID); err != nil {
			return false, fmt.Errorf("reload record: %w", err)
		}
		// An unresolved conflict freezes the record. The incoming version is
		// dropped; the next poll after resolution picks it up again.
		open, err := o.conflicts.OpenForRecord(ctx, local.InternalID)
		if err != nil {
			return false, fmt.Errorf("check open conflicts: %w", err)
		}
		if open != nil {
			o.log.Info().
				Str("record_id", local.InternalID.String()).
				Str("conflict_id", open.ID.String()).
				Str("resource_type", incoming.ResourceType).
				Msg("record frozen by unresolved conflict")
			return true, nil
		}
	}

	eval := o.engine.Evaluate(local, incoming)
	switch eval.Outcome {
	case conflict.OutcomeNeedsReview:
		// A suspended record is not a job failure: the job keeps going and
		// a reviewer picks the conflict up through the API.
		conf := &conflict.Record{
			RecordID:       local.InternalID,
			ResourceType:   incoming.ResourceType,
			LocalProvider:  local.Provenance.Provider,
			RemoteProvider: incoming.Provenance.Provider,
			Diffs:          eval.Diffs,
			LocalVersion:   local.Version,
		}
		if err := o.conflicts.Open(ctx, conf); err != nil {
			return false, fmt.Errorf("open conflict: %w", err)
		}
		o.log.Info().
			Str("record_id", local.InternalID.String()).
			Str("resource_type", incoming.ResourceType).
			Int("fields", len(eval.Diffs)).
			Msg("conflict suspended for review")
		return true, nil

	case conflict.OutcomeNoConflict, conflict.OutcomeAutoResolved:
		created := local == nil
		var expected int64
		if local != nil {
			expected = local.Version
		}
		stored, err := o.records.Put(ctx, eval.Merged, expected)
		if err != nil {
			return false, fmt.Errorf("store record: %w", err)
		}
		o.auditor.Emit(ctx, audit.Event{
			Action:       audit.ActionRecordWritten,
			Outcome:      audit.OutcomeSuccess,
			Provider:     string(conn.Provider),
			ConnectionID: conn.ID.String(),
			JobID:        job.ID.String(),
			RecordID:     stored.InternalID.String(),
			Detail: map[string]any{
				"resource_type": stored.ResourceType,
				"version":       stored.Version,
				"strategy":      string(eval.Strategy),
			},
		})
		if err := o.notifier.Notify(ctx, recordEvent(stored.ResourceType, created), stored.InternalID.String(), stored); err != nil {
			o.log.Warn().Err(err).Msg("record notification failed")
		}
		return false, nil

	default:
		return false, fmt.Errorf("unexpected evaluation outcome %q", eval.Outcome)
	}
}

// lookupLocal resolves the stored counterpart of an incoming record by its
// provenance key.
func (o *Orchestrator) lookupLocal(ctx context.Context, incoming *record.CanonicalRecord) (*record.CanonicalRecord, error) {
	local, err := o.records.FindByProvenance(ctx, incoming.Provenance.Provider, incoming.Provenance.VendorID)
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		return nil, fmt.Errorf("lookup record: %w", err)
	}
	return local, nil
}

// acquireRecordLock retries once after a short delay before giving up with a
// retryable error so the queue reschedules the job instead of dead-lettering.
func (o *Orchestrator) acquireRecordLock(ctx context.Context, key string) (func(), error) {
	release, err := o.locker.Acquire(ctx, key, o.opts.LeaseDuration)
	if !errors.Is(err, locks.ErrLockHeld) {
		return release, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(lockRetryDelay):
	}
	release, err = o.locker.Acquire(ctx, key, o.opts.LeaseDuration)
	if errors.Is(err, locks.ErrLockHeld) {
		return nil, fmt.Errorf("record busy: %w", err)
	}
	return release, err
}

func lockKey(rec *record.CanonicalRecord) string {
	if rec.InternalID != uuid.Nil {
		return rec.InternalID.String()
	}
	return rec.Provenance.Provider + "/" + rec.Provenance.VendorID
}

// eventTopics maps clinical resource types onto the topic names webhook
// subscribers register against.
var eventTopics = map[string]string{
	"Patient":            "patient",
	"Encounter":          "encounter",
	"Observation":        "observation",
	"Condition":          "condition",
	"MedicationOrder":    "medication",
	"AllergyIntolerance": "allergy",
	"Immunization":       "immunization",
	"DocumentReference":  "document",
}

func recordEvent(resourceType string, created bool) string {
	topic, ok := eventTopics[resourceType]
	if !ok {
		topic = "record"
	}
	if created {
		return topic + ".created"
	}
	return topic + ".updated"
}

func (o *Orchestrator) runOutbound(ctx context.Context, job *queue.Job, conn *provider.Connection, ad adapter.Adapter) error {
	if !ad.Capabilities().SupportsPush {
		return &adapter.Error{
			Kind:     adapter.KindUnsupportedResource,
			Provider: conn.Provider,
			Op:       "push",
			Message:  fmt.Sprintf("%s does not accept pushes", conn.Provider),
		}
	}
	if job.RecordID == nil {
		return fatalf("outbound job has no record id")
	}
	internalID, err := uuid.Parse(*job.RecordID)
	if err != nil {
		return fatalf("outbound record id %q: %w", *job.RecordID, err)
	}

	release, err := o.acquireRecordLock(ctx, internalID.String())
	if err != nil {
		return err
	}
	defer release()

	rec, err := o.records.Get(ctx, internalID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return fatalf("record %s: %w", internalID, err)
		}
		return fmt.Errorf("load record: %w", err)
	}

	payload, err := transform.FromCanonical(conn.Provider, rec.ResourceType, rec)
	if err != nil {
		return err
	}

	pushCtx, cancel := context.WithTimeout(ctx, o.opts.AdapterTimeout)
	result, err := ad.Push(pushCtx, rec.ResourceType, payload)
	cancel()
	if err != nil {
		return err
	}

	// Record the push target as the new provenance basis so the next
	// inbound fetch from this vendor is recognized as a refresh.
	updated := rec.Clone()
	updated.Provenance = record.Provenance{
		Provider:      string(conn.Provider),
		ConnectionID:  conn.ID,
		VendorID:      result.VendorID,
		VendorVersion: result.VendorVersion,
		LastModified:  time.Now().UTC(),
	}
	stored, err := o.records.Put(ctx, updated, rec.Version)
	if err != nil {
		return fmt.Errorf("store provenance: %w", err)
	}

	o.auditor.Emit(ctx, audit.Event{
		Action:       audit.ActionRecordWritten,
		Outcome:      audit.OutcomeSuccess,
		Provider:     string(conn.Provider),
		ConnectionID: conn.ID.String(),
		JobID:        job.ID.String(),
		RecordID:     stored.InternalID.String(),
		Detail: map[string]any{
			"resource_type":  stored.ResourceType,
			"vendor_id":      result.VendorID,
			"vendor_version": result.VendorVersion,
			"direction":      "outbound",
		},
	})
	return nil
}
