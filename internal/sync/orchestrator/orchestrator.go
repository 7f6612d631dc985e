// Package orchestrator ties the engine together: a pool of stateless
// workers leases jobs from the queue and runs each through the sync
// pipeline (adapter fetch/push, transformation, conflict resolution,
// persistence, audit, webhooks).
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehrsync/ehrsync/internal/platform/audit"
	"github.com/ehrsync/ehrsync/internal/platform/locks"
	"github.com/ehrsync/ehrsync/internal/platform/secrets"
	"github.com/ehrsync/ehrsync/internal/sync/adapter"
	"github.com/ehrsync/ehrsync/internal/sync/conflict"
	"github.com/ehrsync/ehrsync/internal/sync/provider"
	"github.com/ehrsync/ehrsync/internal/sync/queue"
	"github.com/ehrsync/ehrsync/internal/sync/record"
)

// AdapterSource builds an Adapter for a connection. The production source
// decrypts the connection's credential blob and dispatches through the
// vendor registry; tests substitute mocks.
type AdapterSource interface {
	For(ctx context.Context, conn *provider.Connection) (adapter.Adapter, error)
}

// RegistrySource is the production AdapterSource.
type RegistrySource struct {
	Registry *adapter.Registry
	Codec    *secrets.Codec
	Client   *http.Client
}

func (s *RegistrySource) For(_ context.Context, conn *provider.Connection) (adapter.Adapter, error) {
	creds, err := s.Codec.DecryptCredentials(conn.EncryptedCredentials)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials for %s: %w", conn.ID, err)
	}
	return s.Registry.For(conn, *creds, s.Client)
}

// Options carries the tunables the worker pipeline needs.
type Options struct {
	WorkerCount    int
	PollInterval   time.Duration
	LeaseDuration  time.Duration
	AdapterTimeout time.Duration
	// Parallelism bounds per-page transform concurrency; 0 derives it
	// from the connection's rate-limit burst.
	Parallelism int
}

func (o *Options) normalize() {
	if o.WorkerCount < 1 {
		o.WorkerCount = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = time.Minute
	}
	if o.AdapterTimeout <= 0 {
		o.AdapterTimeout = 30 * time.Second
	}
}

// Orchestrator runs the worker pool.
type Orchestrator struct {
	queue     queue.Queue
	pool      *provider.Pool
	adapters  AdapterSource
	records   record.Store
	engine    *conflict.Engine
	conflicts *conflict.Service
	notifier  conflict.Notifier
	locker    locks.Locker
	auditor   audit.Emitter
	opts      Options
	log       zerolog.Logger

	done chan struct{}
}

func New(
	q queue.Queue,
	pool *provider.Pool,
	adapters AdapterSource,
	records record.Store,
	engine *conflict.Engine,
	conflicts *conflict.Service,
	notifier conflict.Notifier,
	locker locks.Locker,
	auditor audit.Emitter,
	opts Options,
	log zerolog.Logger,
) *Orchestrator {
	opts.normalize()
	if notifier == nil {
		notifier = conflict.NopNotifier{}
	}
	return &Orchestrator{
		queue:     q,
		pool:      pool,
		adapters:  adapters,
		records:   records,
		engine:    engine,
		conflicts: conflicts,
		notifier:  notifier,
		locker:    locker,
		auditor:   auditor,
		opts:      opts,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Start launches the worker pool and returns. Workers exit when ctx is
// cancelled; Wait blocks until they have all drained.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		defer close(o.done)
		run := make(chan struct{}, o.opts.WorkerCount)
		for i := 0; i < o.opts.WorkerCount; i++ {
			id := fmt.Sprintf("worker-%d", i)
			go func() {
				defer func() { run <- struct{}{} }()
				o.workerLoop(ctx, id)
			}()
		}
		for i := 0; i < o.opts.WorkerCount; i++ {
			<-run
		}
	}()
}

// Wait blocks until every worker has exited.
func (o *Orchestrator) Wait() {
	<-o.done
}

func (o *Orchestrator) workerLoop(ctx context.Context, workerID string) {
	log := o.log.With().Str("worker", workerID).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		job, token, err := o.queue.Lease(ctx, workerID, o.opts.LeaseDuration)
		if err != nil {
			if err != queue.ErrNoJobs {
				log.Error().Err(err).Msg("lease failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.opts.PollInterval):
			}
			continue
		}
		o.runJob(ctx, log, job, token)
	}
}

func (o *Orchestrator) runJob(ctx context.Context, log zerolog.Logger, job *queue.Job, token string) {
	log = log.With().
		Str("job_id", job.ID.String()).
		Str("type", string(job.Type)).
		Str("provider", job.Provider).
		Int("attempt", job.Attempts).
		Logger()
	log.Info().Msg("job started")

	cancelled, err := o.processJob(ctx, job, token)
	switch {
	case cancelled:
		if ackErr := o.queue.AckCancel(ctx, token); ackErr != nil {
			log.Error().Err(ackErr).Msg("ack cancel failed")
			return
		}
		log.Info().Msg("job cancelled")
		o.auditJob(ctx, job, audit.ActionJobCancelled, nil)

	case err == nil:
		if cErr := o.queue.Complete(ctx, token); cErr != nil {
			log.Error().Err(cErr).Msg("complete failed")
			return
		}
		log.Info().Msg("job completed")
		o.auditJob(ctx, job, audit.ActionJobCompleted, nil)

	default:
		err = jobError(job, err)
		log.Warn().Err(err).Msg("job failed")
		if adapter.KindOf(err) == adapter.KindAuth {
			o.pool.MarkUnhealthy(job.ConnectionID)
			o.auditor.Emit(ctx, audit.Event{
				Action:       audit.ActionConnectionFlagged,
				Outcome:      audit.OutcomeFailure,
				Provider:     job.Provider,
				ConnectionID: job.ConnectionID.String(),
				Detail:       map[string]any{"reason": err.Error()},
			})
		}
		if fErr := o.queue.Fail(ctx, token, err); fErr != nil {
			log.Error().Err(fErr).Msg("fail transition failed")
			return
		}
		action := audit.ActionJobFailed
		if after, gErr := o.queue.Get(ctx, job.ID); gErr == nil && after.Status == queue.StatusDeadLetter {
			action = audit.ActionJobDeadLetter
		}
		o.auditJob(ctx, job, action, err)
	}
}

// jobError stamps a failure with enough context to read a dead-letter row on
// its own. The cause stays wrapped so kind classification still sees it.
func jobError(job *queue.Job, err error) error {
	if job.RecordID != nil {
		return fmt.Errorf("%s %s connection %s record %s attempt %d: %w",
			job.Type, job.Provider, job.ConnectionID, *job.RecordID, job.Attempts, err)
	}
	return fmt.Errorf("%s %s connection %s attempt %d: %w",
		job.Type, job.Provider, job.ConnectionID, job.Attempts, err)
}

func (o *Orchestrator) auditJob(ctx context.Context, job *queue.Job, action audit.Action, jobErr error) {
	detail := map[string]any{"attempt": job.Attempts}
	if job.ResourceType != "" {
		detail["resource_type"] = job.ResourceType
	}
	outcome := audit.OutcomeSuccess
	if jobErr != nil {
		detail["error"] = jobErr.Error()
		outcome = audit.OutcomeFailure
	}
	o.auditor.Emit(ctx, audit.Event{
		Action:       action,
		Outcome:      outcome,
		Provider:     job.Provider,
		ConnectionID: job.ConnectionID.String(),
		JobID:        job.ID.String(),
		Detail:       detail,
	})
}
