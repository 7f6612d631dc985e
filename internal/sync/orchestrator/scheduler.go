package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehrsync/ehrsync/internal/sync/provider"
	"github.com/ehrsync/ehrsync/internal/sync/queue"
)

// ConnectionSource lists the connections to poll. *provider.Pool satisfies
// it.
type ConnectionSource interface {
	List() []*provider.Connection
}

// Scheduler enqueues periodic incremental inbound jobs for every healthy
// connection and resource type it supports. Each (connection, resource) pair
// carries its own high-water mark so a poll only asks the vendor for what
// changed since the last successful enqueue.
type Scheduler struct {
	queue    queue.Queue
	pool     ConnectionSource
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	lastPoll  map[string]time.Time
	now       func() time.Time
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler creates a stopped scheduler. interval is the poll period for
// every connection; per-connection schedules are not supported.
func NewScheduler(q queue.Queue, pool ConnectionSource, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		queue:    q,
		pool:     pool,
		interval: interval,
		log:      log,
		lastPoll: make(map[string]time.Time),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

// Close stops the poll loop and waits for it to exit.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.pollAll(ctx)
		}
	}
}

func (s *Scheduler) pollAll(ctx context.Context) {
	for _, conn := range s.pool.List() {
		if !conn.Healthy {
			continue
		}
		for _, resourceType := range conn.Capabilities {
			s.pollOne(ctx, conn, resourceType)
		}
	}
}

// PollNow runs a single poll pass synchronously.
func (s *Scheduler) PollNow(ctx context.Context) {
	s.pollAll(ctx)
}

func (s *Scheduler) pollOne(ctx context.Context, conn *provider.Connection, resourceType string) {
	key := conn.ID.String() + "/" + resourceType

	s.mu.Lock()
	since, polled := s.lastPoll[key]
	mark := s.now().UTC()
	s.mu.Unlock()

	job := &queue.Job{
		Type:         queue.TypeInbound,
		Provider:     string(conn.Provider),
		ConnectionID: conn.ID,
		ResourceType: resourceType,
	}
	if polled {
		job.Since = &since
	}

	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		s.log.Error().Err(err).
			Str("connection_id", conn.ID.String()).
			Str("resource_type", resourceType).
			Msg("poll enqueue failed")
		return
	}

	s.mu.Lock()
	s.lastPoll[key] = mark
	s.mu.Unlock()
}

// LastPoll returns the high-water mark for one (connection, resource) pair.
func (s *Scheduler) LastPoll(connID uuid.UUID, resourceType string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastPoll[connID.String()+"/"+resourceType]
	return t, ok
}
