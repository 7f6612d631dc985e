// Package audit emits structured audit events for sync activity. The engine
// is only an event source: storage is owned by the external HIPAA audit
// store, which subscribes through the Emitter interface.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Action identifies what kind of sync activity an event describes.
type Action string

const (
	ActionJobEnqueued       Action = "job.enqueued"
	ActionJobCompleted      Action = "job.completed"
	ActionJobFailed         Action = "job.failed"
	ActionJobDeadLetter     Action = "job.dead_letter"
	ActionJobCancelled      Action = "job.cancelled"
	ActionConflictDetected  Action = "conflict.detected"
	ActionConflictResolved  Action = "conflict.resolved"
	ActionRecordWritten     Action = "record.written"
	ActionWebhookExhausted  Action = "webhook.exhausted"
	ActionConnectionFlagged Action = "connection.unhealthy"
)

// Outcome follows the success/failure split of the audit store's schema.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audit record. Actor is "system" for automated activity or a
// human identity for manual conflict resolution.
type Event struct {
	ID           uuid.UUID      `json:"id"`
	Action       Action         `json:"action"`
	Outcome      Outcome        `json:"outcome"`
	Actor        string         `json:"actor"`
	Provider     string         `json:"provider,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	JobID        string         `json:"job_id,omitempty"`
	RecordID     string         `json:"record_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	Recorded     time.Time      `json:"recorded"`
}

// Emitter receives audit events. Implementations must be safe for
// concurrent use and must not block job execution for long.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// stamp fills in identity fields that callers leave zero.
func stamp(ev *Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Recorded.IsZero() {
		ev.Recorded = time.Now().UTC()
	}
	if ev.Actor == "" {
		ev.Actor = "system"
	}
}

// LogEmitter writes audit events to a zerolog logger. It is the default
// sink; deployments forward the log stream to the audit store.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("stream", "audit").Logger()}
}

func (e *LogEmitter) Emit(_ context.Context, ev Event) {
	stamp(&ev)

	evt := e.logger.Info()
	if ev.Outcome == OutcomeFailure {
		evt = e.logger.Warn()
	}
	evt.
		Str("audit_id", ev.ID.String()).
		Str("action", string(ev.Action)).
		Str("outcome", string(ev.Outcome)).
		Str("actor", ev.Actor).
		Str("provider", ev.Provider).
		Str("connection_id", ev.ConnectionID).
		Str("job_id", ev.JobID).
		Str("record_id", ev.RecordID).
		Interface("detail", ev.Detail).
		Time("recorded", ev.Recorded).
		Msg("audit")
}

// MemoryEmitter collects events in memory. Used by tests and the sandbox.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryEmitter creates an empty MemoryEmitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

func (e *MemoryEmitter) Emit(_ context.Context, ev Event) {
	stamp(&ev)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

// Events returns a copy of all recorded events.
func (e *MemoryEmitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// ByAction returns recorded events matching the given action.
func (e *MemoryEmitter) ByAction(action Action) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

// Fanout forwards each event to every wrapped emitter.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, ev Event) {
	for _, e := range f {
		e.Emit(ctx, ev)
	}
}
