// Package conflict detects concurrent edits to canonical records and
// resolves them through an ordered strategy chain, escalating to manual
// review only when no strategy applies.
package conflict

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle of a persisted conflict record.
type Status string

const (
	StatusNeedsReview Status = "NEEDS_REVIEW"
	StatusResolved    Status = "RESOLVED"
)

// Outcome is the result of evaluating local against incoming.
type Outcome string

const (
	OutcomeNoConflict   Outcome = "NO_CONFLICT"
	OutcomeAutoResolved Outcome = "AUTO_RESOLVED"
	OutcomeNeedsReview  Outcome = "NEEDS_REVIEW"
)

// Strategy names which rule in the chain decided an auto resolution.
type Strategy string

const (
	StrategyDisjointMerge Strategy = "FIELD_DISJOINT_MERGE"
	StrategyAuthority     Strategy = "SOURCE_AUTHORITY"
	StrategyNewerWins     Strategy = "NEWER_TIMESTAMP"
	StrategyManual        Strategy = "MANUAL"
)

// FieldDiff records one contested field with both observed values.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  any    `json:"local"`
	Remote any    `json:"remote"`
}

// Record is a persisted conflict awaiting or carrying its resolution.
// Once Status is RESOLVED the record is immutable; a later divergence on
// the same clinical record opens a new conflict, never reopens this one.
type Record struct {
	ID           uuid.UUID `json:"id"`
	RecordID     uuid.UUID `json:"record_id"`
	ResourceType string    `json:"resource_type"`

	LocalProvider  string `json:"local_provider"`
	RemoteProvider string `json:"remote_provider"`

	Diffs []FieldDiff `json:"diffs"`
	// LocalVersion is the canonical record version the conflict was
	// detected against, kept for audit. Manual resolution writes against
	// the record's current version, not this one.
	LocalVersion int64 `json:"local_version"`

	Status     Status     `json:"status"`
	DetectedAt time.Time  `json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	// ResolvedFields holds the reviewer's chosen values, kept for audit.
	ResolvedFields map[string]any `json:"resolved_fields,omitempty"`
}
