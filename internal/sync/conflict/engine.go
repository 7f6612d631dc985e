package conflict

import (
	"reflect"
	"time"

	"github.com/ehrsync/ehrsync/internal/sync/record"
)

// Evaluation is the engine's verdict for one local/incoming pair.
type Evaluation struct {
	Outcome  Outcome
	Strategy Strategy
	// Merged is the record to write for NO_CONFLICT and AUTO_RESOLVED.
	Merged *record.CanonicalRecord
	// Diffs lists the contested fields, populated whenever the outcome is
	// not NO_CONFLICT.
	Diffs []FieldDiff
}

// Engine evaluates the resolution strategy chain. Authority maps a resource
// type to the provider whose values win for that type; AmbiguityWindow is
// the interval within which timestamps are considered concurrent rather
// than ordered, absorbing clock skew between vendors.
type Engine struct {
	Authority       map[string]string
	AmbiguityWindow time.Duration
}

// NewEngine builds an engine with the default 1s ambiguity window.
func NewEngine(authority map[string]string) *Engine {
	return &Engine{Authority: authority, AmbiguityWindow: time.Second}
}

// Evaluate runs detection and the strategy chain. local may be nil (first
// sight of the record), which is never a conflict.
func (e *Engine) Evaluate(local, incoming *record.CanonicalRecord) Evaluation {
	if local == nil {
		return Evaluation{Outcome: OutcomeNoConflict, Merged: incoming.Clone()}
	}

	// A vendor version a prior resolution already weighed is a replay of
	// settled input. The stored record stays exactly as it is; without this
	// the losing side would re-diverge on every poll.
	if incoming.Provenance.VendorVersion != "" &&
		local.Provenance.Reconciled[incoming.Provenance.Provider] == incoming.Provenance.VendorVersion {
		return Evaluation{Outcome: OutcomeNoConflict, Merged: local.Clone()}
	}

	// Same provenance basis means the incoming payload is a refresh of
	// what we already hold, not a divergent edit.
	sameBasis := local.Provenance.Provider == incoming.Provenance.Provider &&
		local.Provenance.VendorVersion != "" &&
		local.Provenance.VendorVersion == incoming.Provenance.VendorVersion

	diffs, additions := diffFields(local, incoming)
	if len(diffs) == 0 || sameBasis {
		merged := local.Clone()
		for f, v := range additions {
			merged.Fields[f] = v
		}
		merged.Provenance = incoming.Provenance
		merged.Warnings = incoming.Warnings
		return Evaluation{Outcome: OutcomeNoConflict, Merged: merged}
	}

	contested := overlapping(diffs)
	if len(contested) == 0 {
		// Strategy 1: the two sides touched disjoint field sets.
		merged := local.Clone()
		for f, v := range additions {
			merged.Fields[f] = v
		}
		merged.Provenance = incoming.Provenance
		return Evaluation{
			Outcome: OutcomeAutoResolved, Strategy: StrategyDisjointMerge,
			Merged: merged, Diffs: diffs,
		}
	}

	// Strategy 2: configured source authority for this resource type.
	if auth := e.Authority[incoming.ResourceType]; auth != "" {
		switch auth {
		case incoming.Provenance.Provider:
			return Evaluation{
				Outcome: OutcomeAutoResolved, Strategy: StrategyAuthority,
				Merged: mergePreferring(local, incoming, incoming), Diffs: diffs,
			}
		case local.Provenance.Provider:
			return Evaluation{
				Outcome: OutcomeAutoResolved, Strategy: StrategyAuthority,
				Merged: mergePreferring(local, incoming, local), Diffs: diffs,
			}
		}
	}

	// Strategy 3: strictly newer side wins, unless the timestamps sit
	// inside the ambiguity window.
	lt, it := local.Provenance.LastModified, incoming.Provenance.LastModified
	if !lt.IsZero() && !it.IsZero() {
		gap := it.Sub(lt)
		if gap < 0 {
			gap = -gap
		}
		if gap > e.AmbiguityWindow {
			winner := local
			if it.After(lt) {
				winner = incoming
			}
			return Evaluation{
				Outcome: OutcomeAutoResolved, Strategy: StrategyNewerWins,
				Merged: mergePreferring(local, incoming, winner), Diffs: diffs,
			}
		}
	}

	// Strategy 4: nothing can order the edits. Suspend the write.
	return Evaluation{Outcome: OutcomeNeedsReview, Strategy: StrategyManual, Diffs: diffs}
}

// diffFields compares canonical fields. additions are fields only the
// incoming side has; diffs covers every disagreement including additions.
func diffFields(local, incoming *record.CanonicalRecord) ([]FieldDiff, map[string]any) {
	var diffs []FieldDiff
	additions := make(map[string]any)

	for f, iv := range incoming.Fields {
		lv, ok := local.Fields[f]
		if !ok {
			additions[f] = iv
			diffs = append(diffs, FieldDiff{Field: f, Local: nil, Remote: iv})
			continue
		}
		if !reflect.DeepEqual(lv, iv) {
			diffs = append(diffs, FieldDiff{Field: f, Local: lv, Remote: iv})
		}
	}
	return diffs, additions
}

// overlapping filters diffs down to fields both sides hold with different
// values. One-sided fields are additive and never contested.
func overlapping(diffs []FieldDiff) []FieldDiff {
	var out []FieldDiff
	for _, d := range diffs {
		if d.Local != nil && d.Remote != nil {
			out = append(out, d)
		}
	}
	return out
}

// mergePreferring takes the union of both field sets with winner's values
// on contested fields. Provenance follows the winner, with the losing side's
// vendor version marked reconciled so its replay is not a fresh divergence.
func mergePreferring(local, incoming, winner *record.CanonicalRecord) *record.CanonicalRecord {
	merged := local.Clone()
	for f, v := range incoming.Fields {
		if _, ok := merged.Fields[f]; !ok {
			merged.Fields[f] = v
		}
	}
	for f := range merged.Fields {
		if wv, ok := winner.Fields[f]; ok {
			merged.Fields[f] = wv
		}
	}
	loser := incoming
	if winner == incoming {
		loser = local
	}
	merged.Provenance = winner.Provenance
	if loser.Provenance.VendorVersion != "" {
		merged.Provenance = merged.Provenance.WithReconciled(loser.Provenance.Provider, loser.Provenance.VendorVersion)
	}
	return merged
}
