// Package record defines the vendor-neutral canonical record and the
// persistence boundary to the clinical repository. The repository schema
// itself is owned elsewhere; the sync engine only sees this API.
package record

import (
	"time"

	"github.com/google/uuid"
)

// Provenance tracks which vendor, connection, and vendor-native version a
// record's data last came from.
type Provenance struct {
	Provider      string    `json:"provider"`
	ConnectionID  uuid.UUID `json:"connection_id"`
	VendorID      string    `json:"vendor_id"`
	VendorVersion string    `json:"vendor_version,omitempty"`
	LastModified  time.Time `json:"last_modified"`
	// Reconciled records, per provider, the vendor version whose payload an
	// automatic resolution already weighed and rejected. A later refresh of
	// that same version is a no-op, not a new divergence.
	Reconciled map[string]string `json:"reconciled,omitempty"`
}

// WithReconciled returns a copy of p with provider's vendor version recorded
// as reconciled.
func (p Provenance) WithReconciled(provider, vendorVersion string) Provenance {
	out := p
	out.Reconciled = make(map[string]string, len(p.Reconciled)+1)
	for k, v := range p.Reconciled {
		out.Reconciled[k] = v
	}
	out.Reconciled[provider] = vendorVersion
	return out
}

// CanonicalRecord is the vendor-neutral representation of one clinical
// resource. Fields holds the typed canonical values; Extensions carries
// unmapped vendor fields so a later push does not silently drop them.
type CanonicalRecord struct {
	InternalID   uuid.UUID      `json:"internal_id"`
	ResourceType string         `json:"resource_type"`
	Fields       map[string]any `json:"fields"`
	Extensions   map[string]any `json:"extensions,omitempty"`
	Provenance   Provenance     `json:"provenance"`
	Warnings     []string       `json:"warnings,omitempty"`

	// Version is the internal store's optimistic-concurrency counter,
	// incremented on every successful Put. Zero means not yet stored.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate fields without aliasing
// the stored map.
func (r *CanonicalRecord) Clone() *CanonicalRecord {
	out := *r
	out.Fields = copyMap(r.Fields)
	out.Extensions = copyMap(r.Extensions)
	out.Warnings = append([]string(nil), r.Warnings...)
	if r.Provenance.Reconciled != nil {
		rec := make(map[string]string, len(r.Provenance.Reconciled))
		for k, v := range r.Provenance.Reconciled {
			rec[k] = v
		}
		out.Provenance.Reconciled = rec
	}
	return &out
}

// Field returns the canonical field value and whether it is present.
func (r *CanonicalRecord) Field(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
