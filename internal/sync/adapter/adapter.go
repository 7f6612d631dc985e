// Package adapter defines the provider adapter contract and the shared
// FHIR R4 HTTP implementation behind the seven supported EHR vendors.
package adapter

import (
	"context"
	"time"

	"github.com/ehrsync/ehrsync/internal/sync/provider"
)

// Capabilities describes what a vendor connection can do. The orchestrator
// consults it before enqueuing work so unsupported operations fail at
// submission rather than deep in a worker.
type Capabilities struct {
	Resources     []string `json:"resources"`
	SupportsPush  bool     `json:"supports_push"`
	SupportsSince bool     `json:"supports_since"`
	MaxPageSize   int      `json:"max_page_size"`
}

// SupportsResource reports whether resourceType is in the capability set.
func (c Capabilities) SupportsResource(resourceType string) bool {
	for _, r := range c.Resources {
		if r == resourceType {
			return true
		}
	}
	return false
}

// FetchRequest selects vendor records to pull.
type FetchRequest struct {
	ResourceType string
	// VendorID targets a single record; empty means a search.
	VendorID string
	// Since restricts the fetch to records modified after this instant.
	// Zero means a full fetch. Ignored for vendors without SupportsSince.
	Since time.Time
	// Cursor resumes a paged fetch; empty starts from the first page.
	Cursor   string
	PageSize int
}

// Page is one page of raw vendor resources. Payloads stay in vendor-native
// shape; the transform pipeline is responsible for canonicalization.
type Page struct {
	Resources []map[string]any
	// NextCursor is empty on the final page.
	NextCursor string
}

// PushResult identifies the vendor-side record after a successful push.
type PushResult struct {
	VendorID      string
	VendorVersion string
}

// Adapter is the uniform surface over one vendor connection. Implementations
// enforce the connection's rate budget internally and classify every failure
// into the adapter error taxonomy.
type Adapter interface {
	Provider() provider.Type
	Capabilities() Capabilities
	Fetch(ctx context.Context, req FetchRequest) (*Page, error)
	Push(ctx context.Context, resourceType string, payload map[string]any) (*PushResult, error)
	HealthCheck(ctx context.Context) error
}
