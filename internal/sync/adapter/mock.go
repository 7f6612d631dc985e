package adapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ehrsync/ehrsync/internal/sync/provider"
)

// MockAdapter is an in-memory Adapter used by tests and sandbox mode. It
// serves seeded resources, records pushes, and can be scripted to fail.
type MockAdapter struct {
	Prov provider.Type
	Caps Capabilities

	mu        sync.Mutex
	resources map[string][]map[string]any // by resource type
	pushed    []map[string]any
	nextID    int

	// FetchErr and PushErr, when set, are returned by the corresponding
	// calls instead of operating on the seeded data.
	FetchErr error
	PushErr  error
}

// NewMockAdapter returns a mock for prov with permissive capabilities.
func NewMockAdapter(prov provider.Type) *MockAdapter {
	return &MockAdapter{
		Prov: prov,
		Caps: Capabilities{
			Resources:     coreResources,
			SupportsPush:  true,
			SupportsSince: true,
			MaxPageSize:   100,
		},
		resources: make(map[string][]map[string]any),
	}
}

// Seed adds a vendor resource served by subsequent fetches.
func (m *MockAdapter) Seed(resourceType string, res map[string]any) {
	m.mu.Lock()
	m.resources[resourceType] = append(m.resources[resourceType], res)
	m.mu.Unlock()
}

// Pushed returns every payload pushed so far.
func (m *MockAdapter) Pushed() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.pushed))
	copy(out, m.pushed)
	return out
}

func (m *MockAdapter) Provider() provider.Type    { return m.Prov }
func (m *MockAdapter) Capabilities() Capabilities { return m.Caps }

func (m *MockAdapter) Fetch(_ context.Context, req FetchRequest) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	if !m.Caps.SupportsResource(req.ResourceType) {
		return nil, &Error{
			Kind: KindUnsupportedResource, Provider: m.Prov, Op: "fetch",
			Message: fmt.Sprintf("resource type %q not supported", req.ResourceType),
		}
	}

	all := m.resources[req.ResourceType]
	if req.VendorID != "" {
		for _, res := range all {
			if id, _ := res["id"].(string); id == req.VendorID {
				return &Page{Resources: []map[string]any{res}}, nil
			}
		}
		return nil, &Error{
			Kind: KindVendorValidation, Provider: m.Prov, Op: "fetch",
			Message: fmt.Sprintf("record %s not found", req.VendorID),
		}
	}
	start := 0
	if req.Cursor != "" {
		start, _ = strconv.Atoi(req.Cursor)
	}
	size := req.PageSize
	if size <= 0 {
		size = m.Caps.MaxPageSize
	}

	page := &Page{}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	page.Resources = append(page.Resources, all[start:end]...)
	if end < len(all) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (m *MockAdapter) Push(_ context.Context, resourceType string, payload map[string]any) (*PushResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PushErr != nil {
		return nil, m.PushErr
	}
	if !m.Caps.SupportsPush || !m.Caps.SupportsResource(resourceType) {
		return nil, &Error{
			Kind: KindUnsupportedResource, Provider: m.Prov, Op: "push",
			Message: fmt.Sprintf("push of %q not supported", resourceType),
		}
	}

	m.pushed = append(m.pushed, payload)
	id, _ := payload["id"].(string)
	if id == "" {
		m.nextID++
		id = fmt.Sprintf("mock-%d", m.nextID)
	}
	return &PushResult{VendorID: id, VendorVersion: "1"}, nil
}

func (m *MockAdapter) HealthCheck(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FetchErr
}
