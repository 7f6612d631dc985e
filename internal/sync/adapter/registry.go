package adapter

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/ehrsync/ehrsync/internal/platform/secrets"
	"github.com/ehrsync/ehrsync/internal/sync/provider"
)

// Factory builds an Adapter for one connection with its decrypted
// credentials.
type Factory func(conn *provider.Connection, creds secrets.Credentials, client *http.Client) (Adapter, error)

// Registry maps provider types to adapter factories. Dispatch happens by
// tag: adding an eighth vendor is a new factory registration, nothing more.
type Registry struct {
	mu        sync.RWMutex
	factories map[provider.Type]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[provider.Type]Factory)}
}

// DefaultRegistry returns a registry wired with the shared FHIR adapter for
// every supported vendor.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range provider.All {
		r.Register(t, func(conn *provider.Connection, creds secrets.Credentials, client *http.Client) (Adapter, error) {
			return NewFHIRAdapter(conn, creds, client)
		})
	}
	return r
}

// Register installs (or replaces) the factory for t.
func (r *Registry) Register(t provider.Type, f Factory) {
	r.mu.Lock()
	r.factories[t] = f
	r.mu.Unlock()
}

// For builds an adapter for conn, or fails if the provider is unknown.
func (r *Registry) For(conn *provider.Connection, creds secrets.Credentials, client *http.Client) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[conn.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", conn.Provider)
	}
	return f(conn, creds, client)
}

// Supported lists the registered provider types.
func (r *Registry) Supported() []provider.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Type, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}
