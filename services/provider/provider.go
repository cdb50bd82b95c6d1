// Package provider holds the per-streaming-service adapters: observing what
// is currently playing and paging through the provider's own viewing log.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"watchsync/models"
	"watchsync/services/playback"
)

// PageBridge evaluates a snippet in the provider's page context and returns
// the JSON-encoded result. How the bridge reaches the page (injected script,
// devtools protocol, …) is opaque to the core.
type PageBridge interface {
	Query(ctx context.Context, script string) (string, error)
}

// Provider is one streaming service adapter.
type Provider interface {
	// ID is the stable provider identifier ("netflix", ...).
	ID() string
	// Sources returns the playback observation channels in priority order.
	Sources() []playback.SnapshotSource
	// CurrentItem identifies what is playing right now, or nil when nothing is.
	CurrentItem(ctx context.Context) (*models.CatalogItem, error)
	// History returns one page of the provider's viewing log, newest first,
	// plus the cursor for the next page ("" at end-of-history).
	History(ctx context.Context, cursor string) ([]models.HistoryRecord, string, error)
}

// Registry owns the provider lookup table. Providers are registered once at
// startup and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registering a duplicate ID is a programming
// error and fails loudly.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID()]; exists {
		return fmt.Errorf("provider %q already registered", p.ID())
	}
	r.providers[p.ID()] = p
	return nil
}

// Get returns the provider for the given ID.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs lists registered provider IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
