// Package pool provides health-aware connection pooling and dynamic
// supervision on top of pkg/wsclient.Client: a registry mapping connection
// ids to live clients, a router that picks among them by decayed health
// score and fails over on error, and a supervisor that restarts crashed
// clients within a bounded budget.
package pool

import (
	"sync"

	"github.com/flowrate/exws/pkg/wsclient"
)

// ConnectionRegistry is a concurrent id -> *wsclient.Client map. One
// registry is typically shared between a PoolRouter and a
// ClientSupervisor managing the same pool.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	clients map[string]*wsclient.Client
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{clients: make(map[string]*wsclient.Client)}
}

// Put installs or replaces the client registered under id.
func (r *ConnectionRegistry) Put(id string, c *wsclient.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = c
}

// Get returns the client registered under id, if any.
func (r *ConnectionRegistry) Get(id string) (*wsclient.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Remove drops id from the registry.
func (r *ConnectionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// IDs returns every registered id in no particular order.
func (r *ConnectionRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}

// Snapshot returns a copy of the id -> client map.
func (r *ConnectionRegistry) Snapshot() map[string]*wsclient.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*wsclient.Client, len(r.clients))
	for id, c := range r.clients {
		out[id] = c
	}
	return out
}
