// Package memory provides in-memory implementations of the collaborator
// ports: a client registry, a map-backed storage handler and a loopback
// transport hub. They back the tests and the development mode of the node;
// production deployments swap in the tcp transport and a real storage engine.
package memory

import (
	"sync"

	"github.com/vaultgate/vaultgate/internal/port"
)

// Registry maps client paths to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]port.Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]port.Handler)}
}

// Register installs or replaces the handler for a client path.
func (r *Registry) Register(clientPath []byte, h port.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[string(clientPath)] = h
}

// Deregister removes the handler for a client path, if any.
func (r *Registry) Deregister(clientPath []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, string(clientPath))
}

// Resolve returns the handler for a client path or ErrClientNotFound.
func (r *Registry) Resolve(clientPath []byte) (port.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[string(clientPath)]
	if !ok {
		return nil, port.ErrClientNotFound
	}
	return h, nil
}
