package engine

import (
	"sync"

	"multitun/internal/tunnel"
)

// Endpoints is the shared set of live endpoint bridges, keyed by tunnel ID.
// The router sends through it and the JIT orchestrator connects through it.
type Endpoints struct {
	mu  sync.RWMutex
	eps map[string]*tunnel.Endpoint
}

// NewEndpoints creates an empty endpoint set.
func NewEndpoints() *Endpoints {
	return &Endpoints{eps: make(map[string]*tunnel.Endpoint)}
}

// Add registers an endpoint under its tunnel ID.
func (s *Endpoints) Add(ep *tunnel.Endpoint) {
	s.mu.Lock()
	s.eps[ep.ID()] = ep
	s.mu.Unlock()
}

// Get returns the endpoint for a tunnel ID.
func (s *Endpoints) Get(tunnelID string) (*tunnel.Endpoint, bool) {
	s.mu.RLock()
	ep, ok := s.eps[tunnelID]
	s.mu.RUnlock()
	return ep, ok
}

// Remove drops an endpoint from the set and closes it.
func (s *Endpoints) Remove(tunnelID string) {
	s.mu.Lock()
	ep, ok := s.eps[tunnelID]
	delete(s.eps, tunnelID)
	s.mu.Unlock()
	if ok {
		ep.Close()
	}
}

// All returns a snapshot of the registered endpoints.
func (s *Endpoints) All() []*tunnel.Endpoint {
	s.mu.RLock()
	out := make([]*tunnel.Endpoint, 0, len(s.eps))
	for _, ep := range s.eps {
		out = append(out, ep)
	}
	s.mu.RUnlock()
	return out
}

// CloseAll closes every endpoint. Used on shutdown.
func (s *Endpoints) CloseAll() {
	for _, ep := range s.All() {
		ep.Close()
	}
}
