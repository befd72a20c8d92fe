package core

import (
	"fmt"
	"net/netip"
	"sync"
)

// TunnelRecord holds runtime information about a tunnel. Exactly one record
// exists per tunnel ID; the ID is a stable caller-chosen identifier and is
// never reused concurrently. The record survives reconnects — flow mappings
// referencing the ID stay valid across a Degraded→Active transition.
type TunnelRecord struct {
	ID       string
	Config   TunnelConfig
	State    TunnelState
	Addr     netip.Addr   // local address assigned by the backend
	Subnet   netip.Prefix // subnet of the assigned address
	DNS      []netip.Addr // remote DNS servers reported by the backend
	Endpoint string       // selected remote server
	Err      error        // last error if state is Degraded or Disconnected
}

// TunnelRegistry is the arena of tunnel records keyed by stable tunnel ID.
// All state access goes through the registry; no component holds an ambient
// map of live tunnels.
type TunnelRegistry struct {
	mu      sync.RWMutex
	tunnels map[string]*TunnelRecord
	bus     *EventBus
}

// NewTunnelRegistry creates a ready-to-use registry.
func NewTunnelRegistry(bus *EventBus) *TunnelRegistry {
	return &TunnelRegistry{
		tunnels: make(map[string]*TunnelRecord),
		bus:     bus,
	}
}

// Register adds a new tunnel to the registry in Idle state.
func (tr *TunnelRegistry) Register(cfg TunnelConfig) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if _, exists := tr.tunnels[cfg.ID]; exists {
		return fmt.Errorf("tunnel %q already registered", cfg.ID)
	}

	tr.tunnels[cfg.ID] = &TunnelRecord{
		ID:     cfg.ID,
		Config: cfg,
		State:  TunnelStateIdle,
	}

	Log.Infof("Registry", "Registered tunnel %q (protocol=%s, servers=%d)",
		cfg.ID, cfg.Protocol, len(cfg.Servers))
	return nil
}

// Unregister removes a tunnel from the registry.
func (tr *TunnelRegistry) Unregister(id string) {
	tr.mu.Lock()
	delete(tr.tunnels, id)
	tr.mu.Unlock()

	Log.Infof("Registry", "Unregistered tunnel %q", id)
}

// Get returns a snapshot copy of the tunnel record for the given ID.
// Returns a value (not pointer) to avoid data races — callers can safely
// read fields after the lock is released.
func (tr *TunnelRegistry) Get(id string) (TunnelRecord, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	rec, ok := tr.tunnels[id]
	if !ok {
		return TunnelRecord{}, false
	}
	return *rec, true
}

// GetState returns the current state of a tunnel.
func (tr *TunnelRegistry) GetState(id string) TunnelState {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if rec, ok := tr.tunnels[id]; ok {
		return rec.State
	}
	return TunnelStateDisconnected
}

// SetState updates the tunnel state and publishes an event if changed.
func (tr *TunnelRegistry) SetState(id string, state TunnelState, err error) {
	tr.mu.Lock()
	rec, ok := tr.tunnels[id]
	if !ok {
		tr.mu.Unlock()
		return
	}

	old := rec.State
	rec.State = state
	rec.Err = err
	tr.mu.Unlock()

	if old != state {
		Log.Infof("Registry", "Tunnel %q: %s -> %s", id, old, state)
		if tr.bus != nil {
			tr.bus.Publish(Event{
				Type: EventTunnelStateChanged,
				Payload: TunnelStatePayload{
					TunnelID: id,
					OldState: old,
					NewState: state,
				},
			})
		}
	}
}

// SetAddress records the local address, subnet and DNS servers reported by
// the tunnel backend after connection.
func (tr *TunnelRegistry) SetAddress(id string, addr netip.Addr, subnet netip.Prefix, dns []netip.Addr) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rec, ok := tr.tunnels[id]
	if !ok {
		return
	}
	rec.Addr = addr
	rec.Subnet = subnet
	rec.DNS = append(rec.DNS[:0], dns...)
}

// SetEndpoint records the remote server selected for this tunnel.
func (tr *TunnelRegistry) SetEndpoint(id, endpoint string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if rec, ok := tr.tunnels[id]; ok {
		rec.Endpoint = endpoint
	}
}

// All returns a snapshot of all registered tunnels.
func (tr *TunnelRegistry) All() []TunnelRecord {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	result := make([]TunnelRecord, 0, len(tr.tunnels))
	for _, rec := range tr.tunnels {
		result = append(result, *rec)
	}
	return result
}
