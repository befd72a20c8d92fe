package core

import (
	"net/netip"
	"sync"
)

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventTunnelStateChanged EventType = iota
	EventRuleSnapshotApplied
	EventSubnetConflict
	EventTunnelIdleTeardown
	EventEstablishFailed
	EventPacketsDropped
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// TunnelStatePayload is the payload for EventTunnelStateChanged.
type TunnelStatePayload struct {
	TunnelID string
	OldState TunnelState
	NewState TunnelState
}

// RuleSnapshotPayload is the payload for EventRuleSnapshotApplied.
type RuleSnapshotPayload struct {
	RuleCount int
}

// SubnetConflictPayload is the payload for EventSubnetConflict.
// Fired when a tunnel receives an address inside a subnet already claimed
// by another tunnel. Routing still works for the secondary; only the
// interface configuration reflects the primary.
type SubnetConflictPayload struct {
	Subnet    netip.Prefix
	PrimaryID string
	TunnelID  string
}

// IdleTeardownPayload is the payload for EventTunnelIdleTeardown.
type IdleTeardownPayload struct {
	TunnelID string
}

// EstablishFailedPayload is the payload for EventEstablishFailed.
type EstablishFailedPayload struct {
	TunnelID string
	Err      error
}

// DropPayload is the payload for EventPacketsDropped.
type DropPayload struct {
	TunnelID string
	Reason   string
	Count    int
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		go h(e)
	}
}
