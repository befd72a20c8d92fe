package core

import (
	"errors"
	"testing"
)

// TestRegistryLifecycle verifies register, state transitions and the
// missing-tunnel default.
func TestRegistryLifecycle(t *testing.T) {
	tr := NewTunnelRegistry(nil)

	if err := tr.Register(TunnelConfig{ID: "t1", Protocol: "wireguard"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Register(TunnelConfig{ID: "t1"}); err == nil {
		t.Fatal("duplicate registration accepted")
	}

	if st := tr.GetState("t1"); st != TunnelStateIdle {
		t.Fatalf("initial state = %s, want idle", st)
	}
	if st := tr.GetState("missing"); st != TunnelStateDisconnected {
		t.Fatalf("missing tunnel state = %s, want disconnected", st)
	}

	cause := errors.New("link down")
	tr.SetState("t1", TunnelStateDegraded, cause)
	rec, ok := tr.Get("t1")
	if !ok || rec.State != TunnelStateDegraded || rec.Err != cause {
		t.Fatalf("record = %+v", rec)
	}

	tr.Unregister("t1")
	if _, ok := tr.Get("t1"); ok {
		t.Fatal("record survived unregister")
	}
}

// TestRegistryStateChangeEvents verifies events fire only on actual
// transitions.
func TestRegistryStateChangeEvents(t *testing.T) {
	bus := NewEventBus()
	var events []TunnelStatePayload
	bus.Subscribe(EventTunnelStateChanged, func(e Event) {
		events = append(events, e.Payload.(TunnelStatePayload))
	})

	tr := NewTunnelRegistry(bus)
	tr.Register(TunnelConfig{ID: "t1"})

	tr.SetState("t1", TunnelStateConnecting, nil)
	tr.SetState("t1", TunnelStateConnecting, nil) // no-op
	tr.SetState("t1", TunnelStateActive, nil)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].OldState != TunnelStateIdle || events[0].NewState != TunnelStateConnecting {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].NewState != TunnelStateActive {
		t.Fatalf("second event = %+v", events[1])
	}
}

// TestRegistrySnapshotIsolation verifies Get returns a copy the caller can
// hold without racing the registry.
func TestRegistrySnapshotIsolation(t *testing.T) {
	tr := NewTunnelRegistry(nil)
	tr.Register(TunnelConfig{ID: "t1"})

	snap, _ := tr.Get("t1")
	tr.SetState("t1", TunnelStateActive, nil)

	if snap.State != TunnelStateIdle {
		t.Fatal("snapshot mutated by later SetState")
	}
	if live, _ := tr.Get("t1"); live.State != TunnelStateActive {
		t.Fatal("registry did not record the new state")
	}
}
