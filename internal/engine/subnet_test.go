package engine

import (
	"net/netip"
	"sync"
	"testing"

	"multitun/internal/core"
)

// recordingConfigure captures every interface reconfiguration.
type recordingConfigure struct {
	mu    sync.Mutex
	calls [][]netip.Prefix
}

func (rc *recordingConfigure) fn(primaries []netip.Prefix) error {
	rc.mu.Lock()
	rc.calls = append(rc.calls, append([]netip.Prefix(nil), primaries...))
	rc.mu.Unlock()
	return nil
}

func (rc *recordingConfigure) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.calls)
}

func (rc *recordingConfigure) last() []netip.Prefix {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.calls) == 0 {
		return nil
	}
	return rc.calls[len(rc.calls)-1]
}

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

// TestSubnetConflictSecondLoses verifies that when two tunnels land in the
// same subnet, only the first triggers interface configuration and the
// second becomes secondary but is recorded.
func TestSubnetConflictSecondLoses(t *testing.T) {
	rec := &recordingConfigure{}
	bus := core.NewEventBus()
	var conflicts []core.SubnetConflictPayload
	bus.Subscribe(core.EventSubnetConflict, func(e core.Event) {
		conflicts = append(conflicts, e.Payload.(core.SubnetConflictPayload))
	})
	sa := NewSubnetAllocator(rec.fn, bus)

	d1 := sa.OnTunnelAddressAssigned("t1", addr("10.8.0.2"), 24)
	if d1.Role != RolePrimary || !d1.InterfaceActionRequired {
		t.Fatalf("t1 decision = %+v", d1)
	}

	d2 := sa.OnTunnelAddressAssigned("t2", addr("10.8.0.3"), 24)
	if d2.Role != RoleSecondary || d2.InterfaceActionRequired {
		t.Fatalf("t2 decision = %+v", d2)
	}

	if rec.count() != 1 {
		t.Fatalf("configure called %d times, want 1", rec.count())
	}
	if got := rec.last(); len(got) != 1 || got[0].Addr() != addr("10.8.0.2") {
		t.Fatalf("interface carries %v", got)
	}
	if len(conflicts) != 1 || conflicts[0].PrimaryID != "t1" || conflicts[0].TunnelID != "t2" {
		t.Fatalf("conflict events = %+v", conflicts)
	}
}

// TestSubnetPromotionOnRelease verifies the oldest secondary is promoted
// when the primary releases its address, and that the interface is
// reconfigured to the promoted address.
func TestSubnetPromotionOnRelease(t *testing.T) {
	rec := &recordingConfigure{}
	sa := NewSubnetAllocator(rec.fn, nil)

	sa.OnTunnelAddressAssigned("t1", addr("10.8.0.2"), 24)
	sa.OnTunnelAddressAssigned("t2", addr("10.8.0.3"), 24)
	sa.OnTunnelAddressAssigned("t3", addr("10.8.0.4"), 24)

	sa.OnTunnelAddressReleased("t1")

	if role, ok := sa.Role("t2"); !ok || role != RolePrimary {
		t.Fatalf("t2 role = %v ok=%v, want primary", role, ok)
	}
	if role, _ := sa.Role("t3"); role != RoleSecondary {
		t.Fatal("t3 should remain secondary")
	}
	if got := rec.last(); len(got) != 1 || got[0].Addr() != addr("10.8.0.3") {
		t.Fatalf("interface carries %v after promotion", got)
	}
}

// TestSubnetDistinctSubnetsCoexist verifies tunnels in different subnets are
// both primary and both addresses reach the interface.
func TestSubnetDistinctSubnetsCoexist(t *testing.T) {
	rec := &recordingConfigure{}
	sa := NewSubnetAllocator(rec.fn, nil)

	sa.OnTunnelAddressAssigned("t1", addr("10.8.0.2"), 24)
	sa.OnTunnelAddressAssigned("t2", addr("10.9.0.2"), 24)

	primaries := sa.Primaries()
	if len(primaries) != 2 {
		t.Fatalf("primaries = %v, want 2", primaries)
	}
	if rec.count() != 2 {
		t.Fatalf("configure called %d times, want 2", rec.count())
	}
}

// TestSubnetReacquisitionSameAddr verifies a reconnect reporting the same
// address does not churn the interface.
func TestSubnetReacquisitionSameAddr(t *testing.T) {
	rec := &recordingConfigure{}
	sa := NewSubnetAllocator(rec.fn, nil)

	sa.OnTunnelAddressAssigned("t1", addr("10.8.0.2"), 24)
	dec := sa.OnTunnelAddressAssigned("t1", addr("10.8.0.2"), 24)
	if dec.Role != RolePrimary || dec.InterfaceActionRequired {
		t.Fatalf("reacquisition decision = %+v", dec)
	}
	if rec.count() != 1 {
		t.Fatalf("configure called %d times, want 1", rec.count())
	}

	// Address moved within the subnet: reconfigure.
	dec = sa.OnTunnelAddressAssigned("t1", addr("10.8.0.7"), 24)
	if !dec.InterfaceActionRequired {
		t.Fatal("address change did not trigger reconfigure")
	}
	if got := rec.last(); got[0].Addr() != addr("10.8.0.7") {
		t.Fatalf("interface carries %v", got)
	}
}

// TestSubnetTunnelMovesSubnet verifies a tunnel reporting an address in a
// new subnet releases its old claim.
func TestSubnetTunnelMovesSubnet(t *testing.T) {
	rec := &recordingConfigure{}
	sa := NewSubnetAllocator(rec.fn, nil)

	sa.OnTunnelAddressAssigned("t1", addr("10.8.0.2"), 24)
	sa.OnTunnelAddressAssigned("t2", addr("10.8.0.3"), 24) // secondary

	// t1 reconnects into a different subnet: t2 takes over the old one.
	sa.OnTunnelAddressAssigned("t1", addr("10.20.0.2"), 24)

	if role, _ := sa.Role("t2"); role != RolePrimary {
		t.Fatal("t2 not promoted after t1 moved away")
	}
	primaries := sa.Primaries()
	if len(primaries) != 2 {
		t.Fatalf("primaries = %v, want 2", primaries)
	}
}

// TestSubnetReleaseLastRetiresSubnet verifies the subnet entry disappears
// when the only holder releases.
func TestSubnetReleaseLastRetiresSubnet(t *testing.T) {
	rec := &recordingConfigure{}
	sa := NewSubnetAllocator(rec.fn, nil)

	sa.OnTunnelAddressAssigned("t1", addr("10.8.0.2"), 24)
	sa.OnTunnelAddressReleased("t1")

	if got := sa.Primaries(); len(got) != 0 {
		t.Fatalf("primaries = %v, want empty", got)
	}
	if got := rec.last(); len(got) != 0 {
		t.Fatalf("interface still carries %v", got)
	}
	if _, ok := sa.Role("t1"); ok {
		t.Fatal("t1 still holds a role")
	}
}
