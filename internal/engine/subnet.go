package engine

import (
	"net/netip"
	"sync"

	"multitun/internal/core"
)

// SubnetRole says whether a tunnel's address is the one reflected on the
// local interface for its subnet.
type SubnetRole int

const (
	RolePrimary SubnetRole = iota
	RoleSecondary
)

func (r SubnetRole) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "secondary"
}

// SubnetDecision is the outcome of an address assignment.
type SubnetDecision struct {
	Role SubnetRole
	// InterfaceActionRequired is true when the set of primary addresses
	// changed and the local interface must be reconfigured.
	InterfaceActionRequired bool
}

// ConfigureFunc applies the current primary address set to the local
// virtual interface. Invoked only when the primary set changes — never once
// per tunnel, since the interface can hold one address per subnet.
type ConfigureFunc func(primaries []netip.Prefix) error

// subnetAssignment tracks which tunnels share one subnet.
type subnetAssignment struct {
	primary     string
	addrs       map[string]netip.Addr // tunnelID → assigned address
	secondaries []string              // report order, for promotion
}

// SubnetAllocator resolves address conflicts between tunnels whose remote
// servers assigned them addresses in the same subnet. The first tunnel to
// report an address for a subnet becomes primary and its address is
// configured on the interface; later tunnels become secondary but remain
// fully routable, because routing is by flow→tunnel binding, not by
// interface address.
type SubnetAllocator struct {
	mu        sync.Mutex
	bySubnet  map[netip.Prefix]*subnetAssignment
	byTunnel  map[string]netip.Prefix
	configure ConfigureFunc
	bus       *core.EventBus
}

// NewSubnetAllocator creates an allocator. configure may be nil (no
// interface reconfiguration, e.g. in tests).
func NewSubnetAllocator(configure ConfigureFunc, bus *core.EventBus) *SubnetAllocator {
	return &SubnetAllocator{
		bySubnet:  make(map[netip.Prefix]*subnetAssignment),
		byTunnel:  make(map[string]netip.Prefix),
		configure: configure,
		bus:       bus,
	}
}

// OnTunnelAddressAssigned records an address report from a tunnel backend
// and re-evaluates primaries. Safe to call again when a tunnel reacquires
// an address after reconnect.
func (sa *SubnetAllocator) OnTunnelAddressAssigned(tunnelID string, addr netip.Addr, prefixLen int) SubnetDecision {
	prefix, err := addr.Prefix(prefixLen)
	if err != nil {
		core.Log.Warnf("Subnet", "Tunnel %q reported invalid prefix %s/%d", tunnelID, addr, prefixLen)
		return SubnetDecision{Role: RoleSecondary}
	}

	sa.mu.Lock()

	// A tunnel moving to a different subnet releases its old slot first.
	if old, ok := sa.byTunnel[tunnelID]; ok && old != prefix {
		sa.releaseLocked(tunnelID, old)
	}
	sa.byTunnel[tunnelID] = prefix

	as := sa.bySubnet[prefix]
	var dec SubnetDecision
	switch {
	case as == nil:
		sa.bySubnet[prefix] = &subnetAssignment{
			primary: tunnelID,
			addrs:   map[string]netip.Addr{tunnelID: addr},
		}
		dec = SubnetDecision{Role: RolePrimary, InterfaceActionRequired: true}

	case as.primary == tunnelID:
		// Reacquisition. Reconfigure only if the address itself moved.
		changed := as.addrs[tunnelID] != addr
		as.addrs[tunnelID] = addr
		dec = SubnetDecision{Role: RolePrimary, InterfaceActionRequired: changed}

	default:
		if _, known := as.addrs[tunnelID]; !known {
			as.secondaries = append(as.secondaries, tunnelID)
		}
		as.addrs[tunnelID] = addr
		dec = SubnetDecision{Role: RoleSecondary}

		core.Log.Warnf("Subnet", "Conflict on %s: %q stays primary, %q routed by flow tracking only",
			prefix, as.primary, tunnelID)
		if sa.bus != nil {
			sa.bus.Publish(core.Event{
				Type: core.EventSubnetConflict,
				Payload: core.SubnetConflictPayload{
					Subnet:    prefix,
					PrimaryID: as.primary,
					TunnelID:  tunnelID,
				},
			})
		}
	}

	var primaries []netip.Prefix
	if dec.InterfaceActionRequired {
		primaries = sa.primariesLocked()
	}
	sa.mu.Unlock()

	if dec.InterfaceActionRequired {
		sa.apply(primaries)
	}
	return dec
}

// OnTunnelAddressReleased removes a tunnel's claim, promoting the oldest
// secondary when the primary goes away.
func (sa *SubnetAllocator) OnTunnelAddressReleased(tunnelID string) {
	sa.mu.Lock()
	prefix, ok := sa.byTunnel[tunnelID]
	if !ok {
		sa.mu.Unlock()
		return
	}
	delete(sa.byTunnel, tunnelID)
	changed := sa.releaseLocked(tunnelID, prefix)

	var primaries []netip.Prefix
	if changed {
		primaries = sa.primariesLocked()
	}
	sa.mu.Unlock()

	if changed {
		sa.apply(primaries)
	}
}

// releaseLocked drops tunnelID from the given subnet. Returns true when the
// primary set changed. Caller holds sa.mu.
func (sa *SubnetAllocator) releaseLocked(tunnelID string, prefix netip.Prefix) bool {
	as := sa.bySubnet[prefix]
	if as == nil {
		return false
	}
	delete(as.addrs, tunnelID)

	if as.primary != tunnelID {
		for i, id := range as.secondaries {
			if id == tunnelID {
				as.secondaries = append(as.secondaries[:i], as.secondaries[i+1:]...)
				break
			}
		}
		return false
	}

	// Primary left: promote the oldest secondary, or retire the subnet.
	if len(as.secondaries) > 0 {
		as.primary = as.secondaries[0]
		as.secondaries = as.secondaries[1:]
		core.Log.Infof("Subnet", "%s: promoted %q to primary", prefix, as.primary)
	} else {
		delete(sa.bySubnet, prefix)
	}
	return true
}

// primariesLocked builds the address list the interface should carry.
func (sa *SubnetAllocator) primariesLocked() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(sa.bySubnet))
	for prefix, as := range sa.bySubnet {
		addr, ok := as.addrs[as.primary]
		if !ok {
			continue
		}
		out = append(out, netip.PrefixFrom(addr, prefix.Bits()))
	}
	return out
}

func (sa *SubnetAllocator) apply(primaries []netip.Prefix) {
	if sa.configure == nil {
		return
	}
	if err := sa.configure(primaries); err != nil {
		core.Log.Errorf("Subnet", "Interface reconfigure failed: %v", err)
	}
}

// Primaries returns the current primary address set.
func (sa *SubnetAllocator) Primaries() []netip.Prefix {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.primariesLocked()
}

// Role returns the current role of a tunnel, if it holds an address.
func (sa *SubnetAllocator) Role(tunnelID string) (SubnetRole, bool) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	prefix, ok := sa.byTunnel[tunnelID]
	if !ok {
		return RoleSecondary, false
	}
	as := sa.bySubnet[prefix]
	if as == nil {
		return RoleSecondary, false
	}
	if as.primary == tunnelID {
		return RolePrimary, true
	}
	return RoleSecondary, true
}
