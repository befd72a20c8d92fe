package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"multitun/internal/core"
	"multitun/internal/tunnel"
)

// EndpointSet resolves tunnel IDs to live endpoint bridges.
type EndpointSet interface {
	Get(tunnelID string) (*tunnel.Endpoint, bool)
}

// JitConfig bounds the orchestrator's buffering and timing.
type JitConfig struct {
	FlowMaxPackets   int
	FlowMaxBytes     int
	GlobalMaxBytes   int
	EstablishTimeout time.Duration
	IdleTimeout      time.Duration
}

func (c *JitConfig) normalize() {
	if c.FlowMaxPackets <= 0 {
		c.FlowMaxPackets = core.DefaultFlowMaxPackets
	}
	if c.FlowMaxBytes <= 0 {
		c.FlowMaxBytes = core.DefaultFlowMaxBytes
	}
	if c.GlobalMaxBytes <= 0 {
		c.GlobalMaxBytes = core.DefaultGlobalMaxBytes
	}
	if c.EstablishTimeout <= 0 {
		c.EstablishTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
}

// pendingPacket is one buffered outbound packet waiting for its tunnel.
type pendingPacket struct {
	key            FlowKey
	appID          string
	fallbackDirect bool
	data           []byte
}

// pendingTunnel is the buffer for one tunnel being established. It stays in
// the pending map until the flush fully drains, so packets arriving during
// the flush append behind the buffered ones instead of overtaking them.
type pendingTunnel struct {
	queue       []pendingPacket
	flowPackets map[FlowKey]int
	flowBytes   map[FlowKey]int
	cancel      context.CancelFunc
}

// Orchestrator brings tunnels up on first use. The first packet of a flow
// bound to an Idle tunnel is buffered (not dropped), the tunnel is probed
// and connected in the background, and the buffer is flushed in arrival
// order once the tunnel is Active. On failure the buffered flows fall back
// to direct or are blocked, per their rule.
type Orchestrator struct {
	registry  *core.TunnelRegistry
	tracker   *ConnTracker
	prober    *Prober
	endpoints EndpointSet
	bus       *core.EventBus
	cfg       JitConfig

	mu          sync.Mutex
	pending     map[string]*pendingTunnel
	globalBytes int
}

// NewOrchestrator creates a JIT orchestrator.
func NewOrchestrator(registry *core.TunnelRegistry, tracker *ConnTracker, prober *Prober, endpoints EndpointSet, bus *core.EventBus, cfg JitConfig) *Orchestrator {
	cfg.normalize()
	return &Orchestrator{
		registry:  registry,
		tracker:   tracker,
		prober:    prober,
		endpoints: endpoints,
		bus:       bus,
		cfg:       cfg,
		pending:   make(map[string]*pendingTunnel),
	}
}

// HasPending reports whether packets are buffered (or being flushed) for a
// tunnel. While true, the router must route new packets for that tunnel
// through Buffer to preserve ordering.
func (o *Orchestrator) HasPending(tunnelID string) bool {
	o.mu.Lock()
	_, ok := o.pending[tunnelID]
	o.mu.Unlock()
	return ok
}

// Buffer queues one outbound packet for a tunnel that is not yet Active and
// kicks establishment on the first packet. The packet is copied; the
// caller's buffer may be reused immediately.
func (o *Orchestrator) Buffer(key FlowKey, appID, tunnelID string, fallbackDirect bool, pkt []byte) {
	data := make([]byte, len(pkt))
	copy(data, pkt)

	o.mu.Lock()
	pt, exists := o.pending[tunnelID]
	if !exists {
		// Never start an establishment against a tunnel whose endpoint is
		// already reconnecting (or permanently gone); the reconnect loop owns
		// that recovery and the flows keep their binding.
		switch o.registry.GetState(tunnelID) {
		case core.TunnelStateDegraded, core.TunnelStateDisconnected:
			o.mu.Unlock()
			o.publishDrop(tunnelID, "tunnel reconnecting", 1)
			return
		}
		pt = &pendingTunnel{
			flowPackets: make(map[FlowKey]int),
			flowBytes:   make(map[FlowKey]int),
		}
		o.pending[tunnelID] = pt
	}

	// Per-flow bounds: shed the oldest packet of this flow to make room.
	// TCP retransmits what we drop; for UDP old datagrams are the right loss.
	for pt.flowPackets[key] >= o.cfg.FlowMaxPackets || pt.flowBytes[key]+len(data) > o.cfg.FlowMaxBytes {
		if !o.dropOldestLocked(pt, key) {
			break
		}
	}

	// Global bound: a flow with nothing buffered yet loses the incoming
	// packet instead of evicting other flows.
	if o.globalBytes+len(data) > o.cfg.GlobalMaxBytes {
		if pt.flowPackets[key] == 0 {
			o.mu.Unlock()
			o.publishDrop(tunnelID, "jit global buffer full", 1)
			return
		}
		for o.globalBytes+len(data) > o.cfg.GlobalMaxBytes {
			if !o.dropOldestLocked(pt, key) {
				o.mu.Unlock()
				o.publishDrop(tunnelID, "jit global buffer full", 1)
				return
			}
		}
	}

	pt.queue = append(pt.queue, pendingPacket{key: key, appID: appID, fallbackDirect: fallbackDirect, data: data})
	pt.flowPackets[key]++
	pt.flowBytes[key] += len(data)
	o.globalBytes += len(data)

	kick := !exists
	if kick {
		ctx, cancel := context.WithCancel(context.Background())
		pt.cancel = cancel
		go o.establish(ctx, tunnelID)
	}
	o.mu.Unlock()

	if kick {
		core.Log.Infof("JIT", "First packet for idle tunnel %q, establishing", tunnelID)
	}
}

// dropOldestLocked removes the oldest buffered packet of the given flow.
// Returns false if the flow has nothing buffered. Caller holds o.mu.
func (o *Orchestrator) dropOldestLocked(pt *pendingTunnel, key FlowKey) bool {
	for i := range pt.queue {
		if pt.queue[i].key != key {
			continue
		}
		n := len(pt.queue[i].data)
		pt.queue = append(pt.queue[:i], pt.queue[i+1:]...)
		pt.flowPackets[key]--
		pt.flowBytes[key] -= n
		o.globalBytes -= n
		return true
	}
	return false
}

// establish probes candidates, connects the tunnel, and flushes or fails the
// buffer. Runs once per pending tunnel.
func (o *Orchestrator) establish(ctx context.Context, tunnelID string) {
	rec, ok := o.registry.Get(tunnelID)
	if !ok {
		o.fail(tunnelID, fmt.Errorf("tunnel %q not registered", tunnelID))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.EstablishTimeout)
	defer cancel()

	server, err := o.prober.Best(ctx, rec.Config.Servers, ParseProbeMode(rec.Config.ProbeMode))
	if err != nil {
		o.fail(tunnelID, err)
		return
	}

	ep, ok := o.endpoints.Get(tunnelID)
	if !ok {
		o.fail(tunnelID, fmt.Errorf("tunnel %q has no endpoint", tunnelID))
		return
	}

	if err := ep.Connect(ctx, server); err != nil {
		if ctx.Err() != nil {
			err = ErrEstablishTimeout
		}
		o.fail(tunnelID, err)
		return
	}

	o.flush(tunnelID, ep)
}

// flush drains the buffer into the now-active endpoint in arrival order.
// The pending entry stays in the map until the queue is empty: packets the
// router hands to Buffer during the flush land behind the buffered ones.
func (o *Orchestrator) flush(tunnelID string, ep *tunnel.Endpoint) {
	sent, dropped := 0, 0
	for {
		o.mu.Lock()
		pt, ok := o.pending[tunnelID]
		if !ok {
			o.mu.Unlock()
			return
		}
		if len(pt.queue) == 0 {
			delete(o.pending, tunnelID)
			o.mu.Unlock()
			break
		}
		batch := pt.queue
		pt.queue = nil
		for _, p := range batch {
			pt.flowPackets[p.key]--
			pt.flowBytes[p.key] -= len(p.data)
			o.globalBytes -= len(p.data)
		}
		o.mu.Unlock()

		for _, p := range batch {
			e, _ := o.tracker.Insert(p.key, p.appID, tunnelID, p.fallbackDirect)
			o.tracker.Touch(e)
			if err := ep.Send(p.data); err != nil {
				dropped++
				continue
			}
			sent++
		}
	}

	core.Log.Infof("JIT", "Tunnel %q flushed: %d sent, %d dropped", tunnelID, sent, dropped)
	if dropped > 0 {
		o.publishDrop(tunnelID, "jit flush send failure", dropped)
	}
}

// fail drops the buffer and binds its first-packet flows: direct when the
// rule allows fallback, blocked otherwise, so subsequent packets follow the
// fallback decision without re-buffering. Flows that were already tracked
// keep their existing binding.
func (o *Orchestrator) fail(tunnelID string, cause error) {
	o.mu.Lock()
	pt, ok := o.pending[tunnelID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.pending, tunnelID)
	queue := pt.queue
	for _, p := range queue {
		o.globalBytes -= len(p.data)
	}
	o.mu.Unlock()

	core.Log.Warnf("JIT", "Tunnel %q establishment failed, dropping %d buffered packets: %v",
		tunnelID, len(queue), cause)

	seen := make(map[FlowKey]bool, len(queue))
	for _, p := range queue {
		if seen[p.key] {
			continue
		}
		seen[p.key] = true

		target := ""
		if p.fallbackDirect {
			target = core.TunnelDirect
		}
		// Only first-packet flows get their binding here. A flow already in
		// the table keeps its tunnel: rebinding it mid-stream would break the
		// transport state it carries.
		if e, created := o.tracker.Insert(p.key, p.appID, target, p.fallbackDirect); created {
			o.tracker.Touch(e)
		}
	}

	if len(queue) > 0 {
		o.publishDrop(tunnelID, "jit establish failed", len(queue))
	}
	if o.bus != nil {
		o.bus.Publish(core.Event{
			Type:    core.EventEstablishFailed,
			Payload: core.EstablishFailedPayload{TunnelID: tunnelID, Err: cause},
		})
	}
}

// CancelTunnel aborts any in-flight establishment and discards the buffer.
// Used when a tunnel is unregistered.
func (o *Orchestrator) CancelTunnel(tunnelID string) {
	o.mu.Lock()
	pt, ok := o.pending[tunnelID]
	if ok {
		delete(o.pending, tunnelID)
		for _, p := range pt.queue {
			o.globalBytes -= len(p.data)
		}
		if pt.cancel != nil {
			pt.cancel()
		}
	}
	o.mu.Unlock()
}

// RunIdleSweeper tears down Active tunnels that have carried no live flows
// for the idle timeout. Teardown keeps the tunnel record and its flow
// bindings, so the next packet re-establishes through the JIT path.
func (o *Orchestrator) RunIdleSweeper(ctx context.Context) {
	interval := o.cfg.IdleTimeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idleSince := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		for _, rec := range o.registry.All() {
			if rec.ID == core.TunnelDirect {
				// The direct passthrough has no establishment cost to reclaim.
				continue
			}
			if rec.State != core.TunnelStateActive || o.HasPending(rec.ID) || o.tracker.CountForTunnel(rec.ID) > 0 {
				delete(idleSince, rec.ID)
				continue
			}
			since, ok := idleSince[rec.ID]
			if !ok {
				idleSince[rec.ID] = now
				continue
			}
			if now.Sub(since) < o.cfg.IdleTimeout {
				continue
			}

			delete(idleSince, rec.ID)
			ep, ok := o.endpoints.Get(rec.ID)
			if !ok {
				continue
			}
			core.Log.Infof("JIT", "Tunnel %q idle for %s, tearing down", rec.ID, o.cfg.IdleTimeout)
			ep.Teardown()
			if o.bus != nil {
				o.bus.Publish(core.Event{
					Type:    core.EventTunnelIdleTeardown,
					Payload: core.IdleTeardownPayload{TunnelID: rec.ID},
				})
			}
		}
	}
}

func (o *Orchestrator) publishDrop(tunnelID, reason string, count int) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(core.Event{
		Type:    core.EventPacketsDropped,
		Payload: core.DropPayload{TunnelID: tunnelID, Reason: reason, Count: count},
	})
}
