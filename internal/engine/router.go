package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"multitun/internal/core"
	"multitun/internal/tunnel"
)

// Device is the local virtual interface the router reads outbound packets
// from and writes inbound packets to.
type Device interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(pkt []byte) error
}

// IdentityResolver maps a new flow to the application that opened it.
// Resolution happens once per flow, on its first packet; the result is
// pinned in the flow table.
type IdentityResolver interface {
	Resolve(key FlowKey) (appID string, err error)
}

// RouterConfig tunes the router's queues and policies.
type RouterConfig struct {
	// DefaultDirect routes unmatched and unclassifiable traffic directly
	// instead of dropping it.
	DefaultDirect bool
	MTU           int
	WriteQueueLen int
	FlowTTL       time.Duration
}

func (c *RouterConfig) normalize() {
	if c.MTU <= 0 {
		c.MTU = core.DefaultMTU
	}
	if c.WriteQueueLen <= 0 {
		c.WriteQueueLen = core.DefaultRecvQueueLen
	}
	if c.FlowTTL <= 0 {
		c.FlowTTL = 10 * time.Minute
	}
}

// Router moves packets between the local interface and the tunnel
// endpoints. One goroutine reads the interface, classifies and dispatches;
// per-endpoint drain goroutines funnel inbound packets into a single
// bounded write queue consumed by one writer goroutine, so interface writes
// are serialized without a lock on the hot path.
type Router struct {
	dev      Device
	rules    *core.RuleCache
	tracker  *ConnTracker
	registry *core.TunnelRegistry
	jit      *Orchestrator
	eps      *Endpoints
	resolver IdentityResolver
	bus      *core.EventBus
	cfg      RouterConfig

	parser  *packetParser
	writeCh chan []byte

	drops struct {
		classify atomic.Int64
		noRule   atomic.Int64
		blocked  atomic.Int64
		send     atomic.Int64
		writeQ   atomic.Int64
	}
}

// NewRouter wires a router. The resolver may not be nil; use a resolver
// returning a fixed app ID for single-application deployments.
func NewRouter(dev Device, rules *core.RuleCache, tracker *ConnTracker, registry *core.TunnelRegistry,
	jit *Orchestrator, eps *Endpoints, resolver IdentityResolver, bus *core.EventBus, cfg RouterConfig) *Router {
	cfg.normalize()
	return &Router{
		dev:      dev,
		rules:    rules,
		tracker:  tracker,
		registry: registry,
		jit:      jit,
		eps:      eps,
		resolver: resolver,
		bus:      bus,
		cfg:      cfg,
		parser:   newPacketParser(),
		writeCh:  make(chan []byte, cfg.WriteQueueLen),
	}
}

// Run starts the read, write and drain loops plus the background sweepers,
// and blocks until ctx is cancelled or the interface fails.
func (r *Router) Run(ctx context.Context) error {
	r.tracker.StartTimestampUpdater(ctx)
	r.tracker.StartCleanup(ctx, r.cfg.FlowTTL)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.jit.RunIdleSweeper(ctx)
		return nil
	})
	g.Go(func() error { return r.readLoop(ctx) })
	g.Go(func() error { return r.writeLoop(ctx) })
	for _, ep := range r.eps.All() {
		ep := ep
		g.Go(func() error {
			r.drainLoop(ctx, ep)
			return nil
		})
	}

	core.Log.Infof("Router", "Running (%d endpoints, mtu=%d)", len(r.eps.All()), r.cfg.MTU)
	return g.Wait()
}

// readLoop is the single interface reader. Packet buffers are reused across
// iterations; everything downstream copies before keeping a reference.
func (r *Router) readLoop(ctx context.Context) error {
	buf := make([]byte, r.cfg.MTU)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.dev.ReadPacket(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if n <= 0 {
			continue
		}
		r.route(buf[:n])
	}
}

// route classifies one outbound packet and dispatches it. Every failure
// mode degrades this one packet or flow; route never returns an error.
func (r *Router) route(pkt []byte) {
	key, ok := r.parser.Flow(pkt)
	if !ok {
		// Non-IPv4/TCP/UDP traffic follows the default policy unclassified.
		if r.cfg.DefaultDirect {
			r.sendDirect(pkt)
		}
		return
	}

	if e, found := r.tracker.Lookup(key); found {
		r.tracker.Touch(e)
		r.dispatch(e.Key, e.AppID, e.TunnelID, e.FallbackDirect, pkt, false)
		return
	}

	appID, err := r.resolver.Resolve(key)
	if err != nil {
		// Never route blind: a flow we cannot attribute is dropped.
		err = fmt.Errorf("%w: %v", ErrClassificationUnavailable, err)
		if n := r.drops.classify.Add(1); n%100 == 1 {
			core.Log.Warnf("Router", "Dropping %s (total %d): %v", key, n, err)
		}
		return
	}

	rule, matched := r.rules.Lookup(appID)
	if !matched {
		if r.cfg.DefaultDirect {
			e, _ := r.tracker.Insert(key, appID, core.TunnelDirect, false)
			r.tracker.Touch(e)
			r.sendDirect(pkt)
		} else {
			if n := r.drops.noRule.Add(1); n%100 == 1 {
				core.Log.Debugf("Router", "Dropping app %q (total %d): %v", appID, n, ErrNoRuleMatch)
			}
		}
		return
	}

	r.dispatch(key, appID, rule.TunnelID, rule.FallbackDirect, pkt, true)
}

// dispatch sends one packet toward its tunnel, buffering through the JIT
// orchestrator whenever the tunnel is not yet Active or still has buffered
// packets ahead of this one. newFlow marks flows not yet in the tracker;
// their table entry is created here on the fast path or by the orchestrator
// on flush.
func (r *Router) dispatch(key FlowKey, appID, tunnelID string, fallbackDirect bool, pkt []byte, newFlow bool) {
	if tunnelID == "" {
		// Blocked flow: establishment failed and the rule forbade fallback.
		if n := r.drops.blocked.Add(1); n%100 == 1 {
			core.Log.Debugf("Router", "Dropping packet of blocked flow %s (total %d)", key, n)
		}
		return
	}

	// Ordering: while the orchestrator holds buffered packets for this
	// tunnel, new packets must queue behind them, not overtake them.
	if r.jit.HasPending(tunnelID) {
		r.jit.Buffer(key, appID, tunnelID, fallbackDirect, pkt)
		return
	}

	ep, ok := r.eps.Get(tunnelID)
	if !ok {
		r.drops.send.Add(1)
		return
	}

	// A Degraded or Disconnected tunnel is the endpoint's to recover.
	// Buffering here would start a second establishment racing the reconnect
	// loop, and its timeout path could rebind flows that are still live.
	switch r.registry.GetState(tunnelID) {
	case core.TunnelStateActive:
	case core.TunnelStateDegraded, core.TunnelStateDisconnected:
		r.drops.send.Add(1)
		return
	default:
		r.jit.Buffer(key, appID, tunnelID, fallbackDirect, pkt)
		return
	}

	if newFlow {
		e, _ := r.tracker.Insert(key, appID, tunnelID, fallbackDirect)
		r.tracker.Touch(e)
	}

	switch err := ep.Send(pkt); {
	case err == nil:
	case errors.Is(err, tunnel.ErrNotReady):
		r.jit.Buffer(key, appID, tunnelID, fallbackDirect, pkt)
	default:
		// Disconnected or rejected. The endpoint's reconnect machinery owns
		// recovery; this packet is lost.
		r.drops.send.Add(1)
	}
}

// sendDirect pushes one packet through the direct passthrough endpoint.
func (r *Router) sendDirect(pkt []byte) {
	ep, ok := r.eps.Get(core.TunnelDirect)
	if !ok {
		r.drops.send.Add(1)
		return
	}
	if err := ep.Send(pkt); err != nil {
		r.drops.send.Add(1)
	}
}

// drainLoop funnels one endpoint's inbound packets into the shared write
// queue. Sheds instead of blocking so one slow consumer cannot stall a
// tunnel's receive path.
func (r *Router) drainLoop(ctx context.Context, ep *tunnel.Endpoint) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-ep.Recv():
			if !ok {
				return
			}
			select {
			case r.writeCh <- pkt:
			default:
				if n := r.drops.writeQ.Add(1); n%1000 == 1 {
					core.Log.Warnf("Router", "Write queue full, dropping inbound (total %d)", n)
				}
			}
		}
	}
}

// writeLoop is the single interface writer.
func (r *Router) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-r.writeCh:
			if err := r.dev.WritePacket(pkt); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
	}
}

// DropStats is a point-in-time snapshot of the router's drop counters.
type DropStats struct {
	Classify   int64
	NoRule     int64
	Blocked    int64
	Send       int64
	WriteQueue int64
}

// Drops returns the current drop counters.
func (r *Router) Drops() DropStats {
	return DropStats{
		Classify:   r.drops.classify.Load(),
		NoRule:     r.drops.noRule.Load(),
		Blocked:    r.drops.blocked.Load(),
		Send:       r.drops.send.Load(),
		WriteQueue: r.drops.writeQ.Load(),
	}
}
