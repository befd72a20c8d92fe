package tunnel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"multitun/internal/core"
)

// Buffer layout enforced by the bridge. Every packet handed to a backend is
// copied into a freshly allocated buffer with Headroom free bytes before the
// payload and Tailroom spare capacity after it. The sizes are a fixed worst
// case across supported cipher suites; handing the encryption pipeline a
// buffer without this space makes it fail outright.
const (
	Headroom = 256
	Tailroom = 128
)

// Config holds per-endpoint bridge settings.
type Config struct {
	MTU          int
	RecvQueueLen int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *Config) normalize() {
	if c.MTU <= 0 {
		c.MTU = core.DefaultMTU
	}
	if c.RecvQueueLen <= 0 {
		c.RecvQueueLen = core.DefaultRecvQueueLen
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// ReportFunc is invoked for every address assignment a backend reports.
type ReportFunc func(tunnelID string, rep AddressReport)

// Endpoint is the bidirectional bridge between the packet router and one
// tunnel backend. It owns the headroom/tailroom buffer contract on both
// directions, runs the per-tunnel receive goroutine, and drives the tunnel
// state machine:
//
//	Idle → Connecting → Established → Active ⇄ Degraded → Idle|Disconnected
//
// Degraded is entered on transport failure; the endpoint reconnects with
// bounded backoff without discarding the tunnel record, so flow mappings
// referencing the tunnel ID stay valid across a reconnect.
type Endpoint struct {
	id       string
	backend  Backend
	registry *core.TunnelRegistry
	bus      *core.EventBus
	cfg      Config
	onReport ReportFunc

	recvCh  chan []byte
	dropped atomic.Int64

	mu           sync.Mutex
	loopCtx      context.Context
	loopCancel   context.CancelFunc
	server       string
	gen          int // connection generation, bumps on every successful connect
	reconnecting bool
	closed       bool
}

// NewEndpoint creates a bridge for the given tunnel ID and backend.
// The tunnel must already be registered in the registry.
func NewEndpoint(id string, backend Backend, registry *core.TunnelRegistry, bus *core.EventBus, cfg Config, onReport ReportFunc) *Endpoint {
	cfg.normalize()
	if m := backend.MTU(); m > 0 && m < cfg.MTU {
		cfg.MTU = m
	}
	return &Endpoint{
		id:       id,
		backend:  backend,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		onReport: onReport,
		recvCh:   make(chan []byte, cfg.RecvQueueLen),
	}
}

// ID returns the stable tunnel identifier.
func (e *Endpoint) ID() string { return e.id }

// Protocol returns the backend protocol identifier.
func (e *Endpoint) Protocol() string { return e.backend.Protocol() }

// Recv returns the inbound packet channel. Each element is one decrypted IP
// packet already copied into a bridge-owned buffer. The channel is closed
// only by Close; Teardown leaves it open so a later Connect reuses it.
func (e *Endpoint) Recv() <-chan []byte { return e.recvCh }

// Dropped returns the number of inbound packets shed because the receive
// queue was full.
func (e *Endpoint) Dropped() int64 { return e.dropped.Load() }

// Connect establishes the tunnel to the given server and starts the receive
// and report loops. Blocks until connected, ctx cancelled, or failure.
func (e *Endpoint) Connect(ctx context.Context, server string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrDisconnected
	}
	if st := e.registry.GetState(e.id); st == core.TunnelStateActive || st == core.TunnelStateConnecting {
		return nil
	}
	if e.reconnecting {
		// The reconnect loop owns recovery of a degraded connection. A second
		// connect here would stomp its state and leak the running loops.
		return ErrNotReady
	}

	e.registry.SetState(e.id, core.TunnelStateConnecting, nil)
	if err := e.backend.Connect(ctx, server); err != nil {
		e.registry.SetState(e.id, core.TunnelStateIdle, err)
		return fmt.Errorf("connect %s: %w", e.id, err)
	}
	e.registry.SetState(e.id, core.TunnelStateEstablished, nil)
	e.registry.SetEndpoint(e.id, server)
	e.server = server
	e.gen++

	if e.loopCancel != nil {
		e.loopCancel()
	}
	e.loopCtx, e.loopCancel = context.WithCancel(context.Background())
	go e.reportLoop(e.loopCtx)
	go e.recvLoop(e.loopCtx, e.gen)

	e.registry.SetState(e.id, core.TunnelStateActive, nil)
	return nil
}

// Send forwards one outbound IP packet into the tunnel. The packet is copied
// into a fresh buffer with the headroom/tailroom layout; the caller's buffer
// is never handed to the backend in place and may be reused immediately.
func (e *Endpoint) Send(pkt []byte) error {
	switch e.registry.GetState(e.id) {
	case core.TunnelStateActive:
	case core.TunnelStateConnecting, core.TunnelStateEstablished:
		return ErrNotReady
	default:
		return ErrDisconnected
	}

	if len(pkt) == 0 || len(pkt) > e.cfg.MTU {
		return ErrBackendRejected
	}

	buf := make([]byte, Headroom+len(pkt), Headroom+len(pkt)+Tailroom)
	copy(buf[Headroom:], pkt)

	if err := e.backend.Send(buf, Headroom); err != nil {
		e.mu.Lock()
		gen := e.gen
		e.mu.Unlock()
		e.degrade(gen, err)
		return ErrDisconnected
	}
	return nil
}

// recvLoop pulls decrypted packets from the backend, copies each into a
// fresh headroom/tailroom buffer, and pushes it onto the bounded receive
// channel. Runs on its own goroutine per connection generation; never
// touches the interface writer directly.
func (e *Endpoint) recvLoop(ctx context.Context, gen int) {
	for {
		buf := make([]byte, Headroom+e.cfg.MTU+Tailroom)
		n, err := e.backend.Recv(buf, Headroom)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.degrade(gen, err)
			return // restarted by reconnectLoop once the backend is back
		}
		if n <= 0 || n > e.cfg.MTU {
			continue
		}

		select {
		case e.recvCh <- buf[Headroom : Headroom+n]:
		default:
			// Queue full. Shedding here keeps the backend's receive path
			// from blocking on a slow interface writer.
			if e.dropped.Add(1)%1000 == 1 {
				core.Log.Warnf("Tunnel", "%s: inbound queue full, dropping (total %d)", e.id, e.dropped.Load())
			}
		}
	}
}

// reportLoop forwards backend address reports to the registry and the
// allocator callback.
func (e *Endpoint) reportLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep, ok := <-e.backend.Reports():
			if !ok {
				return
			}
			e.registry.SetAddress(e.id, rep.Addr, rep.Subnet, rep.DNS)
			core.Log.Infof("Tunnel", "%s: assigned %s (subnet %s, %d dns)",
				e.id, rep.Addr, rep.Subnet, len(rep.DNS))
			if e.onReport != nil {
				e.onReport(e.id, rep)
			}
		}
	}
}

// degrade moves the tunnel to Degraded and starts one reconnect loop.
// Stale generations (a loop of a connection that was already replaced) are
// ignored so a healthy backend is never torn down by a late error.
func (e *Endpoint) degrade(gen int, cause error) {
	e.mu.Lock()
	if e.closed || e.reconnecting || gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.reconnecting = true
	ctx := e.loopCtx
	e.mu.Unlock()

	core.Log.Warnf("Tunnel", "%s: transport failure, reconnecting: %v", e.id, cause)
	e.registry.SetState(e.id, core.TunnelStateDegraded, cause)
	go e.reconnectLoop(ctx)
}

// reconnectLoop retries the backend connection with exponential backoff
// until it succeeds or the endpoint is torn down.
func (e *Endpoint) reconnectLoop(ctx context.Context) {
	backoff := e.cfg.ReconnectMin

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		e.mu.Lock()
		server := e.server
		e.mu.Unlock()

		_ = e.backend.Disconnect()
		err := e.backend.Connect(ctx, server)
		if err == nil {
			e.mu.Lock()
			if e.closed || ctx.Err() != nil {
				e.mu.Unlock()
				_ = e.backend.Disconnect()
				return
			}
			e.reconnecting = false
			e.gen++
			gen := e.gen
			e.mu.Unlock()

			go e.recvLoop(ctx, gen)
			e.registry.SetState(e.id, core.TunnelStateActive, nil)
			core.Log.Infof("Tunnel", "%s: reconnected (attempt %d)", e.id, attempt)
			return
		}

		core.Log.Debugf("Tunnel", "%s: reconnect attempt %d failed: %v", e.id, attempt, err)
		backoff *= 2
		if backoff > e.cfg.ReconnectMax {
			backoff = e.cfg.ReconnectMax
		}
	}
}

// Teardown stops the loops and disconnects the backend, returning the tunnel
// to Idle. The record identity and the receive channel survive; a later
// Connect resumes with the same flow mappings. Used by the JIT idle policy.
func (e *Endpoint) Teardown() {
	e.shutdown(core.TunnelStateIdle)
}

// Close permanently tears the endpoint down and closes the receive channel.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.shutdown(core.TunnelStateDisconnected)
	close(e.recvCh)
}

func (e *Endpoint) shutdown(final core.TunnelState) {
	e.mu.Lock()
	if e.loopCancel != nil {
		e.loopCancel()
		e.loopCancel = nil
	}
	e.reconnecting = false
	e.gen++ // invalidate in-flight loops
	e.mu.Unlock()

	_ = e.backend.Disconnect()
	e.registry.SetState(e.id, final, nil)
}
