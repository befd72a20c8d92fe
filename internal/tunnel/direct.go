package tunnel

import (
	"context"
	"net"
	"sync"

	"multitun/internal/core"
)

// InjectFunc sends one raw IP packet out of the host's real network path.
// Provided by the surrounding service (raw socket, host stack, ...).
type InjectFunc func(pkt []byte) error

// CaptureFunc blocks until one inbound direct packet is available, copies it
// into buf and returns its length. May be nil when the host delivers return
// traffic outside the engine.
type CaptureFunc func(buf []byte) (int, error)

// DirectBackend routes packets outside any encrypted tunnel, so "direct"
// and "via tunnel" share one send path through the bridge. It requires no
// handshake and is always connected once Connect returns; the headroom and
// tailroom around the payload are simply left unused.
type DirectBackend struct {
	inject  InjectFunc
	capture CaptureFunc
	mtu     int
	reports chan AddressReport

	mu     sync.Mutex
	closed chan struct{}
}

// NewDirectBackend creates a passthrough backend over the given primitives.
func NewDirectBackend(inject InjectFunc, capture CaptureFunc, mtu int) *DirectBackend {
	if mtu <= 0 {
		mtu = core.DefaultMTU
	}
	return &DirectBackend{
		inject:  inject,
		capture: capture,
		mtu:     mtu,
		reports: make(chan AddressReport),
		closed:  make(chan struct{}),
	}
}

// Connect is a no-op beyond resetting the closed marker. The server argument
// is ignored: direct traffic has no remote endpoint of its own.
func (d *DirectBackend) Connect(_ context.Context, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
		d.closed = make(chan struct{})
	default:
	}
	return nil
}

// Disconnect unblocks any pending Recv.
func (d *DirectBackend) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	return nil
}

// Send injects the packet into the host's direct path.
func (d *DirectBackend) Send(buf []byte, offset int) error {
	return d.inject(buf[offset:])
}

// Recv captures one inbound direct packet. Blocks forever (until Disconnect)
// when no capture primitive was provided.
func (d *DirectBackend) Recv(buf []byte, offset int) (int, error) {
	if d.capture == nil {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		<-closed
		return 0, net.ErrClosed
	}
	return d.capture(buf[offset:])
}

// Reports never emits: direct routing assigns no tunnel address.
func (d *DirectBackend) Reports() <-chan AddressReport { return d.reports }

// MTU returns the configured maximum packet size.
func (d *DirectBackend) MTU() int { return d.mtu }

// Protocol returns "direct".
func (d *DirectBackend) Protocol() string { return core.TunnelDirect }
