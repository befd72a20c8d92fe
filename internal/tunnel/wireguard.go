package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"multitun/internal/core"
)

// The bridge headroom must cover what the wireguard transport prepends.
const _ = uint(Headroom - device.MessageTransportHeaderSize)

// WGSettings holds wireguard-specific tunnel settings from YAML.
type WGSettings struct {
	// ConfFile is the path to a standard WireGuard .conf file.
	ConfFile string
}

// ParseWGSettings extracts wireguard settings from a generic settings map.
func ParseWGSettings(settings map[string]any) (WGSettings, error) {
	var s WGSettings
	v, ok := settings["conf_file"]
	if !ok {
		return s, fmt.Errorf("wireguard settings: conf_file missing")
	}
	path, ok := v.(string)
	if !ok || path == "" {
		return s, fmt.Errorf("wireguard settings: conf_file must be a non-empty string")
	}
	s.ConfFile = path
	return s, nil
}

// WGBackend implements Backend over an in-process wireguard-go device.
// No real adapter is created: the device's TUN side is a channel bridge, so
// outbound packets queued by Send are picked up by the device for
// encryption, and decrypted inbound packets surface through Recv.
type WGBackend struct {
	name     string
	settings WGSettings
	reports  chan AddressReport
	outDrops atomic.Int64

	mu     sync.Mutex
	dev    *device.Device
	bridge *bridgeTUN
	parsed *ParsedConf
}

// NewWGBackend creates a wireguard backend for the given tunnel name.
func NewWGBackend(name string, settings WGSettings) *WGBackend {
	return &WGBackend{
		name:     name,
		settings: settings,
		reports:  make(chan AddressReport, 4),
	}
}

// Connect parses the .conf, brings up a wireguard-go device bound to the
// channel bridge, and reports the assigned address. A non-empty server
// overrides the configured peer endpoint.
func (w *WGBackend) Connect(_ context.Context, server string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dev != nil {
		return nil
	}

	parsed, err := ParseConfFile(w.settings.ConfFile)
	if err != nil {
		return fmt.Errorf("wg %s: %w", w.name, err)
	}
	if len(parsed.Addresses) == 0 {
		return fmt.Errorf("wg %s: conf has no Address", w.name)
	}

	bridge := newBridgeTUN(parsed.MTU)
	logger := device.NewLogger(device.LogLevelError, fmt.Sprintf("[wg:%s] ", w.name))
	dev := device.NewDevice(bridge, conn.NewDefaultBind(), logger)

	if err := dev.IpcSet(parsed.UAPI(server)); err != nil {
		dev.Close()
		return fmt.Errorf("wg %s: apply config: %w", w.name, err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return fmt.Errorf("wg %s: device up: %w", w.name, err)
	}

	w.dev = dev
	w.bridge = bridge
	w.parsed = parsed

	addr := parsed.Addresses[0]
	rep := AddressReport{
		Addr:   addr.Addr(),
		Subnet: addr.Masked(),
		DNS:    parsed.DNSServers,
	}
	select {
	case w.reports <- rep:
	default:
	}

	core.Log.Infof("WG", "%s: device up (addr=%s, mtu=%d, endpoint=%q)",
		w.name, addr, parsed.MTU, server)
	return nil
}

// Disconnect closes the device and unblocks pending Recv.
func (w *WGBackend) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dev != nil {
		w.dev.Close()
		w.dev = nil
	}
	if w.bridge != nil {
		w.bridge.shutdown()
		w.bridge = nil
	}
	return nil
}

// Send queues one outbound packet for encryption. The buffer already carries
// the headroom/tailroom layout; ownership transfers to the backend. A full
// outbound queue sheds the packet rather than stalling the router.
func (w *WGBackend) Send(buf []byte, offset int) error {
	w.mu.Lock()
	bridge := w.bridge
	w.mu.Unlock()

	if bridge == nil {
		return net.ErrClosed
	}

	select {
	case bridge.outbound <- buf[offset:]:
		return nil
	case <-bridge.closed:
		return net.ErrClosed
	default:
		w.outDrops.Add(1)
		return nil
	}
}

// Recv blocks until one decrypted packet arrives from the tunnel.
func (w *WGBackend) Recv(buf []byte, offset int) (int, error) {
	w.mu.Lock()
	bridge := w.bridge
	w.mu.Unlock()

	if bridge == nil {
		return 0, net.ErrClosed
	}

	select {
	case pkt := <-bridge.inbound:
		return copy(buf[offset:], pkt), nil
	case <-bridge.closed:
		return 0, net.ErrClosed
	}
}

// Reports emits the assigned address after each successful Connect.
func (w *WGBackend) Reports() <-chan AddressReport { return w.reports }

// MTU returns the configured tunnel MTU (known only after Connect parsed
// the conf; zero before that means "no constraint yet").
func (w *WGBackend) MTU() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.parsed != nil {
		return w.parsed.MTU
	}
	return 0
}

// Protocol returns "wireguard".
func (w *WGBackend) Protocol() string { return "wireguard" }

// ---------------------------------------------------------------------------
// bridgeTUN — channel-backed tun.Device handed to wireguard-go
// ---------------------------------------------------------------------------

// bridgeTUN implements tun.Device as a pair of packet channels. Read feeds
// the device packets to encrypt (our Send path); Write receives decrypted
// packets from the device (our Recv path).
type bridgeTUN struct {
	mtu      int
	outbound chan []byte
	inbound  chan []byte
	events   chan tun.Event

	closeOnce sync.Once
	closed    chan struct{}
}

func newBridgeTUN(mtu int) *bridgeTUN {
	t := &bridgeTUN{
		mtu:      mtu,
		outbound: make(chan []byte, 256),
		inbound:  make(chan []byte, 256),
		events:   make(chan tun.Event, 4),
		closed:   make(chan struct{}),
	}
	t.events <- tun.EventUp
	return t
}

func (t *bridgeTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, os.ErrClosed
	case pkt := <-t.outbound:
		sizes[0] = copy(bufs[0][offset:], pkt)
		return 1, nil
	}
}

func (t *bridgeTUN) Write(bufs [][]byte, offset int) (int, error) {
	for _, buf := range bufs {
		pkt := make([]byte, len(buf)-offset)
		copy(pkt, buf[offset:])
		select {
		case t.inbound <- pkt:
		case <-t.closed:
			return 0, os.ErrClosed
		default:
			// Inbound queue full; the endpoint's recv loop is behind.
		}
	}
	return len(bufs), nil
}

func (t *bridgeTUN) MTU() (int, error)        { return t.mtu, nil }
func (t *bridgeTUN) Name() (string, error)    { return "multitun-bridge", nil }
func (t *bridgeTUN) File() *os.File           { return nil }
func (t *bridgeTUN) Events() <-chan tun.Event { return t.events }
func (t *bridgeTUN) BatchSize() int           { return 1 }

// Close is called by device.Close.
func (t *bridgeTUN) Close() error {
	t.shutdown()
	return nil
}

func (t *bridgeTUN) shutdown() {
	t.closeOnce.Do(func() {
		close(t.closed)
		close(t.events)
	})
}

var _ tun.Device = (*bridgeTUN)(nil)
