package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"multitun/internal/core"
	"multitun/internal/tunnel"
)

// fakeBackend is a controllable tunnel.Backend for engine tests. Connect can
// be gated or made to fail; sent packets are recorded with headroom stripped.
type fakeBackend struct {
	mtu int

	mu          sync.Mutex
	sent        [][]byte
	connectErr  error
	connectGate chan struct{} // when set, Connect blocks until closed

	recvCh  chan []byte
	reports chan tunnel.AddressReport
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		mtu:     1420,
		recvCh:  make(chan []byte, 16),
		reports: make(chan tunnel.AddressReport, 4),
	}
}

func (f *fakeBackend) Connect(ctx context.Context, _ string) error {
	f.mu.Lock()
	gate := f.connectGate
	err := f.connectErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeBackend) Disconnect() error { return nil }

func (f *fakeBackend) Send(buf []byte, offset int) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), buf[offset:]...))
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Recv(buf []byte, offset int) (int, error) {
	pkt, ok := <-f.recvCh
	if !ok {
		return 0, errors.New("backend closed")
	}
	return copy(buf[offset:], pkt), nil
}

func (f *fakeBackend) Reports() <-chan tunnel.AddressReport { return f.reports }
func (f *fakeBackend) MTU() int                             { return f.mtu }
func (f *fakeBackend) Protocol() string                     { return "fake" }

func (f *fakeBackend) sentPackets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeBackend) gateConnect() chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.connectGate = gate
	f.mu.Unlock()
	return gate
}

func (f *fakeBackend) failConnect(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// harness wires registry, tracker, endpoints and orchestrator around fake
// backends, one per tunnel ID.
type harness struct {
	bus       *core.EventBus
	registry  *core.TunnelRegistry
	tracker   *ConnTracker
	endpoints *Endpoints
	jit       *Orchestrator
	backends  map[string]*fakeBackend
}

func newHarness(t *testing.T, jitCfg JitConfig, tunnelIDs ...string) *harness {
	t.Helper()
	h := &harness{
		bus:       core.NewEventBus(),
		tracker:   NewConnTracker(),
		endpoints: NewEndpoints(),
		backends:  make(map[string]*fakeBackend),
	}
	h.registry = core.NewTunnelRegistry(h.bus)

	for _, id := range tunnelIDs {
		cfg := core.TunnelConfig{ID: id, Protocol: "fake", Servers: []string{"srv:1"}}
		if err := h.registry.Register(cfg); err != nil {
			t.Fatal(err)
		}
		backend := newFakeBackend()
		h.backends[id] = backend
		h.endpoints.Add(tunnel.NewEndpoint(id, backend, h.registry, h.bus, tunnel.Config{
			MTU:          1420,
			ReconnectMin: 10 * time.Millisecond,
			ReconnectMax: 50 * time.Millisecond,
		}, nil))
	}

	h.jit = NewOrchestrator(h.registry, h.tracker, NewProber(time.Second), h.endpoints, h.bus, jitCfg)

	t.Cleanup(h.endpoints.CloseAll)
	return h
}

// waitFlushed blocks until the orchestrator has no pending buffer for the
// tunnel, failing the test on timeout.
func (h *harness) waitFlushed(t *testing.T, tunnelID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for h.jit.HasPending(tunnelID) {
		select {
		case <-deadline:
			t.Fatalf("tunnel %q still has pending packets", tunnelID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// testFlow builds a distinct flow key per index.
func testFlow(i int) FlowKey {
	return FlowKey{
		Proto:   protoTCP,
		SrcIP:   [4]byte{10, 0, 0, 1},
		DstIP:   [4]byte{93, 184, 216, byte(i)},
		SrcPort: uint16(40000 + i),
		DstPort: 443,
	}
}

// buildPacket serializes a real IPv4 packet for parser and router tests.
func buildPacket(t *testing.T, proto uint8, src, dst [4]byte, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    src[:],
		DstIP:    dst[:],
		Protocol: layers.IPProtocol(proto),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	var err error
	switch proto {
	case protoTCP:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), SYN: true}
		if err = tcp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatal(err)
		}
		err = gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload))
	case protoUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
		if err = udp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatal(err)
		}
		err = gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload))
	default:
		err = gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(payload))
	}
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// payloadsEqual compares recorded packets against expected raw packets.
func payloadsEqual(got, want [][]byte) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if !bytes.Equal(got[i], want[i]) {
			return false
		}
	}
	return true
}
