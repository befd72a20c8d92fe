package tunnel

import (
	"context"
	"errors"
	"net/netip"
)

// Send errors returned by an Endpoint. Callers match with errors.Is.
var (
	// ErrNotReady means the tunnel is not yet connected. The caller should
	// buffer the packet (JIT path), not drop it.
	ErrNotReady = errors.New("tunnel not ready")
	// ErrDisconnected means the tunnel is torn down or reconnecting. The
	// caller should drop the packet; reconnection is the endpoint's job.
	ErrDisconnected = errors.New("tunnel disconnected")
	// ErrBackendRejected means the payload violates the backend's framing
	// or size constraints.
	ErrBackendRejected = errors.New("backend rejected packet")
)

// AddressReport carries the local address, subnet and DNS servers assigned
// by the remote side. Backends deliver it asynchronously after connection;
// the report drives the subnet allocator and interface configuration.
type AddressReport struct {
	Addr   netip.Addr
	Subnet netip.Prefix
	DNS    []netip.Addr
}

// Backend is the raw transport an Endpoint bridges to: one tunnel protocol
// implementation (handshake, keys, encryption) behind a packet-in/packet-out
// contract. Implementations: wireguard, direct.
//
// Buffer contract: Send receives a buffer whose packet occupies buf[offset:],
// with at least Headroom bytes before offset and at least Tailroom bytes of
// spare capacity after len(buf). The encryption pipeline prepends protocol
// headers into the headroom and appends authentication data into the
// tailroom without reallocating. Recv writes the decrypted packet at
// buf[offset:] and returns its length.
type Backend interface {
	// Connect establishes the tunnel to the given server ("host:port").
	// Blocks until connected or ctx is cancelled. An empty server means the
	// backend's configured default endpoint.
	Connect(ctx context.Context, server string) error

	// Disconnect tears the tunnel down and unblocks any pending Recv.
	Disconnect() error

	// Send hands one IP packet to the backend for encryption and transmission.
	Send(buf []byte, offset int) error

	// Recv blocks until one decrypted IP packet arrives, copies it into
	// buf[offset:] and returns the packet length. Returns an error after
	// Disconnect; the stream is not restartable within one connection.
	Recv(buf []byte, offset int) (int, error)

	// Reports emits address assignments after each successful Connect.
	Reports() <-chan AddressReport

	// MTU returns the largest packet the backend accepts.
	MTU() int

	// Protocol returns the protocol identifier (e.g. "wireguard").
	Protocol() string
}
