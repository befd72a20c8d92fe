//go:build linux

package iface

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RawInjector sends fully formed IPv4 packets through the host's real
// network path, bypassing the engine's virtual interface. Backs the direct
// passthrough tunnel; return traffic arrives via the host stack.
type RawInjector struct {
	fd int
}

// NewRawInjector opens a raw IPv4 socket. device optionally pins egress to
// one NIC; empty lets the kernel route by destination.
func NewRawInjector(device string) (*RawInjector, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("raw socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set IP_HDRINCL: %w", err)
	}
	if device != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, device); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("bind to %q: %w", device, err)
		}
	}
	return &RawInjector{fd: fd}, nil
}

// Inject sends one IPv4 packet. The destination is taken from the packet
// header; the kernel fills in routing.
func (r *RawInjector) Inject(pkt []byte) error {
	if len(pkt) < 20 || pkt[0]>>4 != 4 {
		return fmt.Errorf("not an IPv4 packet")
	}
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], pkt[16:20])
	return unix.Sendto(r.fd, pkt, 0, &sa)
}

// Close releases the socket.
func (r *RawInjector) Close() error {
	return unix.Close(r.fd)
}
