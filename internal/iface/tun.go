package iface

import (
	"fmt"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	wgtun "golang.zx2c4.com/wireguard/tun"

	"multitun/internal/core"
)

// readOffset is the scratch space the platform TUN driver wants in front of
// each packet buffer (virtio-net header on Linux).
const readOffset = 16

// TUN is the local virtual interface. A single reader and a single writer
// goroutine use it concurrently; the internal scratch buffers assume no
// more than one of each.
type TUN struct {
	name string
	mtu  int
	dev  wgtun.Device

	readBuf  [][]byte
	sizes    []int
	writeBuf [][]byte

	closeOnce sync.Once
}

// NewTUN creates and brings up the virtual interface.
func NewTUN(name string, mtu int) (*TUN, error) {
	if mtu <= 0 {
		mtu = core.DefaultMTU
	}
	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("create tun %q: %w", name, err)
	}
	realName, err := dev.Name()
	if err != nil {
		realName = name
	}

	t := &TUN{
		name:     realName,
		mtu:      mtu,
		dev:      dev,
		readBuf:  [][]byte{make([]byte, readOffset+mtu)},
		sizes:    make([]int, 1),
		writeBuf: [][]byte{make([]byte, readOffset+mtu)},
	}

	if err := t.linkUp(); err != nil {
		dev.Close()
		return nil, err
	}
	core.Log.Infof("Iface", "Interface %q up (mtu=%d)", realName, mtu)
	return t, nil
}

// Name returns the actual interface name assigned by the OS.
func (t *TUN) Name() string { return t.name }

// ReadPacket reads one outbound IP packet into buf.
func (t *TUN) ReadPacket(buf []byte) (int, error) {
	for {
		n, err := t.dev.Read(t.readBuf, t.sizes, readOffset)
		if err != nil {
			return 0, err
		}
		if n == 0 || t.sizes[0] == 0 {
			continue
		}
		return copy(buf, t.readBuf[0][readOffset:readOffset+t.sizes[0]]), nil
	}
}

// WritePacket writes one inbound IP packet to the interface.
func (t *TUN) WritePacket(pkt []byte) error {
	if len(pkt) > t.mtu {
		return fmt.Errorf("packet exceeds mtu (%d > %d)", len(pkt), t.mtu)
	}
	n := copy(t.writeBuf[0][readOffset:], pkt)
	t.writeBuf[0] = t.writeBuf[0][:readOffset+n]
	_, err := t.dev.Write(t.writeBuf, readOffset)
	t.writeBuf[0] = t.writeBuf[0][:cap(t.writeBuf[0])]
	return err
}

// Configure replaces the interface's address set with the given prefixes.
// Called by the subnet allocator whenever the primary set changes.
func (t *TUN) Configure(prefixes []netip.Prefix) error {
	if out, err := exec.Command("ip", "addr", "flush", "dev", t.name).CombinedOutput(); err != nil {
		return fmt.Errorf("flush %q: %v (%s)", t.name, err, strings.TrimSpace(string(out)))
	}
	for _, p := range prefixes {
		if out, err := exec.Command("ip", "addr", "replace", p.String(), "dev", t.name).CombinedOutput(); err != nil {
			return fmt.Errorf("assign %s to %q: %v (%s)", p, t.name, err, strings.TrimSpace(string(out)))
		}
	}
	core.Log.Infof("Iface", "Configured %q with %d addresses", t.name, len(prefixes))
	return nil
}

func (t *TUN) linkUp() error {
	if out, err := exec.Command("ip", "link", "set", "mtu", strconv.Itoa(t.mtu), "up", "dev", t.name).CombinedOutput(); err != nil {
		return fmt.Errorf("link up %q: %v (%s)", t.name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Close shuts the interface down.
func (t *TUN) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.dev.Close()
	})
	return err
}
