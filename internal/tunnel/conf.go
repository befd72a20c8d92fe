package tunnel

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// ParsedConf holds the result of parsing a standard WireGuard .conf file.
type ParsedConf struct {
	// Addresses are the prefixes from the Interface Address field. The first
	// one is reported as the tunnel's assigned address and subnet.
	Addresses []netip.Prefix
	// DNSServers are the IPs from the Interface DNS field.
	DNSServers []netip.Addr
	// MTU from the Interface section, default 1420.
	MTU int

	ifaceLines []string   // UAPI lines from [Interface]
	peers      []peerConf // one per [Peer] section
}

// peerConf buffers UAPI lines for a single [Peer] section so that
// public_key is always emitted first (required by the UAPI protocol) and
// the endpoint can be overridden by server selection.
type peerConf struct {
	publicKey string
	endpoint  string
	lines     []string
}

// UAPI renders the UAPI-formatted string for device.IpcSet. A non-empty
// endpointOverride replaces every peer's configured endpoint — used when
// the orchestrator has picked a server from the candidate list.
func (c *ParsedConf) UAPI(endpointOverride string) string {
	var b strings.Builder
	for _, line := range c.ifaceLines {
		b.WriteString(line)
	}
	if len(c.peers) > 0 {
		b.WriteString("replace_peers=true\n")
	}
	for _, p := range c.peers {
		fmt.Fprintf(&b, "public_key=%s\n", p.publicKey)
		ep := p.endpoint
		if endpointOverride != "" {
			ep = endpointOverride
		}
		if ep != "" {
			fmt.Fprintf(&b, "endpoint=%s\n", ep)
		}
		for _, line := range p.lines {
			b.WriteString(line)
		}
	}
	return b.String()
}

// ParseConfFile reads a standard WireGuard .conf file.
func ParseConfFile(path string) (*ParsedConf, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open conf: %w", err)
	}
	defer f.Close()

	result := &ParsedConf{MTU: 1420}
	section := ""
	var current *peerConf

	flushPeer := func() error {
		if current == nil {
			return nil
		}
		if current.publicKey == "" {
			return fmt.Errorf("peer section without PublicKey")
		}
		result.peers = append(result.peers, *current)
		current = nil
		return nil
	}

	firstLine := true
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		// Strip UTF-8 BOM from the first line (common in exported configs).
		if firstLine {
			line = strings.TrimPrefix(line, "\xEF\xBB\xBF")
			firstLine = false
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if err := flushPeer(); err != nil {
				return nil, err
			}
			section = strings.ToLower(strings.Trim(line, "[] "))
			if section == "peer" {
				current = &peerConf{}
			}
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch section {
		case "interface":
			if err := parseInterfaceKey(key, value, result); err != nil {
				return nil, fmt.Errorf("[Interface] %s: %w", key, err)
			}
		case "peer":
			if err := parsePeerKey(key, value, current); err != nil {
				return nil, fmt.Errorf("[Peer] %s: %w", key, err)
			}
		}
	}

	if err := flushPeer(); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read conf: %w", err)
	}
	return result, nil
}

func parseInterfaceKey(key, value string, cfg *ParsedConf) error {
	switch strings.ToLower(key) {
	case "privatekey":
		h, err := base64ToHex(value)
		if err != nil {
			return err
		}
		cfg.ifaceLines = append(cfg.ifaceLines, fmt.Sprintf("private_key=%s\n", h))
	case "listenport":
		cfg.ifaceLines = append(cfg.ifaceLines, fmt.Sprintf("listen_port=%s\n", value))
	case "address":
		for _, s := range splitCSV(value) {
			prefix, err := netip.ParsePrefix(s)
			if err != nil {
				ip, err2 := netip.ParseAddr(s)
				if err2 != nil {
					return fmt.Errorf("invalid address %q", s)
				}
				prefix = netip.PrefixFrom(ip, ip.BitLen())
			}
			cfg.Addresses = append(cfg.Addresses, prefix)
		}
	case "dns":
		for _, s := range splitCSV(value) {
			ip, err := netip.ParseAddr(s)
			if err != nil {
				return fmt.Errorf("invalid DNS %q", s)
			}
			cfg.DNSServers = append(cfg.DNSServers, ip)
		}
	case "mtu":
		var mtu int
		if _, err := fmt.Sscanf(value, "%d", &mtu); err != nil {
			return fmt.Errorf("invalid MTU %q", value)
		}
		cfg.MTU = mtu
	}
	return nil
}

func parsePeerKey(key, value string, peer *peerConf) error {
	if peer == nil {
		return fmt.Errorf("key outside [Peer] section")
	}
	switch strings.ToLower(key) {
	case "publickey":
		h, err := base64ToHex(value)
		if err != nil {
			return err
		}
		peer.publicKey = h
	case "presharedkey":
		h, err := base64ToHex(value)
		if err != nil {
			return err
		}
		peer.lines = append(peer.lines, fmt.Sprintf("preshared_key=%s\n", h))
	case "endpoint":
		peer.endpoint = value
	case "allowedips":
		for _, cidr := range splitCSV(value) {
			peer.lines = append(peer.lines, fmt.Sprintf("allowed_ip=%s\n", cidr))
		}
	case "persistentkeepalive":
		peer.lines = append(peer.lines, fmt.Sprintf("persistent_keepalive_interval=%s\n", value))
	}
	return nil
}

func base64ToHex(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
