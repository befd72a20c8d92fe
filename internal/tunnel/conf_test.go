package tunnel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Fake WireGuard keys (valid base64-encoded 32-byte values for testing only).
const (
	testPrivateKey = "YWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWE=" // 32x 0x61
	testPublicKey  = "YmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmI=" // 32x 0x62
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.conf")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestParseConfFile verifies a standard exported config produces valid UAPI
// output with public_key before endpoint, and that addresses, DNS and MTU
// are extracted.
func TestParseConfFile(t *testing.T) {
	conf := `[Interface]
Address = 10.8.1.4/24, 10.9.0.2/32
PrivateKey = ` + testPrivateKey + `
DNS = 198.51.100.53, 208.67.222.222
MTU = 1380

[Peer]
Endpoint = 198.51.100.1:51820
PublicKey = ` + testPublicKey + `
AllowedIPs = 0.0.0.0/0
PersistentKeepalive = 25
`

	parsed, err := ParseConfFile(writeConf(t, conf))
	if err != nil {
		t.Fatalf("ParseConfFile failed: %v", err)
	}

	if len(parsed.Addresses) != 2 {
		t.Fatalf("addresses = %v, want 2 entries", parsed.Addresses)
	}
	if got := parsed.Addresses[0].String(); got != "10.8.1.4/24" {
		t.Errorf("first address = %s", got)
	}
	if len(parsed.DNSServers) != 2 {
		t.Errorf("dns = %v, want 2 entries", parsed.DNSServers)
	}
	if parsed.MTU != 1380 {
		t.Errorf("mtu = %d, want 1380", parsed.MTU)
	}

	uapi := parsed.UAPI("")
	pkIdx := strings.Index(uapi, "public_key=")
	epIdx := strings.Index(uapi, "endpoint=198.51.100.1:51820")
	if pkIdx < 0 || epIdx < 0 {
		t.Fatalf("missing public_key or endpoint in UAPI output:\n%s", uapi)
	}
	if epIdx < pkIdx {
		t.Errorf("endpoint (pos %d) before public_key (pos %d)", epIdx, pkIdx)
	}
	if !strings.Contains(uapi, "private_key=") {
		t.Error("private_key missing")
	}
	if !strings.Contains(uapi, "replace_peers=true") {
		t.Error("replace_peers missing")
	}
	if !strings.Contains(uapi, "persistent_keepalive_interval=25") {
		t.Error("persistent_keepalive_interval missing")
	}
}

// TestUAPIEndpointOverride verifies server selection replaces the peer
// endpoint from the conf file.
func TestUAPIEndpointOverride(t *testing.T) {
	conf := `[Interface]
Address = 10.8.1.4/32
PrivateKey = ` + testPrivateKey + `

[Peer]
Endpoint = 198.51.100.1:51820
PublicKey = ` + testPublicKey + `
AllowedIPs = 0.0.0.0/0
`

	parsed, err := ParseConfFile(writeConf(t, conf))
	if err != nil {
		t.Fatal(err)
	}

	uapi := parsed.UAPI("203.0.113.9:443")
	if strings.Contains(uapi, "198.51.100.1") {
		t.Error("original endpoint survived the override")
	}
	if !strings.Contains(uapi, "endpoint=203.0.113.9:443") {
		t.Errorf("override endpoint missing:\n%s", uapi)
	}
}

// TestParseConfFileBOMAndComments verifies BOM stripping and comment
// handling, both # and ;.
func TestParseConfFileBOMAndComments(t *testing.T) {
	conf := "\xEF\xBB\xBF[Interface]\n" +
		"# a comment\n" +
		"; another comment\n" +
		"Address = 10.0.0.2/32\n" +
		"PrivateKey = " + testPrivateKey + "\n"

	parsed, err := ParseConfFile(writeConf(t, conf))
	if err != nil {
		t.Fatalf("ParseConfFile failed: %v", err)
	}
	if len(parsed.Addresses) != 1 {
		t.Errorf("addresses = %v", parsed.Addresses)
	}
}

// TestParseConfFilePeerWithoutKey verifies a [Peer] missing PublicKey is
// rejected instead of producing broken UAPI.
func TestParseConfFilePeerWithoutKey(t *testing.T) {
	conf := `[Interface]
PrivateKey = ` + testPrivateKey + `

[Peer]
Endpoint = 198.51.100.1:51820
`
	if _, err := ParseConfFile(writeConf(t, conf)); err == nil {
		t.Fatal("expected error for peer without PublicKey")
	}
}
