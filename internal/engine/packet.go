package engine

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Transport protocol numbers the router classifies.
const (
	protoTCP = 6
	protoUDP = 17
)

// packetParser extracts FlowKeys from raw outbound IPv4 packets using a
// zero-alloc DecodingLayerParser. The pre-allocated layers make it
// single-goroutine only — it lives inside the router's reader loop.
type packetParser struct {
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newPacketParser() *packetParser {
	p := &packetParser{
		decoded: make([]gopacket.LayerType, 0, 4),
	}
	p.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeIPv4,
		&p.ip4, &p.tcp, &p.udp, &p.payload,
	)
	p.parser.IgnoreUnsupported = true
	return p
}

// Flow parses one raw IP packet. Returns false for anything that is not
// IPv4 TCP/UDP (IPv6, ICMP, fragments past the first) — those fall through
// to the router's default policy.
func (p *packetParser) Flow(pkt []byte) (FlowKey, bool) {
	if err := p.parser.DecodeLayers(pkt, &p.decoded); err != nil {
		return FlowKey{}, false
	}

	var hasIPv4, hasTCP, hasUDP bool
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			hasIPv4 = true
		case layers.LayerTypeTCP:
			hasTCP = true
		case layers.LayerTypeUDP:
			hasUDP = true
		}
	}
	if !hasIPv4 || (!hasTCP && !hasUDP) {
		return FlowKey{}, false
	}

	var key FlowKey
	copy(key.SrcIP[:], p.ip4.SrcIP.To4())
	copy(key.DstIP[:], p.ip4.DstIP.To4())
	if hasTCP {
		key.Proto = protoTCP
		key.SrcPort = uint16(p.tcp.SrcPort)
		key.DstPort = uint16(p.tcp.DstPort)
	} else {
		key.Proto = protoUDP
		key.SrcPort = uint16(p.udp.SrcPort)
		key.DstPort = uint16(p.udp.DstPort)
	}
	return key, true
}
