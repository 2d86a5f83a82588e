package packet

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	ProtoTCP = 6
	ProtoUDP = 17
)

var ErrNoNetworkLayer = errors.New("frame has no IPv4 or IPv6 header")

// HashType reports which headers took part in a flow hash. The bit layout
// matches the receive completion hash type field.
type HashType uint8

const (
	HashTypeIPv4 HashType = 1 << iota
	HashTypeIPv6
	HashTypeTCP
	HashTypeUDP
)

// Flow is the set of header fields the receive path hashes on.
type Flow struct {
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	// Fragment is set for any IPv4 fragment, ports are never hashed for fragments.
	Fragment bool
}

// HasPorts reports whether the transport ports are valid hash input.
func (f *Flow) HasPorts() bool {
	return !f.Fragment && (f.Protocol == ProtoTCP || f.Protocol == ProtoUDP)
}

func (f *Flow) HashType() HashType {
	var t HashType
	switch {
	case f.SrcAddr.Is4():
		t = HashTypeIPv4
	case f.SrcAddr.Is6():
		t = HashTypeIPv6
	default:
		return 0
	}

	if f.HasPorts() {
		if f.Protocol == ProtoTCP {
			t |= HashTypeTCP
		} else {
			t |= HashTypeUDP
		}
	}

	return t
}

// AppendTuple appends the canonical hash input: source address, destination
// address, then source and destination port when HasPorts.
func (f *Flow) AppendTuple(b []byte) []byte {
	if !f.SrcAddr.IsValid() {
		return b
	}

	b = append(b, f.SrcAddr.AsSlice()...)
	b = append(b, f.DstAddr.AsSlice()...)
	if f.HasPorts() {
		b = append(b, byte(f.SrcPort>>8), byte(f.SrcPort), byte(f.DstPort>>8), byte(f.DstPort))
	}
	return b
}

func (f Flow) String() string {
	return fmt.Sprintf("proto=%d %s:%d -> %s:%d frag=%v", f.Protocol, f.SrcAddr, f.SrcPort, f.DstAddr, f.DstPort, f.Fragment)
}

// Parser extracts a Flow from an Ethernet frame. A Parser reuses its layers
// between calls and is not safe for concurrent use.
type Parser struct {
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
}

func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 6)}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &p.eth, &p.dot1q, &p.ip4, &p.ip6, &p.tcp, &p.udp)
	p.parser.IgnoreUnsupported = true
	return p
}

// Parse fills f from frame. Whatever was decoded before a truncated header is
// kept, an error is only returned when no network layer was found.
func (p *Parser) Parse(frame []byte, f *Flow) error {
	*f = Flow{}
	err := p.parser.DecodeLayers(frame, &p.decoded)

	for _, t := range p.decoded {
		switch t {
		case layers.LayerTypeIPv4:
			f.SrcAddr, _ = netip.AddrFromSlice(p.ip4.SrcIP.To4())
			f.DstAddr, _ = netip.AddrFromSlice(p.ip4.DstIP.To4())
			f.Protocol = uint8(p.ip4.Protocol)
			f.Fragment = p.ip4.FragOffset != 0 || p.ip4.Flags&layers.IPv4MoreFragments != 0

		case layers.LayerTypeIPv6:
			f.SrcAddr, _ = netip.AddrFromSlice(p.ip6.SrcIP)
			f.DstAddr, _ = netip.AddrFromSlice(p.ip6.DstIP)
			f.Protocol = uint8(p.ip6.NextHeader)

		case layers.LayerTypeTCP:
			f.SrcPort = uint16(p.tcp.SrcPort)
			f.DstPort = uint16(p.tcp.DstPort)

		case layers.LayerTypeUDP:
			f.SrcPort = uint16(p.udp.SrcPort)
			f.DstPort = uint16(p.udp.DstPort)
		}
	}

	if !f.SrcAddr.IsValid() {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoNetworkLayer, err)
		}
		return ErrNoNetworkLayer
	}

	return nil
}
