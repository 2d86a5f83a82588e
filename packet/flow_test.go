package packet

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/slackhq/mqnic/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_Parse(t *testing.T) {
	p := NewParser()
	var f Flow

	frame := test.UDPFrame(net.IPv4(66, 9, 149, 187), net.IPv4(161, 142, 100, 80), 2794, 1766, test.Payload(32))
	require.NoError(t, p.Parse(frame, &f))
	assert.Equal(t, netip.MustParseAddr("66.9.149.187"), f.SrcAddr)
	assert.Equal(t, netip.MustParseAddr("161.142.100.80"), f.DstAddr)
	assert.Equal(t, uint16(2794), f.SrcPort)
	assert.Equal(t, uint16(1766), f.DstPort)
	assert.Equal(t, uint8(ProtoUDP), f.Protocol)
	assert.False(t, f.Fragment)
	assert.Equal(t, HashTypeIPv4|HashTypeUDP, f.HashType())

	frame = test.TCPFrame(net.ParseIP("3ffe:2501:200:1fff::7"), net.ParseIP("3ffe:2501:200:3::1"), 2794, 1766, test.Payload(8))
	require.NoError(t, p.Parse(frame, &f))
	assert.Equal(t, netip.MustParseAddr("3ffe:2501:200:1fff::7"), f.SrcAddr)
	assert.Equal(t, uint8(ProtoTCP), f.Protocol)
	assert.Equal(t, HashTypeIPv6|HashTypeTCP, f.HashType())
	assert.Len(t, f.AppendTuple(nil), 36)
}

func TestParser_ParseVLAN(t *testing.T) {
	eth := layers.Ethernet{SrcMAC: test.SrcMAC, DstMAC: test.DstMAC, EthernetType: layers.EthernetTypeDot1Q}
	vlan := layers.Dot1Q{VLANIdentifier: 12, Type: layers.EthernetTypeIPv4}
	ip := layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	udp := layers.UDP{SrcPort: 1, DstPort: 2}
	require.NoError(t, udp.SetNetworkLayerForChecksum(&ip))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&eth, &vlan, &ip, &udp, gopacket.Payload([]byte{1, 2, 3})))

	var f Flow
	require.NoError(t, NewParser().Parse(buf.Bytes(), &f))
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), f.SrcAddr)
	assert.Equal(t, uint16(2), f.DstPort)
}

func TestParser_ParseFragment(t *testing.T) {
	eth := layers.Ethernet{SrcMAC: test.SrcMAC, DstMAC: test.DstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		Flags: layers.IPv4MoreFragments,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2),
	}

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&eth, &ip, gopacket.Payload(test.Payload(24))))

	var f Flow
	require.NoError(t, NewParser().Parse(buf.Bytes(), &f))
	assert.True(t, f.Fragment)
	assert.False(t, f.HasPorts())
	assert.Equal(t, HashTypeIPv4, f.HashType())
	assert.Len(t, f.AppendTuple(nil), 8)
}

func TestParser_ParseNonIP(t *testing.T) {
	eth := layers.Ethernet{SrcMAC: test.SrcMAC, DstMAC: test.DstMAC, EthernetType: layers.EthernetTypeARP}
	arp := layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: test.SrcMAC, SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: make([]byte, 6), DstProtAddress: []byte{10, 0, 0, 2},
	}

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &eth, &arp))

	var f Flow
	assert.ErrorIs(t, NewParser().Parse(buf.Bytes(), &f), ErrNoNetworkLayer)
	assert.Equal(t, HashType(0), f.HashType())
	assert.Empty(t, f.AppendTuple(nil))

	assert.ErrorIs(t, NewParser().Parse([]byte{1, 2, 3}, &f), ErrNoNetworkLayer)
}
