package test

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	SrcMAC = net.HardwareAddr{0x5a, 0x51, 0x52, 0x53, 0x54, 0x55}
	DstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x00}
)

// Payload returns n bytes counting up from 0 and wrapping at 256.
func Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// UDPFrame builds an Ethernet frame carrying a UDP datagram with a valid
// checksum. IPv6 is used when from is not an IPv4 address.
func UDPFrame(from net.IP, to net.IP, fromPort uint16, toPort uint16, data []byte) []byte {
	udp := layers.UDP{
		SrcPort: layers.UDPPort(fromPort),
		DstPort: layers.UDPPort(toPort),
	}

	return frame(from, to, layers.IPProtocolUDP, &udp, &udp, data)
}

// TCPFrame builds an Ethernet frame carrying a TCP segment with a valid checksum.
func TCPFrame(from net.IP, to net.IP, fromPort uint16, toPort uint16, data []byte) []byte {
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(fromPort),
		DstPort: layers.TCPPort(toPort),
		Seq:     1,
		ACK:     true,
		Window:  1024,
	}

	return frame(from, to, layers.IPProtocolTCP, &tcp, &tcp, data)
}

type checksummer interface {
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

func frame(from, to net.IP, proto layers.IPProtocol, l4 gopacket.SerializableLayer, cs checksummer, data []byte) []byte {
	eth := layers.Ethernet{
		SrcMAC: SrcMAC,
		DstMAC: DstMAC,
	}

	var ip gopacket.SerializableLayer
	if v4 := from.To4(); v4 != nil {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    v4,
			DstIP:    to.To4(),
		}
		if err := cs.SetNetworkLayerForChecksum(ip4); err != nil {
			panic(err)
		}
		ip = ip4
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      from,
			DstIP:      to,
		}
		if err := cs.SetNetworkLayerForChecksum(ip6); err != nil {
			panic(err)
		}
		ip = ip6
	}

	buffer := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	err := gopacket.SerializeLayers(buffer, opt, &eth, ip, l4, gopacket.Payload(data))
	if err != nil {
		panic(err)
	}

	return buffer.Bytes()
}
