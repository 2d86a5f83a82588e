package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
)

// EthernetHeaderLen is the length of an untagged Ethernet header.
const EthernetHeaderLen = 14

var ErrChecksumOffset = errors.New("checksum offset out of range")

// Sum returns the folded 16 bit one's complement sum of data as defined in
// rfc1071. initial is any partial sum that was already computed.
//
// based on:
// - https://github.com/google/gopacket/blob/v1.1.19/layers/tcpip.go#L50-L70
func Sum(data []byte, initial uint32) uint16 {
	csum := initial
	// to handle odd lengths, we loop to length - 1, incrementing by 2, then
	// handle the last byte specifically by checking against the original
	// length.
	length := len(data) - 1
	for i := 0; i < length; i += 2 {
		csum += uint32(data[i]) << 8
		csum += uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		csum += uint32(data[length]) << 8
	}
	for csum > 0xffff {
		csum = (csum >> 16) + (csum & 0xffff)
	}
	return uint16(csum)
}

// Checksum returns the internet checksum of data, the complement of Sum.
func Checksum(data []byte, initial uint32) uint16 {
	return ^Sum(data, initial)
}

// InsertChecksum computes the checksum of frame[start:] and stores it big
// endian at frame[start+offset:]. The field is summed as is, so it must hold
// zero or a pseudo header seed.
func InsertChecksum(frame []byte, start, offset int) error {
	if err := CheckOffload(len(frame), start, offset); err != nil {
		return err
	}

	binary.BigEndian.PutUint16(frame[start+offset:], Checksum(frame[start:], 0))
	return nil
}

// CheckOffload validates checksum offload offsets against a frame length.
func CheckOffload(frameLen, start, offset int) error {
	if start < 0 || offset < 0 || start+offset+2 > frameLen {
		return fmt.Errorf("%w: start %d offset %d frame length %d", ErrChecksumOffset, start, offset, frameLen)
	}
	return nil
}

// based on:
// - https://github.com/google/gopacket/blob/v1.1.19/layers/tcpip.go#L26-L35
func ipv4PseudoheaderChecksum(src, dst []byte, proto, length uint32) (csum uint32) {
	csum += (uint32(src[0]) + uint32(src[2])) << 8
	csum += uint32(src[1]) + uint32(src[3])
	csum += (uint32(dst[0]) + uint32(dst[2])) << 8
	csum += uint32(dst[1]) + uint32(dst[3])
	csum += proto
	csum += length & 0xffff
	csum += length >> 16
	return csum
}

// PrepareOffload readies an untagged Ethernet/IPv4 TCP or UDP frame for
// transmit checksum offload the way a host driver does: the transport
// checksum field is seeded with the pseudo header sum and the offsets the
// device needs are returned.
func PrepareOffload(frame []byte) (start, offset uint16, err error) {
	if len(frame) < EthernetHeaderLen+ipv4.HeaderLen {
		return 0, 0, fmt.Errorf("%w: frame too short for an IPv4 header", ErrChecksumOffset)
	}

	var ip layers.IPv4
	if err := ip.DecodeFromBytes(frame[EthernetHeaderLen:], gopacket.NilDecodeFeedback); err != nil {
		return 0, 0, err
	}

	switch ip.Protocol {
	case layers.IPProtocolUDP:
		offset = 6
	case layers.IPProtocolTCP:
		offset = 16
	default:
		return 0, 0, fmt.Errorf("%w: protocol %s has no transport checksum", ErrChecksumOffset, ip.Protocol)
	}

	start = uint16(EthernetHeaderLen + int(ip.IHL)*4)
	end := EthernetHeaderLen + int(ip.Length)
	if end > len(frame) || int(start) > end {
		return 0, 0, fmt.Errorf("%w: ip total length %d exceeds the frame", ErrChecksumOffset, ip.Length)
	}
	if err := CheckOffload(end, int(start), int(offset)); err != nil {
		return 0, 0, err
	}

	l4 := uint32(end - int(start))
	seed := Sum(nil, ipv4PseudoheaderChecksum(ip.SrcIP.To4(), ip.DstIP.To4(), uint32(ip.Protocol), l4))
	binary.BigEndian.PutUint16(frame[int(start)+int(offset):], seed)
	return start, offset, nil
}
