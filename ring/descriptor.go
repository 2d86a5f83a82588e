package ring

// CsumCmd is the transmit checksum offload command carried by a descriptor.
// When enabled the one's complement sum over frame[Start:] is inverted and
// stored big endian at frame[Start+Offset:]. The host is expected to have
// seeded that field with the pseudo header sum.
type CsumCmd struct {
	Enable bool
	Start  uint16
	Offset uint16
}

// Descriptor describes one unit of transmit or receive work.
//
// For transmit descriptors Data holds the frame and Len the number of bytes to
// send. For receive descriptors Data is the destination buffer and Len its
// usable length.
type Descriptor struct {
	Addr uint64
	Len  uint32
	Tag  uint16
	Csum CsumCmd
	Data []byte
}
