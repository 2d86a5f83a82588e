package rss

import (
	"net/netip"
	"testing"

	"github.com/slackhq/mqnic/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToeplitz_Vectors(t *testing.T) {
	tests := []struct {
		src, dst     string
		sport, dport uint16
		withoutPorts uint32
		withTCPPorts uint32
	}{
		{"66.9.149.187", "161.142.100.80", 2794, 1766, 0x323e8fc2, 0x51ccc178},
		{"199.92.111.2", "65.69.140.83", 14230, 4739, 0xd718262a, 0xc626b0ea},
		{"3ffe:2501:200:1fff::7", "3ffe:2501:200:3::1", 2794, 1766, 0x2cc18cd5, 0x40207d3d},
	}

	h, err := NewToeplitz(DefaultKey)
	require.NoError(t, err)

	for _, tt := range tests {
		f := packet.Flow{
			SrcAddr:  netip.MustParseAddr(tt.src),
			DstAddr:  netip.MustParseAddr(tt.dst),
			SrcPort:  tt.sport,
			DstPort:  tt.dport,
			Protocol: packet.ProtoTCP,
		}
		assert.Equal(t, tt.withTCPPorts, h.Hash(&f), "%s tcp", tt.src)

		f.Fragment = true
		assert.Equal(t, tt.withoutPorts, h.Hash(&f), "%s ip only", tt.src)
	}
}

func TestNewHasher(t *testing.T) {
	h, err := NewHasher("")
	require.NoError(t, err)
	assert.IsType(t, &Toeplitz{}, h)

	h, err = NewHasher("XXH3")
	require.NoError(t, err)
	assert.IsType(t, XXH3{}, h)

	_, err = NewHasher("crc32")
	assert.EqualError(t, err, "unknown rss hash `crc32`. possible hashes: [toeplitz xxh3]")

	_, err = NewToeplitz(DefaultKey[:16])
	assert.Error(t, err)
}

func TestXXH3_Deterministic(t *testing.T) {
	f := packet.Flow{
		SrcAddr:  netip.MustParseAddr("10.0.0.1"),
		DstAddr:  netip.MustParseAddr("10.0.0.2"),
		SrcPort:  1234,
		DstPort:  80,
		Protocol: packet.ProtoUDP,
	}

	var h XXH3
	a := h.Hash(&f)
	assert.Equal(t, a, h.Hash(&f))

	f.SrcPort++
	assert.NotEqual(t, a, h.Hash(&f))
	assert.Equal(t, uint32(0), h.Hash(&packet.Flow{}))
}
