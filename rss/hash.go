package rss

import (
	"fmt"
	"strings"

	"github.com/slackhq/mqnic/packet"
	"github.com/zeebo/xxh3"
)

// DefaultKey is the well known 40 byte Toeplitz key, long enough for an IPv6
// address pair plus ports.
var DefaultKey = []byte{
	0x6d, 0x5a, 0x56, 0xda, 0x25, 0x5b, 0x0e, 0xc2,
	0x41, 0x67, 0x25, 0x3d, 0x43, 0xa3, 0x8f, 0xb0,
	0xd0, 0xca, 0x2b, 0xcb, 0xae, 0x7b, 0x30, 0xb4,
	0x77, 0xcb, 0x2d, 0xa3, 0x80, 0x30, 0xf2, 0x0c,
	0x6a, 0x42, 0xb7, 0x3b, 0xbe, 0xac, 0x01, 0xfa,
}

// Hasher computes the flow hash of a received frame.
type Hasher interface {
	Hash(f *packet.Flow) uint32
}

// NewHasher returns the hasher named by kind, toeplitz or xxh3.
func NewHasher(kind string) (Hasher, error) {
	switch strings.ToLower(kind) {
	case "", "toeplitz":
		return NewToeplitz(DefaultKey)
	case "xxh3":
		return XXH3{}, nil
	default:
		return nil, fmt.Errorf("unknown rss hash `%s`. possible hashes: %s", kind, []string{"toeplitz", "xxh3"})
	}
}

// Toeplitz is the hash receive side scaling hardware uses.
type Toeplitz struct {
	key []byte
}

func NewToeplitz(key []byte) (*Toeplitz, error) {
	// 36 bytes of IPv6 tuple plus the 4 byte window.
	if len(key) < 40 {
		return nil, fmt.Errorf("toeplitz key must be at least 40 bytes, got %d", len(key))
	}

	return &Toeplitz{key: append([]byte(nil), key...)}, nil
}

func (t *Toeplitz) Hash(f *packet.Flow) uint32 {
	var buf [36]byte
	return ToeplitzHash(t.key, f.AppendTuple(buf[:0]))
}

// ToeplitzHash hashes input with key. key must be at least 4 bytes longer
// than input.
func ToeplitzHash(key []byte, input []byte) uint32 {
	var result uint32
	// v is the 32 bit key window aligned to the current input bit.
	v := uint32(key[0])<<24 | uint32(key[1])<<16 | uint32(key[2])<<8 | uint32(key[3])

	for i, b := range input {
		next := key[i+4]
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<bit) != 0 {
				result ^= v
			}
			v <<= 1
			if next&(1<<bit) != 0 {
				v |= 1
			}
		}
	}

	return result
}

// XXH3 hashes the same tuple with xxh3, spreading better than Toeplitz at the
// cost of not matching any hardware.
type XXH3 struct{}

func (XXH3) Hash(f *packet.Flow) uint32 {
	var buf [36]byte
	in := f.AppendTuple(buf[:0])
	if len(in) == 0 {
		return 0
	}

	return uint32(xxh3.Hash(in))
}
