// Package extendible implements a disk-resident extendible hash index on
// top of the buffer pool. A three-level page-linked structure maps a 32-bit
// key hash to a value: the header page selects a directory by the top hash
// bits, the directory selects a bucket by the low bits, and the bucket holds
// the entries.
package extendible

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Codec serializes fixed-width keys and values into page buffers.
type Codec[T any] interface {
	// Size is the encoded width in bytes; every value of T encodes to
	// exactly this many.
	Size() int
	Encode(dst []byte, v T)
	Decode(src []byte) T
}

// HashFunc hashes a key to 32 bits.
type HashFunc[K any] func(K) uint32

// CompareFunc orders keys; it returns <0, 0 or >0.
type CompareFunc[K any] func(a, b K) int

// Uint64Codec encodes uint64 keys/values little-endian.
type Uint64Codec struct{}

func (Uint64Codec) Size() int                   { return 8 }
func (Uint64Codec) Encode(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }
func (Uint64Codec) Decode(src []byte) uint64    { return binary.LittleEndian.Uint64(src) }

// Uint64Compare is the natural ordering for uint64 keys.
func Uint64Compare(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// XXHash32 derives the default key hasher from a codec: the key is encoded
// and xxhash'd, folded down to 32 bits.
func XXHash32[K any](c Codec[K]) HashFunc[K] {
	size := c.Size()
	return func(k K) uint32 {
		buf := make([]byte, size)
		c.Encode(buf, k)
		h := xxhash.Sum64(buf)
		return uint32(h ^ (h >> 32))
	}
}
