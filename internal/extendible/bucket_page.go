package extendible

import (
	"encoding/binary"

	"github.com/tuannm99/granite/internal/storage"
)

// Bucket page layout. Entries are unordered fixed-width (key, value) pairs;
// lookup and removal scan linearly, removal swaps with the last entry.
//
//	+0   size     u32
//	+4   maxSize  u32
//	+8   entries  [maxSize](K, V)
const (
	offBucketSize    = 0
	offBucketMaxSize = 4
	offBucketEntries = 8
)

// maxBucketEntries derives the largest entry count a page can hold for the
// given codecs.
func maxBucketEntries[K, V any](kc Codec[K], vc Codec[V]) uint32 {
	return uint32((storage.PageSize - offBucketEntries) / (kc.Size() + vc.Size()))
}

// bucketPage is a typed view over a page buffer; valid only while the page
// guard is held.
type bucketPage[K, V any] struct {
	buf []byte
	kc  Codec[K]
	vc  Codec[V]
}

func bucketPageFrom[K, V any](buf []byte, kc Codec[K], vc Codec[V]) bucketPage[K, V] {
	return bucketPage[K, V]{buf: buf, kc: kc, vc: vc}
}

func (b bucketPage[K, V]) init(maxSize uint32) {
	if limit := maxBucketEntries(b.kc, b.vc); maxSize == 0 || maxSize > limit {
		maxSize = limit
	}
	binary.LittleEndian.PutUint32(b.buf[offBucketSize:], 0)
	binary.LittleEndian.PutUint32(b.buf[offBucketMaxSize:], maxSize)
}

func (b bucketPage[K, V]) size() uint32 {
	return binary.LittleEndian.Uint32(b.buf[offBucketSize:])
}

func (b bucketPage[K, V]) setSize(v uint32) {
	binary.LittleEndian.PutUint32(b.buf[offBucketSize:], v)
}

func (b bucketPage[K, V]) maxSize() uint32 {
	return binary.LittleEndian.Uint32(b.buf[offBucketMaxSize:])
}

func (b bucketPage[K, V]) isFull() bool  { return b.size() >= b.maxSize() }
func (b bucketPage[K, V]) isEmpty() bool { return b.size() == 0 }

func (b bucketPage[K, V]) entryOffset(i uint32) int {
	return offBucketEntries + int(i)*(b.kc.Size()+b.vc.Size())
}

func (b bucketPage[K, V]) keyAt(i uint32) K {
	return b.kc.Decode(b.buf[b.entryOffset(i):])
}

func (b bucketPage[K, V]) valueAt(i uint32) V {
	return b.vc.Decode(b.buf[b.entryOffset(i)+b.kc.Size():])
}

func (b bucketPage[K, V]) setEntry(i uint32, k K, v V) {
	off := b.entryOffset(i)
	b.kc.Encode(b.buf[off:], k)
	b.vc.Encode(b.buf[off+b.kc.Size():], v)
}

// lookup scans for the key and returns its value.
func (b bucketPage[K, V]) lookup(key K, cmp CompareFunc[K]) (V, bool) {
	for i := uint32(0); i < b.size(); i++ {
		if cmp(b.keyAt(i), key) == 0 {
			return b.valueAt(i), true
		}
	}
	var zero V
	return zero, false
}

// append adds an entry; the caller has checked capacity and uniqueness.
func (b bucketPage[K, V]) append(k K, v V) bool {
	n := b.size()
	if n >= b.maxSize() {
		return false
	}
	b.setEntry(n, k, v)
	b.setSize(n + 1)
	return true
}

// removeAt swap-removes entry i.
func (b bucketPage[K, V]) removeAt(i uint32) {
	n := b.size()
	last := n - 1
	if i != last {
		b.setEntry(i, b.keyAt(last), b.valueAt(last))
	}
	b.setSize(last)
}

// removeKey removes the entry matching key, if any.
func (b bucketPage[K, V]) removeKey(key K, cmp CompareFunc[K]) bool {
	for i := uint32(0); i < b.size(); i++ {
		if cmp(b.keyAt(i), key) == 0 {
			b.removeAt(i)
			return true
		}
	}
	return false
}
