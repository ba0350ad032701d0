package extendible

import (
	"encoding/binary"
	"fmt"

	"github.com/tuannm99/granite/internal/storage"
)

// Directory page layout. A directory maps the low globalDepth bits of the
// key hash to a bucket page. Arrays are sized for the depth limit, so the
// layout is independent of the configured depth.
//
//	+0     maxDepth     u32
//	+4     globalDepth  u32
//	+8     localDepths  [512]u8
//	+520   bucketPageIDs [512]i32
const (
	DirectoryMaxDepthLimit = 9
	directoryArraySize     = 1 << DirectoryMaxDepthLimit

	offDirMaxDepth    = 0
	offDirGlobalDepth = 4
	offDirLocalDepths = 8
	offDirBucketIDs   = offDirLocalDepths + directoryArraySize

	directoryPageBytes = offDirBucketIDs + directoryArraySize*4
)

// The directory layout must fit in one page.
var _ [storage.PageSize - directoryPageBytes]byte

// directoryPage is a view over a page buffer; valid only while the page
// guard is held.
type directoryPage struct {
	buf []byte
}

func directoryPageFrom(buf []byte) directoryPage { return directoryPage{buf: buf} }

func (d directoryPage) init(maxDepth uint32) {
	if maxDepth > DirectoryMaxDepthLimit {
		maxDepth = DirectoryMaxDepthLimit
	}
	binary.LittleEndian.PutUint32(d.buf[offDirMaxDepth:], maxDepth)
	binary.LittleEndian.PutUint32(d.buf[offDirGlobalDepth:], 0)
	for i := uint32(0); i < directoryArraySize; i++ {
		d.setLocalDepth(i, 0)
		d.setBucketPageID(i, storage.InvalidPageID)
	}
}

func (d directoryPage) maxDepth() uint32 {
	return binary.LittleEndian.Uint32(d.buf[offDirMaxDepth:])
}

func (d directoryPage) globalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.buf[offDirGlobalDepth:])
}

func (d directoryPage) setGlobalDepth(v uint32) {
	binary.LittleEndian.PutUint32(d.buf[offDirGlobalDepth:], v)
}

// size is the number of live directory entries, 1 << globalDepth.
func (d directoryPage) size() uint32 {
	return 1 << d.globalDepth()
}

// bucketIndex maps a hash to a directory entry using the low globalDepth
// bits of the full 32-bit hash.
func (d directoryPage) bucketIndex(hash uint32) uint32 {
	return hash & (d.size() - 1)
}

func (d directoryPage) bucketPageID(idx uint32) storage.PageID {
	off := offDirBucketIDs + idx*4
	return storage.PageID(binary.LittleEndian.Uint32(d.buf[off:]))
}

func (d directoryPage) setBucketPageID(idx uint32, id storage.PageID) {
	off := offDirBucketIDs + idx*4
	binary.LittleEndian.PutUint32(d.buf[off:], uint32(id))
}

func (d directoryPage) localDepth(idx uint32) uint32 {
	return uint32(d.buf[offDirLocalDepths+idx])
}

func (d directoryPage) setLocalDepth(idx uint32, depth uint8) {
	d.buf[offDirLocalDepths+idx] = depth
}

// incrGlobalDepth doubles the effective directory by bit-copying the lower
// half into the new upper half. It fails at maxDepth.
func (d directoryPage) incrGlobalDepth() bool {
	g := d.globalDepth()
	if g >= d.maxDepth() {
		return false
	}
	size := d.size()
	for i := uint32(0); i < size; i++ {
		d.setBucketPageID(size+i, d.bucketPageID(i))
		d.setLocalDepth(size+i, uint8(d.localDepth(i)))
	}
	d.setGlobalDepth(g + 1)
	return true
}

// decrGlobalDepth halves the directory, resetting the dropped upper half.
// It fails at depth zero.
func (d directoryPage) decrGlobalDepth() bool {
	g := d.globalDepth()
	if g == 0 {
		return false
	}
	size := d.size()
	for i := size / 2; i < size; i++ {
		d.setBucketPageID(i, storage.InvalidPageID)
		d.setLocalDepth(i, 0)
	}
	d.setGlobalDepth(g - 1)
	return true
}

// canShrink reports whether every live entry's local depth is strictly
// below the global depth, i.e. the upper half mirrors the lower half.
func (d directoryPage) canShrink() bool {
	g := d.globalDepth()
	if g == 0 {
		return false
	}
	for i := uint32(0); i < d.size(); i++ {
		if d.localDepth(i) >= g {
			return false
		}
	}
	return true
}

// verify checks the directory invariants:
//
//	(i)   every local depth <= global depth
//	(ii)  each bucket is referenced by exactly 2^(globalDepth-localDepth)
//	      entries
//	(iii) entries sharing a bucket page id agree on the local depth
func (d directoryPage) verify() error {
	g := d.globalDepth()
	if g > d.maxDepth() {
		return fmt.Errorf("extendible: global depth %d exceeds max depth %d", g, d.maxDepth())
	}

	type bucketRef struct {
		count uint32
		depth uint32
	}
	refs := make(map[storage.PageID]bucketRef)

	for i := uint32(0); i < d.size(); i++ {
		ld := d.localDepth(i)
		if ld > g {
			return fmt.Errorf("extendible: entry %d local depth %d exceeds global depth %d", i, ld, g)
		}
		id := d.bucketPageID(i)
		if id == storage.InvalidPageID {
			continue
		}
		ref, seen := refs[id]
		if seen && ref.depth != ld {
			return fmt.Errorf("extendible: bucket %d referenced with local depths %d and %d", id, ref.depth, ld)
		}
		refs[id] = bucketRef{count: ref.count + 1, depth: ld}
	}

	for id, ref := range refs {
		want := uint32(1) << (g - ref.depth)
		if ref.count != want {
			return fmt.Errorf("extendible: bucket %d has %d directory entries, want %d", id, ref.count, want)
		}
	}
	return nil
}
