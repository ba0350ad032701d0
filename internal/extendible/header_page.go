package extendible

import (
	"encoding/binary"

	"github.com/tuannm99/granite/internal/storage"
)

// Header page layout. The header is the singleton root of the index: a
// fixed array of directory page ids indexed by the top maxDepth bits of the
// key hash. The array is sized for the depth limit so offsets never depend
// on the configured depth.
//
//	+0   maxDepth  u32
//	+4   directoryPageIDs [512]i32
const (
	HeaderMaxDepthLimit = 9
	headerArraySize     = 1 << HeaderMaxDepthLimit

	offHeaderMaxDepth = 0
	offHeaderDirIDs   = 4

	headerPageBytes = offHeaderDirIDs + headerArraySize*4
)

// The header layout must fit in one page.
var _ [storage.PageSize - headerPageBytes]byte

// headerPage is a view over a page buffer; it owns no storage and must only
// be used while the corresponding page guard is held.
type headerPage struct {
	buf []byte
}

func headerPageFrom(buf []byte) headerPage { return headerPage{buf: buf} }

// init formats a zeroed page: records the depth and marks every directory
// slot absent.
func (h headerPage) init(maxDepth uint32) {
	if maxDepth > HeaderMaxDepthLimit {
		maxDepth = HeaderMaxDepthLimit
	}
	binary.LittleEndian.PutUint32(h.buf[offHeaderMaxDepth:], maxDepth)
	for i := uint32(0); i < headerArraySize; i++ {
		h.setDirectoryPageID(i, storage.InvalidPageID)
	}
}

func (h headerPage) maxDepth() uint32 {
	return binary.LittleEndian.Uint32(h.buf[offHeaderMaxDepth:])
}

// numDirectories is the number of live directory slots, 1 << maxDepth.
func (h headerPage) numDirectories() uint32 {
	return 1 << h.maxDepth()
}

// directoryIndex maps a hash to a directory slot using the top maxDepth
// bits of the 32-bit hash.
func (h headerPage) directoryIndex(hash uint32) uint32 {
	d := h.maxDepth()
	if d == 0 {
		return 0
	}
	return hash >> (32 - d)
}

func (h headerPage) directoryPageID(idx uint32) storage.PageID {
	off := offHeaderDirIDs + idx*4
	return storage.PageID(binary.LittleEndian.Uint32(h.buf[off:]))
}

func (h headerPage) setDirectoryPageID(idx uint32, id storage.PageID) {
	off := offHeaderDirIDs + idx*4
	binary.LittleEndian.PutUint32(h.buf[off:], uint32(id))
}
