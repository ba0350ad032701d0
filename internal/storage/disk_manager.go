package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"
)

// DiskManager is the byte-addressable page I/O endpoint the buffer pool
// writes through. Reads past the end of the backing store zero-fill the
// remainder, so pages are lazily initialized by higher layers.
type DiskManager interface {
	// ReadPage reads exactly one page into dst (len must be PageSize).
	ReadPage(id PageID, dst []byte) error

	// WritePage writes exactly one page from src (len must be PageSize).
	WritePage(id PageID, src []byte) error

	// PageCount returns the number of pages the backing store currently
	// spans: one past the highest page id written so far. Ids below it
	// that were never written read back as zeroes.
	PageCount() int32

	Sync() error
	Close() error
}

func checkPageIO(id PageID, buf []byte) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, id)
	}
	if len(buf) != PageSize {
		return fmt.Errorf("%w: got %d bytes", ErrPageSizeMismatch, len(buf))
	}
	return nil
}

var _ DiskManager = (*FileDiskManager)(nil)

// FileDiskManager stores pages in a single data file at offset id*PageSize.
// In direct mode the file is opened with O_DIRECT and transfers are staged
// through an aligned scratch block.
type FileDiskManager struct {
	mu        sync.Mutex
	f         *os.File
	pageCount int32
	direct    bool
	scratch   []byte

	reads  int64
	writes int64
}

// NewFileDiskManager opens (or creates) the data file using buffered I/O.
func NewFileDiskManager(path string) (*FileDiskManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open data file: %w", err)
	}
	return newFileDiskManager(f, false)
}

// NewDirectFileDiskManager opens the data file with O_DIRECT, bypassing the
// OS page cache. PageSize equals the direct-IO block size, so every page
// transfer is a single aligned block.
func NewDirectFileDiskManager(path string) (*FileDiskManager, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open data file (direct): %w", err)
	}
	return newFileDiskManager(f, true)
}

func newFileDiskManager(f *os.File, direct bool) (*FileDiskManager, error) {
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("storage: stat data file: %w", err)
	}
	dm := &FileDiskManager{
		f:         f,
		pageCount: int32(info.Size() / PageSize),
		direct:    direct,
	}
	if direct {
		dm.scratch = directio.AlignedBlock(PageSize)
	}
	return dm, nil
}

func (dm *FileDiskManager) ReadPage(id PageID, dst []byte) error {
	if err := checkPageIO(id, dst); err != nil {
		return err
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.f == nil {
		return ErrClosed
	}

	off := int64(id) * PageSize
	buf := dst
	if dm.direct {
		buf = dm.scratch
	}

	n, err := dm.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return fmt.Errorf("storage: read page %d: %w", id, err)
	}
	// Zero-fill past EOF or a short read.
	for i := n; i < PageSize; i++ {
		buf[i] = 0
	}
	if dm.direct {
		copy(dst, buf)
	}
	dm.reads++
	return nil
}

func (dm *FileDiskManager) WritePage(id PageID, src []byte) error {
	if err := checkPageIO(id, src); err != nil {
		return err
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.f == nil {
		return ErrClosed
	}

	buf := src
	if dm.direct {
		copy(dm.scratch, src)
		buf = dm.scratch
	}

	n, err := dm.f.WriteAt(buf, int64(id)*PageSize)
	if err != nil {
		return fmt.Errorf("storage: write page %d: %w", id, err)
	}
	if n != PageSize {
		return io.ErrShortWrite
	}
	if int32(id) >= dm.pageCount {
		dm.pageCount = int32(id) + 1
	}
	dm.writes++
	return nil
}

func (dm *FileDiskManager) PageCount() int32 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.pageCount
}

// Stats reports the number of page reads and writes served so far.
func (dm *FileDiskManager) Stats() (reads, writes int64) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.reads, dm.writes
}

func (dm *FileDiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.f == nil {
		return ErrClosed
	}
	return dm.f.Sync()
}

func (dm *FileDiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.f == nil {
		return nil
	}
	err := dm.f.Close()
	dm.f = nil
	return err
}

var _ DiskManager = (*MemDiskManager)(nil)

// MemDiskManager keeps pages in an in-memory file. Used by tests and
// ephemeral embeddings; reads and writes follow the file backend, including
// zero-fill of never-written pages. Sync and Close are no-ops and it keeps
// no I/O counters.
type MemDiskManager struct {
	mu        sync.Mutex
	f         *memfile.File
	pageCount int32
}

func NewMemDiskManager() *MemDiskManager {
	return &MemDiskManager{f: memfile.New(nil)}
}

func (dm *MemDiskManager) ReadPage(id PageID, dst []byte) error {
	if err := checkPageIO(id, dst); err != nil {
		return err
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	n, err := dm.f.ReadAt(dst, int64(id)*PageSize)
	if err != nil && err != io.EOF {
		return fmt.Errorf("storage: read page %d: %w", id, err)
	}
	for i := n; i < PageSize; i++ {
		dst[i] = 0
	}
	return nil
}

func (dm *MemDiskManager) WritePage(id PageID, src []byte) error {
	if err := checkPageIO(id, src); err != nil {
		return err
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if _, err := dm.f.WriteAt(src, int64(id)*PageSize); err != nil {
		return fmt.Errorf("storage: write page %d: %w", id, err)
	}
	if int32(id) >= dm.pageCount {
		dm.pageCount = int32(id) + 1
	}
	return nil
}

func (dm *MemDiskManager) PageCount() int32 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.pageCount
}

func (dm *MemDiskManager) Sync() error  { return nil }
func (dm *MemDiskManager) Close() error { return nil }
