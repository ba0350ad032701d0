package bufferpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tuannm99/granite/internal/storage"
	"github.com/tuannm99/granite/pkg/evict"
)

var (
	logDebugPrefix = "bufferpool: "

	DefaultPoolSize = 128
	DefaultLRUK     = 2

	// ErrNoFreeFrame is returned when every frame is pinned and no victim
	// can be found.
	ErrNoFreeFrame = errors.New("bufferpool: no free frame available (all pinned)")

	// ErrPagePinned is returned when trying to delete a pinned page.
	ErrPagePinned = errors.New("bufferpool: page is pinned")

	// ErrInvalidPageID is returned for operations on InvalidPageID.
	ErrInvalidPageID = errors.New("bufferpool: invalid page id")
)

// LogManager receives page images ahead of disk writes. The zero value of
// the pool runs without one; wiring is optional and the default engine
// configuration leaves it off.
type LogManager interface {
	AppendPageImage(id storage.PageID, data []byte) (uint64, error)
}

// Config assembles a Manager. Disk is required; everything else has a
// default.
type Config struct {
	PoolSize int
	K        int                 // LRU-K parameter, ignored when Policy is set
	Disk     storage.DiskManager // required
	Policy   evict.Policy        // optional, defaults to LRU-K(PoolSize, K)
	Log      LogManager          // optional
}

// Manager is the buffer pool: a fixed set of frames caching disk pages.
//
// It guarantees at most one in-memory copy of any page, pins pages while
// guards are outstanding, evicts via the replacement policy, and coalesces
// concurrent fetches of the same absent page into a single disk read.
//
// Lock discipline: the inner mutex guards the page table, frames, free list
// and policy. It is the outermost lock and is never held across a disk wait
// or a blocking latch acquisition; before the pool waits on I/O it pins the
// target frame and latches it (the write latch when the frame's contents
// are being replaced, a read latch for a flush), which is enough to keep
// every invariant while the mutex is released.
type Manager struct {
	mu        sync.Mutex
	frames    []*storage.Page
	pageTable map[storage.PageID]storage.FrameID
	freeList  []storage.FrameID
	policy    evict.Policy

	// pending coalesces concurrent fetches of the same absent page. The
	// channel is closed by the producing fetch once the frame is installed
	// (or the fetch failed); waiters re-run the lookup either way.
	pendingMu sync.Mutex
	pending   map[storage.PageID]chan struct{}

	scheduler  *storage.DiskScheduler
	lm         LogManager
	nextPageID atomic.Int32
}

// New creates a buffer pool over cfg.Disk. The next page id to allocate is
// seeded from the pages already on disk.
func New(cfg Config) *Manager {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.K <= 0 {
		cfg.K = DefaultLRUK
	}
	if cfg.Policy == nil {
		cfg.Policy = evict.NewLRUK(cfg.PoolSize, cfg.K)
	}

	m := &Manager{
		frames:    make([]*storage.Page, cfg.PoolSize),
		pageTable: make(map[storage.PageID]storage.FrameID, cfg.PoolSize),
		freeList:  make([]storage.FrameID, 0, cfg.PoolSize),
		policy:    cfg.Policy,
		pending:   make(map[storage.PageID]chan struct{}),
		scheduler: storage.NewDiskScheduler(cfg.Disk),
		lm:        cfg.Log,
	}
	for i := range m.frames {
		m.frames[i] = storage.NewPage(nil)
		m.freeList = append(m.freeList, i)
	}
	m.nextPageID.Store(cfg.Disk.PageCount())
	return m
}

// Capacity returns the number of frames.
func (m *Manager) Capacity() int { return len(m.frames) }

// Size returns the number of pages currently mapped.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pageTable)
}

// EvictableCount returns how many frames the policy could evict right now.
func (m *Manager) EvictableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.Size()
}

// allocatePageID hands out the next monotonic page id.
func (m *Manager) allocatePageID() storage.PageID {
	return storage.PageID(m.nextPageID.Add(1) - 1)
}

// victimLocked pops a frame from the free list or asks the policy to evict
// one. Caller holds m.mu.
func (m *Manager) victimLocked() (storage.FrameID, bool) {
	if len(m.freeList) > 0 {
		fid := m.freeList[0]
		m.freeList = m.freeList[1:]
		return fid, true
	}
	fid, ok := m.policy.Evict()
	if !ok {
		return 0, false
	}
	p := m.frames[fid]
	if p.IsPinned() {
		// The policy must never hand out pinned frames.
		slog.Error(logDebugPrefix+"policy evicted a pinned frame",
			"frameID", fid,
			"pageID", p.PageID())
		return 0, false
	}
	return fid, true
}

// pinLocked pins the frame and updates the policy. Caller holds m.mu.
func (m *Manager) pinLocked(fid storage.FrameID, p *storage.Page, at evict.AccessType) {
	if p.Pin() == 1 {
		m.policy.SetEvictable(fid, false)
	}
	m.policy.RecordAccess(fid, at)
}

// takeVictimLocked claims a victim frame for newID: takes its write latch,
// unmaps the previous page, installs the new mapping and pins the frame.
// The old identity and dirtiness are returned so the caller can schedule the
// write-back after releasing m.mu. Caller holds m.mu.
//
// Latching under the mutex cannot block: the frame came from the free list
// or was evictable, so its pin count is zero and guard release order
// (unlatch before unpin) guarantees nobody holds its latch.
func (m *Manager) takeVictimLocked(fid storage.FrameID, newID storage.PageID, at evict.AccessType) (oldID storage.PageID, oldDirty bool) {
	p := m.frames[fid]
	oldID = p.PageID()
	oldDirty = p.IsDirty()

	p.WLatch()
	if oldID != storage.InvalidPageID {
		delete(m.pageTable, oldID)
	}
	m.pageTable[newID] = fid
	m.policy.RecordAccess(fid, at)
	m.policy.SetEvictable(fid, false)
	p.Pin()
	return oldID, oldDirty
}

// releaseFrameLocked undoes a failed install: unmaps the page, returns the
// frame to the free list and clears its identity. Caller holds m.mu and has
// already released the page's write latch.
func (m *Manager) releaseFrameLocked(fid storage.FrameID, id storage.PageID) {
	p := m.frames[fid]
	delete(m.pageTable, id)
	m.policy.Remove(fid)
	m.freeList = append(m.freeList, fid)
	p.Unpin()
	p.SetPageID(storage.InvalidPageID)
	p.SetDirty(false)
}

func (m *Manager) appendLog(id storage.PageID, data []byte) {
	if m.lm == nil {
		return
	}
	if _, err := m.lm.AppendPageImage(id, data); err != nil {
		slog.Error(logDebugPrefix+"log append failed", "pageID", id, "err", err)
	}
}

// NewPage allocates a fresh page id, claims a frame for it and returns a
// write guard over the zeroed page. The page is pinned with count 1.
func (m *Manager) NewPage(at evict.AccessType) (*WritePageGuard, error) {
	m.mu.Lock()
	fid, ok := m.victimLocked()
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoFreeFrame
	}
	id := m.allocatePageID()
	oldID, oldDirty := m.takeVictimLocked(fid, id, at)
	p := m.frames[fid]
	m.mu.Unlock()

	slog.Debug(logDebugPrefix+"NewPage claimed frame",
		"pageID", id,
		"frameID", fid,
		"victimPageID", oldID,
		"victimDirty", oldDirty)

	if oldID != storage.InvalidPageID && oldDirty {
		m.appendLog(oldID, p.Data())
		if err := <-m.scheduler.ScheduleWrite(oldID, p.Data()); err != nil {
			// Unlatch before the frame can reappear on the free list, so a
			// concurrent victim claim never blocks on us under the mutex.
			p.WUnlatch()
			m.mu.Lock()
			m.releaseFrameLocked(fid, id)
			m.mu.Unlock()
			return nil, fmt.Errorf("bufferpool: write back page %d: %w", oldID, err)
		}
	}

	p.ResetData()
	p.SetPageID(id)
	p.SetDirty(false)
	return &WritePageGuard{m: m, p: p, id: id}, nil
}

type accessMode int

const (
	modeRead accessMode = iota
	modeWrite
)

// FetchPageRead returns a read guard over the page, loading it from disk if
// absent. Concurrent fetches of the same absent page coalesce into one read.
func (m *Manager) FetchPageRead(id storage.PageID, at evict.AccessType) (*ReadPageGuard, error) {
	p, err := m.fetchPage(id, modeRead, at)
	if err != nil {
		return nil, err
	}
	return &ReadPageGuard{m: m, p: p, id: id}, nil
}

// FetchPageWrite returns a write guard over the page, loading it from disk
// if absent.
func (m *Manager) FetchPageWrite(id storage.PageID, at evict.AccessType) (*WritePageGuard, error) {
	p, err := m.fetchPage(id, modeWrite, at)
	if err != nil {
		return nil, err
	}
	return &WritePageGuard{m: m, p: p, id: id}, nil
}

// fetchPage returns the page latched in the requested mode and pinned.
func (m *Manager) fetchPage(id storage.PageID, mode accessMode, at evict.AccessType) (*storage.Page, error) {
	if id == storage.InvalidPageID {
		return nil, ErrInvalidPageID
	}

	for {
		m.mu.Lock()

		// Single flight: if another fetch of this page is in progress,
		// wait for it to settle and re-run the lookup.
		m.pendingMu.Lock()
		ch, inflight := m.pending[id]
		if inflight {
			m.pendingMu.Unlock()
			m.mu.Unlock()
			<-ch
			continue
		}

		if fid, ok := m.pageTable[id]; ok {
			m.pendingMu.Unlock()
			p := m.frames[fid]
			m.pinLocked(fid, p, at)
			m.mu.Unlock()

			if mode == modeWrite {
				p.WLatch()
			} else {
				p.RLatch()
			}
			return p, nil
		}

		// Miss: claim a frame and register the in-flight fetch while both
		// locks are held, so no second reader can start the same I/O.
		fid, ok := m.victimLocked()
		if !ok {
			m.pendingMu.Unlock()
			m.mu.Unlock()
			return nil, ErrNoFreeFrame
		}
		ch = make(chan struct{})
		m.pending[id] = ch
		m.pendingMu.Unlock()

		oldID, oldDirty := m.takeVictimLocked(fid, id, at)
		p := m.frames[fid]
		m.mu.Unlock()

		slog.Debug(logDebugPrefix+"fetch miss",
			"pageID", id,
			"frameID", fid,
			"victimPageID", oldID,
			"victimDirty", oldDirty)

		var err error
		if oldID != storage.InvalidPageID && oldDirty {
			// Coalesced write-then-read: the scheduler orders the victim
			// write-back strictly before the replacement read.
			m.appendLog(oldID, p.Data())
			err = <-m.scheduler.ScheduleWriteRead(oldID, id, p.Data())
		} else {
			err = <-m.scheduler.ScheduleRead(id, p.Data())
		}

		if err != nil {
			p.WUnlatch()
			m.mu.Lock()
			m.releaseFrameLocked(fid, id)
			m.mu.Unlock()
			m.completePending(id, ch)
			return nil, fmt.Errorf("bufferpool: fetch page %d: %w", id, err)
		}

		p.SetPageID(id)
		p.SetDirty(false)
		m.completePending(id, ch)

		if mode == modeRead {
			// Downgrade by re-acquire; the pin keeps the frame in place
			// across the gap.
			p.WUnlatch()
			p.RLatch()
		}
		return p, nil
	}
}

func (m *Manager) completePending(id storage.PageID, ch chan struct{}) {
	m.pendingMu.Lock()
	delete(m.pending, id)
	close(ch)
	m.pendingMu.Unlock()
}

// UnpinPage decrements the page's pin count, ORs in the dirty hint and
// marks the frame evictable when the count reaches zero. It reports false
// when the page is absent or was not pinned. Guard release calls this; it
// is exported for callers managing pins manually.
func (m *Manager) UnpinPage(id storage.PageID, dirty bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, ok := m.pageTable[id]
	if !ok {
		return false
	}
	p := m.frames[fid]
	if dirty {
		p.SetDirty(true)
	}
	c, wasPinned := p.Unpin()
	if !wasPinned {
		return false
	}
	if c == 0 {
		m.policy.SetEvictable(fid, true)
	}
	return true
}

// FlushPage writes the page's current bytes to disk and clears its dirty
// flag. It reports false when the page is not resident. The inner mutex is
// not held across the disk wait.
func (m *Manager) FlushPage(id storage.PageID) (bool, error) {
	if id == storage.InvalidPageID {
		return false, ErrInvalidPageID
	}

	m.mu.Lock()
	fid, ok := m.pageTable[id]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	p := m.frames[fid]
	m.pinLocked(fid, p, evict.AccessUnknown)
	m.mu.Unlock()

	p.RLatch()
	m.appendLog(id, p.Data())
	err := <-m.scheduler.ScheduleWrite(id, p.Data())
	if err == nil {
		p.SetDirty(false)
	}
	p.RUnlatch()
	m.UnpinPage(id, false)

	if err != nil {
		return false, fmt.Errorf("bufferpool: flush page %d: %w", id, err)
	}
	return true, nil
}

// FlushAllPages flushes every resident dirty page.
func (m *Manager) FlushAllPages() error {
	m.mu.Lock()
	ids := make([]storage.PageID, 0, len(m.pageTable))
	for id, fid := range m.pageTable {
		if m.frames[fid].IsDirty() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage drops the page from the pool and returns its frame to the free
// list. Disk deallocation is a no-op (ids are never reused). Deleting an
// absent page succeeds; deleting a pinned page fails with ErrPagePinned.
func (m *Manager) DeletePage(id storage.PageID) (bool, error) {
	if id == storage.InvalidPageID {
		return false, ErrInvalidPageID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fid, ok := m.pageTable[id]
	if !ok {
		return true, nil
	}
	p := m.frames[fid]
	if p.IsPinned() {
		return false, fmt.Errorf("%w: page %d", ErrPagePinned, id)
	}

	delete(m.pageTable, id)
	m.policy.Remove(fid)
	m.freeList = append(m.freeList, fid)
	p.SetPageID(storage.InvalidPageID)
	p.SetDirty(false)
	return true, nil
}

// Close flushes all dirty pages and stops the disk scheduler. The pool must
// be quiesced (no outstanding guards).
func (m *Manager) Close() error {
	err := m.FlushAllPages()
	m.scheduler.Shutdown()
	return err
}
