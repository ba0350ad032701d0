package storage

import (
	"sync"
	"sync/atomic"
)

// Page is a fixed-size byte buffer plus the metadata the buffer pool needs
// to manage it: identity, pin count, dirty flag and a reader-writer latch.
//
// The latch guards the byte buffer only. Metadata is atomic and may be read
// without holding the latch; a page with pin count > 0 is never evicted, so
// callers holding a pin can rely on the buffer staying in place.
type Page struct {
	latch sync.RWMutex

	id    atomic.Int32
	pin   atomic.Int32
	dirty atomic.Bool

	buf []byte
}

// NewPage allocates an unmapped page. The buffer may be supplied (e.g. a
// pre-aligned block); nil allocates a fresh zeroed one.
func NewPage(buf []byte) *Page {
	if buf == nil {
		buf = make([]byte, PageSize)
	}
	p := &Page{buf: buf}
	p.id.Store(int32(InvalidPageID))
	return p
}

func (p *Page) PageID() PageID      { return PageID(p.id.Load()) }
func (p *Page) SetPageID(id PageID) { p.id.Store(int32(id)) }
func (p *Page) IsDirty() bool       { return p.dirty.Load() }
func (p *Page) SetDirty(dirty bool) { p.dirty.Store(dirty) }
func (p *Page) PinCount() int32     { return p.pin.Load() }
func (p *Page) IsPinned() bool      { return p.pin.Load() > 0 }

// Pin increments the pin count and returns the new value.
func (p *Page) Pin() int32 { return p.pin.Add(1) }

// Unpin decrements the pin count, clamped at zero. It returns the new count
// and whether the page was pinned at all.
func (p *Page) Unpin() (int32, bool) {
	for {
		c := p.pin.Load()
		if c == 0 {
			return 0, false
		}
		if p.pin.CompareAndSwap(c, c-1) {
			return c - 1, true
		}
	}
}

// Data returns the page buffer. Callers must hold the latch in the
// appropriate mode.
func (p *Page) Data() []byte { return p.buf }

// ResetData zeroes the buffer. Caller must hold the write latch.
func (p *Page) ResetData() {
	for i := range p.buf {
		p.buf[i] = 0
	}
}

func (p *Page) RLatch()   { p.latch.RLock() }
func (p *Page) RUnlatch() { p.latch.RUnlock() }
func (p *Page) WLatch()   { p.latch.Lock() }
func (p *Page) WUnlatch() { p.latch.Unlock() }
