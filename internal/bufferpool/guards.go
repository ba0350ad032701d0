package bufferpool

import "github.com/tuannm99/granite/internal/storage"

// ReadPageGuard is a scoped handle over a page latched for shared reading.
// The guard holds both the latch and a pin, so the frame cannot be evicted
// or its bytes mutated while the guard is live. Done is the sole release
// path; guards must not be copied.
type ReadPageGuard struct {
	m    *Manager
	p    *storage.Page
	id   storage.PageID
	done bool
}

func (g *ReadPageGuard) PageID() storage.PageID { return g.id }

// Data returns the page bytes for reading. Valid until Done.
func (g *ReadPageGuard) Data() []byte { return g.p.Data() }

// Done releases the latch and the pin. Safe to call more than once.
func (g *ReadPageGuard) Done() {
	if g == nil || g.done {
		return
	}
	g.done = true
	// Unlatch before unpinning: the pool's mutex is the outermost lock and
	// must never be taken while a latch acquisition could be waiting on us.
	g.p.RUnlatch()
	g.m.UnpinPage(g.id, false)
}

// WritePageGuard is a scoped handle over a page latched exclusively. The
// page is marked dirty when the guard is released: a write guard is assumed
// to have mutated the bytes. Write guards also serve as the anchor for
// in-place typed page layouts (the hash index casts Data into its header,
// directory and bucket views).
type WritePageGuard struct {
	m    *Manager
	p    *storage.Page
	id   storage.PageID
	done bool
}

func (g *WritePageGuard) PageID() storage.PageID { return g.id }

// Data returns the page bytes for mutation. Valid until Done.
func (g *WritePageGuard) Data() []byte { return g.p.Data() }

// Done releases the latch and the pin, marking the page dirty.
func (g *WritePageGuard) Done() {
	if g == nil || g.done {
		return
	}
	g.done = true
	g.p.WUnlatch()
	g.m.UnpinPage(g.id, true)
}
