package evict

import (
	"math"
	"sync/atomic"
)

// LRUK implements LRU-K replacement for a fixed number of slots.
//
// Each tracked slot records the timestamp of its first access and of its
// K-th access (the "interval"); timestamps come from one monotonic counter
// shared across all slots. Eviction order:
//
//   - among slots with at least K recorded accesses, the one whose K-th
//     access happened latest goes first;
//   - slots with fewer than K accesses come after all of those, ordered by
//     earliest first access, then by the order they were first tracked.
//
// Evictable slots live in a binary max-heap over that ordering. Every node
// stores its heap index, so SetEvictable(false) and interval changes locate
// it in O(1) and restore heap order in O(log n).
type LRUK struct {
	k     int
	now   atomic.Int64 // shared access timestamp counter
	seq   int64        // tracking order, tie-break for untouched slots
	nodes []lruKNode
	heap  []int // slot ids, max-heap over before()
}

type lruKNode struct {
	first     int64 // timestamp of the first access; sentinel until one exists
	interval  int64 // timestamp of the k-th access; sentinel until k accesses
	count     int
	seq       int64
	present   bool
	evictable bool
	heapPos   int
}

const noAccess = int64(math.MaxInt64)

// NewLRUK creates an LRU-K policy for slot ids [0, capacity). k <= 0 falls
// back to 1 (classic LRU).
func NewLRUK(capacity, k int) *LRUK {
	if capacity <= 0 {
		capacity = 1
	}
	if k <= 0 {
		k = 1
	}
	return &LRUK{
		k:     k,
		nodes: make([]lruKNode, capacity),
	}
}

func (l *LRUK) Capacity() int { return len(l.nodes) }
func (l *LRUK) K() int        { return l.k }

func (l *LRUK) track(id int) *lruKNode {
	n := &l.nodes[id]
	if !n.present {
		l.seq++
		*n = lruKNode{
			first:    noAccess,
			interval: noAccess,
			seq:      l.seq,
			present:  true,
			heapPos:  -1,
		}
	}
	return n
}

// RecordAccess appends the current timestamp to the slot's history. If the
// slot is evictable its heap position is re-sifted, since the interval
// becomes defined on the k-th access.
func (l *LRUK) RecordAccess(id int, _ AccessType) {
	if id < 0 || id >= len(l.nodes) {
		return
	}
	n := l.track(id)
	ts := l.now.Add(1)
	if n.count == 0 {
		n.first = ts
	}
	n.count++
	if n.count == l.k {
		n.interval = ts
	}
	if n.evictable {
		l.fix(n.heapPos)
	}
}

// SetEvictable marks whether the slot may be evicted. Marking an unknown
// slot evictable starts tracking it with an empty history.
func (l *LRUK) SetEvictable(id int, evictable bool) {
	if id < 0 || id >= len(l.nodes) {
		return
	}
	if !l.nodes[id].present && !evictable {
		return
	}
	n := l.track(id)
	if n.evictable == evictable {
		return
	}
	n.evictable = evictable
	if evictable {
		l.push(id)
	} else {
		l.removeAt(n.heapPos)
		n.heapPos = -1
	}
}

// Evict pops the victim with the highest eviction priority and clears its
// tracking so the slot can be reused from scratch.
func (l *LRUK) Evict() (int, bool) {
	if len(l.heap) == 0 {
		return -1, false
	}
	id := l.heap[0]
	l.removeAt(0)
	l.nodes[id] = lruKNode{heapPos: -1}
	return id, true
}

// Remove untracks the slot entirely.
func (l *LRUK) Remove(id int) {
	if id < 0 || id >= len(l.nodes) {
		return
	}
	n := &l.nodes[id]
	if !n.present {
		return
	}
	if n.evictable {
		l.removeAt(n.heapPos)
	}
	*n = lruKNode{heapPos: -1}
}

// Size returns the number of evictable slots.
func (l *LRUK) Size() int { return len(l.heap) }

// before reports whether slot a is evicted ahead of slot b.
func (l *LRUK) before(a, b int) bool {
	na, nb := &l.nodes[a], &l.nodes[b]
	aFull := na.count >= l.k
	bFull := nb.count >= l.k
	switch {
	case aFull && bFull:
		return na.interval > nb.interval
	case aFull != bFull:
		return aFull
	case na.first != nb.first:
		return na.first < nb.first
	default:
		return na.seq < nb.seq
	}
}

func (l *LRUK) push(id int) {
	l.heap = append(l.heap, id)
	pos := len(l.heap) - 1
	l.nodes[id].heapPos = pos
	l.siftUp(pos)
}

func (l *LRUK) removeAt(pos int) {
	last := len(l.heap) - 1
	l.swap(pos, last)
	l.heap = l.heap[:last]
	if pos < last {
		l.fix(pos)
	}
}

// fix restores heap order for the node at pos after its key changed.
func (l *LRUK) fix(pos int) {
	if pos < 0 || pos >= len(l.heap) {
		return
	}
	if l.siftUp(pos) == pos {
		l.siftDown(pos)
	}
}

func (l *LRUK) siftUp(pos int) int {
	for pos > 0 {
		parent := (pos - 1) / 2
		if !l.before(l.heap[pos], l.heap[parent]) {
			break
		}
		l.swap(pos, parent)
		pos = parent
	}
	return pos
}

func (l *LRUK) siftDown(pos int) {
	n := len(l.heap)
	for {
		child := 2*pos + 1
		if child >= n {
			return
		}
		if child+1 < n && l.before(l.heap[child+1], l.heap[child]) {
			child++
		}
		if !l.before(l.heap[child], l.heap[pos]) {
			return
		}
		l.swap(pos, child)
		pos = child
	}
}

func (l *LRUK) swap(i, j int) {
	if i == j {
		return
	}
	l.heap[i], l.heap[j] = l.heap[j], l.heap[i]
	l.nodes[l.heap[i]].heapPos = i
	l.nodes[l.heap[j]].heapPos = j
}

var _ Policy = (*LRUK)(nil)
