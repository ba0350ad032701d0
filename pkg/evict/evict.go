// Package evict provides frame eviction policies for the buffer pool.
//
// Policies track slot ids in [0, capacity) and answer "which slot should be
// reused next". They hold no locks of their own: the buffer pool mutates its
// policy while holding its bookkeeping mutex.
package evict

// AccessType describes why a frame is being touched. Policies may weight
// access kinds differently; the current ones treat them alike but the type
// is threaded through so callers don't lose the information.
type AccessType int

const (
	AccessUnknown AccessType = iota
	AccessLookup
	AccessScan
	AccessIndex
)

// Policy is the capability set the buffer pool needs from a replacement
// policy. Implementations are NOT safe for concurrent use.
type Policy interface {
	// RecordAccess notes that slot id was just accessed.
	RecordAccess(id int, at AccessType)

	// SetEvictable marks whether slot id may be chosen by Evict.
	SetEvictable(id int, evictable bool)

	// Evict picks a victim slot, removes it from tracking and returns it.
	// ok is false when nothing is evictable; that is a normal signal, not
	// an error.
	Evict() (id int, ok bool)

	// Remove untracks slot id entirely.
	Remove(id int)

	// Size returns the number of currently evictable slots.
	Size() int
}
