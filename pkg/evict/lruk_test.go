package evict

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUK_New_Defaults(t *testing.T) {
	l := NewLRUK(0, 0)
	require.Equal(t, 1, l.Capacity())
	require.Equal(t, 1, l.K())
	require.Equal(t, 0, l.Size())
}

func TestLRUK_BackwardKDistanceOrdering(t *testing.T) {
	// Seven frames, K=2. Access pattern: 1,2,3,4,1,2,3,1,2,4.
	// Second accesses land at timestamps 5 (frame 1), 6 (frame 2),
	// 7 (frame 3) and 10 (frame 4), so eviction goes 4, 3, 2, 1.
	// Frames 5 and 6 never got an access and leave last, in the order
	// they were marked evictable.
	l := NewLRUK(7, 2)

	for _, id := range []int{1, 2, 3, 4, 1, 2, 3, 1, 2, 4} {
		l.RecordAccess(id, AccessLookup)
	}
	for _, id := range []int{1, 2, 3, 4, 5, 6} {
		l.SetEvictable(id, true)
	}
	require.Equal(t, 6, l.Size())

	var got []int
	for {
		id, ok := l.Evict()
		if !ok {
			break
		}
		got = append(got, id)
	}
	require.Equal(t, []int{4, 3, 2, 1, 5, 6}, got)
	require.Equal(t, 0, l.Size())
}

func TestLRUK_FewerThanKAccesses_OldestFirstAccessWins(t *testing.T) {
	l := NewLRUK(4, 2)

	// Single accesses only: all below K, ordered by first access.
	l.RecordAccess(2, AccessLookup) // ts 1
	l.RecordAccess(0, AccessLookup) // ts 2
	l.RecordAccess(3, AccessLookup) // ts 3

	for _, id := range []int{0, 2, 3} {
		l.SetEvictable(id, true)
	}

	var got []int
	for range 3 {
		id, ok := l.Evict()
		require.True(t, ok)
		got = append(got, id)
	}
	require.Equal(t, []int{2, 0, 3}, got)
}

func TestLRUK_SetEvictable_TogglesHeapMembership(t *testing.T) {
	l := NewLRUK(3, 2)

	l.RecordAccess(0, AccessLookup)
	l.RecordAccess(1, AccessLookup)
	l.SetEvictable(0, true)
	l.SetEvictable(1, true)
	require.Equal(t, 2, l.Size())

	// Same value twice is a no-op.
	l.SetEvictable(0, true)
	require.Equal(t, 2, l.Size())

	l.SetEvictable(0, false)
	require.Equal(t, 1, l.Size())

	id, ok := l.Evict()
	require.True(t, ok)
	require.Equal(t, 1, id)

	// Frame 0 is still tracked but pinned; nothing to evict.
	_, ok = l.Evict()
	require.False(t, ok)
}

func TestLRUK_Evict_ClearsTracking(t *testing.T) {
	l := NewLRUK(2, 2)

	l.RecordAccess(0, AccessLookup)
	l.RecordAccess(0, AccessLookup)
	l.SetEvictable(0, true)

	id, ok := l.Evict()
	require.True(t, ok)
	require.Equal(t, 0, id)

	// After eviction the frame starts from scratch: one access puts it
	// back below K.
	l.RecordAccess(0, AccessLookup)
	l.RecordAccess(1, AccessLookup)
	l.RecordAccess(1, AccessLookup)
	l.SetEvictable(0, true)
	l.SetEvictable(1, true)

	// Frame 1 has K accesses and leaves first.
	id, ok = l.Evict()
	require.True(t, ok)
	require.Equal(t, 1, id)
}

func TestLRUK_Remove_UntracksFrame(t *testing.T) {
	l := NewLRUK(3, 2)

	l.RecordAccess(0, AccessLookup)
	l.RecordAccess(1, AccessLookup)
	l.SetEvictable(0, true)
	l.SetEvictable(1, true)
	require.Equal(t, 2, l.Size())

	l.Remove(0)
	require.Equal(t, 1, l.Size())

	// Removing again is a no-op.
	l.Remove(0)
	require.Equal(t, 1, l.Size())

	id, ok := l.Evict()
	require.True(t, ok)
	require.Equal(t, 1, id)
}

func TestLRUK_RecordAccess_ResiftsEvictableFrame(t *testing.T) {
	l := NewLRUK(3, 2)

	// Frame 0 reaches K first, frame 1 second.
	l.RecordAccess(0, AccessLookup) // ts 1
	l.RecordAccess(0, AccessLookup) // ts 2 -> interval 2
	l.RecordAccess(1, AccessLookup) // ts 3
	l.SetEvictable(0, true)
	l.SetEvictable(1, true)

	// Frame 1's K-th access arrives while it is already evictable; its
	// position must be refreshed so it now leaves before frame 0.
	l.RecordAccess(1, AccessLookup) // ts 4 -> interval 4

	id, ok := l.Evict()
	require.True(t, ok)
	require.Equal(t, 1, id)
}

func TestLRUK_BoundsChecks(t *testing.T) {
	l := NewLRUK(2, 2)

	l.RecordAccess(-1, AccessLookup)
	l.RecordAccess(2, AccessLookup)
	l.SetEvictable(-1, true)
	l.SetEvictable(2, true)
	l.Remove(-1)
	l.Remove(2)

	require.Equal(t, 0, l.Size())
}
