package extendible

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/granite/internal/bufferpool"
	"github.com/tuannm99/granite/internal/storage"
	"github.com/tuannm99/granite/pkg/evict"
)

// identityHash makes bucket placement follow the key bits directly, which
// keeps split traces deterministic in tests.
func identityHash(k uint64) uint32 { return uint32(k) }

func newTestTable(t *testing.T, opts Options) *Table[uint64, uint64] {
	t.Helper()

	m := bufferpool.New(bufferpool.Config{
		PoolSize: 64,
		K:        2,
		Disk:     storage.NewMemDiskManager(),
	})
	t.Cleanup(func() { _ = m.Close() })

	tbl, err := New("test_index", m, Uint64Codec{}, Uint64Codec{}, Uint64Compare, identityHash, opts)
	require.NoError(t, err)
	return tbl
}

// globalDepthOf reads the global depth of the directory covering hash.
func globalDepthOf(t *testing.T, tbl *Table[uint64, uint64], hash uint32) uint32 {
	t.Helper()

	hg, err := tbl.bpm.FetchPageRead(tbl.headerPageID, evict.AccessIndex)
	require.NoError(t, err)
	header := headerPageFrom(hg.Data())
	dirID := header.directoryPageID(header.directoryIndex(hash))
	hg.Done()
	require.NotEqual(t, storage.InvalidPageID, dirID)

	dg, err := tbl.bpm.FetchPageRead(dirID, evict.AccessIndex)
	require.NoError(t, err)
	depth := directoryPageFrom(dg.Data()).globalDepth()
	dg.Done()
	return depth
}

// bucketKeysOf collects the keys of the bucket covering hash, sorted.
func bucketKeysOf(t *testing.T, tbl *Table[uint64, uint64], hash uint32) []uint64 {
	t.Helper()

	hg, err := tbl.bpm.FetchPageRead(tbl.headerPageID, evict.AccessIndex)
	require.NoError(t, err)
	header := headerPageFrom(hg.Data())
	dirID := header.directoryPageID(header.directoryIndex(hash))
	hg.Done()
	require.NotEqual(t, storage.InvalidPageID, dirID)

	dg, err := tbl.bpm.FetchPageRead(dirID, evict.AccessIndex)
	require.NoError(t, err)
	dir := directoryPageFrom(dg.Data())
	bucketID := dir.bucketPageID(dir.bucketIndex(hash))
	dg.Done()
	require.NotEqual(t, storage.InvalidPageID, bucketID)

	bg, err := tbl.bpm.FetchPageRead(bucketID, evict.AccessIndex)
	require.NoError(t, err)
	bucket := bucketPageFrom(bg.Data(), tbl.kc, tbl.vc)
	keys := make([]uint64, 0, bucket.size())
	for i := uint32(0); i < bucket.size(); i++ {
		keys = append(keys, bucket.keyAt(i))
	}
	bg.Done()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func requireGet(t *testing.T, tbl *Table[uint64, uint64], key, want uint64) {
	t.Helper()
	vals, err := tbl.GetValue(key)
	require.NoError(t, err)
	require.Equal(t, []uint64{want}, vals)
}

func requireAbsent(t *testing.T, tbl *Table[uint64, uint64], key uint64) {
	t.Helper()
	vals, err := tbl.GetValue(key)
	require.NoError(t, err)
	require.Empty(t, vals)
}

func TestTable_GetValue_EmptyTable(t *testing.T) {
	tbl := newTestTable(t, Options{})
	requireAbsent(t, tbl, 42)
}

func TestTable_InsertAndGet(t *testing.T) {
	tbl := newTestTable(t, Options{})

	require.NoError(t, tbl.Insert(1, 100))
	require.NoError(t, tbl.Insert(2, 200))
	requireGet(t, tbl, 1, 100)
	requireGet(t, tbl, 2, 200)
	requireAbsent(t, tbl, 3)
	require.NoError(t, tbl.VerifyIntegrity())
}

func TestTable_Insert_DuplicateKey(t *testing.T) {
	tbl := newTestTable(t, Options{})

	require.NoError(t, tbl.Insert(5, 50))
	require.ErrorIs(t, tbl.Insert(5, 51), ErrDuplicateKey)
	requireGet(t, tbl, 5, 50)
}

// TestTable_SplitLifecycle drives the small-bucket split sequence: nine
// inserts settle at global depth 2, key 20 forces the directory to depth 3,
// and key 26 forces a local split that separates {10,26} from {6,22} by
// bit 2 of the key.
func TestTable_SplitLifecycle(t *testing.T) {
	tbl := newTestTable(t, Options{
		HeaderMaxDepth:    2,
		DirectoryMaxDepth: 3,
		BucketMaxSize:     3,
	})

	keys := []uint64{4, 24, 16, 6, 22, 10, 7, 31, 9}
	for _, k := range keys {
		require.NoError(t, tbl.Insert(k, k*10))
	}
	require.NoError(t, tbl.VerifyIntegrity())

	require.Equal(t, uint32(2), globalDepthOf(t, tbl, 0))
	require.Equal(t, []uint64{4, 16, 24}, bucketKeysOf(t, tbl, 0)) // hashes ending 00
	require.Equal(t, []uint64{6, 10, 22}, bucketKeysOf(t, tbl, 2)) // hashes ending 10
	for _, k := range keys {
		requireGet(t, tbl, k, k*10)
	}

	// Key 20 lands in the full 00-bucket whose local depth equals the
	// global depth: the directory must grow to depth 3.
	require.NoError(t, tbl.Insert(20, 200))
	require.NoError(t, tbl.VerifyIntegrity())
	require.Equal(t, uint32(3), globalDepthOf(t, tbl, 0))
	require.Equal(t, []uint64{4, 20}, bucketKeysOf(t, tbl, 4)) // hashes ending 100

	// Key 26 splits the {6,22,10} bucket locally: bit 2 sends 6 and 22 one
	// way, 10 and 26 the other.
	require.NoError(t, tbl.Insert(26, 260))
	require.NoError(t, tbl.VerifyIntegrity())
	require.Equal(t, uint32(3), globalDepthOf(t, tbl, 0))
	require.Equal(t, []uint64{10, 26}, bucketKeysOf(t, tbl, 2)) // ending 010
	require.Equal(t, []uint64{6, 22}, bucketKeysOf(t, tbl, 6))  // ending 110

	for _, k := range append(keys, 20, 26) {
		requireGet(t, tbl, k, k*10)
	}
}

// TestTable_RemoveAndMerge continues from the split lifecycle: removing the
// odd keys leaves survivors intact, and removing everything merges buckets
// back until the directory shrinks to depth zero.
func TestTable_RemoveAndMerge(t *testing.T) {
	tbl := newTestTable(t, Options{
		HeaderMaxDepth:    2,
		DirectoryMaxDepth: 3,
		BucketMaxSize:     3,
	})

	all := []uint64{4, 24, 16, 6, 22, 10, 7, 31, 9, 20, 26}
	for _, k := range all {
		require.NoError(t, tbl.Insert(k, k*10))
	}

	// Remove every key whose hash has its low bit set.
	var survivors []uint64
	for _, k := range all {
		if k&1 == 1 {
			removed, err := tbl.Remove(k)
			require.NoError(t, err)
			require.True(t, removed)
		} else {
			survivors = append(survivors, k)
		}
	}
	require.NoError(t, tbl.VerifyIntegrity())

	for _, k := range all {
		if k&1 == 1 {
			requireAbsent(t, tbl, k)
		} else {
			requireGet(t, tbl, k, k*10)
		}
	}

	// Removing a missing key reports false without error.
	removed, err := tbl.Remove(7)
	require.NoError(t, err)
	require.False(t, removed)

	// Draining the table cascades merges until the directory can shrink
	// all the way back down.
	for _, k := range survivors {
		removed, err := tbl.Remove(k)
		require.NoError(t, err)
		require.True(t, removed)
	}
	require.NoError(t, tbl.VerifyIntegrity())
	require.Equal(t, uint32(0), globalDepthOf(t, tbl, 0))
	for _, k := range all {
		requireAbsent(t, tbl, k)
	}
}

func TestTable_Insert_HashTableFull(t *testing.T) {
	tbl := newTestTable(t, Options{
		HeaderMaxDepth:    1,
		DirectoryMaxDepth: 1,
		BucketMaxSize:     1,
	})

	// Keys 0 and 4 agree on the single directory bit, so once the
	// directory is at max depth no split can separate them.
	require.NoError(t, tbl.Insert(0, 0))
	require.ErrorIs(t, tbl.Insert(4, 40), ErrHashTableFull)

	// The failed insert must not have corrupted anything.
	require.NoError(t, tbl.VerifyIntegrity())
	requireGet(t, tbl, 0, 0)
	requireAbsent(t, tbl, 4)
}

func TestTable_MultipleDirectories(t *testing.T) {
	tbl := newTestTable(t, Options{
		HeaderMaxDepth:    1,
		DirectoryMaxDepth: 3,
		BucketMaxSize:     4,
	})

	// The top header bit routes these to two different directories.
	low := uint64(3)
	high := uint64(1)<<31 | 5

	require.NoError(t, tbl.Insert(low, 30))
	require.NoError(t, tbl.Insert(high, 50))
	requireGet(t, tbl, low, 30)
	requireGet(t, tbl, high, 50)
	require.NoError(t, tbl.VerifyIntegrity())

	hg, err := tbl.bpm.FetchPageRead(tbl.headerPageID, evict.AccessIndex)
	require.NoError(t, err)
	header := headerPageFrom(hg.Data())
	require.NotEqual(t, storage.InvalidPageID, header.directoryPageID(0))
	require.NotEqual(t, storage.InvalidPageID, header.directoryPageID(1))
	hg.Done()
}

// TestTable_RoundTrip checks the set property: after a mixed insert/remove
// history, exactly the still-inserted keys are retrievable.
func TestTable_RoundTrip(t *testing.T) {
	tbl := newTestTable(t, Options{
		HeaderMaxDepth:    2,
		DirectoryMaxDepth: 9,
		BucketMaxSize:     4,
	})

	const n = 400
	for k := uint64(0); k < n; k++ {
		require.NoError(t, tbl.Insert(k, k*3))
	}
	require.NoError(t, tbl.VerifyIntegrity())

	// Remove every third key.
	for k := uint64(0); k < n; k += 3 {
		removed, err := tbl.Remove(k)
		require.NoError(t, err)
		require.True(t, removed)
	}
	require.NoError(t, tbl.VerifyIntegrity())

	for k := uint64(0); k < n; k++ {
		if k%3 == 0 {
			requireAbsent(t, tbl, k)
		} else {
			requireGet(t, tbl, k, k*3)
		}
	}
}

func TestTable_OpenAttachesToExistingHeader(t *testing.T) {
	m := bufferpool.New(bufferpool.Config{
		PoolSize: 64,
		K:        2,
		Disk:     storage.NewMemDiskManager(),
	})
	t.Cleanup(func() { _ = m.Close() })

	opts := Options{BucketMaxSize: 8}
	tbl, err := New("reopen", m, Uint64Codec{}, Uint64Codec{}, Uint64Compare, identityHash, opts)
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(11, 111))

	again := Open("reopen", m, tbl.HeaderPageID(), Uint64Codec{}, Uint64Codec{}, Uint64Compare, identityHash, opts)
	requireGet(t, again, 11, 111)
}

func TestTable_DefaultHashIsUsable(t *testing.T) {
	m := bufferpool.New(bufferpool.Config{
		PoolSize: 64,
		K:        2,
		Disk:     storage.NewMemDiskManager(),
	})
	t.Cleanup(func() { _ = m.Close() })

	// nil hash falls back to xxhash over the encoded key.
	tbl, err := New[uint64, uint64]("hashed", m, Uint64Codec{}, Uint64Codec{}, Uint64Compare, nil, Options{BucketMaxSize: 4})
	require.NoError(t, err)

	for k := uint64(0); k < 64; k++ {
		require.NoError(t, tbl.Insert(k, k))
	}
	require.NoError(t, tbl.VerifyIntegrity())
	for k := uint64(0); k < 64; k++ {
		requireGet(t, tbl, k, k)
	}
}
