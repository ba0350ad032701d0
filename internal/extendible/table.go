package extendible

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tuannm99/granite/internal/bufferpool"
	"github.com/tuannm99/granite/internal/storage"
	"github.com/tuannm99/granite/pkg/evict"
)

var (
	logDebugPrefix = "extendible: "

	// ErrDuplicateKey is returned by Insert when the key is present.
	ErrDuplicateKey = errors.New("extendible: duplicate key")

	// ErrHashTableFull is returned when a directory is at max depth and the
	// colliding bucket cannot be subdivided any further.
	ErrHashTableFull = errors.New("extendible: hash table is full")
)

// Options bound the table's fan-out. Zero values take the defaults.
type Options struct {
	HeaderMaxDepth    uint32 // default and limit 9
	DirectoryMaxDepth uint32 // default and limit 9
	BucketMaxSize     uint32 // default derived from the page and entry sizes
}

func (o Options) withDefaults() Options {
	if o.HeaderMaxDepth == 0 || o.HeaderMaxDepth > HeaderMaxDepthLimit {
		o.HeaderMaxDepth = HeaderMaxDepthLimit
	}
	if o.DirectoryMaxDepth == 0 || o.DirectoryMaxDepth > DirectoryMaxDepthLimit {
		o.DirectoryMaxDepth = DirectoryMaxDepthLimit
	}
	return o
}

// Table is a disk-resident extendible hash table with unique keys. All page
// access goes through buffer pool guards, acquired strictly top-down
// (header, then directory, then bucket); splits and merges keep the
// directory write guard for their whole duration so readers never observe a
// mid-split directory.
type Table[K, V any] struct {
	name         string
	bpm          *bufferpool.Manager
	headerPageID storage.PageID

	kc   Codec[K]
	vc   Codec[V]
	cmp  CompareFunc[K]
	hash HashFunc[K]
	opts Options
}

// New creates an empty table, allocating its header page.
func New[K, V any](
	name string,
	bpm *bufferpool.Manager,
	kc Codec[K], vc Codec[V],
	cmp CompareFunc[K], hash HashFunc[K],
	opts Options,
) (*Table[K, V], error) {
	opts = opts.withDefaults()
	if hash == nil {
		hash = XXHash32(kc)
	}

	g, err := bpm.NewPage(evict.AccessIndex)
	if err != nil {
		return nil, fmt.Errorf("extendible: create header for %q: %w", name, err)
	}
	headerPageFrom(g.Data()).init(opts.HeaderMaxDepth)
	headerID := g.PageID()
	g.Done()

	slog.Debug(logDebugPrefix+"created table",
		"name", name,
		"headerPageID", headerID,
		"headerMaxDepth", opts.HeaderMaxDepth,
		"directoryMaxDepth", opts.DirectoryMaxDepth)

	return &Table[K, V]{
		name:         name,
		bpm:          bpm,
		headerPageID: headerID,
		kc:           kc,
		vc:           vc,
		cmp:          cmp,
		hash:         hash,
		opts:         opts,
	}, nil
}

// Open attaches to an existing table rooted at headerPageID. The options
// must match the ones the table was created with.
func Open[K, V any](
	name string,
	bpm *bufferpool.Manager,
	headerPageID storage.PageID,
	kc Codec[K], vc Codec[V],
	cmp CompareFunc[K], hash HashFunc[K],
	opts Options,
) *Table[K, V] {
	opts = opts.withDefaults()
	if hash == nil {
		hash = XXHash32(kc)
	}
	return &Table[K, V]{
		name:         name,
		bpm:          bpm,
		headerPageID: headerPageID,
		kc:           kc,
		vc:           vc,
		cmp:          cmp,
		hash:         hash,
		opts:         opts,
	}
}

func (t *Table[K, V]) Name() string                 { return t.name }
func (t *Table[K, V]) HeaderPageID() storage.PageID { return t.headerPageID }

// GetValue returns the value stored under key, or an empty slice. Guards
// are released as soon as the next level's page id is captured.
func (t *Table[K, V]) GetValue(key K) ([]V, error) {
	h := t.hash(key)

	hg, err := t.bpm.FetchPageRead(t.headerPageID, evict.AccessIndex)
	if err != nil {
		return nil, err
	}
	header := headerPageFrom(hg.Data())
	dirID := header.directoryPageID(header.directoryIndex(h))
	hg.Done()
	if dirID == storage.InvalidPageID {
		return nil, nil
	}

	dg, err := t.bpm.FetchPageRead(dirID, evict.AccessIndex)
	if err != nil {
		return nil, err
	}
	dir := directoryPageFrom(dg.Data())
	bucketID := dir.bucketPageID(dir.bucketIndex(h))
	dg.Done()
	if bucketID == storage.InvalidPageID {
		return nil, nil
	}

	bg, err := t.bpm.FetchPageRead(bucketID, evict.AccessIndex)
	if err != nil {
		return nil, err
	}
	bucket := bucketPageFrom(bg.Data(), t.kc, t.vc)
	v, found := bucket.lookup(key, t.cmp)
	bg.Done()
	if !found {
		return nil, nil
	}
	return []V{v}, nil
}

// Insert stores value under key. Keys are unique: inserting a present key
// fails with ErrDuplicateKey. A full bucket is split, doubling the
// directory first when its local depth has caught up with the global depth;
// splitting continues until the key's bucket has room (a split that moves
// no key is followed by another) and fails with ErrHashTableFull only when
// the directory is at max depth and the colliding keys cannot be separated.
func (t *Table[K, V]) Insert(key K, value V) error {
	h := t.hash(key)

	// Resolve (or lazily create) the directory under the header guard; the
	// header is released as soon as the directory is pinned.
	hg, err := t.bpm.FetchPageWrite(t.headerPageID, evict.AccessIndex)
	if err != nil {
		return err
	}
	header := headerPageFrom(hg.Data())
	hIdx := header.directoryIndex(h)
	dirID := header.directoryPageID(hIdx)

	var dg *bufferpool.WritePageGuard
	if dirID == storage.InvalidPageID {
		dg, err = t.bpm.NewPage(evict.AccessIndex)
		if err != nil {
			hg.Done()
			return err
		}
		directoryPageFrom(dg.Data()).init(t.opts.DirectoryMaxDepth)
		header.setDirectoryPageID(hIdx, dg.PageID())
	} else {
		dg, err = t.bpm.FetchPageWrite(dirID, evict.AccessIndex)
		if err != nil {
			hg.Done()
			return err
		}
	}
	hg.Done()

	dir := directoryPageFrom(dg.Data())
	bIdx := dir.bucketIndex(h)
	bucketID := dir.bucketPageID(bIdx)

	var bg *bufferpool.WritePageGuard
	if bucketID == storage.InvalidPageID {
		bg, err = t.bpm.NewPage(evict.AccessIndex)
		if err != nil {
			dg.Done()
			return err
		}
		bucketPageFrom(bg.Data(), t.kc, t.vc).init(t.opts.BucketMaxSize)
		dir.setBucketPageID(bIdx, bg.PageID())
		dir.setLocalDepth(bIdx, uint8(dir.globalDepth()))
	} else {
		bg, err = t.bpm.FetchPageWrite(bucketID, evict.AccessIndex)
		if err != nil {
			dg.Done()
			return err
		}
	}

	bucket := bucketPageFrom(bg.Data(), t.kc, t.vc)
	if _, found := bucket.lookup(key, t.cmp); found {
		bg.Done()
		dg.Done()
		return fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}

	for bucket.isFull() {
		bIdx = dir.bucketIndex(h)
		if dir.localDepth(bIdx) >= dir.globalDepth() {
			if !dir.incrGlobalDepth() {
				bg.Done()
				dg.Done()
				return fmt.Errorf("%w: directory at max depth %d", ErrHashTableFull, dir.maxDepth())
			}
			bIdx = dir.bucketIndex(h)
		}

		ng, err := t.splitBucket(dir, bg, bIdx)
		if err != nil {
			bg.Done()
			dg.Done()
			return err
		}

		// Continue with whichever half now covers the key.
		bIdx = dir.bucketIndex(h)
		if dir.bucketPageID(bIdx) == ng.PageID() {
			bg.Done()
			bg = ng
		} else {
			ng.Done()
		}
		bucket = bucketPageFrom(bg.Data(), t.kc, t.vc)
	}

	bucket.append(key, value)
	bg.Done()
	dg.Done()
	return nil
}

// splitBucket splits the full bucket referenced by dirIdx: a sibling bucket
// is allocated, local depths on all entries pointing at the old bucket are
// incremented, the half of those entries whose split bit is set are
// re-pointed at the sibling, and entries move by the split bit of their key
// hash. The directory write guard is held by the caller for the whole
// operation. Returns the sibling's guard.
func (t *Table[K, V]) splitBucket(dir directoryPage, bg *bufferpool.WritePageGuard, dirIdx uint32) (*bufferpool.WritePageGuard, error) {
	oldID := bg.PageID()
	oldDepth := dir.localDepth(dirIdx)

	ng, err := t.bpm.NewPage(evict.AccessIndex)
	if err != nil {
		return nil, err
	}
	newBucket := bucketPageFrom(ng.Data(), t.kc, t.vc)
	newBucket.init(t.opts.BucketMaxSize)

	for i := uint32(0); i < dir.size(); i++ {
		if dir.bucketPageID(i) != oldID {
			continue
		}
		dir.setLocalDepth(i, uint8(oldDepth+1))
		if (i>>oldDepth)&1 == 1 {
			dir.setBucketPageID(i, ng.PageID())
		}
	}

	oldBucket := bucketPageFrom(bg.Data(), t.kc, t.vc)
	moved := 0
	for i := uint32(0); i < oldBucket.size(); {
		k := oldBucket.keyAt(i)
		if (t.hash(k)>>oldDepth)&1 == 1 {
			newBucket.append(k, oldBucket.valueAt(i))
			oldBucket.removeAt(i)
			moved++
		} else {
			i++
		}
	}

	slog.Debug(logDebugPrefix+"split bucket",
		"name", t.name,
		"oldBucketPageID", oldID,
		"newBucketPageID", ng.PageID(),
		"localDepth", oldDepth+1,
		"moved", moved)
	return ng, nil
}

// Remove deletes the entry under key and reports whether one was removed.
// A bucket left empty is merged with its split image when their local
// depths match; merges cascade, and afterwards the directory shrinks while
// every local depth sits below the global depth.
func (t *Table[K, V]) Remove(key K) (bool, error) {
	h := t.hash(key)

	hg, err := t.bpm.FetchPageRead(t.headerPageID, evict.AccessIndex)
	if err != nil {
		return false, err
	}
	header := headerPageFrom(hg.Data())
	dirID := header.directoryPageID(header.directoryIndex(h))
	hg.Done()
	if dirID == storage.InvalidPageID {
		return false, nil
	}

	dg, err := t.bpm.FetchPageWrite(dirID, evict.AccessIndex)
	if err != nil {
		return false, err
	}
	dir := directoryPageFrom(dg.Data())
	bIdx := dir.bucketIndex(h)
	bucketID := dir.bucketPageID(bIdx)
	if bucketID == storage.InvalidPageID {
		dg.Done()
		return false, nil
	}

	bg, err := t.bpm.FetchPageWrite(bucketID, evict.AccessIndex)
	if err != nil {
		dg.Done()
		return false, err
	}
	bucket := bucketPageFrom(bg.Data(), t.kc, t.vc)
	if !bucket.removeKey(key, t.cmp) {
		bg.Done()
		dg.Done()
		return false, nil
	}

	// Merge cascade: while the bucket is empty and its split image shares
	// the local depth, fold the empty bucket into the image and demote.
	curID := bucketID
	for bucket.isEmpty() {
		bIdx = dir.bucketIndex(h)
		ld := dir.localDepth(bIdx)
		if ld == 0 {
			break
		}
		sibIdx := bIdx ^ (1 << (ld - 1))
		sibID := dir.bucketPageID(sibIdx)
		if sibID == storage.InvalidPageID || sibID == curID {
			break
		}
		if dir.localDepth(sibIdx) != ld {
			break
		}

		for i := uint32(0); i < dir.size(); i++ {
			if dir.bucketPageID(i) == curID {
				dir.setBucketPageID(i, sibID)
			}
		}
		for i := uint32(0); i < dir.size(); i++ {
			if dir.bucketPageID(i) == sibID {
				dir.setLocalDepth(i, uint8(ld-1))
			}
		}

		bg.Done()
		if _, err := t.bpm.DeletePage(curID); err != nil {
			dg.Done()
			return true, fmt.Errorf("extendible: drop merged bucket %d: %w", curID, err)
		}
		slog.Debug(logDebugPrefix+"merged bucket",
			"name", t.name,
			"emptyBucketPageID", curID,
			"siblingBucketPageID", sibID,
			"localDepth", ld-1)

		bg, err = t.bpm.FetchPageWrite(sibID, evict.AccessIndex)
		if err != nil {
			dg.Done()
			return true, err
		}
		bucket = bucketPageFrom(bg.Data(), t.kc, t.vc)
		curID = sibID
	}
	bg.Done()

	for dir.canShrink() {
		dir.decrGlobalDepth()
	}
	dg.Done()
	return true, nil
}

// VerifyIntegrity walks the header and every live directory, checking the
// directory invariants. Intended for tests at quiescent points.
func (t *Table[K, V]) VerifyIntegrity() error {
	hg, err := t.bpm.FetchPageRead(t.headerPageID, evict.AccessIndex)
	if err != nil {
		return err
	}
	header := headerPageFrom(hg.Data())
	n := header.numDirectories()
	dirIDs := make([]storage.PageID, 0, n)
	for i := uint32(0); i < n; i++ {
		if id := header.directoryPageID(i); id != storage.InvalidPageID {
			dirIDs = append(dirIDs, id)
		}
	}
	hg.Done()

	for _, id := range dirIDs {
		dg, err := t.bpm.FetchPageRead(id, evict.AccessIndex)
		if err != nil {
			return err
		}
		verr := directoryPageFrom(dg.Data()).verify()
		dg.Done()
		if verr != nil {
			return fmt.Errorf("directory page %d: %w", id, verr)
		}
	}
	return nil
}
