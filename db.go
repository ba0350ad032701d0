// Package granite is the storage core of a disk-backed relational engine:
// a buffer pool over a page-granular disk manager, pluggable eviction
// policies, and a disk-resident extendible hash index. Higher layers (SQL
// front-end, catalog, executors) live outside this module and consume it
// through the buffer pool and index APIs.
package granite

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tuannm99/granite/internal"
	"github.com/tuannm99/granite/internal/bufferpool"
	"github.com/tuannm99/granite/internal/extendible"
	"github.com/tuannm99/granite/internal/storage"
	"github.com/tuannm99/granite/internal/wal"
	"github.com/tuannm99/granite/pkg/evict"
)

var (
	ErrDatabaseClosed = errors.New("granite: database is closed")
	ErrIndexExists    = errors.New("granite: index already exists")
	ErrIndexNotFound  = errors.New("granite: index not found")
)

// registryPageID is where the named-index registry lives: the first page
// ever allocated in a fresh database.
const registryPageID storage.PageID = 0

// DB wires the storage core together: disk manager, buffer pool, optional
// write-ahead log, and a registry of named hash indexes persisted in page 0.
type DB struct {
	mu       sync.Mutex
	cfg      *internal.GraniteConfig
	dm       storage.DiskManager
	bpm      *bufferpool.Manager
	lm       *wal.Manager
	registry map[string]storage.PageID
	closed   bool
}

// Open builds an engine from the configuration. A nil cfg opens an
// in-memory engine with defaults.
func Open(cfg *internal.GraniteConfig) (*DB, error) {
	if cfg == nil {
		cfg = internal.DefaultConfig()
	}

	var (
		dm  storage.DiskManager
		err error
	)
	switch {
	case cfg.Storage.InMemory:
		dm = storage.NewMemDiskManager()
	case cfg.Storage.DirectIO:
		dm, err = storage.NewDirectFileDiskManager(cfg.Storage.File)
	default:
		dm, err = storage.NewFileDiskManager(cfg.Storage.File)
	}
	if err != nil {
		return nil, err
	}

	var lm *wal.Manager
	if cfg.Storage.WALDir != "" {
		lm, err = wal.Open(cfg.Storage.WALDir)
		if err != nil {
			_ = dm.Close()
			return nil, err
		}
	}

	var policy evict.Policy
	if cfg.Buffer.Replacer == "clock" {
		policy = evict.NewClock(cfg.Buffer.PoolSize)
	}

	bpmCfg := bufferpool.Config{
		PoolSize: cfg.Buffer.PoolSize,
		K:        cfg.Buffer.LRUK,
		Disk:     dm,
		Policy:   policy,
	}
	if lm != nil {
		bpmCfg.Log = lm
	}

	db := &DB{
		cfg:      cfg,
		dm:       dm,
		bpm:      bufferpool.New(bpmCfg),
		lm:       lm,
		registry: make(map[string]storage.PageID),
	}
	if err := db.loadRegistry(); err != nil {
		db.bpm.Close()
		_ = dm.Close()
		return nil, err
	}
	return db, nil
}

// BufferPool exposes the pool for layers that manage pages directly.
func (db *DB) BufferPool() *bufferpool.Manager { return db.bpm }

// Log returns the write-ahead log, nil when not configured.
func (db *DB) Log() *wal.Manager { return db.lm }

// Close flushes everything and shuts the engine down.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	err := db.bpm.Close()
	if serr := db.dm.Sync(); err == nil {
		err = serr
	}
	if cerr := db.dm.Close(); err == nil {
		err = cerr
	}
	if lerr := db.lm.Close(); err == nil {
		err = lerr
	}
	return err
}

// Registry page layout:
//
//	+0  count u32
//	then per entry: nameLen u16, name bytes, headerPageID i32
func (db *DB) loadRegistry() error {
	if db.dm.PageCount() == 0 {
		// Fresh database: the first allocated page becomes the registry.
		g, err := db.bpm.NewPage(evict.AccessUnknown)
		if err != nil {
			return err
		}
		if g.PageID() != registryPageID {
			g.Done()
			return fmt.Errorf("granite: registry page allocated as %d, want %d", g.PageID(), registryPageID)
		}
		binary.LittleEndian.PutUint32(g.Data(), 0)
		g.Done()
		return nil
	}

	g, err := db.bpm.FetchPageRead(registryPageID, evict.AccessUnknown)
	if err != nil {
		return err
	}
	defer g.Done()

	buf := g.Data()
	count := binary.LittleEndian.Uint32(buf)
	off := 4
	for range count {
		if off+2 > len(buf) {
			return fmt.Errorf("granite: corrupt index registry")
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+nameLen+4 > len(buf) {
			return fmt.Errorf("granite: corrupt index registry")
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		id := storage.PageID(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		db.registry[name] = id
	}
	return nil
}

func (db *DB) saveRegistry() error {
	g, err := db.bpm.FetchPageWrite(registryPageID, evict.AccessUnknown)
	if err != nil {
		return err
	}
	defer g.Done()

	buf := g.Data()
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf, uint32(len(db.registry)))
	off := 4
	for name, id := range db.registry {
		need := 2 + len(name) + 4
		if off+need > len(buf) {
			return fmt.Errorf("granite: index registry page overflow")
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(name)))
		off += 2
		copy(buf[off:], name)
		off += len(name)
		binary.LittleEndian.PutUint32(buf[off:], uint32(id))
		off += 4
	}
	return nil
}

// registerIndex records name -> headerPageID, persisting the registry.
func (db *DB) registerIndex(name string, headerPageID storage.PageID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	if _, ok := db.registry[name]; ok {
		return fmt.Errorf("%w: %q", ErrIndexExists, name)
	}
	db.registry[name] = headerPageID
	return db.saveRegistry()
}

// lookupIndex resolves a registered index's header page id.
func (db *DB) lookupIndex(name string) (storage.PageID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.InvalidPageID, ErrDatabaseClosed
	}
	id, ok := db.registry[name]
	if !ok {
		return storage.InvalidPageID, fmt.Errorf("%w: %q", ErrIndexNotFound, name)
	}
	return id, nil
}

// DropHashIndex forgets a named index. Its pages are not reclaimed on disk
// (page ids are never reused); resident pages age out of the pool.
func (db *DB) DropHashIndex(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	if _, ok := db.registry[name]; !ok {
		return fmt.Errorf("%w: %q", ErrIndexNotFound, name)
	}
	delete(db.registry, name)
	return db.saveRegistry()
}

func (db *DB) hashOptions() extendible.Options {
	return extendible.Options{
		HeaderMaxDepth:    db.cfg.Hash.HeaderMaxDepth,
		DirectoryMaxDepth: db.cfg.Hash.DirectoryMaxDepth,
		BucketMaxSize:     db.cfg.Hash.BucketMaxSize,
	}
}

// CreateHashIndex creates and registers a named hash index. Methods cannot
// be generic, hence the package-level constructor.
func CreateHashIndex[K, V any](
	db *DB,
	name string,
	kc extendible.Codec[K], vc extendible.Codec[V],
	cmp extendible.CompareFunc[K], hash extendible.HashFunc[K],
) (*extendible.Table[K, V], error) {
	t, err := extendible.New(name, db.bpm, kc, vc, cmp, hash, db.hashOptions())
	if err != nil {
		return nil, err
	}
	if err := db.registerIndex(name, t.HeaderPageID()); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenHashIndex attaches to a registered hash index. The codecs and hash
// must match the ones the index was created with.
func OpenHashIndex[K, V any](
	db *DB,
	name string,
	kc extendible.Codec[K], vc extendible.Codec[V],
	cmp extendible.CompareFunc[K], hash extendible.HashFunc[K],
) (*extendible.Table[K, V], error) {
	id, err := db.lookupIndex(name)
	if err != nil {
		return nil, err
	}
	return extendible.Open(name, db.bpm, id, kc, vc, cmp, hash, db.hashOptions()), nil
}
