package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/snappy"

	"github.com/tuannm99/granite/internal/storage"
)

var (
	ErrBadMagic  = errors.New("wal: bad magic")
	ErrBadCRC    = errors.New("wal: bad crc")
	ErrBadRecord = errors.New("wal: bad record")
	ErrNoWALFile = errors.New("wal: wal file not found")
)

const (
	magicU32   uint32 = 0x4C415747 // "GWAL"
	versionU16 uint16 = 1

	recPageImage uint8 = 1

	// fixed fields:
	// magic(4) ver(2) typ(1) rsv(1) totalLen(4) crc(4) lsn(8) pageID(4)
	fixedHeaderLen = 4 + 2 + 1 + 1 + 4 + 4 + 8 + 4
)

// Manager is an append-only page-image log. Each record carries a
// snappy-compressed copy of the page ahead of the disk write; the buffer
// pool treats the log as optional, and the engine enables it only when a
// log directory is configured. Replay is exposed for tooling.
type Manager struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	lsn     uint64
	flushed uint64
}

// Open creates (or appends to) dir/wal.log.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, storage.FileMode0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, storage.FileMode0644)
	if err != nil {
		return nil, err
	}
	return &Manager{f: f, path: path}, nil
}

func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

// AppendPageImage logs a full page image and returns its LSN. This is the
// hook the buffer pool calls before writing a dirty page out.
func (m *Manager) AppendPageImage(pageID storage.PageID, page []byte) (uint64, error) {
	if len(page) != storage.PageSize {
		return 0, ErrBadRecord
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.f == nil {
		return 0, ErrNoWALFile
	}

	m.lsn++
	lsn := m.lsn

	payload := snappy.Encode(nil, page)
	totalLen := fixedHeaderLen + len(payload)

	buf := make([]byte, totalLen)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], magicU32)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], versionU16)
	off += 2
	buf[off] = recPageImage
	off++
	buf[off] = 0
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(totalLen))
	off += 4
	crcOff := off
	off += 4 // crc placeholder
	binary.LittleEndian.PutUint64(buf[off:], lsn)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(pageID))
	off += 4
	copy(buf[off:], payload)

	crc := crc32.ChecksumIEEE(buf[crcOff+4:])
	binary.LittleEndian.PutUint32(buf[crcOff:], crc)

	if _, err := m.f.Write(buf); err != nil {
		return 0, err
	}
	return lsn, nil
}

// Flush syncs the log through the given LSN. Already-flushed LSNs are a
// no-op.
func (m *Manager) Flush(upto uint64) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	if upto == 0 || upto <= m.flushed {
		return nil
	}
	if err := m.f.Sync(); err != nil {
		return err
	}
	m.flushed = upto
	return nil
}

// Replay feeds every page image to apply, in log order. A torn tail record
// is tolerated and ends the replay.
func (m *Manager) Replay(apply func(pageID storage.PageID, page []byte) error) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	path := m.path
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)
	for {
		pageID, page, err := readOne(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if err := apply(pageID, page); err != nil {
			return err
		}
	}
}

func readOne(r *bufio.Reader) (storage.PageID, []byte, error) {
	var hdr [fixedHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != magicU32 {
		return 0, nil, ErrBadMagic
	}
	if binary.LittleEndian.Uint16(hdr[4:]) != versionU16 {
		return 0, nil, ErrBadRecord
	}
	typ := hdr[6]
	totalLen := binary.LittleEndian.Uint32(hdr[8:])
	crc := binary.LittleEndian.Uint32(hdr[12:])
	pageID := storage.PageID(binary.LittleEndian.Uint32(hdr[24:]))

	if totalLen < fixedHeaderLen || totalLen > 16*storage.PageSize {
		return 0, nil, ErrBadRecord
	}
	payload := make([]byte, totalLen-fixedHeaderLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	check := crc32.NewIEEE()
	_, _ = check.Write(hdr[16:])
	_, _ = check.Write(payload)
	if check.Sum32() != crc {
		return 0, nil, ErrBadCRC
	}
	if typ != recPageImage {
		return 0, nil, ErrBadRecord
	}

	page, err := snappy.Decode(nil, payload)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if len(page) != storage.PageSize {
		return 0, nil, ErrBadRecord
	}
	return pageID, page, nil
}
