package wal

import (
	"bufio"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/tuannm99/novasql/internal/alias/bx"
	"github.com/tuannm99/novasql/internal/heap"
)

var (
	ErrBadMagic  = errors.New("wal: bad magic")
	ErrBadCRC    = errors.New("wal: bad crc")
	ErrBadRecord = errors.New("wal: bad record")
	ErrShortRead = errors.New("wal: short read")
	ErrClosed    = errors.New("wal: manager is closed")
)

const (
	magicU32   uint32 = 0x4C41574E // "NWAL"
	versionU16        = 2

	// fixed header: magic(4) ver(2) type(1) rsv(1) totalLen(4) crc(4)
	// lsn(8) txnID(8) prevLSN(8)
	headerSize = 4 + 2 + 1 + 1 + 4 + 4 + 8 + 8 + 8

	// LogBufferSize bounds the in-memory append buffer per spec §4.7;
	// append flushes first whenever a record would overflow it.
	LogBufferSize = 64 * OneKB

	OneKB = 1024
)

// Manager is the append-only log: it buffers records in memory, assigns
// LSNs, and flushes to disk on overflow, on explicit request, or whenever a
// COMMIT record is appended (write-ahead logging requires a transaction's
// commit to be durable before the caller is told it succeeded).
type Manager struct {
	mu  sync.Mutex
	f   *os.File
	dir string

	buf        []byte
	bufHighLSN uint64 // highest LSN currently sitting in buf, unflushed

	lsn     uint64
	flushed uint64
	closed  bool
}

func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	m := &Manager{f: f, dir: dir, buf: make([]byte, 0, LogBufferSize)}
	if err := m.seedLSN(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if err := m.flushLocked(); err != nil {
		return err
	}
	m.closed = true
	return m.f.Close()
}

// NextLSN returns the LSN the next appended record will receive, without
// assigning it.
func (m *Manager) NextLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lsn + 1
}

func (m *Manager) append(rec *Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	m.lsn++
	rec.LSN = m.lsn

	body := rec.encodeBody()
	totalLen := headerSize + len(body)
	frame := make([]byte, totalLen)
	off := 0

	bx.PutU32(frame[off:off+4], magicU32)
	off += 4
	bx.PutU16(frame[off:off+2], versionU16)
	off += 2
	frame[off] = byte(rec.Type)
	off++
	frame[off] = 0 // reserved
	off++
	bx.PutU32(frame[off:off+4], uint32(totalLen))
	off += 4
	crcOff := off
	off += 4 // crc placeholder
	bx.PutU64(frame[off:off+8], rec.LSN)
	off += 8
	bx.PutU64(frame[off:off+8], rec.TxnID)
	off += 8
	bx.PutU64(frame[off:off+8], rec.PrevLSN)
	off += 8
	copy(frame[off:], body)

	crc := crc32.ChecksumIEEE(frame[crcOff+4:])
	bx.PutU32(frame[crcOff:crcOff+4], crc)

	if len(m.buf) > 0 && len(m.buf)+len(frame) > LogBufferSize {
		if err := m.flushLocked(); err != nil {
			return 0, err
		}
	}
	m.buf = append(m.buf, frame...)
	m.bufHighLSN = rec.LSN

	if rec.Type == RecCommit {
		if err := m.flushLocked(); err != nil {
			return 0, err
		}
	}

	return rec.LSN, nil
}

// flushLocked writes the in-memory buffer to disk and fsyncs. Callers must
// hold m.mu.
func (m *Manager) flushLocked() error {
	if len(m.buf) == 0 {
		return nil
	}
	if _, err := m.f.Write(m.buf); err != nil {
		return err
	}
	if err := m.f.Sync(); err != nil {
		return err
	}
	m.flushed = m.bufHighLSN
	m.buf = m.buf[:0]
	return nil
}

// Flush forces the buffer to disk regardless of pending overflow or commit
// triggers. Callers that need a specific LSN durable (e.g. the buffer pool
// evicting a dirty frame) call this before proceeding.
func (m *Manager) Flush() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

// FlushedLSN reports the highest LSN known to be durable on disk.
func (m *Manager) FlushedLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushed
}

func (m *Manager) AppendBegin(txnID uint64) (uint64, error) {
	return m.append(&Record{Type: RecBegin, TxnID: txnID, PrevLSN: NoLSN})
}

func (m *Manager) AppendCommit(txnID uint64, prevLSN uint64) (uint64, error) {
	return m.append(&Record{Type: RecCommit, TxnID: txnID, PrevLSN: prevLSN})
}

func (m *Manager) AppendAbort(txnID uint64, prevLSN uint64) (uint64, error) {
	return m.append(&Record{Type: RecAbort, TxnID: txnID, PrevLSN: prevLSN})
}

func (m *Manager) AppendInsert(txnID, prevLSN uint64, table string, rid heap.TID, after []byte) (uint64, error) {
	return m.append(&Record{Type: RecInsert, TxnID: txnID, PrevLSN: prevLSN, Table: table, RID: rid, After: after})
}

func (m *Manager) AppendDelete(txnID, prevLSN uint64, table string, rid heap.TID, before []byte) (uint64, error) {
	return m.append(&Record{Type: RecDelete, TxnID: txnID, PrevLSN: prevLSN, Table: table, RID: rid, Before: before})
}

func (m *Manager) AppendUpdate(txnID, prevLSN uint64, table string, rid heap.TID, before, after []byte) (uint64, error) {
	return m.append(&Record{Type: RecUpdate, TxnID: txnID, PrevLSN: prevLSN, Table: table, RID: rid, Before: before, After: after})
}

func (m *Manager) AppendCheckpoint(payload *CheckpointPayload) (uint64, error) {
	lsn, err := m.append(&Record{Type: RecCheckpoint, Checkpoint: payload})
	if err != nil {
		return 0, err
	}
	if err := m.Flush(); err != nil {
		return 0, err
	}
	if err := m.writeRestartFile(lsn); err != nil {
		return 0, err
	}
	return lsn, nil
}

// Iterate replays every durable record from the start of the log, in
// append order, calling fn for each. Stops and returns fn's error if it
// returns one. A torn tail record (a crash mid-write) is treated as
// end-of-log rather than an error.
func (m *Manager) Iterate(fn func(*Record) error) error {
	m.mu.Lock()
	path := m.f.Name()
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
		rec, err := readOne(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrShortRead) {
				return nil
			}
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func readOne(r *bufio.Reader) (*Record, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	off := 0
	magic := bx.U32(hdr[off : off+4])
	off += 4
	if magic != magicU32 {
		return nil, ErrBadMagic
	}
	ver := bx.U16(hdr[off : off+2])
	off += 2
	if ver != versionU16 {
		return nil, ErrBadRecord
	}
	typ := RecordType(hdr[off])
	off++
	off++ // reserved
	totalLen := int(bx.U32(hdr[off : off+4]))
	off += 4
	wantCRC := bx.U32(hdr[off : off+4])
	off += 4
	lsn := bx.U64(hdr[off : off+8])
	off += 8
	txnID := bx.U64(hdr[off : off+8])
	off += 8
	prevLSN := bx.U64(hdr[off : off+8])

	if totalLen < headerSize {
		return nil, ErrBadRecord
	}
	bodyLen := totalLen - headerSize
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}

	gotCRC := crc32.ChecksumIEEE(append(hdr[16:headerSize:headerSize], body...))
	if gotCRC != wantCRC {
		return nil, ErrBadCRC
	}

	rec, err := decodeBody(typ, body)
	if err != nil {
		return nil, err
	}
	rec.LSN = lsn
	rec.TxnID = txnID
	rec.PrevLSN = prevLSN
	return rec, nil
}

func (m *Manager) seedLSN() error {
	return m.Iterate(func(rec *Record) error {
		if rec.LSN > m.lsn {
			m.lsn = rec.LSN
			m.flushed = rec.LSN
		}
		return nil
	})
}

func (m *Manager) restartPath() string {
	return filepath.Join(m.dir, "db.restart")
}

func (m *Manager) writeRestartFile(checkpointLSN uint64) error {
	tmp := m.restartPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(checkpointLSN, 10)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.restartPath())
}

// LastCheckpointLSN reads the restart file, returning (0, nil) if it does
// not exist (no checkpoint has ever been taken).
func (m *Manager) LastCheckpointLSN() (uint64, error) {
	data, err := os.ReadFile(m.restartPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	lsn, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		slog.Warn("wal.restart_file.corrupt", "err", err)
		return 0, nil
	}
	return lsn, nil
}
