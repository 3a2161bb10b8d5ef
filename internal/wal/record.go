package wal

import (
	"fmt"

	"github.com/tuannm99/novasql/internal/alias/bx"
	"github.com/tuannm99/novasql/internal/heap"
)

// RecordType tags a log record's body shape. BEGIN/COMMIT/ABORT carry no
// payload beyond the common header; INSERT/DELETE/UPDATE carry the tuple
// images that let undo and redo replay the logical operation; CHECKPOINT
// carries a full ATT/DPT/aborted-set snapshot.
type RecordType uint8

const (
	RecBegin RecordType = iota + 1
	RecCommit
	RecAbort
	RecInsert
	RecDelete
	RecUpdate
	RecCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecBegin:
		return "BEGIN"
	case RecCommit:
		return "COMMIT"
	case RecAbort:
		return "ABORT"
	case RecInsert:
		return "INSERT"
	case RecDelete:
		return "DELETE"
	case RecUpdate:
		return "UPDATE"
	case RecCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// NoLSN marks the absence of a prev-LSN (a transaction's first record) or a
// not-yet-assigned LSN.
const NoLSN uint64 = 0

// DPTEntry is the Dirty Page Table's per-page payload inside a checkpoint:
// the table the page belongs to, and the LSN that first dirtied it since it
// last reached disk.
type DPTEntry struct {
	Table  string
	RecLSN uint64
}

// CheckpointPayload snapshots everything the analysis pass needs to resume
// from a point after the log's beginning instead of rescanning it whole.
type CheckpointPayload struct {
	ATT       map[uint64]uint64 // txn-id -> last-LSN
	Aborted   map[uint64]struct{}
	DPT       map[uint32]DPTEntry // page-id -> entry
	MinRecLSN uint64
}

// Record is one decoded log entry. Only the fields relevant to Type are
// populated; the rest are zero.
type Record struct {
	Type    RecordType
	LSN     uint64
	TxnID   uint64
	PrevLSN uint64

	Table string
	RID   heap.TID

	// Before/After are the tuple's encoded bytes (record.EncodeColumns
	// output) prior to / after the mutation. INSERT sets only After,
	// DELETE only Before, UPDATE both.
	Before []byte
	After  []byte

	Checkpoint *CheckpointPayload
}

func putBytes(buf []byte, off int, b []byte) int {
	bx.PutU32(buf[off:off+4], uint32(len(b)))
	off += 4
	copy(buf[off:], b)
	return off + len(b)
}

func getBytes(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, 0, ErrBadRecord
	}
	n := int(bx.U32(buf[off : off+4]))
	off += 4
	if n < 0 || off+n > len(buf) {
		return nil, 0, ErrBadRecord
	}
	out := make([]byte, n)
	copy(out, buf[off:off+n])
	return out, off + n, nil
}

func putString(buf []byte, off int, s string) int {
	return putBytes(buf, off, []byte(s))
}

func getString(buf []byte, off int) (string, int, error) {
	b, off, err := getBytes(buf, off)
	if err != nil {
		return "", 0, err
	}
	return string(b), off, nil
}

// encodeBody serializes the type-specific payload that follows the common
// header (type, LSN, txn-id, prev-LSN — written by the caller).
func (r *Record) encodeBody() []byte {
	switch r.Type {
	case RecBegin, RecCommit, RecAbort:
		return nil
	case RecInsert, RecDelete, RecUpdate:
		size := 4 + len(r.Table) + 4 + 2 + 4 + len(r.Before) + 4 + len(r.After)
		buf := make([]byte, size)
		off := 0
		off = putString(buf, off, r.Table)
		bx.PutU32(buf[off:off+4], r.RID.PageID)
		off += 4
		bx.PutU16(buf[off:off+2], r.RID.Slot)
		off += 2
		off = putBytes(buf, off, r.Before)
		off = putBytes(buf, off, r.After)
		return buf
	case RecCheckpoint:
		return encodeCheckpoint(r.Checkpoint)
	default:
		return nil
	}
}

func decodeBody(t RecordType, buf []byte) (*Record, error) {
	rec := &Record{Type: t}
	switch t {
	case RecBegin, RecCommit, RecAbort:
		return rec, nil
	case RecInsert, RecDelete, RecUpdate:
		off := 0
		table, off, err := getString(buf, off)
		if err != nil {
			return nil, err
		}
		if off+6 > len(buf) {
			return nil, ErrBadRecord
		}
		pageID := bx.U32(buf[off : off+4])
		off += 4
		slot := bx.U16(buf[off : off+2])
		off += 2
		before, off, err := getBytes(buf, off)
		if err != nil {
			return nil, err
		}
		after, _, err := getBytes(buf, off)
		if err != nil {
			return nil, err
		}
		rec.Table = table
		rec.RID = heap.TID{PageID: pageID, Slot: slot}
		if len(before) > 0 {
			rec.Before = before
		}
		if len(after) > 0 {
			rec.After = after
		}
		return rec, nil
	case RecCheckpoint:
		cp, err := decodeCheckpoint(buf)
		if err != nil {
			return nil, err
		}
		rec.Checkpoint = cp
		return rec, nil
	default:
		return nil, fmt.Errorf("%w: unknown record type %d", ErrBadRecord, t)
	}
}

func encodeCheckpoint(cp *CheckpointPayload) []byte {
	if cp == nil {
		cp = &CheckpointPayload{}
	}
	size := 4 + len(cp.ATT)*16 + 4 + len(cp.Aborted)*8 + 4 + 8
	for _, e := range cp.DPT {
		size += 4 + 4 + 8 + len(e.Table)
	}
	buf := make([]byte, size)
	off := 0

	bx.PutU32(buf[off:off+4], uint32(len(cp.ATT)))
	off += 4
	for txn, lastLSN := range cp.ATT {
		bx.PutU64(buf[off:off+8], txn)
		off += 8
		bx.PutU64(buf[off:off+8], lastLSN)
		off += 8
	}

	bx.PutU32(buf[off:off+4], uint32(len(cp.Aborted)))
	off += 4
	for txn := range cp.Aborted {
		bx.PutU64(buf[off:off+8], txn)
		off += 8
	}

	bx.PutU32(buf[off:off+4], uint32(len(cp.DPT)))
	off += 4
	for pageID, e := range cp.DPT {
		bx.PutU32(buf[off:off+4], pageID)
		off += 4
		bx.PutU64(buf[off:off+8], e.RecLSN)
		off += 8
		off = putString(buf, off, e.Table)
	}

	bx.PutU64(buf[off:off+8], cp.MinRecLSN)
	off += 8

	return buf[:off]
}

func decodeCheckpoint(buf []byte) (*CheckpointPayload, error) {
	cp := &CheckpointPayload{
		ATT:     make(map[uint64]uint64),
		Aborted: make(map[uint64]struct{}),
		DPT:     make(map[uint32]DPTEntry),
	}
	off := 0

	if off+4 > len(buf) {
		return nil, ErrBadRecord
	}
	nATT := int(bx.U32(buf[off : off+4]))
	off += 4
	for i := 0; i < nATT; i++ {
		if off+16 > len(buf) {
			return nil, ErrBadRecord
		}
		txn := bx.U64(buf[off : off+8])
		off += 8
		lastLSN := bx.U64(buf[off : off+8])
		off += 8
		cp.ATT[txn] = lastLSN
	}

	if off+4 > len(buf) {
		return nil, ErrBadRecord
	}
	nAborted := int(bx.U32(buf[off : off+4]))
	off += 4
	for i := 0; i < nAborted; i++ {
		if off+8 > len(buf) {
			return nil, ErrBadRecord
		}
		txn := bx.U64(buf[off : off+8])
		off += 8
		cp.Aborted[txn] = struct{}{}
	}

	if off+4 > len(buf) {
		return nil, ErrBadRecord
	}
	nDPT := int(bx.U32(buf[off : off+4]))
	off += 4
	for i := 0; i < nDPT; i++ {
		if off+12 > len(buf) {
			return nil, ErrBadRecord
		}
		pageID := bx.U32(buf[off : off+4])
		off += 4
		recLSN := bx.U64(buf[off : off+8])
		off += 8
		table, noff, err := getString(buf, off)
		if err != nil {
			return nil, err
		}
		off = noff
		cp.DPT[pageID] = DPTEntry{Table: table, RecLSN: recLSN}
	}

	if off+8 > len(buf) {
		return nil, ErrBadRecord
	}
	cp.MinRecLSN = bx.U64(buf[off : off+8])

	return cp, nil
}
