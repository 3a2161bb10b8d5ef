package lock

import (
	"errors"
	"fmt"

	"github.com/tuannm99/novasql/internal/heap"
)

// TxnID orders transactions for wait-die: a lower id is older.
type TxnID uint64

// Mode is a lock mode. Table-level modes (IS/IX/S/X) follow the standard
// multi-granularity matrix; record-level locks use only S/X; gap locks use
// the two gap-specific modes.
type Mode int

const (
	ModeIS Mode = iota
	ModeIX
	ModeS
	ModeX
	// ModeGapShared is held by a scan over the gap to block phantom inserts.
	ModeGapShared
	// ModeGapInsert is requested by an insert landing on a protected gap.
	ModeGapInsert
)

func (m Mode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeX:
		return "X"
	case ModeGapShared:
		return "GAP_S"
	case ModeGapInsert:
		return "GAP_INSERT"
	default:
		return "UNKNOWN"
	}
}

type resourceKind int

const (
	kindTable resourceKind = iota
	kindRecord
	kindGap
)

// ResourceID names a lockable resource: a table (by file descriptor name),
// a record (fd + RID), or a gap (fd + leaf index-id). Comparable, so it can
// key a map directly.
type ResourceID struct {
	kind   resourceKind
	fd     string
	rid    heap.TID
	gapKey int64
}

func TableResource(fd string) ResourceID { return ResourceID{kind: kindTable, fd: fd} }

func RecordResource(fd string, rid heap.TID) ResourceID {
	return ResourceID{kind: kindRecord, fd: fd, rid: rid}
}

func GapResource(fd string, leafKey int64) ResourceID {
	return ResourceID{kind: kindGap, fd: fd, gapKey: leafKey}
}

func (r ResourceID) String() string {
	switch r.kind {
	case kindTable:
		return fmt.Sprintf("table(%s)", r.fd)
	case kindRecord:
		return fmt.Sprintf("record(%s,%d:%d)", r.fd, r.rid.PageID, r.rid.Slot)
	case kindGap:
		return fmt.Sprintf("gap(%s,%d)", r.fd, r.gapKey)
	default:
		return "resource(?)"
	}
}

// ErrAborted is returned to a wait-die victim: a requester younger than a
// current holder never waits, it dies immediately so the older transaction
// can make progress without risking a cycle.
type ErrAborted struct {
	Txn       TxnID
	Resource  ResourceID
	HolderTxn TxnID
}

func (e *ErrAborted) Error() string {
	return fmt.Sprintf("lock: txn %d wounded by wait-die acquiring %s (held by older txn %d)", e.Txn, e.Resource, e.HolderTxn)
}

var ErrLockManagerClosed = errors.New("lock: manager is closed")

// compatibleTable implements the standard multi-granularity matrix for
// table-level intention/shared/exclusive locks.
func compatibleTable(held, want Mode) bool {
	switch held {
	case ModeIS:
		return want == ModeIS || want == ModeIX || want == ModeS
	case ModeIX:
		return want == ModeIS || want == ModeIX
	case ModeS:
		return want == ModeIS || want == ModeS
	case ModeX:
		return false
	default:
		return false
	}
}

// compatibleRecord: S is shared among readers, X excludes everything.
func compatibleRecord(held, want Mode) bool {
	return held == ModeS && want == ModeS
}

// compatibleGap: scans sharing the same protected gap are compatible with
// each other; an insert landing on the gap conflicts with any gap holder.
func compatibleGap(held, want Mode) bool {
	return held == ModeGapShared && want == ModeGapShared
}

func compatible(kind resourceKind, held, want Mode) bool {
	switch kind {
	case kindTable:
		return compatibleTable(held, want)
	case kindRecord:
		return compatibleRecord(held, want)
	case kindGap:
		return compatibleGap(held, want)
	default:
		return false
	}
}
