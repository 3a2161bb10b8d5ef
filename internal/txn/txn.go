package txn

import (
	"errors"
	"fmt"

	"github.com/tuannm99/novasql/internal/heap"
)

// Op tags a write-set entry's logical operation.
type Op int

const (
	OpInsert Op = iota
	OpDelete
	OpUpdate
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpDelete:
		return "DELETE"
	case OpUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// WriteRecord is one entry in a transaction's ordered write-set: enough to
// undo the mutation through the record manager without consulting the log.
type WriteRecord struct {
	Op     Op
	Table  string
	RID    heap.TID
	Before []byte // encoded row; nil for Insert
	After  []byte // encoded row; nil for Delete
	LSN    uint64
}

// State is a transaction's lifecycle stage.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Transaction is the in-memory handle a caller holds between Begin and
// Commit/Abort. ID orders transactions for the lock manager's wait-die
// check (lower id = older) and doubles as the log's txn-id field.
type Transaction struct {
	ID       uint64
	BeginLSN uint64
	LastLSN  uint64 // most recent log record this txn wrote; the prev-LSN chain head
	State    State
	WriteSet []WriteRecord
}

// AbortedError wraps the error that drove an automatic abort, so the
// request boundary can always type-assert to decide whether Abort already
// ran instead of string-matching the error text.
type AbortedError struct {
	Cause error
}

func (e *AbortedError) Error() string { return fmt.Sprintf("txn: aborted: %v", e.Cause) }
func (e *AbortedError) Unwrap() error  { return e.Cause }

var (
	ErrTxnNotActive = errors.New("txn: transaction is not active")
	ErrUnknownTxn   = errors.New("txn: unknown transaction id")
)
