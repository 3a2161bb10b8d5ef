package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/atomic"

	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/lock"
	"github.com/tuannm99/novasql/internal/record"
	"github.com/tuannm99/novasql/internal/wal"
)

// TableResolver looks up a table's live handle by name. The transaction
// manager uses it only to apply an abort's inverse operations through the
// record manager; it never owns the catalog itself.
type TableResolver interface {
	Table(name string) (*heap.Table, error)
}

// Manager assigns transaction ids, emits BEGIN/COMMIT/ABORT log records,
// maintains each active transaction's ordered write-set, and drives abort's
// reverse-order undo through the record manager. Grounded on
// internal/engine/db.go's table lifecycle bookkeeping, generalized from
// per-table metadata to per-transaction bookkeeping.
type Manager struct {
	mu     sync.Mutex
	active map[uint64]*Transaction
	nextID atomic.Uint64

	log    *wal.Manager
	locks  *lock.Manager
	tables TableResolver
}

func NewManager(log *wal.Manager, locks *lock.Manager, tables TableResolver) *Manager {
	return &Manager{
		active: make(map[uint64]*Transaction),
		log:    log,
		locks:  locks,
		tables: tables,
	}
}

// SeedNextID reseeds the id counter after recovery, per spec's "reseed
// Transaction Manager's next-id to observed-max + 1".
func (m *Manager) SeedNextID(next uint64) {
	for {
		cur := m.nextID.Load()
		if cur >= next {
			return
		}
		if m.nextID.CAS(cur, next) {
			return
		}
	}
}

// Begin allocates a new transaction id, writes a BEGIN log record, and
// registers it in the Active Transaction Table.
func (m *Manager) Begin() (*Transaction, error) {
	id := m.nextID.Add(1)
	lsn, err := m.log.AppendBegin(id)
	if err != nil {
		return nil, err
	}
	t := &Transaction{ID: id, BeginLSN: lsn, LastLSN: lsn, State: StateActive}

	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()

	slog.Debug("txn.begin", "txn", id, "lsn", lsn)
	return t, nil
}

func requireActive(t *Transaction) error {
	if t.State != StateActive {
		return ErrTxnNotActive
	}
	return nil
}

// lockRecord acquires the exclusive record lock a write needs before its
// log record is appended, per spec's "an insert acquires an IX on its table
// and an X on the new RID" (LockRecord auto-acquires the table-level
// intention lock first). A wait-die wound aborts the transaction's
// remaining work along with it.
func (m *Manager) lockRecord(t *Transaction, table string, rid heap.TID) error {
	return m.locks.LockRecord(context.Background(), lock.TxnID(t.ID), table, rid, lock.ModeX)
}

// RecordInsert acquires the X lock on the newly landed rid, then appends an
// INSERT log record and adds it to the write-set. Callers invoke this after
// the row has actually landed at rid: the RID only exists once the insert
// has happened, so the lock on it is necessarily taken after the fact, but
// before it is logged or visible to any other transaction.
func (m *Manager) RecordInsert(t *Transaction, table string, rid heap.TID, after []byte) error {
	if err := requireActive(t); err != nil {
		return err
	}
	if err := m.lockRecord(t, table, rid); err != nil {
		return err
	}
	lsn, err := m.log.AppendInsert(t.ID, t.LastLSN, table, rid, after)
	if err != nil {
		return err
	}
	t.LastLSN = lsn
	t.WriteSet = append(t.WriteSet, WriteRecord{Op: OpInsert, Table: table, RID: rid, After: after, LSN: lsn})
	return nil
}

// RecordDelete acquires the X lock on rid, appends a DELETE log record, and
// captures the before-image the undo path needs to reinsert the row.
func (m *Manager) RecordDelete(t *Transaction, table string, rid heap.TID, before []byte) error {
	if err := requireActive(t); err != nil {
		return err
	}
	if err := m.lockRecord(t, table, rid); err != nil {
		return err
	}
	lsn, err := m.log.AppendDelete(t.ID, t.LastLSN, table, rid, before)
	if err != nil {
		return err
	}
	t.LastLSN = lsn
	t.WriteSet = append(t.WriteSet, WriteRecord{Op: OpDelete, Table: table, RID: rid, Before: before, LSN: lsn})
	return nil
}

// RecordUpdate acquires the X lock on rid, then appends an UPDATE log
// record carrying both images.
func (m *Manager) RecordUpdate(t *Transaction, table string, rid heap.TID, before, after []byte) error {
	if err := requireActive(t); err != nil {
		return err
	}
	if err := m.lockRecord(t, table, rid); err != nil {
		return err
	}
	lsn, err := m.log.AppendUpdate(t.ID, t.LastLSN, table, rid, before, after)
	if err != nil {
		return err
	}
	t.LastLSN = lsn
	t.WriteSet = append(t.WriteSet, WriteRecord{Op: OpUpdate, Table: table, RID: rid, Before: before, After: after, LSN: lsn})
	return nil
}

// Commit force-flushes the log through the COMMIT record (AppendCommit
// flushes unconditionally), releases every lock the transaction holds, and
// retires it from the active table.
func (m *Manager) Commit(t *Transaction) error {
	if err := requireActive(t); err != nil {
		return err
	}
	lsn, err := m.log.AppendCommit(t.ID, t.LastLSN)
	if err != nil {
		return err
	}
	t.LastLSN = lsn
	t.State = StateCommitted
	m.locks.ReleaseAll(lock.TxnID(t.ID))
	m.retire(t)
	slog.Debug("txn.commit", "txn", t.ID, "lsn", lsn)
	return nil
}

// Abort walks the write-set in reverse, undoing each entry through the
// record manager (delete for insert, insert for delete, restore-old for
// update), writes an ABORT record, and releases every lock held.
func (m *Manager) Abort(t *Transaction) error {
	if t.State != StateActive {
		return ErrTxnNotActive
	}
	for i := len(t.WriteSet) - 1; i >= 0; i-- {
		w := t.WriteSet[i]
		if err := m.undo(w); err != nil {
			slog.Error("txn.abort.undo_failed", "txn", t.ID, "table", w.Table, "rid", w.RID, "err", err)
			return err
		}
	}
	lsn, err := m.log.AppendAbort(t.ID, t.LastLSN)
	if err != nil {
		return err
	}
	t.LastLSN = lsn
	t.State = StateAborted
	m.locks.ReleaseAll(lock.TxnID(t.ID))
	m.retire(t)
	slog.Debug("txn.abort", "txn", t.ID, "lsn", lsn)
	return nil
}

// undo applies the inverse of one write-set entry. Reinserting a deleted
// row through Table.Insert lands it at a fresh RID rather than its
// original one — acceptable here because undo is not followed by any
// further redo of this transaction. Table.Insert does not touch any index,
// so index entries that point at the original RID are left as they are.
func (m *Manager) undo(w WriteRecord) error {
	tbl, err := m.tables.Table(w.Table)
	if err != nil {
		return err
	}
	switch w.Op {
	case OpInsert:
		return tbl.Delete(w.RID)
	case OpDelete:
		values, err := record.DecodeRow(tbl.Schema, w.Before)
		if err != nil {
			return err
		}
		_, err = tbl.Insert(values)
		return err
	case OpUpdate:
		values, err := record.DecodeRow(tbl.Schema, w.Before)
		if err != nil {
			return err
		}
		return tbl.Update(w.RID, values)
	default:
		return fmt.Errorf("txn: unknown op %v", w.Op)
	}
}

func (m *Manager) retire(t *Transaction) {
	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
}

// ActiveTransactionTable snapshots txn-id -> last-LSN for every currently
// active transaction — the ATT payload a CHECKPOINT record embeds.
func (m *Manager) ActiveTransactionTable() map[uint64]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := make(map[uint64]uint64, len(m.active))
	for id, t := range m.active {
		att[id] = t.LastLSN
	}
	return att
}

// Lookup returns the active transaction by id, or ErrUnknownTxn.
func (m *Manager) Lookup(id uint64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	if !ok {
		return nil, ErrUnknownTxn
	}
	return t, nil
}
