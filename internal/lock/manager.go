package lock

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tuannm99/novasql/internal/heap"
)

// lockState is the per-resource wait-die queue: holders granted the
// resource, plus a condition variable any blocked requester parks on until
// the holder set changes.
type lockState struct {
	cond    *sync.Cond
	holders map[TxnID]Mode
	ref     *RefCount
}

// Manager grants table/record/gap locks with wait-die deadlock avoidance.
// All resources share one mutex; the condition variables are per-resource
// so a release only wakes requesters actually waiting on that resource.
type Manager struct {
	mu        sync.Mutex
	resources map[ResourceID]*lockState
	byTxn     map[TxnID]map[ResourceID]struct{}

	closed atomic.Bool
}

func NewManager() *Manager {
	return &Manager{
		resources: make(map[ResourceID]*lockState),
		byTxn:     make(map[TxnID]map[ResourceID]struct{}),
	}
}

func (m *Manager) Close() {
	m.closed.Store(true)
}

// getOrCreate returns the lockState for res, creating it on first touch.
// Must be called with m.mu held. Bumps the resource's RefCount exactly
// once per distinct transaction that has not already touched it, so the
// entry's interest count matches the number of terminal releases/aborts
// still owed before it is safe to drop from the map.
func (m *Manager) getOrCreate(res ResourceID, txn TxnID) *lockState {
	st, ok := m.resources[res]
	if !ok {
		st = &lockState{holders: make(map[TxnID]Mode)}
		st.cond = sync.NewCond(&m.mu)
		st.ref = NewRefCount()
		m.resources[res] = st
		m.noteTxnInterest(txn, res)
		return st
	}
	if _, already := st.holders[txn]; !already {
		if !m.hasInterest(txn, res) {
			st.ref.Inc()
		}
	}
	m.noteTxnInterest(txn, res)
	return st
}

func (m *Manager) hasInterest(txn TxnID, res ResourceID) bool {
	set, ok := m.byTxn[txn]
	if !ok {
		return false
	}
	_, ok = set[res]
	return ok
}

func (m *Manager) noteTxnInterest(txn TxnID, res ResourceID) {
	set, ok := m.byTxn[txn]
	if !ok {
		set = make(map[ResourceID]struct{})
		m.byTxn[txn] = set
	}
	set[res] = struct{}{}
}

// settle is called once a transaction's interest in res has reached a
// terminal state (granted-then-released, or died before ever being
// granted). It decrements the resource's RefCount and, if that drops it
// to zero, removes the now-unreferenced lockState from the map.
func (m *Manager) settle(res ResourceID, txn TxnID) {
	st, ok := m.resources[res]
	if !ok {
		return
	}
	if set, ok := m.byTxn[txn]; ok {
		delete(set, res)
		if len(set) == 0 {
			delete(m.byTxn, txn)
		}
	}
	if st.ref.Dec() {
		delete(m.resources, res)
	}
}

// acquire grants mode on res to txn. When another transaction holds a
// conflicting mode, txn blocks if it is older than every current holder and
// is wounded (returning ErrAborted) otherwise. ctx cancellation unparks a
// waiter without wounding it (the caller decides how to treat the error).
func (m *Manager) acquire(ctx context.Context, txn TxnID, res ResourceID, mode Mode, kind resourceKind) error {
	if m.closed.Load() {
		return ErrLockManagerClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.getOrCreate(res, txn)

	for {
		if canGrant(st, txn, mode, kind) {
			st.holders[txn] = mode
			slog.Debug("lock.acquire.granted", "txn", txn, "resource", res, "mode", mode)
			return nil
		}

		if olderThanAllHolders(st, txn) {
			if err := ctx.Err(); err != nil {
				m.settle(res, txn)
				return err
			}
			slog.Debug("lock.acquire.wait", "txn", txn, "resource", res, "mode", mode)
			waitOnCtx(ctx, st.cond)
			continue
		}

		// Wait-die: txn is not older than every current holder, so it dies
		// rather than risk a wait cycle.
		var wounder TxnID
		for h := range st.holders {
			if h < txn {
				wounder = h
				break
			}
		}
		m.settle(res, txn)
		slog.Debug("lock.acquire.wounded", "txn", txn, "resource", res, "mode", mode, "holder", wounder)
		return &ErrAborted{Txn: txn, Resource: res, HolderTxn: wounder}
	}
}

// canGrant reports whether mode is compatible with every OTHER
// transaction's held mode on st (the requester's own prior hold, if any,
// never conflicts with itself — this is how S->X upgrade-when-sole-holder
// is implemented).
func canGrant(st *lockState, txn TxnID, mode Mode, kind resourceKind) bool {
	for holder, heldMode := range st.holders {
		if holder == txn {
			continue
		}
		if !compatible(kind, heldMode, mode) {
			return false
		}
	}
	return true
}

func olderThanAllHolders(st *lockState, txn TxnID) bool {
	for holder := range st.holders {
		if holder == txn {
			continue
		}
		if txn >= holder {
			return false
		}
	}
	return true
}

// waitOnCtx parks on cond until broadcast, or returns early if ctx is
// cancelled (a background goroutine broadcasts the condition once ctx is
// done so the waiter re-checks and observes ctx.Err()).
func waitOnCtx(ctx context.Context, cond *sync.Cond) {
	if ctx.Done() == nil {
		cond.Wait()
		return
	}
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-stop:
		}
		close(done)
	}()
	cond.Wait()
	close(stop)
	<-done
}

// LockTable acquires a table-level IS/IX/S/X lock.
func (m *Manager) LockTable(ctx context.Context, txn TxnID, fd string, mode Mode) error {
	return m.acquire(ctx, txn, TableResource(fd), mode, kindTable)
}

// LockRecord acquires a record-level S/X lock, auto-acquiring the matching
// table-level intention lock (IS for S, IX for X) first per spec §4.5.
func (m *Manager) LockRecord(ctx context.Context, txn TxnID, fd string, rid heap.TID, mode Mode) error {
	intention := ModeIS
	if mode == ModeX {
		intention = ModeIX
	}
	if err := m.LockTable(ctx, txn, fd, intention); err != nil {
		return err
	}
	return m.acquire(ctx, txn, RecordResource(fd, rid), mode, kindRecord)
}

// LockGapShared acquires a shared gap lock: used by a scan to block
// phantom inserts landing on the iid it observed.
func (m *Manager) LockGapShared(ctx context.Context, txn TxnID, fd string, leafKey int64) error {
	return m.acquire(ctx, txn, GapResource(fd, leafKey), ModeGapShared, kindGap)
}

// LockGapInsert acquires the insert-side gap lock: conflicts with any
// ModeGapShared holder protecting that exact iid.
func (m *Manager) LockGapInsert(ctx context.Context, txn TxnID, fd string, leafKey int64) error {
	return m.acquire(ctx, txn, GapResource(fd, leafKey), ModeGapInsert, kindGap)
}

// ReleaseAll drops every lock txn holds, per strict two-phase locking:
// all locks released together at commit or abort. Safe to call even if
// txn holds nothing.
func (m *Manager) ReleaseAll(txn TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.byTxn[txn]
	if !ok {
		return
	}
	resources := make([]ResourceID, 0, len(set))
	for res := range set {
		resources = append(resources, res)
	}
	for _, res := range resources {
		st, ok := m.resources[res]
		if !ok {
			continue
		}
		delete(st.holders, txn)
		m.settle(res, txn)
		st.cond.Broadcast()
	}
	slog.Debug("lock.release_all", "txn", txn, "count", len(resources))
}
