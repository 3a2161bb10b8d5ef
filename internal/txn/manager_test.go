package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/lock"
	"github.com/tuannm99/novasql/internal/record"
	"github.com/tuannm99/novasql/internal/storage"
	"github.com/tuannm99/novasql/internal/wal"
)

type singleTableResolver struct {
	tbl *heap.Table
}

func (r singleTableResolver) Table(name string) (*heap.Table, error) {
	return r.tbl, nil
}

func newTestEnv(t *testing.T) (*Manager, *heap.Table) {
	t.Helper()

	dir := t.TempDir()
	sm := storage.NewStorageManager()
	fs := storage.LocalFileSet{Dir: dir, Base: "accounts"}
	gp := bufferpool.NewGlobalPool(sm, bufferpool.DefaultCapacity)
	bp := gp.View(fs)

	schema := record.Schema{
		Cols: []record.Column{
			{Name: "id", Type: record.ColInt64, Nullable: false},
			{Name: "balance", Type: record.ColInt64, Nullable: false},
		},
	}
	ovf := storage.NewOverflowManager(sm, storage.LocalFileSet{Dir: dir, Base: "accounts_ovf"})
	tbl := heap.NewTable("accounts", schema, sm, fs, bp, ovf, 0)

	logMgr, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = logMgr.Close() })

	locks := lock.NewManager()
	mgr := NewManager(logMgr, locks, singleTableResolver{tbl: tbl})
	return mgr, tbl
}

func TestManager_CommitKeepsRow(t *testing.T) {
	mgr, tbl := newTestEnv(t)

	txn, err := mgr.Begin()
	require.NoError(t, err)

	rid, err := tbl.Insert([]any{int64(1), int64(100)})
	require.NoError(t, err)

	after, err := record.EncodeRow(tbl.Schema, []any{int64(1), int64(100)})
	require.NoError(t, err)
	require.NoError(t, mgr.RecordInsert(txn, "accounts", rid, after))

	require.NoError(t, mgr.Commit(txn))

	row, err := tbl.Get(rid)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(100)}, row)
}

func TestManager_AbortUndoesInsert(t *testing.T) {
	mgr, tbl := newTestEnv(t)

	txn, err := mgr.Begin()
	require.NoError(t, err)

	rid, err := tbl.Insert([]any{int64(2), int64(50)})
	require.NoError(t, err)

	after, err := record.EncodeRow(tbl.Schema, []any{int64(2), int64(50)})
	require.NoError(t, err)
	require.NoError(t, mgr.RecordInsert(txn, "accounts", rid, after))

	require.NoError(t, mgr.Abort(txn))

	_, err = tbl.Get(rid)
	require.Error(t, err) // row was deleted by undo
}

func TestManager_AbortUndoesUpdateByRestoringBeforeImage(t *testing.T) {
	mgr, tbl := newTestEnv(t)

	rid, err := tbl.Insert([]any{int64(3), int64(10)})
	require.NoError(t, err)

	txn, err := mgr.Begin()
	require.NoError(t, err)

	before, err := record.EncodeRow(tbl.Schema, []any{int64(3), int64(10)})
	require.NoError(t, err)

	require.NoError(t, tbl.Update(rid, []any{int64(3), int64(999)}))

	after, err := record.EncodeRow(tbl.Schema, []any{int64(3), int64(999)})
	require.NoError(t, err)
	require.NoError(t, mgr.RecordUpdate(txn, "accounts", rid, before, after))

	require.NoError(t, mgr.Abort(txn))

	row, err := tbl.Get(rid)
	require.NoError(t, err)
	require.Equal(t, []any{int64(3), int64(10)}, row)
}

func TestManager_BeginAssignsIncreasingIDs(t *testing.T) {
	mgr, _ := newTestEnv(t)

	t1, err := mgr.Begin()
	require.NoError(t, err)
	t2, err := mgr.Begin()
	require.NoError(t, err)

	require.Less(t, t1.ID, t2.ID)
}

func TestManager_SeedNextIDNeverGoesBackwards(t *testing.T) {
	mgr, _ := newTestEnv(t)

	mgr.SeedNextID(100)
	txn, err := mgr.Begin()
	require.NoError(t, err)
	require.GreaterOrEqual(t, txn.ID, uint64(101))

	mgr.SeedNextID(5) // must not rewind
	txn2, err := mgr.Begin()
	require.NoError(t, err)
	require.Greater(t, txn2.ID, txn.ID)
}
