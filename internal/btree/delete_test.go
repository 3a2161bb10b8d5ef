package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/storage"
)

func TestTree_DeleteSingleKey(t *testing.T) {
	tbl, sm, _, gp := newTestHeapTable(t)

	idxFS := storage.LocalFileSet{Dir: t.TempDir(), Base: "users_id_idx"}
	idxBP := gp.View(idxFS)
	tree := NewTree(sm, idxFS, idxBP)

	var tids []struct {
		key int64
		tid [2]uint32
	}
	for i := 1; i <= 5; i++ {
		tid, err := tbl.Insert([]any{int64(i), fmt.Sprintf("user-%d", i), false})
		require.NoError(t, err)
		require.NoError(t, tree.Insert(int64(i), tid))
		tids = append(tids, struct {
			key int64
			tid [2]uint32
		}{int64(i), [2]uint32{tid.PageID, uint32(tid.Slot)}})
	}

	got, err := tree.SearchEqual(3)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, tree.Delete(3, got[0]))

	got, err = tree.SearchEqual(3)
	require.NoError(t, err)
	require.Empty(t, got)

	// Remaining keys still resolve.
	for _, want := range tids {
		if want.key == 3 {
			continue
		}
		got, err := tree.SearchEqual(want.key)
		require.NoError(t, err)
		require.Len(t, got, 1)
	}
}

func TestTree_DeleteCausesMergeAcrossManyLeaves(t *testing.T) {
	tbl, sm, _, gp := newTestHeapTable(t)

	idxFS := storage.LocalFileSet{Dir: t.TempDir(), Base: "users_id_idx"}
	idxBP := gp.View(idxFS)
	tree := NewTree(sm, idxFS, idxBP)

	const n = 500
	for i := 1; i <= n; i++ {
		tid, err := tbl.Insert([]any{int64(i), fmt.Sprintf("user-%d", i), false})
		require.NoError(t, err)
		require.NoError(t, tree.Insert(int64(i), tid))
	}
	require.Greater(t, tree.Height, 1, "expected the tree to have grown past a single leaf")

	// Delete most keys, forcing repeated redistribute/merge passes.
	for i := 1; i <= n-5; i++ {
		tids, err := tree.SearchEqual(int64(i))
		require.NoError(t, err)
		require.Len(t, tids, 1)
		require.NoError(t, tree.Delete(int64(i), tids[0]))
	}

	for i := 1; i <= n-5; i++ {
		got, err := tree.SearchEqual(int64(i))
		require.NoError(t, err)
		require.Empty(t, got)
	}
	for i := n - 4; i <= n; i++ {
		got, err := tree.SearchEqual(int64(i))
		require.NoError(t, err)
		require.Len(t, got, 1)
	}
}

func TestTree_DeleteUnknownKeyFails(t *testing.T) {
	tbl, sm, _, gp := newTestHeapTable(t)
	idxFS := storage.LocalFileSet{Dir: t.TempDir(), Base: "users_id_idx"}
	idxBP := gp.View(idxFS)
	tree := NewTree(sm, idxFS, idxBP)

	tid, err := tbl.Insert([]any{int64(1), "user-1", false})
	require.NoError(t, err)
	require.NoError(t, tree.Insert(1, tid))

	err = tree.Delete(1, tid)
	require.NoError(t, err)

	err = tree.Delete(1, tid)
	require.ErrorIs(t, err, ErrKeyNotFound)
}
