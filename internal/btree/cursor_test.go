package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/storage"
)

func TestTree_CursorWalksInOrder(t *testing.T) {
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

	c, err := tree.LeafBegin()
	require.NoError(t, err)

	var seen []int64
	for !c.Done() {
		seen = append(seen, c.Key())
		require.NoError(t, c.Next())
	}
	require.Len(t, seen, n)
	for i, k := range seen {
		require.Equal(t, int64(i+1), k)
	}
}

func TestTree_CursorLowerUpperBound(t *testing.T) {
	tbl, sm, _, gp := newTestHeapTable(t)

	idxFS := storage.LocalFileSet{Dir: t.TempDir(), Base: "users_id_idx"}
	idxBP := gp.View(idxFS)
	tree := NewTree(sm, idxFS, idxBP)

	const n = 80
	for i := 1; i <= n; i++ {
		tid, err := tbl.Insert([]any{int64(i * 2), fmt.Sprintf("user-%d", i), false}) // even keys only
		require.NoError(t, err)
		require.NoError(t, tree.Insert(int64(i*2), tid))
	}

	c, err := tree.LowerBound(41) // odd, not present -> first key >= 41 is 42
	require.NoError(t, err)
	require.False(t, c.Done())
	require.Equal(t, int64(42), c.Key())

	c2, err := tree.UpperBound(42) // first key > 42 is 44
	require.NoError(t, err)
	require.False(t, c2.Done())
	require.Equal(t, int64(44), c2.Key())

	c3, err := tree.LowerBound(int64(n*2) + 1) // past the last key
	require.NoError(t, err)
	require.True(t, c3.Done())
}
