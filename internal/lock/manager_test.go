package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/heap"
)

func TestManager_TableLockBasicCompatibility(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.LockTable(ctx, 1, "users", ModeIS))
	require.NoError(t, m.LockTable(ctx, 2, "users", ModeIS))

	// A younger txn requesting X while older holders exist must be wounded.
	err := m.LockTable(ctx, 3, "users", ModeX)
	var aborted *ErrAborted
	require.True(t, errors.As(err, &aborted))
	require.Equal(t, TxnID(3), aborted.Txn)
}

func TestManager_UpgradeWhenSoleHolder(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.LockTable(ctx, 1, "users", ModeS))
	require.NoError(t, m.LockTable(ctx, 1, "users", ModeX)) // upgrade, sole holder
}

func TestManager_WaitDie_OlderWaitsYoungerDies(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.LockRecord(ctx, 10, "users", heap.TID{PageID: 1, Slot: 0}, ModeX))

	// Younger (higher id) requester dies immediately.
	err := m.LockRecord(ctx, 20, "users", heap.TID{PageID: 1, Slot: 0}, ModeX)
	var aborted *ErrAborted
	require.True(t, errors.As(err, &aborted))

	// Older (lower id) requester waits, then is granted once txn 10 releases.
	var wg sync.WaitGroup
	wg.Add(1)
	var olderErr error
	go func() {
		defer wg.Done()
		olderErr = m.LockRecord(ctx, 5, "users", heap.TID{PageID: 1, Slot: 0}, ModeX)
	}()

	time.Sleep(20 * time.Millisecond) // let txn 5 start waiting
	m.ReleaseAll(10)
	wg.Wait()

	require.NoError(t, olderErr)
}

func TestManager_GapLocks(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.LockGapShared(ctx, 1, "users_idx", 42))
	require.NoError(t, m.LockGapShared(ctx, 2, "users_idx", 42)) // two scans, compatible

	err := m.LockGapInsert(ctx, 3, "users_idx", 42)
	var aborted *ErrAborted
	require.True(t, errors.As(err, &aborted)) // younger insert dies behind older scans
}

func TestManager_ReleaseAllDropsEverything(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.LockTable(ctx, 1, "users", ModeIX))
	require.NoError(t, m.LockRecord(ctx, 1, "users", heap.TID{PageID: 1, Slot: 0}, ModeX))

	m.ReleaseAll(1)

	require.NoError(t, m.LockTable(ctx, 2, "users", ModeX))
	require.NoError(t, m.LockRecord(ctx, 2, "users", heap.TID{PageID: 1, Slot: 0}, ModeX))
}
