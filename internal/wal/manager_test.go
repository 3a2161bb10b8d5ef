package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/heap"
)

func TestManager_AppendAndIterateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	beginLSN, err := m.AppendBegin(1)
	require.NoError(t, err)

	insLSN, err := m.AppendInsert(1, beginLSN, "users", heap.TID{PageID: 3, Slot: 2}, []byte("after-image"))
	require.NoError(t, err)

	_, err = m.AppendCommit(1, insLSN)
	require.NoError(t, err)

	var got []*Record
	require.NoError(t, m.Iterate(func(r *Record) error {
		got = append(got, r)
		return nil
	}))

	require.Len(t, got, 3)
	require.Equal(t, RecBegin, got[0].Type)
	require.Equal(t, RecInsert, got[1].Type)
	require.Equal(t, "users", got[1].Table)
	require.Equal(t, heap.TID{PageID: 3, Slot: 2}, got[1].RID)
	require.Equal(t, []byte("after-image"), got[1].After)
	require.Equal(t, beginLSN, got[1].PrevLSN)
	require.Equal(t, RecCommit, got[2].Type)
}

func TestManager_CommitForcesFlush(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	lsn, err := m.AppendBegin(1)
	require.NoError(t, err)
	require.Zero(t, m.FlushedLSN()) // still buffered, not yet flushed

	_, err = m.AppendCommit(1, lsn)
	require.NoError(t, err)
	require.Equal(t, lsn+1, m.FlushedLSN()) // commit forced a flush
}

func TestManager_BufferOverflowFlushesBeforeAppend(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	big := make([]byte, LogBufferSize)
	lsn, err := m.AppendInsert(1, NoLSN, "users", heap.TID{PageID: 1, Slot: 0}, big)
	require.NoError(t, err)

	_, err = m.AppendInsert(1, lsn, "users", heap.TID{PageID: 1, Slot: 1}, []byte("small"))
	require.NoError(t, err)

	require.Equal(t, lsn, m.FlushedLSN()) // the oversized first record forced a flush
}

func TestManager_CheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	payload := &CheckpointPayload{
		ATT:       map[uint64]uint64{1: 10, 2: 20},
		Aborted:   map[uint64]struct{}{3: {}},
		DPT:       map[uint32]DPTEntry{7: {Table: "users", RecLSN: 5}},
		MinRecLSN: 5,
	}
	lsn, err := m.AppendCheckpoint(payload)
	require.NoError(t, err)

	restartLSN, err := m.LastCheckpointLSN()
	require.NoError(t, err)
	require.Equal(t, lsn, restartLSN)

	var got *Record
	require.NoError(t, m.Iterate(func(r *Record) error {
		if r.Type == RecCheckpoint {
			got = r
		}
		return nil
	}))
	require.NotNil(t, got)
	require.Equal(t, payload.ATT, got.Checkpoint.ATT)
	require.Equal(t, payload.Aborted, got.Checkpoint.Aborted)
	require.Equal(t, payload.DPT, got.Checkpoint.DPT)
	require.Equal(t, payload.MinRecLSN, got.Checkpoint.MinRecLSN)
}

func TestManager_SeedsLSNOnReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)

	lsn, err := m.AppendBegin(1)
	require.NoError(t, err)
	_, err = m.AppendCommit(1, lsn)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	require.Equal(t, lsn+2, reopened.NextLSN())
}
