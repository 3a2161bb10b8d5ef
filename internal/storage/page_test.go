package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	defaultPageID = 0

	slot1Data = []byte("data string of slot 1")
	slot2Data = []byte("data string of slot 2")
	shortData = []byte("short")
)

func newPage(t *testing.T) *Page {
	buf := make([]byte, PageSize)

	p, err := NewPage(buf, uint32(defaultPageID))
	require.NoError(t, err)

	assert.Equal(t, uint16(PageSize), p.upper())
	assert.Equal(t, uint16(HeaderSize), p.lower())
	assert.Equal(t, 0, p.NumSlots())

	slot, err := p.InsertTuple(slot1Data)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	slot, err = p.InsertTuple(slot2Data)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)

	wantUpper := uint16(PageSize - len(slot1Data) - len(slot2Data))
	wantLower := uint16(HeaderSize + 2*SlotSize)
	assert.Equal(t, wantUpper, p.upper())
	assert.Equal(t, wantLower, p.lower())
	assert.Equal(t, 2, p.NumSlots())

	require.NotEmpty(t, p.DebugString())

	return p
}

func TestCRUDTuple(t *testing.T) {
	p := newPage(t)

	byteData, err := p.ReadTuple(0)
	require.NoError(t, err)
	assert.Equal(t, slot1Data, byteData)

	_, err = p.ReadTuple(-1)
	require.ErrorIs(t, err, ErrBadSlot)
	_, err = p.ReadTuple(2)
	require.ErrorIs(t, err, ErrBadSlot)

	// delete: slot keeps its position, RID stays meaningful.
	require.NoError(t, p.DeleteTuple(0))
	_, err = p.ReadTuple(0)
	require.ErrorIs(t, err, ErrTupleDeleted)
	deleted, err := p.ReadTupleMeta(0)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 1, p.DeletedCount())
	assert.Equal(t, 2, p.NumSlots())

	// shrink-only update: shorter payload overwrites in place, same slot.
	require.NoError(t, p.UpdateTuple(1, shortData))
	byteData, err = p.ReadTuple(1)
	require.NoError(t, err)
	assert.Equal(t, shortData, byteData)

	// growth is rejected, slot untouched.
	longer := append(append([]byte{}, slot2Data...), slot2Data...)
	err = p.UpdateTuple(1, longer)
	require.ErrorIs(t, err, ErrGrowthNotAllowed)
	byteData, err = p.ReadTuple(1)
	require.NoError(t, err)
	assert.Equal(t, shortData, byteData)
}

func TestInsertTupleNoSpace(t *testing.T) {
	buf := make([]byte, PageSize)
	p, err := NewPage(buf, 7)
	require.NoError(t, err)

	big := make([]byte, PageSize)
	_, err = p.InsertTuple(big)
	require.ErrorIs(t, err, ErrNoSpace)
}
