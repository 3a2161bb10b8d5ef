package storage

import (
	"github.com/tuannm99/novasql/internal/alias/bx"
)

// Page is a slotted page: a frame header, a slotted-page header, a slot
// array growing forward from the header, and a payload arena growing
// backward from the end of the page. A tuple is addressed by its slot
// index; deleting a tuple flips the slot's is_deleted meta bit but never
// removes or renumbers the slot, so RIDs built from (page, slot) stay
// stable for the page's lifetime.
type Page struct {
	Buf []byte
}

const (
	offPageID    = 0
	offLSN       = 4
	offNextFree  = 8
	offNumTuples = 12
	offNumDel    = 14
	offFreeLow   = 16 // == lower(): HeaderSize + NumSlots()*SlotSize, derivable
	offUpper     = 18 // free-space pointer: lowest used payload offset
	offReserved  = 20 // 4 reserved bytes; repurposed by page 0 as the heap file's page count
)

type slotDesc struct {
	Offset uint16
	Length uint16
	Meta   uint16
}

func (s slotDesc) isDeleted() bool { return s.Meta&metaDeleted != 0 }

// NewPage wraps buf (which must be exactly PageSize bytes) as a Page,
// initializing its header if the buffer is all zero.
func NewPage(buf []byte, pageID uint32) (*Page, error) {
	if len(buf) != PageSize {
		return nil, ErrInvalidPageSize
	}
	p := &Page{Buf: buf}
	if p.IsUninitialized() {
		p.init(pageID)
	}
	return p, nil
}

// IsUninitialized reports whether the buffer has never been formatted as a
// page (all-zero — the state of a sparse page read past EOF).
func (p *Page) IsUninitialized() bool {
	return bx.U32At(p.Buf, offPageID) == 0 && bx.U16At(p.Buf, offUpper) == 0
}

func (p *Page) init(pageID uint32) {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	bx.PutU32At(p.Buf, offPageID, pageID)
	bx.PutU32At(p.Buf, offLSN, 0)
	bx.PutU32At(p.Buf, offNextFree, 0)
	bx.PutU16At(p.Buf, offNumTuples, 0)
	bx.PutU16At(p.Buf, offNumDel, 0)
	bx.PutU16At(p.Buf, offUpper, PageSize)
}

func (p *Page) Reset(pageID uint32) { p.init(pageID) }

func (p *Page) PageID() uint32 { return bx.U32At(p.Buf, offPageID) }
func (p *Page) SetPageID(id uint32) { bx.PutU32At(p.Buf, offPageID, id) }

func (p *Page) LSN() uint32        { return bx.U32At(p.Buf, offLSN) }
func (p *Page) SetLSN(lsn uint32)  { bx.PutU32At(p.Buf, offLSN, lsn) }

func (p *Page) NextFreePage() uint32       { return bx.U32At(p.Buf, offNextFree) }
func (p *Page) SetNextFreePage(id uint32)  { bx.PutU32At(p.Buf, offNextFree, id) }

// HeaderNumPages/SetHeaderNumPages are meaningful only on a heap file's page
// 0: the record manager treats that page as a file header (page count,
// free-list head via NextFreePage) instead of a slotted tuple page.
func (p *Page) HeaderNumPages() uint32      { return bx.U32At(p.Buf, offReserved) }
func (p *Page) SetHeaderNumPages(n uint32)  { bx.PutU32At(p.Buf, offReserved, n) }

// NextLeaf/PrevLeaf let a B+-tree leaf page chain to its siblings. They
// reuse the same reserved header fields a heap page uses for its
// free-list/page-count bookkeeping: index files and heap files are never
// the same file, so there is no aliasing conflict.
func (p *Page) NextLeaf() uint32      { return p.NextFreePage() }
func (p *Page) SetNextLeaf(id uint32) { p.SetNextFreePage(id) }
func (p *Page) PrevLeaf() uint32      { return p.HeaderNumPages() }
func (p *Page) SetPrevLeaf(id uint32) { p.SetHeaderNumPages(id) }

func (p *Page) TupleCount() int   { return int(bx.U16At(p.Buf, offNumTuples)) }
func (p *Page) DeletedCount() int { return int(bx.U16At(p.Buf, offNumDel)) }

func (p *Page) lower() uint16 { return uint16(HeaderSize) + uint16(p.TupleCount())*SlotSize }
func (p *Page) upper() uint16 { return bx.U16At(p.Buf, offUpper) }
func (p *Page) setUpper(v uint16) { bx.PutU16At(p.Buf, offUpper, v) }

// NumSlots is the number of slot entries ever appended, including deleted
// ones; it is not the number of live tuples (see TupleCount/DeletedCount).
func (p *Page) NumSlots() int { return p.TupleCount() }

// FreeSpace is the number of bytes available for a new slot+payload.
func (p *Page) FreeSpace() uint16 { return p.upper() - p.lower() }

func (p *Page) slotOff(i int) int { return HeaderSize + i*SlotSize }

func (p *Page) getSlot(i int) (slotDesc, error) {
	if i < 0 || i >= p.NumSlots() {
		return slotDesc{}, ErrBadSlot
	}
	o := p.slotOff(i)
	return slotDesc{
		Offset: bx.U16At(p.Buf, o),
		Length: bx.U16At(p.Buf, o+2),
		Meta:   bx.U16At(p.Buf, o+4),
	}, nil
}

func (p *Page) putSlot(i int, s slotDesc) {
	o := p.slotOff(i)
	bx.PutU16At(p.Buf, o, s.Offset)
	bx.PutU16At(p.Buf, o+2, s.Length)
	bx.PutU16At(p.Buf, o+4, s.Meta)
}

func (p *Page) appendSlot(s slotDesc) int {
	i := p.NumSlots()
	p.putSlot(i, s)
	bx.PutU16At(p.Buf, offNumTuples, uint16(i+1))
	return i
}

// InsertTuple appends tup into the payload arena and a new slot describing
// it, returning the slot index (the RID's slot component). It fails with
// ErrNoSpace if there is not enough room for both the slot and the payload.
func (p *Page) InsertTuple(tup []byte) (int, error) {
	need := len(tup) + SlotSize
	if int(p.FreeSpace()) < need {
		return -1, ErrNoSpace
	}
	newUpper := p.upper() - uint16(len(tup))
	copy(p.Buf[newUpper:], tup)
	p.setUpper(newUpper)
	return p.appendSlot(slotDesc{Offset: newUpper, Length: uint16(len(tup)), Meta: 0}), nil
}

// ReadTuple returns the live payload at slot, or ErrBadSlot/ErrTupleDeleted.
func (p *Page) ReadTuple(slot int) ([]byte, error) {
	s, err := p.getSlot(slot)
	if err != nil {
		return nil, err
	}
	if s.isDeleted() {
		return nil, ErrTupleDeleted
	}
	return p.Buf[s.Offset : s.Offset+s.Length], nil
}

// ReadTupleMeta reports whether the slot is deleted, without copying the
// payload. ErrBadSlot if the slot index has never been appended.
func (p *Page) ReadTupleMeta(slot int) (deleted bool, err error) {
	s, err := p.getSlot(slot)
	if err != nil {
		return false, err
	}
	return s.isDeleted(), nil
}

// UpdateTuple overwrites the payload at slot in place. newTuple must be no
// longer than the slot's existing length (shrink-only); growth is rejected
// with ErrGrowthNotAllowed so callers needing more room must delete+insert
// at a fresh RID through the record manager.
func (p *Page) UpdateTuple(slot int, newTuple []byte) error {
	s, err := p.getSlot(slot)
	if err != nil {
		return err
	}
	if s.isDeleted() {
		return ErrTupleDeleted
	}
	if len(newTuple) > int(s.Length) {
		return ErrGrowthNotAllowed
	}
	copy(p.Buf[s.Offset:], newTuple)
	// Zero the shrunk tail so stale bytes never leak through a later grow
	// of this same physical slot. Length still reports the reserved size.
	for i := len(newTuple); i < int(s.Length); i++ {
		p.Buf[int(s.Offset)+i] = 0
	}
	return nil
}

// DeleteTuple flips the slot's is_deleted bit. The slot keeps its position
// and the bytes remain on the page; physical reclamation happens only via
// a full-file rewrite, which the record manager does not perform.
func (p *Page) DeleteTuple(slot int) error {
	s, err := p.getSlot(slot)
	if err != nil {
		return err
	}
	if s.isDeleted() {
		return nil
	}
	s.Meta |= metaDeleted
	p.putSlot(slot, s)
	bx.PutU16At(p.Buf, offNumDel, uint16(p.DeletedCount()+1))
	return nil
}

// UndeleteTuple reverses a prior DeleteTuple: it clears the slot's
// is_deleted bit, exposing the tuple bytes delete left physically intact.
// Crash recovery uses this to undo a DELETE at its exact original RID,
// rather than reinserting a copy at a fresh one.
func (p *Page) UndeleteTuple(slot int) error {
	s, err := p.getSlot(slot)
	if err != nil {
		return err
	}
	if !s.isDeleted() {
		return nil
	}
	s.Meta &^= metaDeleted
	p.putSlot(slot, s)
	bx.PutU16At(p.Buf, offNumDel, uint16(p.DeletedCount()-1))
	return nil
}
