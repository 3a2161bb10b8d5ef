package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tuannm99/novasql/internal/alias/bx"
	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/record"
	"github.com/tuannm99/novasql/internal/storage"
)

const (
	rowKindInline   = byte(0)
	rowKindOverflow = byte(1)
	rowKindRedirect = byte(2)

	// headerPageID is reserved as the heap file's header: page count and the
	// free-list head live there instead of tuple data.
	headerPageID = uint32(0)

	// redirectTupleSize is the fixed encoding of a redirect marker: kind(1)
	// + target page id(4) + target slot(2).
	redirectTupleSize = 1 + 4 + 2
)

var (
	ErrTableClosed = errors.New("heap: table is closed")
	ErrCASFailed   = errors.New("heap: compare-and-swap predicate rejected update")
)

// Table represents heap file logic: name, schema, StorageManager, FileSet, PageCount.
// Page 0 of the file is reserved as a header (page count, free-list head);
// tuple data lives on pages 1..PageCount-1.
type Table struct {
	Name      string
	Schema    record.Schema
	SM        *storage.StorageManager
	FS        storage.FileSet
	BP        bufferpool.Manager
	PageCount uint32

	// Overflow manager for large values of this table.
	Overflow *storage.OverflowManager

	// pageCountHook is a best-effort callback invoked when PageCount changes
	// (usually when allocating a new page).
	pageCountHook func(pageCount uint32) error

	// insertStatsHook/deleteStatsHook feed the catalog's per-table
	// statistics from this table's actual write paths, the same
	// best-effort-callback shape as pageCountHook.
	insertStatsHook func(values []any)
	deleteStatsHook func(values []any)

	// lastDataPage caches the most recently used data page so inserts don't
	// have to consult the free list every time. headerPageID means "no
	// hint", since it can never be a valid data page.
	lastDataPage uint32

	closed atomic.Bool
}

func NewTable(
	name string,
	schema record.Schema,
	sm *storage.StorageManager,
	fs storage.FileSet,
	bp bufferpool.Manager,
	ovf *storage.OverflowManager,
	pageCount uint32,
) *Table {
	return &Table{
		Name:      name,
		Schema:    schema,
		SM:        sm,
		FS:        fs,
		BP:        bp,
		PageCount: pageCount,
		Overflow:  ovf,
	}
}

func (t *Table) SetPageCountHook(fn func(pageCount uint32) error) {
	t.pageCountHook = fn
}

// SetStatsHooks wires catalog statistics maintenance into Insert/Update/
// Delete. Either argument may be nil.
func (t *Table) SetStatsHooks(onInsert, onDelete func(values []any)) {
	t.insertStatsHook = onInsert
	t.deleteStatsHook = onDelete
}

// ensureHeader formats page 0 as the file header on first use of a brand-new
// (PageCount==0) table.
func (t *Table) ensureHeader() error {
	if t.PageCount > 0 {
		return nil
	}
	p, err := t.BP.GetPage(headerPageID)
	if err != nil {
		return err
	}
	p.SetHeaderNumPages(1)
	p.SetNextFreePage(0)
	t.PageCount = 1
	return t.BP.Unpin(p, true)
}

// allocateDataPage returns a page id ready to receive a new tuple: either
// popped off the header's free list, or a fresh page appended to the file.
func (t *Table) allocateDataPage() (uint32, error) {
	hp, err := t.BP.GetPage(headerPageID)
	if err != nil {
		return 0, err
	}

	if free := hp.NextFreePage(); free != 0 {
		fp, err := t.BP.GetPage(free)
		if err != nil {
			_ = t.BP.Unpin(hp, false)
			return 0, err
		}
		nextFree := fp.NextFreePage()
		fp.SetNextFreePage(0)
		if err := t.BP.Unpin(fp, true); err != nil {
			_ = t.BP.Unpin(hp, false)
			return 0, err
		}
		hp.SetNextFreePage(nextFree)
		if err := t.BP.Unpin(hp, true); err != nil {
			return 0, err
		}
		return free, nil
	}

	pageID := t.PageCount
	t.PageCount++
	hp.SetHeaderNumPages(t.PageCount)
	if err := t.BP.Unpin(hp, true); err != nil {
		return 0, err
	}
	return pageID, nil
}

// releasePage wipes pageID and pushes it onto the header's free list. The
// caller must have already ensured the page holds no live tuples.
func (t *Table) releasePage(pageID uint32) error {
	hp, err := t.BP.GetPage(headerPageID)
	if err != nil {
		return err
	}
	p, err := t.BP.GetPage(pageID)
	if err != nil {
		_ = t.BP.Unpin(hp, false)
		return err
	}
	p.Reset(pageID)
	p.SetNextFreePage(hp.NextFreePage())
	if err := t.BP.Unpin(p, true); err != nil {
		_ = t.BP.Unpin(hp, false)
		return err
	}
	hp.SetNextFreePage(pageID)
	return t.BP.Unpin(hp, true)
}

// Insert inserts a new row into the heap, returning its (stable) TID.
func (t *Table) Insert(values []any) (TID, error) {
	if err := t.ensureOpen(); err != nil {
		return TID{}, err
	}
	if err := t.ensureHeader(); err != nil {
		return TID{}, err
	}

	tuple, err := t.encodeRowWithOverflow(values)
	if err != nil {
		return TID{}, err
	}

	id, err := t.insertTuple(tuple)
	if err != nil {
		return TID{}, err
	}

	if t.pageCountHook != nil {
		if err := t.pageCountHook(t.PageCount); err != nil {
			slog.Warn("heap: pagecount hook failed", "table", t.Name, "pageCount", t.PageCount, "err", err)
		}
	}

	if err := t.Flush(); err != nil {
		return TID{}, err
	}
	if t.insertStatsHook != nil {
		t.insertStatsHook(values)
	}
	return id, nil
}

// insertTuple places an already-encoded tuple on some data page, allocating
// a fresh one (from the free list or by growing the file) if the current
// page is full.
func (t *Table) insertTuple(tuple []byte) (TID, error) {
	var (
		pageID = t.lastDataPage
		err    error
	)
	if pageID == headerPageID {
		if t.PageCount > 1 {
			pageID = t.PageCount - 1
		} else {
			pageID, err = t.allocateDataPage()
			if err != nil {
				return TID{}, err
			}
		}
	}

	for {
		p, err := t.BP.GetPage(pageID)
		if err != nil {
			return TID{}, err
		}

		slot, err := p.InsertTuple(tuple)
		if errors.Is(err, storage.ErrNoSpace) {
			_ = t.BP.Unpin(p, false)
			pageID, err = t.allocateDataPage()
			if err != nil {
				return TID{}, err
			}
			continue
		}
		if err != nil {
			_ = t.BP.Unpin(p, false)
			return TID{}, err
		}

		if err := t.BP.Unpin(p, true); err != nil {
			return TID{}, err
		}
		t.lastDataPage = pageID
		return TID{PageID: pageID, Slot: uint16(slot)}, nil
	}
}

// deleteTuple physically marks id's slot deleted and, if that empties the
// whole page, returns the page to the free list.
func (t *Table) deleteTuple(id TID) error {
	p, err := t.BP.GetPage(id.PageID)
	if err != nil {
		return err
	}
	if err := p.DeleteTuple(int(id.Slot)); err != nil {
		_ = t.BP.Unpin(p, false)
		return err
	}
	empty := p.TupleCount() > 0 && p.DeletedCount() == p.TupleCount()
	if err := t.BP.Unpin(p, true); err != nil {
		return err
	}

	if empty && id.PageID != headerPageID {
		if err := t.releasePage(id.PageID); err != nil {
			slog.Warn("heap: failed to release empty page to free list",
				"table", t.Name, "pageID", id.PageID, "err", err)
		} else if t.lastDataPage == id.PageID {
			t.lastDataPage = headerPageID
		}
	}
	return nil
}

// resolve follows at most one redirect hop from id and returns the physical
// TID actually holding the row plus its raw (still rowKind-prefixed) tuple
// bytes.
func (t *Table) resolve(id TID) (TID, []byte, error) {
	p, err := t.BP.GetPage(id.PageID)
	if err != nil {
		return TID{}, nil, err
	}
	raw, err := p.ReadTuple(int(id.Slot))
	if err != nil {
		_ = t.BP.Unpin(p, false)
		return TID{}, nil, err
	}

	if len(raw) >= 1 && raw[0] == rowKindRedirect {
		if len(raw) < redirectTupleSize {
			_ = t.BP.Unpin(p, false)
			return TID{}, nil, fmt.Errorf("heap: invalid redirect tuple size")
		}
		target := TID{PageID: bx.U32(raw[1:5]), Slot: bx.U16(raw[5:7])}
		_ = t.BP.Unpin(p, false)

		tp, err := t.BP.GetPage(target.PageID)
		if err != nil {
			return TID{}, nil, err
		}
		traw, err := tp.ReadTuple(int(target.Slot))
		if err != nil {
			_ = t.BP.Unpin(tp, false)
			return TID{}, nil, err
		}
		_ = t.BP.Unpin(tp, false)
		return target, traw, nil
	}

	_ = t.BP.Unpin(p, false)
	return id, raw, nil
}

// Get reads a single row by TID, following a redirect if the row has
// relocated since id was issued.
func (t *Table) Get(id TID) ([]any, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	_, raw, err := t.resolve(id)
	if err != nil {
		return nil, err
	}
	return t.decodeRowWithOverflow(raw)
}

// GetKeyTuple decodes only the columns named by colIdxs, for building index
// key tuples without materializing the whole row.
func (t *Table) GetKeyTuple(id TID, colIdxs []int) ([]any, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	_, raw, err := t.resolve(id)
	if err != nil {
		return nil, err
	}
	payload, err := t.resolvePayload(raw)
	if err != nil {
		return nil, err
	}
	return record.DecodeColumns(t.Schema, payload, colIdxs)
}

// Update updates a single row identified by TID.
func (t *Table) Update(id TID, values []any) error {
	return t.UpdateCAS(id, values, nil)
}

// UpdateCAS updates the row at id to values, but only if predicate(oldRow)
// returns true (when predicate is non-nil) — otherwise it returns
// ErrCASFailed without modifying anything. When the new encoding no longer
// fits the row's current physical slot, the row is relocated and id becomes
// a one-hop redirect to the new location, so TIDs handed out by Insert stay
// usable for as long as the row exists.
func (t *Table) UpdateCAS(id TID, values []any, predicate func(old []any) bool) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}

	targetID, oldRaw, err := t.resolve(id)
	if err != nil {
		return err
	}

	oldRow, err := t.decodeRowWithOverflow(oldRaw)
	if err != nil {
		return err
	}
	if predicate != nil && !predicate(oldRow) {
		return ErrCASFailed
	}

	tuple, err := t.encodeRowWithOverflow(values)
	if err != nil {
		return err
	}
	oldRef := overflowRefOf(oldRaw)

	p, err := t.BP.GetPage(targetID.PageID)
	if err != nil {
		return err
	}
	err = p.UpdateTuple(int(targetID.Slot), tuple)
	if err == nil {
		if err := t.BP.Unpin(p, true); err != nil {
			return err
		}
		t.freeOldOverflow(targetID, oldRef)
		if err := t.Flush(); err != nil {
			return err
		}
		t.recordUpdateStats(oldRow, values)
		return nil
	}
	_ = t.BP.Unpin(p, false)
	if !errors.Is(err, storage.ErrGrowthNotAllowed) {
		return err
	}

	// Grew past the slot: relocate to a fresh TID, reclaim the old physical
	// slot, and repoint id's anchor slot at the new location.
	newID, err := t.insertTuple(tuple)
	if err != nil {
		return err
	}

	// When the row still sits in its anchor slot, that slot is not deleted:
	// it is overwritten by the redirect marker below.
	if targetID != id {
		if err := t.deleteTuple(targetID); err != nil {
			slog.Warn("heap: failed to reclaim relocated slot",
				"table", t.Name, "pageID", targetID.PageID, "slot", targetID.Slot, "err", err)
		}
	}
	t.freeOldOverflow(targetID, oldRef)

	redirect := encodeRedirect(newID)
	ap, err := t.BP.GetPage(id.PageID)
	if err != nil {
		return err
	}
	// The anchor slot previously held either the full original row (always
	// >= redirectTupleSize) or an earlier redirect marker of the same
	// size, so this shrink (or equal-size) update cannot fail.
	if err := ap.UpdateTuple(int(id.Slot), redirect); err != nil {
		_ = t.BP.Unpin(ap, false)
		return err
	}
	if err := t.BP.Unpin(ap, true); err != nil {
		return err
	}
	if err := t.Flush(); err != nil {
		return err
	}
	t.recordUpdateStats(oldRow, values)
	return nil
}

// recordUpdateStats reports an update to the catalog as the delete of the
// old row plus the insert of the new one: the catalog has no combined
// update hook, and this keeps column-level stats (sum, min/max, distinct
// value tracking) consistent with what a delete-then-insert would produce.
func (t *Table) recordUpdateStats(oldRow, newRow []any) {
	if t.deleteStatsHook != nil {
		t.deleteStatsHook(oldRow)
	}
	if t.insertStatsHook != nil {
		t.insertStatsHook(newRow)
	}
}

// Delete marks a single row identified by TID as deleted, following a
// redirect if present.
func (t *Table) Delete(id TID) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}

	targetID, raw, err := t.resolve(id)
	if err != nil {
		return err
	}
	oldRef := overflowRefOf(raw)

	var oldRow []any
	if t.deleteStatsHook != nil {
		if row, derr := t.decodeRowWithOverflow(raw); derr == nil {
			oldRow = row
		}
	}

	if err := t.deleteTuple(targetID); err != nil {
		return err
	}
	if targetID != id {
		if err := t.deleteTuple(id); err != nil {
			slog.Warn("heap: failed to delete redirect anchor",
				"table", t.Name, "pageID", id.PageID, "slot", id.Slot, "err", err)
		}
	}
	t.freeOldOverflow(targetID, oldRef)
	if err := t.Flush(); err != nil {
		return err
	}
	if t.deleteStatsHook != nil && oldRow != nil {
		t.deleteStatsHook(oldRow)
	}
	return nil
}

// Scan iterates through all visible rows in the table, skipping deleted
// slots and reporting relocated rows under their original (anchor) TID.
func (t *Table) Scan(fn func(id TID, row []any) error) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}

	redirectTargets := make(map[TID]bool)
	for pageID := uint32(1); pageID < t.PageCount; pageID++ {
		p, err := t.BP.GetPage(pageID)
		if err != nil {
			return err
		}
		for slot := 0; slot < p.NumSlots(); slot++ {
			raw, err := p.ReadTuple(slot)
			if errors.Is(err, storage.ErrTupleDeleted) || errors.Is(err, storage.ErrBadSlot) {
				continue
			}
			if err != nil {
				_ = t.BP.Unpin(p, false)
				return err
			}
			if len(raw) >= redirectTupleSize && raw[0] == rowKindRedirect {
				redirectTargets[TID{PageID: bx.U32(raw[1:5]), Slot: bx.U16(raw[5:7])}] = true
			}
		}
		_ = t.BP.Unpin(p, false)
	}

	for pageID := uint32(1); pageID < t.PageCount; pageID++ {
		p, err := t.BP.GetPage(pageID)
		if err != nil {
			return err
		}

		for slot := 0; slot < p.NumSlots(); slot++ {
			id := TID{PageID: pageID, Slot: uint16(slot)}
			if redirectTargets[id] {
				// Only reachable through its anchor; reported there instead.
				continue
			}

			raw, err := p.ReadTuple(slot)
			if errors.Is(err, storage.ErrTupleDeleted) || errors.Is(err, storage.ErrBadSlot) {
				continue
			}
			if err != nil {
				_ = t.BP.Unpin(p, false)
				return err
			}

			if len(raw) >= 1 && raw[0] == rowKindRedirect {
				_, full, err := t.resolve(id)
				if err != nil {
					_ = t.BP.Unpin(p, false)
					return err
				}
				row, err := t.decodeRowWithOverflow(full)
				if err != nil {
					_ = t.BP.Unpin(p, false)
					return err
				}
				if err := fn(id, row); err != nil {
					_ = t.BP.Unpin(p, false)
					return err
				}
				continue
			}

			row, err := t.decodeRowWithOverflow(raw)
			if err != nil {
				_ = t.BP.Unpin(p, false)
				return err
			}
			if err := fn(id, row); err != nil {
				_ = t.BP.Unpin(p, false)
				return err
			}
		}

		_ = t.BP.Unpin(p, false)
	}
	return t.Flush()
}

func (t *Table) Flush() error {
	if err := t.BP.FlushAll(); err != nil {
		return err
	}

	if t.pageCountHook != nil {
		if err := t.pageCountHook(t.PageCount); err != nil {
			slog.Warn("heap: pagecount hook failed after flush", "table", t.Name, "pageCount", t.PageCount, "err", err)
		}
	}
	return nil
}

// encodeRowWithOverflow decides whether to store row inline or in overflow.
func (t *Table) encodeRowWithOverflow(values []any) ([]byte, error) {
	encoded, err := record.EncodeRow(t.Schema, values)
	if err != nil {
		return nil, err
	}

	// maxInline mirrors Page.InsertTuple's budget (PageSize - HeaderSize -
	// SlotSize), plus 1 byte for the rowKind prefix.
	maxInline := storage.PageSize - storage.HeaderSize - storage.SlotSize
	if len(encoded)+1 <= maxInline {
		out := make([]byte, 0, len(encoded)+1)
		out = append(out, rowKindInline)
		out = append(out, encoded...)
		return out, nil
	}

	if t.Overflow == nil {
		return nil, fmt.Errorf("heap: overflow manager is nil for table %s", t.Name)
	}
	ref, err := t.Overflow.Write(encoded)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+4+4)
	out = append(out, rowKindOverflow)
	var buf [4]byte
	bx.PutU32(buf[:], ref.FirstPageID)
	out = append(out, buf[:]...)
	bx.PutU32(buf[:], ref.Length)
	out = append(out, buf[:]...)
	return out, nil
}

// resolvePayload strips a tuple's rowKind prefix and, for overflow-backed
// rows, reads the full encoded row back from the overflow chain.
func (t *Table) resolvePayload(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("heap: empty tuple raw")
	}

	kind := raw[0]
	payload := raw[1:]

	switch kind {
	case rowKindInline:
		return payload, nil

	case rowKindOverflow:
		if len(payload) < 8 {
			return nil, fmt.Errorf("heap: invalid overflow tuple size")
		}
		if t.Overflow == nil {
			return nil, fmt.Errorf("heap: overflow manager is nil for table %s", t.Name)
		}
		ref := storage.OverflowRef{
			FirstPageID: bx.U32(payload[0:4]),
			Length:      bx.U32(payload[4:8]),
		}
		return t.Overflow.Read(ref)

	default:
		return nil, fmt.Errorf("heap: unknown row kind %d", kind)
	}
}

func (t *Table) decodeRowWithOverflow(raw []byte) ([]any, error) {
	payload, err := t.resolvePayload(raw)
	if err != nil {
		return nil, err
	}
	return record.DecodeRow(t.Schema, payload)
}

func (t *Table) freeOldOverflow(id TID, ref *storage.OverflowRef) {
	if ref == nil || t.Overflow == nil || ref.Length == 0 {
		return
	}
	if err := t.Overflow.Free(*ref); err != nil {
		slog.Warn("heap: overflow free failed (leak accepted)",
			"table", t.Name, "pageID", id.PageID, "slot", id.Slot,
			"first", ref.FirstPageID, "len", ref.Length, "err", err,
		)
	}
}

func overflowRefOf(raw []byte) *storage.OverflowRef {
	if len(raw) < 1+8 || raw[0] != rowKindOverflow {
		return nil
	}
	ref := storage.OverflowRef{
		FirstPageID: bx.U32(raw[1:5]),
		Length:      bx.U32(raw[5:9]),
	}
	return &ref
}

func encodeRedirect(id TID) []byte {
	out := make([]byte, 0, redirectTupleSize)
	out = append(out, rowKindRedirect)
	var pbuf [4]byte
	bx.PutU32(pbuf[:], id.PageID)
	out = append(out, pbuf[:]...)
	var sbuf [2]byte
	bx.PutU16(sbuf[:], id.Slot)
	out = append(out, sbuf[:]...)
	return out
}

func (t *Table) Close() error {
	// idempotent
	if t == nil {
		return nil
	}
	if t.closed.Swap(true) {
		return nil
	}
	if t.BP != nil {
		return t.BP.FlushAll()
	}
	return nil
}

func (t *Table) ensureOpen() error {
	if t == nil {
		return ErrTableClosed
	}
	if t.closed.Load() {
		return ErrTableClosed
	}
	return nil
}
