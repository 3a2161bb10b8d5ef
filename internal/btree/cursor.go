package btree

import "github.com/tuannm99/novasql/internal/heap"

// Cursor walks the leaf chain built by inserts/splits/merges, so a range
// scan only has to descend from the root once (via LowerBound/LeafBegin)
// and then follow NextLeaf pointers instead of re-descending per key.
type Cursor struct {
	t       *Tree
	pageID  uint32
	entries []leafEntry
	idx     int
	done    bool
}

// Done reports whether the cursor has walked past the last entry.
func (c *Cursor) Done() bool { return c.done }

// Key returns the current entry's key. Only valid when !Done().
func (c *Cursor) Key() KeyType { return c.entries[c.idx].key }

// TID returns the current entry's TID. Only valid when !Done().
func (c *Cursor) TID() heap.TID { return c.entries[c.idx].tid }

// Next advances the cursor to the following entry, crossing into
// subsequent leaves (possibly skipping ones left empty by deletes) as
// needed.
func (c *Cursor) Next() error {
	if c.done {
		return nil
	}
	c.idx++
	return c.normalize()
}

// normalize walks forward across empty leaves until it lands on a live
// entry or exhausts the chain.
func (c *Cursor) normalize() error {
	for c.idx >= len(c.entries) {
		p, err := c.t.BP.GetPage(c.pageID)
		if err != nil {
			return err
		}
		next := (&LeafNode{Page: p}).NextLeaf()
		if uerr := c.t.BP.Unpin(p, false); uerr != nil {
			return uerr
		}
		if next == 0 {
			c.done = true
			c.entries = nil
			c.idx = 0
			return nil
		}
		np, err := c.t.BP.GetPage(next)
		if err != nil {
			return err
		}
		leaf := &LeafNode{Page: np}
		entries, err := leaf.entriesSorted()
		unpinErr := c.t.BP.Unpin(np, false)
		if err != nil {
			return err
		}
		if unpinErr != nil {
			return unpinErr
		}
		c.pageID = next
		c.entries = entries
		c.idx = 0
	}
	return nil
}

// leafFor descends from the root to the leaf page that would contain key,
// returning its sorted entries alongside the page id.
func (t *Tree) leafFor(key KeyType) (uint32, []leafEntry, error) {
	pageID := t.Root
	level := t.Height
	for level > 1 {
		p, err := t.BP.GetPage(pageID)
		if err != nil {
			return 0, nil, err
		}
		_, child, err := (&InternalNode{Page: p}).findChildIndex(key)
		if uerr := t.BP.Unpin(p, false); uerr != nil {
			return 0, nil, uerr
		}
		if err != nil {
			return 0, nil, err
		}
		pageID = child
		level--
	}
	p, err := t.BP.GetPage(pageID)
	if err != nil {
		return 0, nil, err
	}
	entries, err := (&LeafNode{Page: p}).entriesSorted()
	if uerr := t.BP.Unpin(p, false); uerr != nil {
		return 0, nil, uerr
	}
	if err != nil {
		return 0, nil, err
	}
	return pageID, entries, nil
}

// LowerBound returns a cursor positioned at the first entry with
// key >= target, or a done cursor if none exists.
func (t *Tree) LowerBound(target KeyType) (*Cursor, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	t.latch.RLock()
	defer t.latch.RUnlock()
	pageID, entries, err := t.leafFor(target)
	if err != nil {
		return nil, err
	}
	idx := lowerBoundSorted(entries, target)
	c := &Cursor{t: t, pageID: pageID, entries: entries, idx: idx}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return c, nil
}

// UpperBound returns a cursor positioned at the first entry with
// key > target, or a done cursor if none exists.
func (t *Tree) UpperBound(target KeyType) (*Cursor, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	t.latch.RLock()
	defer t.latch.RUnlock()
	pageID, entries, err := t.leafFor(target)
	if err != nil {
		return nil, err
	}
	idx := lowerBoundSorted(entries, target)
	for idx < len(entries) && entries[idx].key == target {
		idx++
	}
	c := &Cursor{t: t, pageID: pageID, entries: entries, idx: idx}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return c, nil
}

// LeafBegin returns a cursor positioned at the first entry in the tree.
func (t *Tree) LeafBegin() (*Cursor, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	t.latch.RLock()
	defer t.latch.RUnlock()
	pageID := t.Root
	level := t.Height
	for level > 1 {
		p, err := t.BP.GetPage(pageID)
		if err != nil {
			return nil, err
		}
		_, child, err := (&InternalNode{Page: p}).EntryAt(0)
		if uerr := t.BP.Unpin(p, false); uerr != nil {
			return nil, uerr
		}
		if err != nil {
			return nil, err
		}
		pageID = child
		level--
	}
	p, err := t.BP.GetPage(pageID)
	if err != nil {
		return nil, err
	}
	entries, err := (&LeafNode{Page: p}).entriesSorted()
	if uerr := t.BP.Unpin(p, false); uerr != nil {
		return nil, uerr
	}
	if err != nil {
		return nil, err
	}
	c := &Cursor{t: t, pageID: pageID, entries: entries, idx: 0}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return c, nil
}

// LeafEnd returns the sentinel "past the last entry" cursor.
func (t *Tree) LeafEnd() *Cursor {
	return &Cursor{t: t, done: true}
}
