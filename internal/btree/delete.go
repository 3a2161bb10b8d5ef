package btree

import (
	"errors"
	"log/slog"

	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/storage"
)

// ErrKeyNotFound is returned by Delete when no leaf entry matches both the
// key and the TID.
var ErrKeyNotFound = errors.New("btree: key/tid not found")

// Delete removes the (key, tid) pair from the tree, redistributing or
// merging underflowed leaf/internal pages with a sibling, and collapsing
// the root when it is reduced to a single child.
func (t *Tree) Delete(key KeyType, tid heap.TID) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	t.latch.Lock()
	defer t.latch.Unlock()
	if t.Height < 1 {
		return ErrInvalidTreeHeight
	}

	slog.Debug("btree.Delete.start", "key", key, "root", t.Root, "height", t.Height)

	newRoot, _, err := t.deleteAt(t.Root, t.Height, key, tid)
	if err != nil {
		return err
	}
	t.Root = newRoot

	// Collapse the root while it is an internal node with a single child.
	for t.Height > 1 {
		p, err := t.BP.GetPage(t.Root)
		if err != nil {
			return err
		}
		node := &InternalNode{Page: p}
		num := node.NumKeys()
		if num != 1 {
			_ = t.BP.Unpin(p, false)
			break
		}
		_, onlyChild, err := node.EntryAt(0)
		_ = t.BP.Unpin(p, false)
		if err != nil {
			return err
		}
		t.Root = onlyChild
		t.Height--
		slog.Debug("btree.Delete.root_collapsed", "newRoot", t.Root, "newHeight", t.Height)
	}

	t.syncMeta()
	return nil
}

// deleteAt removes (key, tid) from the subtree rooted at pageID/level,
// returning the (possibly unchanged) page id of this subtree's root and
// whether this node now holds fewer entries than the minimum for its level
// (minLeafEntries or minInternalEntries).
// Underflow is never reported for the tree root, since it has no sibling to
// rebalance with; Delete handles root collapse separately.
func (t *Tree) deleteAt(pageID uint32, level int, key KeyType, tid heap.TID) (uint32, bool, error) {
	if level < 1 {
		return 0, false, ErrInvalidTreeHeight
	}
	if level == 1 {
		return t.deleteFromLeaf(pageID, key, tid)
	}
	return t.deleteFromInternal(pageID, level, key, tid)
}

func (t *Tree) deleteFromLeaf(pageID uint32, key KeyType, tid heap.TID) (uint32, bool, error) {
	p, err := t.BP.GetPage(pageID)
	if err != nil {
		return 0, false, err
	}
	leaf := &LeafNode{Page: p}

	entries, err := leaf.entriesSorted()
	if err != nil {
		_ = t.BP.Unpin(p, false)
		return 0, false, err
	}

	idx := -1
	for i, e := range entries {
		if e.key == key && e.tid == tid {
			idx = i
			break
		}
	}
	if idx < 0 {
		_ = t.BP.Unpin(p, false)
		return 0, false, ErrKeyNotFound
	}
	entries = append(entries[:idx], entries[idx+1:]...)

	if err := leaf.rebuildSorted(entries); err != nil {
		_ = t.BP.Unpin(p, false)
		return 0, false, err
	}
	_ = t.BP.Unpin(p, true)

	underflow := pageID != t.Root && len(entries) < minLeafEntries()
	slog.Debug("btree.deleteFromLeaf", "pageID", pageID, "key", key, "remaining", len(entries), "underflow", underflow)
	return pageID, underflow, nil
}

func (t *Tree) deleteFromInternal(pageID uint32, level int, key KeyType, tid heap.TID) (uint32, bool, error) {
	p, err := t.BP.GetPage(pageID)
	if err != nil {
		return 0, false, err
	}
	node := &InternalNode{Page: p}

	idx, childID, err := node.findChildIndex(key)
	if err != nil {
		_ = t.BP.Unpin(p, false)
		return 0, false, err
	}

	childNewID, childUnderflow, err := t.deleteAt(childID, level-1, key, tid)
	if err != nil {
		_ = t.BP.Unpin(p, false)
		return 0, false, err
	}

	entries, err := node.readEntries()
	if err != nil {
		_ = t.BP.Unpin(p, false)
		return 0, false, err
	}
	if idx < 0 || idx >= len(entries) {
		_ = t.BP.Unpin(p, false)
		return 0, false, ErrInternalChildIdxOutOfRange
	}
	entries[idx].child = childNewID

	if childUnderflow {
		var rebErr error
		if level-1 == 1 {
			entries, rebErr = t.fixLeafUnderflow(entries, idx)
		} else {
			entries, rebErr = t.fixInternalUnderflow(entries, idx)
		}
		if rebErr != nil {
			_ = t.BP.Unpin(p, false)
			return 0, false, rebErr
		}
	}

	p.Reset(pageID)
	for _, e := range entries {
		if err := node.AppendEntry(e.key, e.child); err != nil {
			_ = t.BP.Unpin(p, true)
			return 0, false, err
		}
	}
	_ = t.BP.Unpin(p, true)

	selfUnderflow := pageID != t.Root && len(entries) < minInternalEntries()
	return pageID, selfUnderflow, nil
}

// fixLeafUnderflow repairs entries[idx] (a leaf page that underflowed)
// by borrowing from a sibling leaf or merging with one, returning the
// updated entries list for the parent.
func (t *Tree) fixLeafUnderflow(entries []internalEntry, idx int) ([]internalEntry, error) {
	childID := entries[idx].child
	childPage, err := t.BP.GetPage(childID)
	if err != nil {
		return nil, err
	}
	childLeaf := &LeafNode{Page: childPage}
	childEntries, err := childLeaf.entriesSorted()
	if err != nil {
		_ = t.BP.Unpin(childPage, false)
		return nil, err
	}

	if idx > 0 {
		leftID := entries[idx-1].child
		leftPage, err := t.BP.GetPage(leftID)
		if err != nil {
			_ = t.BP.Unpin(childPage, false)
			return nil, err
		}
		leftLeaf := &LeafNode{Page: leftPage}
		leftEntries, err := leftLeaf.entriesSorted()
		if err != nil {
			_ = t.BP.Unpin(childPage, false)
			_ = t.BP.Unpin(leftPage, false)
			return nil, err
		}

		if len(leftEntries) > minLeafEntries() {
			borrow := leftEntries[len(leftEntries)-1]
			leftEntries = leftEntries[:len(leftEntries)-1]
			if err := leftLeaf.rebuildSorted(leftEntries); err != nil {
				_ = t.BP.Unpin(childPage, false)
				_ = t.BP.Unpin(leftPage, false)
				return nil, err
			}
			childEntries = append([]leafEntry{borrow}, childEntries...)
			if err := childLeaf.rebuildSorted(childEntries); err != nil {
				_ = t.BP.Unpin(childPage, true)
				_ = t.BP.Unpin(leftPage, true)
				return nil, err
			}
			entries[idx].key = borrow.key
			_ = t.BP.Unpin(childPage, true)
			_ = t.BP.Unpin(leftPage, true)
			slog.Debug("btree.fixLeafUnderflow.borrow_from_left", "child", childID, "left", leftID)
			return entries, nil
		}

		// Merge child into left sibling.
		merged := append(leftEntries, childEntries...)
		if err := leftLeaf.rebuildSorted(merged); err != nil {
			_ = t.BP.Unpin(childPage, false)
			_ = t.BP.Unpin(leftPage, false)
			return nil, err
		}
		childNext := childLeaf.NextLeaf()
		leftLeaf.SetNextLeaf(childNext)
		if childNext != 0 {
			np, err := t.BP.GetPage(childNext)
			if err != nil {
				_ = t.BP.Unpin(childPage, true)
				_ = t.BP.Unpin(leftPage, true)
				return nil, err
			}
			(&LeafNode{Page: np}).SetPrevLeaf(leftID)
			if err := t.BP.Unpin(np, true); err != nil {
				_ = t.BP.Unpin(childPage, true)
				_ = t.BP.Unpin(leftPage, true)
				return nil, err
			}
		}
		_ = t.BP.Unpin(childPage, true) // page abandoned: not linked to by any parent entry anymore
		_ = t.BP.Unpin(leftPage, true)
		entries = append(entries[:idx], entries[idx+1:]...)
		slog.Debug("btree.fixLeafUnderflow.merge_into_left", "child", childID, "left", leftID)
		return entries, nil
	}

	if idx < len(entries)-1 {
		rightID := entries[idx+1].child
		rightPage, err := t.BP.GetPage(rightID)
		if err != nil {
			_ = t.BP.Unpin(childPage, false)
			return nil, err
		}
		rightLeaf := &LeafNode{Page: rightPage}
		rightEntries, err := rightLeaf.entriesSorted()
		if err != nil {
			_ = t.BP.Unpin(childPage, false)
			_ = t.BP.Unpin(rightPage, false)
			return nil, err
		}

		if len(rightEntries) > minLeafEntries() {
			borrow := rightEntries[0]
			rightEntries = rightEntries[1:]
			if err := rightLeaf.rebuildSorted(rightEntries); err != nil {
				_ = t.BP.Unpin(childPage, false)
				_ = t.BP.Unpin(rightPage, false)
				return nil, err
			}
			childEntries = append(childEntries, borrow)
			if err := childLeaf.rebuildSorted(childEntries); err != nil {
				_ = t.BP.Unpin(childPage, true)
				_ = t.BP.Unpin(rightPage, true)
				return nil, err
			}
			entries[idx+1].key = rightEntries[0].key
			_ = t.BP.Unpin(childPage, true)
			_ = t.BP.Unpin(rightPage, true)
			slog.Debug("btree.fixLeafUnderflow.borrow_from_right", "child", childID, "right", rightID)
			return entries, nil
		}

		// Merge right sibling into child.
		merged := append(childEntries, rightEntries...)
		if err := childLeaf.rebuildSorted(merged); err != nil {
			_ = t.BP.Unpin(childPage, false)
			_ = t.BP.Unpin(rightPage, false)
			return nil, err
		}
		rightNext := rightLeaf.NextLeaf()
		childLeaf.SetNextLeaf(rightNext)
		if rightNext != 0 {
			np, err := t.BP.GetPage(rightNext)
			if err != nil {
				_ = t.BP.Unpin(childPage, true)
				_ = t.BP.Unpin(rightPage, true)
				return nil, err
			}
			(&LeafNode{Page: np}).SetPrevLeaf(childID)
			if err := t.BP.Unpin(np, true); err != nil {
				_ = t.BP.Unpin(childPage, true)
				_ = t.BP.Unpin(rightPage, true)
				return nil, err
			}
		}
		_ = t.BP.Unpin(childPage, true)
		_ = t.BP.Unpin(rightPage, true) // page abandoned
		entries = append(entries[:idx+1], entries[idx+2:]...)
		slog.Debug("btree.fixLeafUnderflow.merge_right_into_child", "child", childID, "right", rightID)
		return entries, nil
	}

	// No siblings at all (single-child parent): nothing to do.
	_ = t.BP.Unpin(childPage, false)
	return entries, nil
}

// fixInternalUnderflow is the internal-node counterpart of
// fixLeafUnderflow: it borrows or merges one level above the leaves.
// Internal nodes have no sibling chain pointers to maintain, since range
// iteration only ever walks the leaf chain.
func (t *Tree) fixInternalUnderflow(entries []internalEntry, idx int) ([]internalEntry, error) {
	childID := entries[idx].child
	childPage, err := t.BP.GetPage(childID)
	if err != nil {
		return nil, err
	}
	childNode := &InternalNode{Page: childPage}
	childEntries, err := childNode.readEntries()
	if err != nil {
		_ = t.BP.Unpin(childPage, false)
		return nil, err
	}

	if idx > 0 {
		leftID := entries[idx-1].child
		leftPage, err := t.BP.GetPage(leftID)
		if err != nil {
			_ = t.BP.Unpin(childPage, false)
			return nil, err
		}
		leftNode := &InternalNode{Page: leftPage}
		leftEntries, err := leftNode.readEntries()
		if err != nil {
			_ = t.BP.Unpin(childPage, false)
			_ = t.BP.Unpin(leftPage, false)
			return nil, err
		}

		if len(leftEntries) > minInternalEntries() {
			borrow := leftEntries[len(leftEntries)-1]
			leftEntries = leftEntries[:len(leftEntries)-1]
			if err := rebuildInternal(leftPage, leftNode, leftEntries); err != nil {
				_ = t.BP.Unpin(childPage, false)
				_ = t.BP.Unpin(leftPage, false)
				return nil, err
			}
			childEntries = append([]internalEntry{borrow}, childEntries...)
			if err := rebuildInternal(childPage, childNode, childEntries); err != nil {
				_ = t.BP.Unpin(childPage, true)
				_ = t.BP.Unpin(leftPage, true)
				return nil, err
			}
			entries[idx].key = childEntries[0].key
			_ = t.BP.Unpin(childPage, true)
			_ = t.BP.Unpin(leftPage, true)
			return entries, nil
		}

		merged := append(leftEntries, childEntries...)
		if err := rebuildInternal(leftPage, leftNode, merged); err != nil {
			_ = t.BP.Unpin(childPage, false)
			_ = t.BP.Unpin(leftPage, false)
			return nil, err
		}
		_ = t.BP.Unpin(childPage, true) // page abandoned
		_ = t.BP.Unpin(leftPage, true)
		entries = append(entries[:idx], entries[idx+1:]...)
		return entries, nil
	}

	if idx < len(entries)-1 {
		rightID := entries[idx+1].child
		rightPage, err := t.BP.GetPage(rightID)
		if err != nil {
			_ = t.BP.Unpin(childPage, false)
			return nil, err
		}
		rightNode := &InternalNode{Page: rightPage}
		rightEntries, err := rightNode.readEntries()
		if err != nil {
			_ = t.BP.Unpin(childPage, false)
			_ = t.BP.Unpin(rightPage, false)
			return nil, err
		}

		if len(rightEntries) > minInternalEntries() {
			borrow := rightEntries[0]
			rightEntries = rightEntries[1:]
			if err := rebuildInternal(rightPage, rightNode, rightEntries); err != nil {
				_ = t.BP.Unpin(childPage, false)
				_ = t.BP.Unpin(rightPage, false)
				return nil, err
			}
			childEntries = append(childEntries, borrow)
			if err := rebuildInternal(childPage, childNode, childEntries); err != nil {
				_ = t.BP.Unpin(childPage, true)
				_ = t.BP.Unpin(rightPage, true)
				return nil, err
			}
			entries[idx+1].key = rightEntries[0].key
			_ = t.BP.Unpin(childPage, true)
			_ = t.BP.Unpin(rightPage, true)
			return entries, nil
		}

		merged := append(childEntries, rightEntries...)
		if err := rebuildInternal(childPage, childNode, merged); err != nil {
			_ = t.BP.Unpin(childPage, false)
			_ = t.BP.Unpin(rightPage, false)
			return nil, err
		}
		_ = t.BP.Unpin(childPage, true)
		_ = t.BP.Unpin(rightPage, true) // page abandoned
		entries = append(entries[:idx+1], entries[idx+2:]...)
		return entries, nil
	}

	_ = t.BP.Unpin(childPage, false)
	return entries, nil
}

func rebuildInternal(p *storage.Page, n *InternalNode, entries []internalEntry) error {
	pid := p.PageID()
	p.Reset(pid)
	for _, e := range entries {
		if err := n.AppendEntry(e.key, e.child); err != nil {
			return err
		}
	}
	return nil
}
