package bplustree

import (
	"github.com/crabdb/crabdb/bufferpool"
	"github.com/crabdb/crabdb/page"
	"github.com/crabdb/crabdb/pagecodec"
)

// Iterator walks leaf entries left to right, holding a read latch on
// exactly one leaf at a time (spec.md §4.4 "Range / full scan"). Next
// crosses to the following leaf via next_leaf_page_id once the current
// leaf is exhausted. Callers must call Done once finished, even after
// Valid returns false.
type Iterator struct {
	tree    *BPlusTree
	guard   *bufferpool.ReadPageGuard
	entries []pagecodec.LeafEntry
	idx     int
}

// Begin returns an iterator positioned at the first entry of the
// leftmost leaf.
func (t *BPlusTree) Begin() (*Iterator, error) {
	return t.begin(nil)
}

// BeginAt returns an iterator positioned at the first entry whose key is
// >= key.
func (t *BPlusTree) BeginAt(key []byte) (*Iterator, error) {
	return t.begin(key)
}

func (t *BPlusTree) begin(key []byte) (*Iterator, error) {
	t.rootLatch.Lock()
	if t.rootPageID == page.InvalidPageID {
		t.rootLatch.Unlock()
		return &Iterator{}, nil
	}
	current, err := t.pool.NewReadGuard(t.rootPageID)
	t.rootLatch.Unlock()
	if err != nil {
		return nil, err
	}

	for {
		h := pagecodec.DecodeHeader(current.Data())
		if h.PageType == pagecodec.LeafNode {
			entries := pagecodec.DecodeLeafEntries(current.Data(), h.Size)
			idx := 0
			if key != nil {
				_, idx = leafFindIndex(entries, key)
			}
			it := &Iterator{tree: t, guard: current, entries: entries, idx: idx}
			if idx == len(entries) && idx > 0 {
				// key is past this leaf's last entry: the first key >= key,
				// if any, is the first entry of the next leaf.
				it.idx = idx - 1
				if err := it.Next(); err != nil {
					return nil, err
				}
			}
			return it, nil
		}

		entries := pagecodec.DecodeInternalEntries(current.Data(), h.Size)
		childIdx := 0
		if key != nil {
			childIdx = internalFindChildIndex(entries, key)
		}
		child, err := t.pool.NewReadGuard(entries[childIdx].ChildID)
		current.Done()
		if err != nil {
			return nil, err
		}
		current = child
	}
}

// Valid reports whether Key/RowID may be called.
func (it *Iterator) Valid() bool {
	return it.guard != nil && it.idx < len(it.entries)
}

// Key returns the entry's key. Valid must be true.
func (it *Iterator) Key() []byte { return it.entries[it.idx].Key }

// RowID returns the entry's row id. Valid must be true.
func (it *Iterator) RowID() page.RowID { return it.entries[it.idx].RowID }

// Next advances to the following entry, crossing into the next leaf if
// the current one is exhausted.
func (it *Iterator) Next() error {
	if it.guard == nil {
		return nil
	}
	it.idx++
	if it.idx < len(it.entries) {
		return nil
	}

	h := pagecodec.DecodeHeader(it.guard.Data())
	nextID := h.NextLeafPageID
	it.guard.Done()
	it.guard = nil

	if nextID == page.InvalidPageID {
		return nil
	}
	next, err := it.tree.pool.NewReadGuard(nextID)
	if err != nil {
		return err
	}
	nh := pagecodec.DecodeHeader(next.Data())
	it.entries = pagecodec.DecodeLeafEntries(next.Data(), nh.Size)
	it.idx = 0
	it.guard = next
	return nil
}

// Done releases the currently held leaf's latch and pin, if any. Safe to
// call multiple times and after exhaustion.
func (it *Iterator) Done() {
	if it.guard != nil {
		it.guard.Done()
		it.guard = nil
	}
}
