// Package bplustree implements the clustered/unclustered ordered index
// described by spec.md §4.4: point lookup, insert with split, delete with
// merge/redistribute, and left-to-right leaf iteration, all over pinned
// and latched pages using crabbing.
package bplustree

import (
	"bytes"

	"github.com/crabdb/crabdb/page"
	"github.com/crabdb/crabdb/pagecodec"
)

// compareKeys is the B+tree's sole comparator. Keys are fixed-width
// big-endian encodings (page.EncodeKey), so byte-lexicographic comparison
// agrees with integer ordering.
func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

func minSize(maxSize uint32) uint32 {
	return (maxSize + 1) / 2
}

func initLeaf(buf []byte, pageID, parentID page.PageID, maxSize uint32) {
	pagecodec.EncodeHeader(buf, pagecodec.Header{
		PageType:       pagecodec.LeafNode,
		Size:           0,
		MaxSize:        maxSize,
		ParentID:       parentID,
		PageID:         pageID,
		NextLeafPageID: page.InvalidPageID,
	})
	pagecodec.EncodeLeafEntries(buf, nil)
}

func initInternal(buf []byte, pageID, parentID page.PageID, maxSize uint32) {
	pagecodec.EncodeHeader(buf, pagecodec.Header{
		PageType:       pagecodec.InternalNode,
		Size:           0,
		MaxSize:        maxSize,
		ParentID:       parentID,
		PageID:         pageID,
		NextLeafPageID: page.InvalidPageID,
	})
	pagecodec.EncodeInternalEntries(buf, nil)
}

// leafFindIndex returns the index of key in a sorted leaf entry slice, or
// (-1, insertion point) if absent.
func leafFindIndex(entries []pagecodec.LeafEntry, key []byte) (idx int, insertAt int) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareKeys(entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(entries) && compareKeys(entries[lo].Key, key) == 0 {
		return lo, lo
	}
	return -1, lo
}

// internalFindChildIndex returns the index i such that child i's subtree
// is the one to descend into for key, per spec.md §3: "for child slot i,
// all keys in that subtree satisfy key(i) <= k < key(i+1)". Entry 0's key
// is unused, so slot 0 covers everything less than entry 1's key.
func internalFindChildIndex(entries []pagecodec.InternalEntry, key []byte) int {
	// find the last index i with entries[i].Key <= key (i=0 always qualifies
	// since its key is unused/sentinel-low).
	lo, hi := 1, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareKeys(entries[mid].Key, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

func insertLeafEntry(entries []pagecodec.LeafEntry, key []byte, rid page.RowID) []pagecodec.LeafEntry {
	_, at := leafFindIndex(entries, key)
	out := make([]pagecodec.LeafEntry, 0, len(entries)+1)
	out = append(out, entries[:at]...)
	out = append(out, pagecodec.LeafEntry{Key: key, RowID: rid})
	out = append(out, entries[at:]...)
	return out
}

func removeLeafEntryAt(entries []pagecodec.LeafEntry, idx int) []pagecodec.LeafEntry {
	out := make([]pagecodec.LeafEntry, 0, len(entries)-1)
	out = append(out, entries[:idx]...)
	out = append(out, entries[idx+1:]...)
	return out
}

func insertInternalEntryAfter(entries []pagecodec.InternalEntry, afterIdx int, key []byte, childID page.PageID) []pagecodec.InternalEntry {
	out := make([]pagecodec.InternalEntry, 0, len(entries)+1)
	out = append(out, entries[:afterIdx+1]...)
	out = append(out, pagecodec.InternalEntry{Key: key, ChildID: childID})
	out = append(out, entries[afterIdx+1:]...)
	return out
}

func removeInternalEntryAt(entries []pagecodec.InternalEntry, idx int) []pagecodec.InternalEntry {
	out := make([]pagecodec.InternalEntry, 0, len(entries)-1)
	out = append(out, entries[:idx]...)
	out = append(out, entries[idx+1:]...)
	return out
}

func findChildSlot(entries []pagecodec.InternalEntry, childID page.PageID) int {
	for i, e := range entries {
		if e.ChildID == childID {
			return i
		}
	}
	return -1
}
