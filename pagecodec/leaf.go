package pagecodec

import (
	"github.com/crabdb/crabdb/page"
)

// LeafEntrySize is the fixed width, in bytes, of one (key, row_id) entry
// in a leaf node, per spec.md §6.
const LeafEntrySize = page.KeyLen + 8

// LeafEntry is one (key, row_id) pair.
type LeafEntry struct {
	Key   []byte
	RowID page.RowID
}

// MaxLeafEntries returns how many entries fit after the header in a page
// of size page.PageSize.
func MaxLeafEntries() int {
	return (page.PageSize - HeaderSize) / LeafEntrySize
}

// DecodeLeafEntries reads the first `size` entries following the header.
func DecodeLeafEntries(buf []byte, size uint32) []LeafEntry {
	entries := make([]LeafEntry, size)
	for i := uint32(0); i < size; i++ {
		off := HeaderSize + int(i)*LeafEntrySize
		key := make([]byte, page.KeyLen)
		copy(key, buf[off:off+page.KeyLen])
		rid := page.DecodeRowID(buf[off+page.KeyLen : off+page.KeyLen+8])
		entries[i] = LeafEntry{Key: key, RowID: rid}
	}
	return entries
}

// EncodeLeafEntries writes entries back into buf following the header and
// updates the header's Size field.
func EncodeLeafEntries(buf []byte, entries []LeafEntry) {
	maxEnt := MaxLeafEntries()
	for i := 0; i < maxEnt; i++ {
		off := HeaderSize + i*LeafEntrySize
		if i < len(entries) {
			copy(buf[off:off+page.KeyLen], entries[i].Key)
			ridBytes := page.EncodeRowID(entries[i].RowID)
			copy(buf[off+page.KeyLen:off+page.KeyLen+8], ridBytes[:])
		} else {
			clear(buf[off : off+LeafEntrySize])
		}
	}
	SetSize(buf, uint32(len(entries)))
}
