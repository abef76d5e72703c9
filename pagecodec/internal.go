package pagecodec

import (
	"encoding/binary"

	"github.com/crabdb/crabdb/page"
)

// InternalEntrySize is the fixed width, in bytes, of one (key, child_pid)
// entry in an internal node, per spec.md §6.
const InternalEntrySize = page.KeyLen + 4

// InternalEntry is one (key, child_pid) pair. By convention the entry at
// index 0 carries an unused key (spec.md §3: "the first key is unused").
type InternalEntry struct {
	Key     []byte
	ChildID page.PageID
}

// MaxInternalEntries returns how many entries fit after the header in a
// page of size page.PageSize.
func MaxInternalEntries() int {
	return (page.PageSize - HeaderSize) / InternalEntrySize
}

// DecodeInternalEntries reads the first `size` entries following the
// header.
func DecodeInternalEntries(buf []byte, size uint32) []InternalEntry {
	entries := make([]InternalEntry, size)
	for i := uint32(0); i < size; i++ {
		off := HeaderSize + int(i)*InternalEntrySize
		key := make([]byte, page.KeyLen)
		copy(key, buf[off:off+page.KeyLen])
		childID := page.PageID(int32(binary.LittleEndian.Uint32(buf[off+page.KeyLen:])))
		entries[i] = InternalEntry{Key: key, ChildID: childID}
	}
	return entries
}

// EncodeInternalEntries writes entries back into buf following the
// header and updates the header's Size field to len(entries). Entries
// beyond the encoded range are zeroed so a shrinking node doesn't leave
// stale bytes a future DecodeInternalEntries with a larger Size would
// misread.
func EncodeInternalEntries(buf []byte, entries []InternalEntry) {
	maxEnt := MaxInternalEntries()
	for i := 0; i < maxEnt; i++ {
		off := HeaderSize + i*InternalEntrySize
		if i < len(entries) {
			copy(buf[off:off+page.KeyLen], entries[i].Key)
			binary.LittleEndian.PutUint32(buf[off+page.KeyLen:], uint32(int32(entries[i].ChildID)))
		} else {
			clear(buf[off : off+InternalEntrySize])
		}
	}
	SetSize(buf, uint32(len(entries)))
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
