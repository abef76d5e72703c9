// Package page defines the identifiers and constants shared by every layer
// of the storage kernel: the disk manager, the buffer pool and the B+tree.
package page

import "fmt"

// PageID identifies a page in the flat, page-addressable store. It is
// signed so that InvalidPageID can be a distinct sentinel from the reserved
// header page at id 0.
type PageID int32

// InvalidPageID is returned wherever "no page" needs to be represented,
// e.g. an empty tree's root, or a leaf's next-sibling pointer at the end of
// the chain.
const InvalidPageID PageID = -1

// HeaderPageID is reserved for the index-name -> root-page-id directory.
const HeaderPageID PageID = 0

// PageSize is the fixed size, in bytes, of every page in the store.
const PageSize = 4096

// KeyLen is the fixed width, in bytes, of every B+tree key. The spec allows
// KEY_LEN to vary per compile-time configuration; this kernel fixes one
// concrete width (see DESIGN.md) carrying a big-endian int64 sort key.
const KeyLen = 8

// FrameID indexes into the buffer pool's frame array.
type FrameID int32

// Slot identifies a tuple's position within a heap page.
type Slot uint32

// RowID (rid) identifies a tuple in a heap page. It is used both as a
// B+tree leaf value and as a lock-manager key.
type RowID struct {
	PageID PageID
	Slot   Slot
}

func (r RowID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.Slot)
}

// IsValid reports whether r refers to a real page.
func (r RowID) IsValid() bool {
	return r.PageID != InvalidPageID
}

// EncodeRowID serializes a RowID into an 8-byte big-endian buffer:
// 4 bytes page id, 4 bytes slot.
func EncodeRowID(r RowID) [8]byte {
	var buf [8]byte
	putUint32BE(buf[0:4], uint32(r.PageID))
	putUint32BE(buf[4:8], uint32(r.Slot))
	return buf
}

// DecodeRowID is the inverse of EncodeRowID.
func DecodeRowID(buf []byte) RowID {
	return RowID{
		PageID: PageID(getUint32BE(buf[0:4])),
		Slot:   Slot(getUint32BE(buf[4:8])),
	}
}

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32BE(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// EncodeKey serializes an int64 sort key into a KeyLen-byte big-endian
// buffer. Big-endian is required, not incidental: it is what makes
// byte-lexicographic comparison of the encoded form agree with integer
// ordering.
func EncodeKey(k int64) []byte {
	buf := make([]byte, KeyLen)
	u := uint64(k) ^ (1 << 63) // flip sign bit so negative ints sort before positive
	for i := KeyLen - 1; i >= 0; i-- {
		buf[i] = byte(u)
		u >>= 8
	}
	return buf
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(buf []byte) int64 {
	var u uint64
	for i := 0; i < KeyLen; i++ {
		u = u<<8 | uint64(buf[i])
	}
	return int64(u ^ (1 << 63))
}
