// Package pagecodec encodes and decodes the bytes of B+tree pages
// according to the wire layout fixed by spec.md §6: a 24-byte header
// shared by internal and leaf nodes, followed by fixed-width entries.
package pagecodec

import (
	"encoding/binary"

	"github.com/crabdb/crabdb/page"
)

// NodeType distinguishes an internal node from a leaf node.
type NodeType uint32

const (
	LeafNode     NodeType = 0
	InternalNode NodeType = 1
)

// HeaderSize is the fixed width, in bytes, of the header shared by every
// B+tree page, per spec.md §6.
const HeaderSize = 24

const (
	offPageType   = 0
	offSize       = 4
	offMaxSize    = 8
	offParentID   = 12
	offPageID     = 16
	offNextOrZero = 20
)

// Header is the in-memory view of a B+tree page's 24-byte header.
type Header struct {
	PageType NodeType
	Size     uint32 // number of valid entries
	MaxSize  uint32
	ParentID page.PageID
	PageID   page.PageID
	// NextLeafPageID is meaningful only when PageType == LeafNode;
	// InvalidPageID otherwise (spec.md §6: "(leaf) next_page_id /
	// (internal) reserved").
	NextLeafPageID page.PageID
}

// DecodeHeader reads the header from the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) Header {
	return Header{
		PageType:       NodeType(binary.LittleEndian.Uint32(buf[offPageType:])),
		Size:           binary.LittleEndian.Uint32(buf[offSize:]),
		MaxSize:        binary.LittleEndian.Uint32(buf[offMaxSize:]),
		ParentID:       page.PageID(int32(binary.LittleEndian.Uint32(buf[offParentID:]))),
		PageID:         page.PageID(int32(binary.LittleEndian.Uint32(buf[offPageID:]))),
		NextLeafPageID: page.PageID(int32(binary.LittleEndian.Uint32(buf[offNextOrZero:]))),
	}
}

// EncodeHeader writes h into the first HeaderSize bytes of buf.
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[offPageType:], uint32(h.PageType))
	binary.LittleEndian.PutUint32(buf[offSize:], h.Size)
	binary.LittleEndian.PutUint32(buf[offMaxSize:], h.MaxSize)
	binary.LittleEndian.PutUint32(buf[offParentID:], uint32(int32(h.ParentID)))
	binary.LittleEndian.PutUint32(buf[offPageID:], uint32(int32(h.PageID)))
	binary.LittleEndian.PutUint32(buf[offNextOrZero:], uint32(int32(h.NextLeafPageID)))
}

// SetSize rewrites only the size field, used often enough during
// insert/delete to deserve a helper avoiding a full header round trip.
func SetSize(buf []byte, size uint32) {
	binary.LittleEndian.PutUint32(buf[offSize:], size)
}

// SetParentID rewrites only the parent id field.
func SetParentID(buf []byte, parentID page.PageID) {
	binary.LittleEndian.PutUint32(buf[offParentID:], uint32(int32(parentID)))
}

// SetNextLeafPageID rewrites only the leaf-chain pointer field.
func SetNextLeafPageID(buf []byte, nextID page.PageID) {
	binary.LittleEndian.PutUint32(buf[offNextOrZero:], uint32(int32(nextID)))
}
