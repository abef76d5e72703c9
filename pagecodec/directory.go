package pagecodec

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/crabdb/crabdb/page"
)

// ErrDirectoryCorrupt is returned when the header page's checksum doesn't
// match its contents — a truncated or torn write.
var ErrDirectoryCorrupt = errors.New("pagecodec: header page directory checksum mismatch")

// EncodeDirectory serializes the index-name -> root-page-id directory
// that lives at page.HeaderPageID (spec.md §3, §6): a variable-length
// table of (index_name, root_page_id) records, guarded by a CRC32 so a
// truncated write is detected rather than silently misread.
func EncodeDirectory(roots map[string]page.PageID) []byte {
	buf := make([]byte, page.PageSize)

	// names in a stable order so re-encoding the same map is deterministic,
	// which matters for tests and for the checksum to be meaningful.
	names := make([]string, 0, len(roots))
	for name := range roots {
		names = append(names, name)
	}
	sortStrings(names)

	offset := 8 // reserve [crc32][count]
	for _, name := range names {
		nameBytes := []byte(name)
		recordLen := 2 + len(nameBytes) + 4
		if offset+recordLen > page.PageSize {
			break // directory overflowed one page; out of scope for this kernel.
		}
		binary.LittleEndian.PutUint16(buf[offset:], uint16(len(nameBytes)))
		offset += 2
		copy(buf[offset:], nameBytes)
		offset += len(nameBytes)
		binary.LittleEndian.PutUint32(buf[offset:], uint32(int32(roots[name])))
		offset += 4
	}

	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(names)))
	crc := crc32.ChecksumIEEE(buf[8:])
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	return buf
}

// DecodeDirectory is the inverse of EncodeDirectory.
func DecodeDirectory(buf []byte) (map[string]page.PageID, error) {
	if isZero(buf) {
		return map[string]page.PageID{}, nil
	}

	wantCRC := binary.LittleEndian.Uint32(buf[0:4])
	gotCRC := crc32.ChecksumIEEE(buf[8:])
	if wantCRC != gotCRC {
		return nil, ErrDirectoryCorrupt
	}

	count := binary.LittleEndian.Uint32(buf[4:8])
	roots := make(map[string]page.PageID, count)

	offset := 8
	for i := uint32(0); i < count; i++ {
		nameLen := binary.LittleEndian.Uint16(buf[offset:])
		offset += 2
		name := string(buf[offset : offset+int(nameLen)])
		offset += int(nameLen)
		rootID := page.PageID(int32(binary.LittleEndian.Uint32(buf[offset:])))
		offset += 4
		roots[name] = rootID
	}
	return roots, nil
}

func isZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
