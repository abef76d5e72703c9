package pagecodec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crabdb/crabdb/page"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, page.PageSize)
	h := Header{
		PageType:       InternalNode,
		Size:           3,
		MaxSize:        5,
		ParentID:       page.PageID(7),
		PageID:         page.PageID(9),
		NextLeafPageID: page.InvalidPageID,
	}
	EncodeHeader(buf, h)
	require.Equal(t, h, DecodeHeader(buf))
}

func TestLeafEntriesRoundTrip(t *testing.T) {
	buf := make([]byte, page.PageSize)
	entries := []LeafEntry{
		{Key: page.EncodeKey(1), RowID: page.RowID{PageID: 10, Slot: 0}},
		{Key: page.EncodeKey(2), RowID: page.RowID{PageID: 10, Slot: 1}},
	}
	EncodeLeafEntries(buf, entries)

	h := DecodeHeader(buf)
	require.EqualValues(t, 2, h.Size)

	got := DecodeLeafEntries(buf, h.Size)
	require.Equal(t, entries, got)
}

func TestInternalEntriesRoundTrip(t *testing.T) {
	buf := make([]byte, page.PageSize)
	entries := []InternalEntry{
		{Key: page.EncodeKey(0), ChildID: 1}, // index 0's key is unused per spec.md §3
		{Key: page.EncodeKey(5), ChildID: 2},
	}
	EncodeInternalEntries(buf, entries)

	got := DecodeInternalEntries(buf, 2)
	require.Equal(t, entries, got)
}

func TestEncodeInternalEntries_ShrinkingZeroesStaleTail(t *testing.T) {
	buf := make([]byte, page.PageSize)
	EncodeInternalEntries(buf, []InternalEntry{
		{Key: page.EncodeKey(0), ChildID: 1},
		{Key: page.EncodeKey(1), ChildID: 2},
		{Key: page.EncodeKey(2), ChildID: 3},
	})
	EncodeInternalEntries(buf, []InternalEntry{
		{Key: page.EncodeKey(0), ChildID: 1},
	})

	off := HeaderSize + InternalEntrySize // the now-unused second slot
	for _, b := range buf[off : off+InternalEntrySize] {
		require.Equal(t, byte(0), b)
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	roots := map[string]page.PageID{
		"by_id":   2,
		"by_name": 5,
	}
	buf := EncodeDirectory(roots)
	got, err := DecodeDirectory(buf)
	require.NoError(t, err)
	require.Equal(t, roots, got)
}

func TestDirectoryEmptyPageDecodesEmpty(t *testing.T) {
	buf := make([]byte, page.PageSize)
	got, err := DecodeDirectory(buf)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDirectoryCorruptionDetected(t *testing.T) {
	buf := EncodeDirectory(map[string]page.PageID{"idx": 3})
	buf[20] ^= 0xFF // corrupt a byte just past the only record, still covered by the checksum

	_, err := DecodeDirectory(buf)
	require.ErrorIs(t, err, ErrDirectoryCorrupt)
}

func TestKeyEncodingPreservesIntegerOrder(t *testing.T) {
	values := []int64{-100, -1, 0, 1, 42, 1000}
	for i := 1; i < len(values); i++ {
		a := page.EncodeKey(values[i-1])
		b := page.EncodeKey(values[i])
		require.Negative(t, compareBytes(a, b), "EncodeKey(%d) should sort before EncodeKey(%d)", values[i-1], values[i])
	}
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return 0
}

func TestKeyDecodeInverse(t *testing.T) {
	for _, v := range []int64{-1 << 40, -1, 0, 1, 1 << 40} {
		require.Equal(t, v, page.DecodeKey(page.EncodeKey(v)))
	}
}
