// Package diskmgr is the external collaborator named in spec.md §6: the
// disk manager. The storage kernel treats it as a byte-addressable,
// page-granular store and never interprets the bytes it reads or writes.
package diskmgr

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/crabdb/crabdb/page"
)

// freelistPageID holds the on-disk free list and next-allocation counter,
// analogous to the teacher's FREELIST_PAGE_ID convention. It lives one page
// above the B+tree's own HeaderPageID so the two directories never collide.
const freelistPageID page.PageID = 1

// DiskManager is the minimal contract the buffer pool needs from persistent
// storage: read/write a page's worth of bytes at a page id, and allocate or
// release page ids. It says nothing about page contents.
type DiskManager interface {
	ReadPage(pid page.PageID, buf []byte) error
	WritePage(pid page.PageID, buf []byte) error
	AllocatePage() page.PageID
	DeallocatePage(pid page.PageID)
	Close() error
}

// freelist is the shared bookkeeping both disk manager implementations use
// to allocate/deallocate page ids, factored out so the two storage
// backends (buffered, direct-IO) don't duplicate the freelist codec.
type freelist struct {
	mu                 sync.Mutex
	maxAllocatedPageID page.PageID
	deallocatedPageIDs []page.PageID
}

func (f *freelist) allocate() page.PageID {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.deallocatedPageIDs) > 0 {
		pid := f.deallocatedPageIDs[0]
		f.deallocatedPageIDs = f.deallocatedPageIDs[1:]
		return pid
	}
	f.maxAllocatedPageID++
	return f.maxAllocatedPageID
}

func (f *freelist) deallocate(pid page.PageID) {
	f.mu.Lock()
	f.deallocatedPageIDs = append(f.deallocatedPageIDs, pid)
	f.mu.Unlock()
}

// encode serializes the freelist into exactly one page's worth of bytes:
// 8 bytes max-allocated id, 8 bytes count, then one 8-byte id per entry.
func (f *freelist) encode() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := make([]byte, page.PageSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(f.maxAllocatedPageID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(f.deallocatedPageIDs)))

	offset := 16
	for _, pid := range f.deallocatedPageIDs {
		if offset+8 > page.PageSize {
			break // freelist overflowed one page; acceptable loss on restart for this kernel's scope
		}
		binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(pid))
		offset += 8
	}
	return buf
}

func (f *freelist) decode(buf []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.maxAllocatedPageID = page.PageID(binary.LittleEndian.Uint64(buf[0:8]))
	count := binary.LittleEndian.Uint64(buf[8:16])

	offset := 16
	f.deallocatedPageIDs = f.deallocatedPageIDs[:0]
	for i := uint64(0); i < count && offset+8 <= page.PageSize; i++ {
		f.deallocatedPageIDs = append(f.deallocatedPageIDs, page.PageID(binary.LittleEndian.Uint64(buf[offset:offset+8])))
		offset += 8
	}
}

var (
	// ErrShortReadWrite is a Fatal-kind error per spec.md §7: the OS
	// returned fewer bytes than requested, which this kernel never retries.
	ErrShortReadWrite = errors.New("diskmgr: short read or write")
)
