//go:build linux

package diskmgr

import (
	"log/slog"
	"os"
	"unsafe"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/crabdb/crabdb/page"
)

// DirectDiskManager uses O_DIRECT to read and write pages straight between
// process memory and the disk controller, bypassing the kernel page cache.
// The teacher's rationale (kept verbatim): this avoids double-caching the
// same bytes once in the kernel and once in the buffer pool, and it gives
// the kernel, not the OS, control over when dirty pages actually reach
// disk.
type DirectDiskManager struct {
	file *os.File
	free *freelist
}

// NewDirectDiskManager opens filePath with O_DIRECT and an advisory
// exclusive lock, so a second process cannot open the same backing file
// through a second, independent buffer pool — a gap the teacher repo left
// unguarded.
func NewDirectDiskManager(filePath string) (*DirectDiskManager, error) {
	f, err := directio.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "diskmgr: open backing file with O_DIRECT")
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "diskmgr: backing file is locked by another process")
	}

	disk := &DirectDiskManager{file: f, free: &freelist{}}

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "diskmgr: stat backing file")
	}
	if info.Size() >= int64(freelistPageID+1)*page.PageSize {
		buf := alignedBuffer()
		if err := disk.ReadPage(freelistPageID, buf); err != nil {
			return nil, errors.Wrap(err, "diskmgr: read freelist page")
		}
		disk.free.decode(buf)
	} else {
		// Fresh file: reserve page.HeaderPageID (0) and freelistPageID (1)
		// up front, so the first AllocatePage call hands out page 2.
		disk.free.maxAllocatedPageID = freelistPageID
	}

	slog.Info("opened direct-io disk manager", "path", filePath, "max_page_id", disk.free.maxAllocatedPageID)
	return disk, nil
}

// alignedBuffer returns a page.PageSize-byte slice aligned to the page
// boundary O_DIRECT requires, mirroring the teacher's
// AllocateAlignedBuffer helper.
func alignedBuffer() []byte {
	buf := make([]byte, 2*page.PageSize)
	offset := uintptr(unsafe.Pointer(&buf[0])) % page.PageSize
	if offset == 0 {
		return buf[:page.PageSize]
	}
	distance := page.PageSize - int(offset)
	return buf[distance : distance+page.PageSize]
}

func (d *DirectDiskManager) ReadPage(pid page.PageID, buf []byte) error {
	aligned := alignedBuffer()
	n, err := d.file.ReadAt(aligned, int64(pid)*page.PageSize)
	if err != nil {
		return errors.Wrapf(err, "diskmgr: read page %d", pid)
	}
	if n != page.PageSize {
		return errors.Wrapf(ErrShortReadWrite, "page %d: read %d of %d bytes", pid, n, page.PageSize)
	}
	copy(buf, aligned)
	return nil
}

func (d *DirectDiskManager) WritePage(pid page.PageID, buf []byte) error {
	aligned := alignedBuffer()
	copy(aligned, buf)
	n, err := d.file.WriteAt(aligned, int64(pid)*page.PageSize)
	if err != nil {
		return errors.Wrapf(err, "diskmgr: write page %d", pid)
	}
	if n != page.PageSize {
		return errors.Wrapf(ErrShortReadWrite, "page %d: wrote %d of %d bytes", pid, n, page.PageSize)
	}
	return nil
}

func (d *DirectDiskManager) AllocatePage() page.PageID {
	pid := d.free.allocate()
	slog.Info("allocated page", "page_id", pid)
	return pid
}

func (d *DirectDiskManager) DeallocatePage(pid page.PageID) {
	d.free.deallocate(pid)
	slog.Info("deallocated page", "page_id", pid)
}

func (d *DirectDiskManager) Close() error {
	if err := d.WritePage(freelistPageID, d.free.encode()); err != nil {
		return errors.Wrap(err, "diskmgr: flush freelist on close")
	}
	if err := unix.Flock(int(d.file.Fd()), unix.LOCK_UN); err != nil {
		slog.Error("failed to release advisory lock", "error", err.Error())
	}
	if err := d.file.Close(); err != nil {
		return errors.Wrap(err, "diskmgr: close backing file")
	}
	return nil
}
