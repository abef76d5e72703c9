package diskmgr

import (
	"log/slog"
	"os"

	"github.com/pkg/errors"

	"github.com/crabdb/crabdb/page"
)

// BufferedDiskManager is an os.File-backed DiskManager that goes through
// the kernel page cache, the default/portable backend. It mirrors the
// teacher's OSBufferedDiskManager shape.
type BufferedDiskManager struct {
	file *os.File
	free *freelist
}

// NewBufferedDiskManager opens (creating if absent) the backing file at
// filePath and restores its freelist, if any.
func NewBufferedDiskManager(filePath string) (*BufferedDiskManager, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "diskmgr: open backing file")
	}

	disk := &BufferedDiskManager{file: f, free: &freelist{}}

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "diskmgr: stat backing file")
	}
	if info.Size() >= int64(freelistPageID+1)*page.PageSize {
		buf := make([]byte, page.PageSize)
		if err := disk.ReadPage(freelistPageID, buf); err != nil {
			return nil, errors.Wrap(err, "diskmgr: read freelist page")
		}
		disk.free.decode(buf)
	} else {
		// Fresh file: reserve page.HeaderPageID (0) and freelistPageID (1)
		// up front, so the first AllocatePage call hands out page 2.
		disk.free.maxAllocatedPageID = freelistPageID
	}

	slog.Info("opened buffered disk manager", "path", filePath, "max_page_id", disk.free.maxAllocatedPageID)
	return disk, nil
}

func (d *BufferedDiskManager) ReadPage(pid page.PageID, buf []byte) error {
	if len(buf) != page.PageSize {
		return errors.Errorf("diskmgr: read buffer must be %d bytes, got %d", page.PageSize, len(buf))
	}
	n, err := d.file.ReadAt(buf, int64(pid)*page.PageSize)
	if err != nil {
		return errors.Wrapf(err, "diskmgr: read page %d", pid)
	}
	if n != page.PageSize {
		return errors.Wrapf(ErrShortReadWrite, "page %d: read %d of %d bytes", pid, n, page.PageSize)
	}
	return nil
}

func (d *BufferedDiskManager) WritePage(pid page.PageID, buf []byte) error {
	if len(buf) != page.PageSize {
		return errors.Errorf("diskmgr: write buffer must be %d bytes, got %d", page.PageSize, len(buf))
	}
	n, err := d.file.WriteAt(buf, int64(pid)*page.PageSize)
	if err != nil {
		return errors.Wrapf(err, "diskmgr: write page %d", pid)
	}
	if n != page.PageSize {
		return errors.Wrapf(ErrShortReadWrite, "page %d: wrote %d of %d bytes", pid, n, page.PageSize)
	}
	return nil
}

func (d *BufferedDiskManager) AllocatePage() page.PageID {
	pid := d.free.allocate()
	slog.Info("allocated page", "page_id", pid)
	return pid
}

func (d *BufferedDiskManager) DeallocatePage(pid page.PageID) {
	d.free.deallocate(pid)
	slog.Info("deallocated page", "page_id", pid)
}

// Close flushes the freelist page and closes the backing file.
func (d *BufferedDiskManager) Close() error {
	if err := d.WritePage(freelistPageID, d.free.encode()); err != nil {
		return errors.Wrap(err, "diskmgr: flush freelist on close")
	}
	if err := d.file.Close(); err != nil {
		return errors.Wrap(err, "diskmgr: close backing file")
	}
	return nil
}
