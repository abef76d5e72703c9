// Package bufferpool implements the paged buffer pool: it caches
// fixed-size pages drawn from a disk manager, evicts them via an LRU
// replacer, and guarantees a frame is never reused while any caller holds
// it pinned. See spec.md §4.2.
package bufferpool

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/crabdb/crabdb/diskmgr"
	"github.com/crabdb/crabdb/page"
	"github.com/crabdb/crabdb/replacer"
)

// ErrPoolExhausted is a Capacity-kind error per spec.md §7: every frame is
// currently pinned, so no victim is available. Not retried internally.
var ErrPoolExhausted = errors.New("bufferpool: no free frame available, pool exhausted")

// ErrUnpinNotResident is the Fatal-kind error for unpinning a page that
// isn't resident at all.
var ErrUnpinNotResident = errors.New("bufferpool: unpin on non-resident page")

// BufferPool owns a fixed array of frames, maps page ids to frames, and
// pins/unpins pages on callers' behalf.
type BufferPool struct {
	mu sync.Mutex

	frames   []*Frame
	pageTbl  map[page.PageID]page.FrameID
	freeList []page.FrameID
	replacer replacer.Replacer
	disk     diskmgr.DiskManager
}

// New allocates a pool of poolSize frames backed by disk.
func New(poolSize int, disk diskmgr.DiskManager) *BufferPool {
	bp := &BufferPool{
		frames:   make([]*Frame, poolSize),
		pageTbl:  make(map[page.PageID]page.FrameID),
		freeList: make([]page.FrameID, poolSize),
		replacer: replacer.New(),
		disk:     disk,
	}
	for i := 0; i < poolSize; i++ {
		bp.frames[i] = newFrame(page.FrameID(i))
		bp.freeList[i] = page.FrameID(i)
	}
	return bp
}

// grabFrame returns a frame ready to hold a new resident page: either a
// free frame, or one evicted via the replacer (flushed first if dirty).
// Must be called with mu held.
func (bp *BufferPool) grabFrame() (*Frame, error) {
	if n := len(bp.freeList); n > 0 {
		frameID := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return bp.frames[frameID], nil
	}

	frameID, ok := bp.replacer.Victim()
	if !ok {
		return nil, ErrPoolExhausted
	}

	frame := bp.frames[frameID]
	if frame.dirty {
		if err := bp.disk.WritePage(frame.pageID, frame.data); err != nil {
			return nil, errors.Wrapf(err, "bufferpool: flush evicted dirty page %d", frame.pageID)
		}
	}
	delete(bp.pageTbl, frame.pageID)
	return frame, nil
}

// NewPage allocates a fresh page id from disk, pins it in a frame, and
// returns the frame. Fails with ErrPoolExhausted iff every frame is
// pinned.
func (bp *BufferPool) NewPage() (*Frame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frame, err := bp.grabFrame()
	if err != nil {
		return nil, err
	}

	pageID := bp.disk.AllocatePage()
	frame.reset(pageID)
	frame.pinCount = 1

	bp.pageTbl[pageID] = frame.frameID
	bp.replacer.Pin(frame.frameID)

	slog.Info("new page", "page_id", pageID, "frame_id", frame.frameID)
	return frame, nil
}

// Fetch returns the frame holding pageID, reading it from disk if it
// isn't already resident. Fails with ErrPoolExhausted iff no victim frame
// is available.
func (bp *BufferPool) Fetch(pageID page.PageID) (*Frame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if frameID, ok := bp.pageTbl[pageID]; ok {
		frame := bp.frames[frameID]
		frame.pinCount++
		bp.replacer.Pin(frameID)
		return frame, nil
	}

	frame, err := bp.grabFrame()
	if err != nil {
		return nil, err
	}

	frame.reset(pageID)
	if err := bp.disk.ReadPage(pageID, frame.data); err != nil {
		// the frame is not yet installed in the page table, so it's safe
		// to just hand it back to the free list rather than leave it in
		// limbo.
		bp.freeList = append(bp.freeList, frame.frameID)
		return nil, errors.Wrapf(err, "bufferpool: read page %d from disk", pageID)
	}
	frame.pinCount = 1

	bp.pageTbl[pageID] = frame.frameID
	bp.replacer.Pin(frame.frameID)

	slog.Info("fetched page", "page_id", pageID, "frame_id", frame.frameID)
	return frame, nil
}

// Unpin decrements pageID's pin count, OR-ing in isDirty. When the count
// reaches zero the frame becomes eligible for eviction. Unpinning an
// already-zero-pinned or non-resident page is a Fatal invariant
// violation (spec.md §9 Open Question #1): always release the caller's
// latch first (the guard does this before calling Unpin), then panic
// after logging.
func (bp *BufferPool) Unpin(pageID page.PageID, isDirty bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, ok := bp.pageTbl[pageID]
	if !ok {
		slog.Error("unpin of non-resident page", "page_id", pageID, "fatal", true)
		panic(errors.Wrapf(ErrUnpinNotResident, "page %d", pageID))
	}

	frame := bp.frames[frameID]
	if frame.pinCount == 0 {
		slog.Error("unpin with zero pin count", "page_id", pageID, "fatal", true)
		panic(errors.Errorf("bufferpool: unpin with zero pin count on page %d", pageID))
	}

	frame.dirty = frame.dirty || isDirty
	frame.pinCount--
	if frame.pinCount == 0 {
		bp.replacer.Unpin(frameID)
	}
}

// Flush writes pageID's bytes through to disk if dirty, without changing
// pin state.
func (bp *BufferPool) Flush(pageID page.PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, ok := bp.pageTbl[pageID]
	if !ok {
		return errors.Errorf("bufferpool: flush of non-resident page %d", pageID)
	}
	frame := bp.frames[frameID]
	if !frame.dirty {
		return nil
	}
	if err := bp.disk.WritePage(pageID, frame.data); err != nil {
		return errors.Wrapf(err, "bufferpool: flush page %d", pageID)
	}
	frame.dirty = false
	return nil
}

// FlushAll flushes every resident dirty page.
func (bp *BufferPool) FlushAll() error {
	bp.mu.Lock()
	pageIDs := make([]page.PageID, 0, len(bp.pageTbl))
	for pid := range bp.pageTbl {
		pageIDs = append(pageIDs, pid)
	}
	bp.mu.Unlock()

	for _, pid := range pageIDs {
		if err := bp.Flush(pid); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage deallocates pageID on disk and frees its frame, refusing if
// the page is still pinned.
func (bp *BufferPool) DeletePage(pageID page.PageID) (bool, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, ok := bp.pageTbl[pageID]
	if !ok {
		return true, nil // not resident: nothing to do.
	}

	frame := bp.frames[frameID]
	if frame.pinCount > 0 {
		return false, nil
	}

	bp.replacer.Pin(frameID) // remove from eviction candidates while we tear it down
	delete(bp.pageTbl, pageID)
	bp.disk.DeallocatePage(pageID)
	frame.reset(page.InvalidPageID)
	bp.freeList = append(bp.freeList, frameID)

	slog.Info("deleted page", "page_id", pageID, "frame_id", frameID)
	return true, nil
}

// Size returns the number of frames in the pool.
func (bp *BufferPool) Size() int { return len(bp.frames) }
