package bufferpool

import (
	"log/slog"

	"github.com/crabdb/crabdb/page"
)

// ReadPageGuard couples a pin to a read latch: the page is pinned and
// read-latched for the guard's lifetime, and Done() releases both in the
// order spec.md §4.3 requires — latch first, then unpin — so a scoped
// guard is the idiomatic way to touch a page (spec.md §9 "Pin/unpin
// coupling"). There is no finalizer-based auto-release: as in the teacher
// repo, callers are expected to defer Done().
type ReadPageGuard struct {
	pool   *BufferPool
	frame  *Frame
	active bool
}

// NewReadGuard fetches pageID and returns it read-latched.
func (bp *BufferPool) NewReadGuard(pageID page.PageID) (*ReadPageGuard, error) {
	frame, err := bp.Fetch(pageID)
	if err != nil {
		return nil, err
	}
	frame.latch.RLock()
	return &ReadPageGuard{pool: bp, frame: frame, active: true}, nil
}

// PageID returns the id of the guarded page.
func (g *ReadPageGuard) PageID() page.PageID { return g.frame.pageID }

// Data returns the guarded page's bytes, valid for reading only.
func (g *ReadPageGuard) Data() []byte { return g.frame.data }

// Done releases the read latch and unpins the page. Idempotent: calling
// Done twice is a safe no-op (matches the teacher's `active` guard).
func (g *ReadPageGuard) Done() {
	if !g.active {
		return
	}
	g.active = false
	g.frame.latch.RUnlock()
	g.pool.Unpin(g.frame.pageID, false)
}

// WritePageGuard couples a pin to a write latch.
type WritePageGuard struct {
	pool   *BufferPool
	frame  *Frame
	active bool
	dirty  bool
}

// NewWriteGuard fetches pageID and returns it write-latched.
func (bp *BufferPool) NewWriteGuard(pageID page.PageID) (*WritePageGuard, error) {
	frame, err := bp.Fetch(pageID)
	if err != nil {
		return nil, err
	}
	frame.latch.Lock()
	return &WritePageGuard{pool: bp, frame: frame, active: true}, nil
}

// NewPageWriteGuard allocates a fresh page and returns it write-latched,
// saving callers a Fetch immediately after NewPage.
func (bp *BufferPool) NewPageWriteGuard() (*WritePageGuard, error) {
	frame, err := bp.NewPage()
	if err != nil {
		return nil, err
	}
	frame.latch.Lock()
	return &WritePageGuard{pool: bp, frame: frame, active: true, dirty: true}, nil
}

// PageID returns the id of the guarded page.
func (g *WritePageGuard) PageID() page.PageID { return g.frame.pageID }

// Data returns the guarded page's bytes for reading and writing.
func (g *WritePageGuard) Data() []byte { return g.frame.data }

// SetDirty marks the page dirty for the eventual Done/Delete call. Every
// bplustree helper that mutates bytes under a write latch calls this
// unconditionally (spec.md §9 Open Question #2) — there is no path that
// mutates and forgets.
func (g *WritePageGuard) SetDirty() { g.dirty = true }

// Done releases the write latch and unpins the page, propagating the
// dirty flag accumulated via SetDirty.
func (g *WritePageGuard) Done() {
	if !g.active {
		return
	}
	g.active = false
	dirty := g.dirty
	g.frame.latch.Unlock()
	g.pool.Unpin(g.frame.pageID, dirty)
}

// Delete releases the write latch and asks the pool to delete the page
// outright, never unpinning-then-deleting-separately: the page must be
// unpinned to be deletable, so Delete unpins first (without marking
// dirty — a deleted page is never flushed) and only then deletes. Per
// spec.md §4.4 "Pages marked for deletion are deleted from the buffer
// pool after the caller releases their latches, never while held" —
// Delete itself releases the latch before calling into the pool.
func (g *WritePageGuard) Delete() (bool, error) {
	if !g.active {
		return false, nil
	}
	g.active = false
	pageID := g.frame.pageID
	g.frame.latch.Unlock()
	g.pool.Unpin(pageID, false)

	ok, err := g.pool.DeletePage(pageID)
	if err != nil {
		slog.Error("failed to delete page", "page_id", pageID, "error", err.Error())
	}
	return ok, err
}
