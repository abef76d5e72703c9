package bufferpool

import (
	"sync"

	"github.com/crabdb/crabdb/page"
)

// Frame is a slot in the buffer pool's fixed array. A frame is either free
// or resident, holding exactly one page while resident. The latch
// synchronizes access to the bytes currently held by the frame — it is
// bound to the frame's position in the array, not to whichever page
// happens to be resident, matching spec.md §4.3: latches protect physical
// bytes, not logical rows, and the same latch simply guards whatever page
// is installed into this slot next.
type Frame struct {
	latch sync.RWMutex

	frameID  page.FrameID
	pageID   page.PageID
	data     []byte
	pinCount int
	dirty    bool
}

func newFrame(frameID page.FrameID) *Frame {
	return &Frame{
		frameID: frameID,
		pageID:  page.InvalidPageID,
		data:    make([]byte, page.PageSize),
	}
}

// Data returns the frame's resident page bytes. Callers must hold the
// frame's latch (via a guard) before reading or writing through this
// slice.
func (f *Frame) Data() []byte { return f.data }

// PageID returns the id of the page currently resident in this frame.
func (f *Frame) PageID() page.PageID { return f.pageID }

func (f *Frame) reset(pageID page.PageID) {
	f.pageID = pageID
	f.pinCount = 0
	f.dirty = false
	for i := range f.data {
		f.data[i] = 0
	}
}
