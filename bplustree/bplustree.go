package bplustree

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/crabdb/crabdb/bufferpool"
	"github.com/crabdb/crabdb/page"
	"github.com/crabdb/crabdb/pagecodec"
)

// RootPersister lets a BPlusTree durably record root-page changes, e.g. in
// the header page's index directory (pagecodec.EncodeDirectory). Kernel
// wiring supplies a real implementation; standalone tests may pass nil.
type RootPersister interface {
	SetRoot(name string, rootPageID page.PageID) error
}

// BPlusTree is the on-disk ordered index described by spec.md §3-§4.4:
// fixed fan-out internal nodes over fixed-capacity leaves, traversed with
// crabbing latch-coupling so concurrent readers never block on writers
// working in an unrelated part of the tree.
type BPlusTree struct {
	pool      *bufferpool.BufferPool
	persister RootPersister
	name      string

	leafMaxSize     uint32
	internalMaxSize uint32

	// rootLatch guards rootPageID itself (spec.md §4.3: "a dedicated
	// root_latch, separate from any page's latch, serializes root
	// replacement"). Every Insert/Remove takes it before reading
	// rootPageID and releases it as soon as the root is proven safe, or
	// when root replacement (new root / adjust_root) is complete.
	rootLatch sync.Mutex
	rootPageID page.PageID
}

// New constructs a B+tree rooted at rootPageID (page.InvalidPageID for a
// brand new, empty tree). leafMaxSize and internalMaxSize bound how many
// entries a node holds before it must split, per spec.md §3. persister
// may be nil.
func New(pool *bufferpool.BufferPool, name string, leafMaxSize, internalMaxSize uint32, rootPageID page.PageID, persister RootPersister) *BPlusTree {
	return &BPlusTree{
		pool:            pool,
		persister:       persister,
		name:            name,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		rootPageID:      rootPageID,
	}
}

// RootPageID returns the tree's current root, or page.InvalidPageID if
// the tree is empty. Safe to call concurrently with any other operation.
func (t *BPlusTree) RootPageID() page.PageID {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()
	return t.rootPageID
}

func (t *BPlusTree) persistRoot() {
	if t.persister == nil {
		return
	}
	if err := t.persister.SetRoot(t.name, t.rootPageID); err != nil {
		slog.Error("failed to persist index root", "index", t.name, "root_page_id", t.rootPageID, "error", err.Error())
	}
}

func sentinelKey() []byte { return make([]byte, page.KeyLen) }

// Get performs a point lookup, crabbing root-to-leaf with read latches
// and releasing each ancestor's latch (and, after the root, the root
// latch) the instant its child has been fetched — the FIND traversal of
// spec.md §4.4 step 1.
func (t *BPlusTree) Get(key []byte) (page.RowID, bool, error) {
	t.rootLatch.Lock()
	if t.rootPageID == page.InvalidPageID {
		t.rootLatch.Unlock()
		return page.RowID{}, false, nil
	}
	current, err := t.pool.NewReadGuard(t.rootPageID)
	t.rootLatch.Unlock()
	if err != nil {
		return page.RowID{}, false, err
	}

	for {
		h := pagecodec.DecodeHeader(current.Data())
		if h.PageType == pagecodec.LeafNode {
			entries := pagecodec.DecodeLeafEntries(current.Data(), h.Size)
			idx, _ := leafFindIndex(entries, key)
			current.Done()
			if idx < 0 {
				return page.RowID{}, false, nil
			}
			return entries[idx].RowID, true, nil
		}

		entries := pagecodec.DecodeInternalEntries(current.Data(), h.Size)
		childID := entries[internalFindChildIndex(entries, key)].ChildID
		child, err := t.pool.NewReadGuard(childID)
		current.Done()
		if err != nil {
			return page.RowID{}, false, err
		}
		current = child
	}
}

func isSafeInsert(g *bufferpool.WritePageGuard) bool {
	h := pagecodec.DecodeHeader(g.Data())
	return h.Size+1 < h.MaxSize
}

// Insert adds (key, rid), splitting nodes up the path as needed. It
// reports false, with no error, if key is already present — duplicate
// keys are a no-op, not a failure (spec.md §4.4, §7).
func (t *BPlusTree) Insert(key []byte, rid page.RowID) (bool, error) {
	c := newCrab(t)

	if t.rootPageID == page.InvalidPageID {
		root, err := t.pool.NewPageWriteGuard()
		if err != nil {
			c.releaseRoot()
			return false, err
		}
		initLeaf(root.Data(), root.PageID(), page.InvalidPageID, t.leafMaxSize)
		t.rootPageID = root.PageID()
		t.persistRoot()
		pagecodec.EncodeLeafEntries(root.Data(), []pagecodec.LeafEntry{{Key: key, RowID: rid}})
		root.SetDirty()
		root.Done()
		c.releaseRoot()
		return true, nil
	}

	current, err := t.pool.NewWriteGuard(t.rootPageID)
	if err != nil {
		c.releaseRoot()
		return false, err
	}
	if isSafeInsert(current) {
		c.releaseRoot()
	}

	for {
		h := pagecodec.DecodeHeader(current.Data())
		if h.PageType == pagecodec.LeafNode {
			break
		}
		entries := pagecodec.DecodeInternalEntries(current.Data(), h.Size)
		childID := entries[internalFindChildIndex(entries, key)].ChildID

		child, err := t.pool.NewWriteGuard(childID)
		if err != nil {
			c.abort(current)
			return false, err
		}
		c.push(current)
		current = child
		if isSafeInsert(current) {
			c.drain()
		}
	}

	return t.insertAtLeaf(c, current, key, rid)
}

func (t *BPlusTree) insertAtLeaf(c *crab, leaf *bufferpool.WritePageGuard, key []byte, rid page.RowID) (bool, error) {
	h := pagecodec.DecodeHeader(leaf.Data())
	entries := pagecodec.DecodeLeafEntries(leaf.Data(), h.Size)
	if idx, _ := leafFindIndex(entries, key); idx >= 0 {
		leaf.Done()
		c.drain()
		return false, nil
	}

	entries = insertLeafEntry(entries, key, rid)
	if uint32(len(entries)) < h.MaxSize {
		pagecodec.EncodeLeafEntries(leaf.Data(), entries)
		leaf.SetDirty()
		leaf.Done()
		c.drain()
		return true, nil
	}

	splitAt := int(minSize(h.MaxSize))
	leftEntries := entries[:splitAt]
	rightEntries := entries[splitAt:]
	splitKey := rightEntries[0].Key

	right, err := t.pool.NewPageWriteGuard()
	if err != nil {
		c.abort(leaf)
		return false, err
	}
	initLeaf(right.Data(), right.PageID(), h.ParentID, h.MaxSize)
	pagecodec.SetNextLeafPageID(right.Data(), h.NextLeafPageID)
	pagecodec.EncodeLeafEntries(right.Data(), rightEntries)
	right.SetDirty()

	pagecodec.EncodeLeafEntries(leaf.Data(), leftEntries)
	pagecodec.SetNextLeafPageID(leaf.Data(), right.PageID())
	leaf.SetDirty()

	if err := t.insertIntoParent(c, leaf, splitKey, right); err != nil {
		return false, err
	}
	return true, nil
}

// insertIntoParent wires a freshly split node's right sibling into its
// parent, splitting the parent in turn (recursively, up to a new root if
// necessary) per spec.md §4.4 step 2. It always consumes (Done()s) old
// and sibling.
func (t *BPlusTree) insertIntoParent(c *crab, old *bufferpool.WritePageGuard, splitKey []byte, sibling *bufferpool.WritePageGuard) error {
	if old.PageID() == t.rootPageID {
		newRoot, err := t.pool.NewPageWriteGuard()
		if err != nil {
			c.abort(old, sibling)
			return err
		}
		initInternal(newRoot.Data(), newRoot.PageID(), page.InvalidPageID, t.internalMaxSize)
		pagecodec.EncodeInternalEntries(newRoot.Data(), []pagecodec.InternalEntry{
			{Key: sentinelKey(), ChildID: old.PageID()},
			{Key: splitKey, ChildID: sibling.PageID()},
		})
		newRoot.SetDirty()

		pagecodec.SetParentID(old.Data(), newRoot.PageID())
		old.SetDirty()
		pagecodec.SetParentID(sibling.Data(), newRoot.PageID())
		sibling.SetDirty()

		t.rootPageID = newRoot.PageID()
		t.persistRoot()

		newRoot.Done()
		old.Done()
		sibling.Done()
		c.drain()
		return nil
	}

	if c.empty() {
		old.Done()
		sibling.Done()
		return errors.New("bplustree: non-root split with empty held set")
	}
	parent := c.pop()

	pagecodec.SetParentID(sibling.Data(), parent.PageID())
	sibling.SetDirty()

	ph := pagecodec.DecodeHeader(parent.Data())
	entries := pagecodec.DecodeInternalEntries(parent.Data(), ph.Size)
	slot := findChildSlot(entries, old.PageID())
	entries = insertInternalEntryAfter(entries, slot, splitKey, sibling.PageID())

	old.Done()
	sibling.Done()

	if uint32(len(entries)) < ph.MaxSize {
		pagecodec.EncodeInternalEntries(parent.Data(), entries)
		parent.SetDirty()
		parent.Done()
		c.drain()
		return nil
	}

	splitAt := int(minSize(ph.MaxSize))
	leftEntries := entries[:splitAt]
	rightEntries := entries[splitAt:]
	parentSplitKey := rightEntries[0].Key
	rightEntries[0] = pagecodec.InternalEntry{Key: sentinelKey(), ChildID: rightEntries[0].ChildID}

	parentRight, err := t.pool.NewPageWriteGuard()
	if err != nil {
		parent.Done()
		c.drain()
		return err
	}
	initInternal(parentRight.Data(), parentRight.PageID(), ph.ParentID, ph.MaxSize)
	pagecodec.EncodeInternalEntries(parentRight.Data(), rightEntries)
	parentRight.SetDirty()

	for _, e := range rightEntries {
		if err := t.reparentChild(e.ChildID, parentRight.PageID()); err != nil {
			parent.Done()
			parentRight.Done()
			c.drain()
			return err
		}
	}

	pagecodec.EncodeInternalEntries(parent.Data(), leftEntries)
	parent.SetDirty()

	return t.insertIntoParent(c, parent, parentSplitKey, parentRight)
}

func (t *BPlusTree) reparentChild(childID, newParentID page.PageID) error {
	g, err := t.pool.NewWriteGuard(childID)
	if err != nil {
		return err
	}
	pagecodec.SetParentID(g.Data(), newParentID)
	g.SetDirty()
	g.Done()
	return nil
}

func isSafeDelete(g *bufferpool.WritePageGuard, isRoot bool) bool {
	h := pagecodec.DecodeHeader(g.Data())
	if isRoot {
		if h.PageType == pagecodec.LeafNode {
			return true
		}
		return h.Size > 2
	}
	return h.Size > minSize(h.MaxSize)
}

// Remove deletes key if present, merging or redistributing underfull
// nodes up the path as needed (spec.md §4.4 step 3). Deleting an absent
// key is a no-op, not an error.
func (t *BPlusTree) Remove(key []byte) error {
	c := newCrab(t)

	if t.rootPageID == page.InvalidPageID {
		c.releaseRoot()
		return nil
	}

	current, err := t.pool.NewWriteGuard(t.rootPageID)
	if err != nil {
		c.releaseRoot()
		return err
	}
	if isSafeDelete(current, true) {
		c.releaseRoot()
	}

	for {
		h := pagecodec.DecodeHeader(current.Data())
		if h.PageType == pagecodec.LeafNode {
			break
		}
		entries := pagecodec.DecodeInternalEntries(current.Data(), h.Size)
		childID := entries[internalFindChildIndex(entries, key)].ChildID

		child, err := t.pool.NewWriteGuard(childID)
		if err != nil {
			c.abort(current)
			return err
		}
		c.push(current)
		current = child
		if isSafeDelete(current, false) {
			c.drain()
		}
	}

	h := pagecodec.DecodeHeader(current.Data())
	entries := pagecodec.DecodeLeafEntries(current.Data(), h.Size)
	idx, _ := leafFindIndex(entries, key)
	if idx < 0 {
		current.Done()
		c.drain()
		return nil
	}
	entries = removeLeafEntryAt(entries, idx)
	pagecodec.EncodeLeafEntries(current.Data(), entries)
	current.SetDirty()

	return t.coalesceOrRedistribute(c, current)
}

func (t *BPlusTree) coalesceOrRedistribute(c *crab, guard *bufferpool.WritePageGuard) error {
	if guard.PageID() == t.rootPageID {
		return t.adjustRoot(c, guard)
	}

	h := pagecodec.DecodeHeader(guard.Data())
	if h.Size >= minSize(h.MaxSize) {
		guard.Done()
		c.drain()
		return nil
	}

	if c.empty() {
		guard.Done()
		return errors.New("bplustree: non-root underfull node with empty held set")
	}
	parent := c.pop()

	ph := pagecodec.DecodeHeader(parent.Data())
	parentEntries := pagecodec.DecodeInternalEntries(parent.Data(), ph.Size)
	slot := findChildSlot(parentEntries, guard.PageID())

	siblingIdx := slot - 1
	if slot == 0 {
		siblingIdx = 1
	}
	sibling, err := t.pool.NewWriteGuard(parentEntries[siblingIdx].ChildID)
	if err != nil {
		guard.Done()
		parent.Done()
		c.drain()
		return err
	}

	nodeIsLeft := slot == 0
	if h.PageType == pagecodec.LeafNode {
		return t.rebalanceLeaf(c, parent, parentEntries, guard, sibling, nodeIsLeft)
	}
	return t.rebalanceInternal(c, parent, parentEntries, guard, sibling, nodeIsLeft)
}

func (t *BPlusTree) rebalanceLeaf(c *crab, parent *bufferpool.WritePageGuard, parentEntries []pagecodec.InternalEntry, node, sibling *bufferpool.WritePageGuard, nodeIsLeft bool) error {
	left, right := sibling, node
	if nodeIsLeft {
		left, right = node, sibling
	}

	lh := pagecodec.DecodeHeader(left.Data())
	rh := pagecodec.DecodeHeader(right.Data())
	leftEntries := pagecodec.DecodeLeafEntries(left.Data(), lh.Size)
	rightEntries := pagecodec.DecodeLeafEntries(right.Data(), rh.Size)

	if uint32(len(leftEntries)+len(rightEntries)) < lh.MaxSize {
		merged := append(leftEntries, rightEntries...)
		pagecodec.EncodeLeafEntries(left.Data(), merged)
		pagecodec.SetNextLeafPageID(left.Data(), rh.NextLeafPageID)
		left.SetDirty()

		rightSlot := findChildSlot(parentEntries, right.PageID())
		parentEntries = removeInternalEntryAt(parentEntries, rightSlot)

		left.Done()
		if _, err := right.Delete(); err != nil {
			parent.Done()
			c.drain()
			return err
		}

		pagecodec.EncodeInternalEntries(parent.Data(), parentEntries)
		parent.SetDirty()
		return t.coalesceOrRedistribute(c, parent)
	}

	rightSlot := findChildSlot(parentEntries, right.PageID())
	if nodeIsLeft {
		moved := rightEntries[0]
		rightEntries = rightEntries[1:]
		leftEntries = append(leftEntries, moved)
		parentEntries[rightSlot].Key = rightEntries[0].Key
	} else {
		moved := leftEntries[len(leftEntries)-1]
		leftEntries = leftEntries[:len(leftEntries)-1]
		rightEntries = append([]pagecodec.LeafEntry{moved}, rightEntries...)
		parentEntries[rightSlot].Key = moved.Key
	}
	pagecodec.EncodeLeafEntries(left.Data(), leftEntries)
	left.SetDirty()
	pagecodec.EncodeLeafEntries(right.Data(), rightEntries)
	right.SetDirty()

	pagecodec.EncodeInternalEntries(parent.Data(), parentEntries)
	parent.SetDirty()

	left.Done()
	right.Done()
	parent.Done()
	c.drain()
	return nil
}

func (t *BPlusTree) rebalanceInternal(c *crab, parent *bufferpool.WritePageGuard, parentEntries []pagecodec.InternalEntry, node, sibling *bufferpool.WritePageGuard, nodeIsLeft bool) error {
	left, right := sibling, node
	if nodeIsLeft {
		left, right = node, sibling
	}

	lh := pagecodec.DecodeHeader(left.Data())
	leftEntries := pagecodec.DecodeInternalEntries(left.Data(), lh.Size)
	rightEntries := pagecodec.DecodeInternalEntries(right.Data(), pagecodec.DecodeHeader(right.Data()).Size)

	if uint32(len(leftEntries)+len(rightEntries)) < lh.MaxSize {
		rightSlot := findChildSlot(parentEntries, right.PageID())
		sepKey := parentEntries[rightSlot].Key
		rightEntries[0] = pagecodec.InternalEntry{Key: sepKey, ChildID: rightEntries[0].ChildID}
		merged := append(leftEntries, rightEntries...)
		pagecodec.EncodeInternalEntries(left.Data(), merged)
		left.SetDirty()

		for _, e := range rightEntries {
			if err := t.reparentChild(e.ChildID, left.PageID()); err != nil {
				left.Done()
				right.Done()
				parent.Done()
				c.drain()
				return err
			}
		}

		parentEntries = removeInternalEntryAt(parentEntries, rightSlot)

		left.Done()
		if _, err := right.Delete(); err != nil {
			parent.Done()
			c.drain()
			return err
		}

		pagecodec.EncodeInternalEntries(parent.Data(), parentEntries)
		parent.SetDirty()
		return t.coalesceOrRedistribute(c, parent)
	}

	rightSlot := findChildSlot(parentEntries, right.PageID())
	oldSeparator := parentEntries[rightSlot].Key

	if nodeIsLeft {
		movedChild := rightEntries[0].ChildID
		rightEntries = rightEntries[1:]
		leftEntries = append(leftEntries, pagecodec.InternalEntry{Key: oldSeparator, ChildID: movedChild})

		newSeparator := rightEntries[0].Key
		rightEntries[0] = pagecodec.InternalEntry{Key: sentinelKey(), ChildID: rightEntries[0].ChildID}
		parentEntries[rightSlot].Key = newSeparator

		if err := t.reparentChild(movedChild, left.PageID()); err != nil {
			left.Done()
			right.Done()
			parent.Done()
			c.drain()
			return err
		}
	} else {
		moved := leftEntries[len(leftEntries)-1]
		leftEntries = leftEntries[:len(leftEntries)-1]

		newRight := make([]pagecodec.InternalEntry, 0, len(rightEntries)+1)
		newRight = append(newRight, pagecodec.InternalEntry{Key: sentinelKey(), ChildID: moved.ChildID})
		if len(rightEntries) > 0 {
			newRight = append(newRight, pagecodec.InternalEntry{Key: oldSeparator, ChildID: rightEntries[0].ChildID})
			newRight = append(newRight, rightEntries[1:]...)
		}
		rightEntries = newRight
		parentEntries[rightSlot].Key = moved.Key

		if err := t.reparentChild(moved.ChildID, right.PageID()); err != nil {
			left.Done()
			right.Done()
			parent.Done()
			c.drain()
			return err
		}
	}

	pagecodec.EncodeInternalEntries(left.Data(), leftEntries)
	left.SetDirty()
	pagecodec.EncodeInternalEntries(right.Data(), rightEntries)
	right.SetDirty()
	pagecodec.EncodeInternalEntries(parent.Data(), parentEntries)
	parent.SetDirty()

	left.Done()
	right.Done()
	parent.Done()
	c.drain()
	return nil
}

// adjustRoot collapses the root when it has emptied: an internal root
// with exactly one remaining child is replaced by that child, and a leaf
// root that emptied entirely leaves the tree empty. Per spec.md §4.4 step
// 3's "adjust_root".
func (t *BPlusTree) adjustRoot(c *crab, guard *bufferpool.WritePageGuard) error {
	h := pagecodec.DecodeHeader(guard.Data())

	if h.PageType == pagecodec.InternalNode && h.Size == 1 {
		entries := pagecodec.DecodeInternalEntries(guard.Data(), 1)
		newRootID := entries[0].ChildID
		if err := t.reparentChild(newRootID, page.InvalidPageID); err != nil {
			guard.Done()
			c.drain()
			return err
		}
		t.rootPageID = newRootID
		t.persistRoot()
		if _, err := guard.Delete(); err != nil {
			c.drain()
			return err
		}
		c.drain()
		return nil
	}

	if h.PageType == pagecodec.LeafNode && h.Size == 0 {
		t.rootPageID = page.InvalidPageID
		t.persistRoot()
		if _, err := guard.Delete(); err != nil {
			c.drain()
			return err
		}
		c.drain()
		return nil
	}

	guard.Done()
	c.drain()
	return nil
}
