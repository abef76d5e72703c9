package bplustree

import "github.com/crabdb/crabdb/bufferpool"

// crab threads the crabbing protocol's "held set" through a single
// operation's descent, per spec.md §4.4 and §9 ("Held set for crabbing"):
// an explicit call-scoped collection of not-yet-proven-safe ancestor
// guards, plus whether this call still holds the root latch. It is never
// a member of any long-lived object — one crab is constructed per
// Insert/Remove call and discarded when the call returns.
type crab struct {
	tree          *BPlusTree
	held          []*bufferpool.WritePageGuard
	rootLatchHeld bool
}

func newCrab(t *BPlusTree) *crab {
	t.rootLatch.Lock()
	return &crab{tree: t, rootLatchHeld: true}
}

func (c *crab) push(g *bufferpool.WritePageGuard) {
	c.held = append(c.held, g)
}

// pop removes and returns the most recently pushed (nearest) ancestor.
func (c *crab) pop() *bufferpool.WritePageGuard {
	n := len(c.held) - 1
	g := c.held[n]
	c.held = c.held[:n]
	return g
}

func (c *crab) empty() bool { return len(c.held) == 0 }

// releaseRoot unlocks the root latch if this call still holds it.
// Idempotent.
func (c *crab) releaseRoot() {
	if c.rootLatchHeld {
		c.tree.rootLatch.Unlock()
		c.rootLatchHeld = false
	}
}

// drain releases every guard in the held set, oldest-first (spec.md §4.3:
// "releasing is always oldest-first"), and transitively releases the root
// latch too.
func (c *crab) drain() {
	for _, g := range c.held {
		g.Done()
	}
	c.held = c.held[:0]
	c.releaseRoot()
}

// abort releases the given in-flight guards (in the order given) plus the
// whole held set plus the root latch, used on error paths mid-traversal.
func (c *crab) abort(guards ...*bufferpool.WritePageGuard) {
	for _, g := range guards {
		if g != nil {
			g.Done()
		}
	}
	c.drain()
}
