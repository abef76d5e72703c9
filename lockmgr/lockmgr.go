// Package lockmgr implements the row-level two-phase lock manager and
// background deadlock detector of spec.md §4.5, grounded on
// ryuju0911-simpledb-in-go's ConcurrencyManager/LockTable shape -- the
// teacher repo (DragonDB) has no lock manager of its own.
package lockmgr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/crabdb/crabdb/page"
	"github.com/crabdb/crabdb/txn"
)

// shardCount partitions the row lock table across independent mutexes so
// that unrelated rows never contend on the same bucket lock. The deadlock
// detector still walks every shard each tick (spec.md §4.5's wait-for
// graph is table-wide, not per-shard).
const shardCount = 32

type shard struct {
	mu    sync.Mutex
	table map[page.RowID]*queue
}

// LockManager grants and releases row-level shared/exclusive locks under
// two-phase locking, and runs a background detector that breaks
// wait-for cycles by aborting the youngest participant.
type LockManager struct {
	shards [shardCount]*shard

	stop chan struct{}
	done chan struct{}
}

// New starts a LockManager whose deadlock detector runs once per
// interval, per spec.md §4.5 "deadlock detection interval".
func New(interval time.Duration) *LockManager {
	lm := &LockManager{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for i := range lm.shards {
		lm.shards[i] = &shard{table: make(map[page.RowID]*queue)}
	}
	go lm.runDetector(interval)
	return lm
}

// shardFor hashes rid's encoded bytes with xxhash to pick a stable bucket;
// xxhash is fast enough to call on every lock request without showing up
// as contention of its own.
func (lm *LockManager) shardFor(rid page.RowID) *shard {
	enc := page.EncodeRowID(rid)
	h := xxhash.Sum64(enc[:])
	return lm.shards[h%shardCount]
}

// Close stops the background detector. Not idempotent -- calling it
// twice panics on a closed channel, matching the teacher's single-
// owner shutdown style elsewhere in the kernel.
func (lm *LockManager) Close() {
	close(lm.stop)
	<-lm.done
}

func (lm *LockManager) queueFor(rid page.RowID) *queue {
	s := lm.shardFor(rid)
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.table[rid]
	if !ok {
		q = newQueue()
		s.table[rid] = q
	}
	return q
}

// LockShared acquires a shared lock on rid for t, blocking until granted.
// A no-op if t already holds shared or exclusive access to rid.
func (lm *LockManager) LockShared(t *txn.Transaction, rid page.RowID) error {
	if t.Isolation() == txn.ReadUncommitted {
		t.MarkAborted(txn.LockSharedOnReadUncommitted)
		return &txn.AbortError{TxnID: t.ID(), Reason: txn.LockSharedOnReadUncommitted}
	}
	if t.HoldsShared(rid) || t.HoldsExclusive(rid) {
		return nil
	}
	if t.State() == txn.Shrinking {
		t.MarkAborted(txn.LockOnShrinking)
		return &txn.AbortError{TxnID: t.ID(), Reason: txn.LockOnShrinking}
	}

	q := lm.queueFor(rid)
	if err := q.acquire(t, Shared); err != nil {
		return err
	}
	t.AddShared(rid)
	return nil
}

// LockExclusive acquires an exclusive lock on rid for t, blocking until
// granted. A no-op if t already holds exclusive access; if t holds only
// a shared lock, this upgrades it (equivalent to calling LockUpgrade).
func (lm *LockManager) LockExclusive(t *txn.Transaction, rid page.RowID) error {
	if t.HoldsExclusive(rid) {
		return nil
	}
	if t.HoldsShared(rid) {
		return lm.LockUpgrade(t, rid)
	}
	if t.State() == txn.Shrinking {
		t.MarkAborted(txn.LockOnShrinking)
		return &txn.AbortError{TxnID: t.ID(), Reason: txn.LockOnShrinking}
	}

	q := lm.queueFor(rid)
	if err := q.acquire(t, Exclusive); err != nil {
		return err
	}
	t.AddExclusive(rid)
	return nil
}

// LockUpgrade converts t's shared lock on rid into an exclusive lock. At
// most one transaction may upgrade a given row at a time; a second
// upgrader aborts with UPGRADE_CONFLICT per spec.md §6, rather than
// queueing behind the first (which could deadlock against it).
func (lm *LockManager) LockUpgrade(t *txn.Transaction, rid page.RowID) error {
	if t.HoldsExclusive(rid) {
		return nil
	}
	if !t.HoldsShared(rid) {
		return errors.Errorf("lockmgr: upgrade requires an existing shared lock on %v", rid)
	}
	if t.State() == txn.Shrinking {
		t.MarkAborted(txn.LockOnShrinking)
		return &txn.AbortError{TxnID: t.ID(), Reason: txn.LockOnShrinking}
	}

	q := lm.queueFor(rid)
	q.mu.Lock()
	if q.upgrading != txn.InvalidTxnID && q.upgrading != t.ID() {
		q.mu.Unlock()
		t.MarkAborted(txn.UpgradeConflict)
		return &txn.AbortError{TxnID: t.ID(), Reason: txn.UpgradeConflict}
	}
	q.upgrading = t.ID()
	_, req := q.findByTxnLocked(t.ID())
	req.mode = Exclusive
	req.granted = false
	q.regrantLocked()

	for !req.granted {
		if t.State() == txn.Aborted {
			q.removeLocked(t.ID())
			q.mu.Unlock()
			return &txn.AbortError{TxnID: t.ID(), Reason: t.AbortReason()}
		}
		q.cond.Wait()
	}
	q.upgrading = txn.InvalidTxnID
	q.mu.Unlock()

	t.UpgradeSharedToExclusive(rid)
	return nil
}

// acquire appends a request for mode to q, blocks until it is granted or
// t is aborted (by the deadlock detector or anyone else), and rechecks
// both conditions on every wake -- spurious wakes are permitted, per
// spec.md's lock-queue design note.
func (q *queue) acquire(t *txn.Transaction, mode Mode) error {
	q.mu.Lock()
	req := &request{txnID: t.ID(), txn: t, mode: mode}
	q.requests = append(q.requests, req)
	q.regrantLocked()

	for !req.granted {
		if t.State() == txn.Aborted {
			q.removeLocked(t.ID())
			q.mu.Unlock()
			return &txn.AbortError{TxnID: t.ID(), Reason: t.AbortReason()}
		}
		q.cond.Wait()
	}
	q.mu.Unlock()
	return nil
}

// Unlock releases t's lock on rid, if any, and applies the 2PL phase
// transition of spec.md §6's isolation table: while still GROWING, any
// unlock enters SHRINKING unless isolation is READ_COMMITTED, which
// releases S locks immediately after reading without leaving the growing
// phase.
func (lm *LockManager) Unlock(t *txn.Transaction, rid page.RowID) error {
	if !t.HoldsExclusive(rid) && !t.HoldsShared(rid) {
		return nil
	}

	q := lm.queueFor(rid)
	q.mu.Lock()
	q.removeLocked(t.ID())
	q.mu.Unlock()
	t.RemoveLock(rid)

	if t.State() != txn.Growing {
		return nil
	}
	if t.Isolation() != txn.ReadCommitted {
		t.SetState(txn.Shrinking)
	}
	return nil
}

// UnlockAll releases every lock t holds. Satisfies txn.LockManager, so
// the transaction manager can call into this package without importing
// it, avoiding an import cycle (txn is a leaf package; lockmgr imports
// txn for *txn.Transaction).
func (lm *LockManager) UnlockAll(t *txn.Transaction) {
	for _, rid := range t.ExclusiveRIDs() {
		if err := lm.Unlock(t, rid); err != nil {
			slog.Error("unlock during UnlockAll failed", "txn_id", t.ID(), "rid", rid, "err", err)
		}
	}
	for _, rid := range t.SharedRIDs() {
		if err := lm.Unlock(t, rid); err != nil {
			slog.Error("unlock during UnlockAll failed", "txn_id", t.ID(), "rid", rid, "err", err)
		}
	}
}
