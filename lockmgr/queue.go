package lockmgr

import (
	"sync"

	"github.com/crabdb/crabdb/txn"
)

// Mode is a lock's granularity-free mode: shared or exclusive.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// request is one transaction's position in a row's lock queue. txn is
// carried alongside txnID so the deadlock detector can read a waiter's
// state (and abort it) without a separate id->transaction registry.
type request struct {
	txnID   txn.TxnID
	txn     *txn.Transaction
	mode    Mode
	granted bool
}

// queue is the FIFO lock-request queue behind a single row id, per
// spec.md §4.5. Requests are appended in arrival order; granted requests
// are removed outright on unlock rather than left behind as tombstones,
// so grantability of the head-of-line request is always "index 0".
type queue struct {
	mu sync.Mutex

	cond *sync.Cond

	requests []*request

	// upgrading is the id of the transaction currently upgrading this
	// row's lock from shared to exclusive, or txn.InvalidTxnID if none
	// is. Spec.md: "at most one upgrade may be in flight per row".
	upgrading txn.TxnID
}

func newQueue() *queue {
	q := &queue{upgrading: txn.InvalidTxnID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// grantableLocked reports whether the request at index i can be granted
// given every request before it in the queue. Must be called with mu
// held.
func (q *queue) grantableLocked(i int) bool {
	r := q.requests[i]
	if r.mode == Exclusive {
		// Exclusive excludes every other lock on the row, wherever it
		// sits in the queue -- this also covers lock_upgrade, where the
		// request keeps its original (non-tail) position.
		for j, other := range q.requests {
			if j != i && other.granted {
				return false
			}
		}
		return true
	}
	for j := 0; j < i; j++ {
		if !(q.requests[j].granted && q.requests[j].mode == Shared) {
			return false
		}
	}
	return true
}

// regrantLocked walks the queue head to tail granting every request that
// has become grantable, and wakes waiters. Must be called with mu held.
func (q *queue) regrantLocked() {
	changed := false
	for i, r := range q.requests {
		if r.granted {
			continue
		}
		if q.grantableLocked(i) {
			r.granted = true
			changed = true
		}
	}
	if changed {
		q.cond.Broadcast()
	}
}

func (q *queue) findByTxnLocked(id txn.TxnID) (int, *request) {
	for i, r := range q.requests {
		if r.txnID == id {
			return i, r
		}
	}
	return -1, nil
}

// removeLocked deletes the request belonging to id, if present, and
// re-evaluates grantability for everyone behind it. Must be called with
// mu held.
func (q *queue) removeLocked(id txn.TxnID) {
	i, _ := q.findByTxnLocked(id)
	if i < 0 {
		return
	}
	q.requests = append(q.requests[:i], q.requests[i+1:]...)
	if q.upgrading == id {
		q.upgrading = txn.InvalidTxnID
	}
	q.regrantLocked()
}
