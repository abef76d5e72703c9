// Package txn implements the transaction described by spec.md §4.5-§4.6:
// its lifecycle, its growing/shrinking lock sets, and the write logs that
// abort undoes. It is deliberately a leaf package — it knows
// nothing about the lock manager that mutates its lock sets, so that
// package can depend on *Transaction without an import cycle; wiring
// happens one level up, in the kernel package.
package txn

import (
	"sync"

	"github.com/crabdb/crabdb/page"
)

// TxnID is a monotonically increasing transaction identifier.
type TxnID int64

// InvalidTxnID marks the absence of a transaction, e.g. a lock queue's
// upgrading_txn_id when nobody is upgrading.
const InvalidTxnID TxnID = -1

// State is a transaction's position in the two-phase locking protocol.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsolationLevel governs when shared locks are released, per spec.md §6's
// "Isolation -> allowed phase transitions" table.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	default:
		return "UNKNOWN"
	}
}

// AbortReason is one of the four ways the lock manager forces a
// transaction into ABORTED, per spec.md §6.
type AbortReason int

const (
	NoAbort AbortReason = iota
	LockOnShrinking
	LockSharedOnReadUncommitted
	UpgradeConflict
	Deadlock
)

func (r AbortReason) String() string {
	switch r {
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case LockSharedOnReadUncommitted:
		return "LOCKSHARED_ON_READ_UNCOMMITTED"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	case Deadlock:
		return "DEADLOCK"
	default:
		return "NONE"
	}
}

// WriteOp is the kind of physical change a write-log record represents.
type WriteOp int

const (
	OpInsert WriteOp = iota
	OpDelete
	OpUpdate
)

// WriteRecord is one entry of a transaction's table write-log, enough to
// invert the operation on abort (spec.md §4.5: "insert<->delete, update
// swaps back").
type WriteRecord struct {
	Table  string
	RID    page.RowID
	Op     WriteOp
	Before []byte
	After  []byte
}

// IndexWriteRecord is the index-log analogue of WriteRecord: "insert<->
// delete, update re-keys".
type IndexWriteRecord struct {
	Index  string
	Key    []byte
	Op     WriteOp
	Before page.RowID
	After  page.RowID
}

// Transaction is the unit of isolation described by spec.md §4.5. Every
// field mutated after Begin is guarded by mu. The lock manager adds to
// the lock sets on every grant and removes a row from them on every
// Unlock, including the UnlockAll run at Commit/Abort.
type Transaction struct {
	mu sync.Mutex

	id          TxnID
	state       State
	isolation   IsolationLevel
	abortReason AbortReason

	sharedSet    map[page.RowID]struct{}
	exclusiveSet map[page.RowID]struct{}

	writeLog      []WriteRecord
	indexWriteLog []IndexWriteRecord
}

func newTransaction(id TxnID, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:           id,
		state:        Growing,
		isolation:    isolation,
		sharedSet:    make(map[page.RowID]struct{}),
		exclusiveSet: make(map[page.RowID]struct{}),
	}
}

// ID returns the transaction's id.
func (t *Transaction) ID() TxnID { return t.id }

// Isolation returns the transaction's isolation level. Immutable after
// Begin.
func (t *Transaction) Isolation() IsolationLevel { return t.isolation }

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the transaction's state. Used by the lock manager
// to enforce 2PL (Growing -> Shrinking) and by the transaction manager to
// finalize (-> Committed / Aborted).
func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// MarkAborted transitions the transaction to ABORTED and records why.
// Idempotent: once a reason is recorded it is never overwritten, so a
// transaction aborted by the deadlock detector while also failing a
// precondition check elsewhere keeps its original reason.
func (t *Transaction) MarkAborted(reason AbortReason) {
	t.mu.Lock()
	if t.state != Aborted {
		t.state = Aborted
		t.abortReason = reason
	}
	t.mu.Unlock()
}

// AbortReason returns why the transaction was aborted, or NoAbort if it
// never was.
func (t *Transaction) AbortReason() AbortReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortReason
}

// HoldsShared reports whether the transaction holds rid in its shared set.
func (t *Transaction) HoldsShared(rid page.RowID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedSet[rid]
	return ok
}

// HoldsExclusive reports whether the transaction holds rid in its
// exclusive set.
func (t *Transaction) HoldsExclusive(rid page.RowID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusiveSet[rid]
	return ok
}

// AddShared records rid in the shared set.
func (t *Transaction) AddShared(rid page.RowID) {
	t.mu.Lock()
	t.sharedSet[rid] = struct{}{}
	t.mu.Unlock()
}

// AddExclusive records rid in the exclusive set.
func (t *Transaction) AddExclusive(rid page.RowID) {
	t.mu.Lock()
	t.exclusiveSet[rid] = struct{}{}
	t.mu.Unlock()
}

// UpgradeSharedToExclusive moves rid from the shared set to the
// exclusive set, as lock_upgrade's final step.
func (t *Transaction) UpgradeSharedToExclusive(rid page.RowID) {
	t.mu.Lock()
	delete(t.sharedSet, rid)
	t.exclusiveSet[rid] = struct{}{}
	t.mu.Unlock()
}

// RemoveLock drops rid from both lock sets.
func (t *Transaction) RemoveLock(rid page.RowID) {
	t.mu.Lock()
	delete(t.sharedSet, rid)
	delete(t.exclusiveSet, rid)
	t.mu.Unlock()
}

// SharedRIDs and ExclusiveRIDs snapshot the lock sets for UnlockAll.
func (t *Transaction) SharedRIDs() []page.RowID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]page.RowID, 0, len(t.sharedSet))
	for rid := range t.sharedSet {
		out = append(out, rid)
	}
	return out
}

func (t *Transaction) ExclusiveRIDs() []page.RowID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]page.RowID, 0, len(t.exclusiveSet))
	for rid := range t.exclusiveSet {
		out = append(out, rid)
	}
	return out
}

// AppendWrite records a table write so abort can invert it.
func (t *Transaction) AppendWrite(rec WriteRecord) {
	t.mu.Lock()
	t.writeLog = append(t.writeLog, rec)
	t.mu.Unlock()
}

// AppendIndexWrite records an index write so abort can invert it.
func (t *Transaction) AppendIndexWrite(rec IndexWriteRecord) {
	t.mu.Lock()
	t.indexWriteLog = append(t.indexWriteLog, rec)
	t.mu.Unlock()
}

// WriteLog and IndexWriteLog return snapshots of the logs, in the order
// appended, for the transaction manager to walk in reverse on abort.
// Commit does not read them.
func (t *Transaction) WriteLog() []WriteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]WriteRecord(nil), t.writeLog...)
}

func (t *Transaction) IndexWriteLog() []IndexWriteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]IndexWriteRecord(nil), t.indexWriteLog...)
}
