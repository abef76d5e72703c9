package txn

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// LockManager is the one lock-manager operation a TxnManager needs:
// releasing every lock a transaction holds, in the teacher's commit/abort
// shape ("release locks, then unpin/cleanup"). Defining it here, rather
// than depending on package lockmgr directly, is what lets lockmgr import
// txn for *Transaction without the two packages cycling.
type LockManager interface {
	UnlockAll(txn *Transaction)
}

// TableWriter inverts one physical table write, as recorded by
// Transaction.AppendWrite. Writes are applied eagerly, at the point the
// executor performs them (steal/no-force style); the write log exists
// purely to undo them on abort, never to replay them on commit.
type TableWriter interface {
	Invert(rec WriteRecord) error
}

// IndexWriter inverts one physical index write, as recorded by
// Transaction.AppendIndexWrite. Same eager-apply, undo-only contract as
// TableWriter.
type IndexWriter interface {
	Invert(rec IndexWriteRecord) error
}

// AbortError wraps the reason a transaction could not proceed and was
// rolled back, so callers can distinguish it from other failures per
// spec.md §7 ("Abort" error kind).
type AbortError struct {
	TxnID  TxnID
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}

// Manager is the transaction manager of spec.md §4.6: it owns the
// monotonic id counter, the table of live transactions, the global
// quiesce latch, and write-log commit/abort processing. It never touches
// lock state directly -- that goes through LockManager.
type Manager struct {
	lockMgr LockManager
	table   TableWriter
	index   IndexWriter

	// quiesce is the global transaction latch of spec.md §5: a plain
	// reader-writer lock, readers are live Begin/Commit/Abort calls,
	// the (rare) writer is BlockAllTransactions.
	quiesce sync.RWMutex

	nextID int64

	mu   sync.Mutex
	live map[TxnID]*Transaction
}

// NewManager constructs a Manager. table and index may be nil if the
// caller never intends to Commit/Abort a transaction with write-log
// entries (e.g. a read-only smoke test).
func NewManager(lockMgr LockManager, table TableWriter, index IndexWriter) *Manager {
	return &Manager{
		lockMgr: lockMgr,
		table:   table,
		index:   index,
		live:    make(map[TxnID]*Transaction),
	}
}

// Begin starts a new transaction at the given isolation level. It takes
// the quiesce latch's read side, so it blocks while BlockAllTransactions
// holds the write side.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	m.quiesce.RLock()
	defer m.quiesce.RUnlock()

	id := TxnID(atomic.AddInt64(&m.nextID, 1))
	t := newTransaction(id, isolation)

	m.mu.Lock()
	m.live[id] = t
	m.mu.Unlock()

	slog.Debug("transaction begun", "txn_id", id, "isolation", isolation)
	return t
}

// Commit marks t COMMITTED and releases its locks. Its writes are
// already physically applied (Insert/Delete perform them eagerly), so
// commit has nothing left to replay -- it only needs to stop them from
// ever being undone.
func (m *Manager) Commit(t *Transaction) error {
	m.quiesce.RLock()
	defer m.quiesce.RUnlock()

	t.SetState(Committed)
	m.lockMgr.UnlockAll(t)
	m.forget(t)

	slog.Debug("transaction committed", "txn_id", t.ID())
	return nil
}

// Abort inverts the transaction's write logs in reverse order, releases
// its locks, and marks it ABORTED with reason (NoAbort if the caller
// aborted voluntarily rather than being forced by the lock manager).
func (m *Manager) Abort(t *Transaction, reason AbortReason) error {
	m.quiesce.RLock()
	defer m.quiesce.RUnlock()

	if err := m.applyInverse(t); err != nil {
		return errors.Wrap(err, "abort: inverting write log")
	}

	t.MarkAborted(reason)
	m.lockMgr.UnlockAll(t)
	m.forget(t)

	slog.Debug("transaction aborted", "txn_id", t.ID(), "reason", reason)
	return nil
}

// BlockAllTransactions takes the quiesce latch's write side, preventing
// any new Begin/Commit/Abort from proceeding until ResumeTransactions is
// called. Used to take a consistent checkpoint across the whole kernel.
func (m *Manager) BlockAllTransactions() {
	m.quiesce.Lock()
}

// ResumeTransactions releases the latch taken by BlockAllTransactions.
func (m *Manager) ResumeTransactions() {
	m.quiesce.Unlock()
}

// applyInverse walks both logs in reverse order, index log first, since
// it was appended after (or alongside) the table write it corresponds to
// and must be undone before the table row it points at disappears.
func (m *Manager) applyInverse(t *Transaction) error {
	indexLog := t.IndexWriteLog()
	for i := len(indexLog) - 1; i >= 0; i-- {
		if m.index == nil {
			continue
		}
		if err := m.index.Invert(indexLog[i]); err != nil {
			return err
		}
	}

	writeLog := t.WriteLog()
	for i := len(writeLog) - 1; i >= 0; i-- {
		if m.table == nil {
			continue
		}
		if err := m.table.Invert(writeLog[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) forget(t *Transaction) {
	m.mu.Lock()
	delete(m.live, t.ID())
	m.mu.Unlock()
}

// Lookup returns the live transaction with the given id, if any.
func (m *Manager) Lookup(id TxnID) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.live[id]
	return t, ok
}
