package txn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crabdb/crabdb/page"
)

type fakeLockManager struct {
	mu        sync.Mutex
	unlockAll []TxnID
}

func (f *fakeLockManager) UnlockAll(t *Transaction) {
	f.mu.Lock()
	f.unlockAll = append(f.unlockAll, t.ID())
	f.mu.Unlock()
}

type recordingTable struct {
	mu       sync.Mutex
	inverted []WriteRecord
}

func (r *recordingTable) Invert(rec WriteRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch rec.Op {
	case OpInsert:
		rec.Op = OpDelete
	case OpDelete:
		rec.Op = OpInsert
	case OpUpdate:
		rec.Before, rec.After = rec.After, rec.Before
	}
	r.inverted = append(r.inverted, rec)
	return nil
}

func TestBeginAssignsSequentialIDs(t *testing.T) {
	lm := &fakeLockManager{}
	mgr := NewManager(lm, nil, nil)

	a := mgr.Begin(ReadCommitted)
	b := mgr.Begin(ReadCommitted)
	require.Equal(t, TxnID(1), a.ID())
	require.Equal(t, TxnID(2), b.ID())
	require.Equal(t, Growing, a.State())
}

func TestCommitNeverInvertsTheWriteLog(t *testing.T) {
	lm := &fakeLockManager{}
	table := &recordingTable{}
	mgr := NewManager(lm, table, nil)

	tx := mgr.Begin(ReadCommitted)
	tx.AppendWrite(WriteRecord{Table: "t", RID: page.RowID{PageID: 1}, Op: OpInsert})

	require.NoError(t, mgr.Commit(tx))
	require.Equal(t, Committed, tx.State())
	require.Equal(t, []TxnID{tx.ID()}, lm.unlockAll)
	require.Empty(t, table.inverted, "commit must leave eagerly-applied writes untouched")

	_, live := mgr.Lookup(tx.ID())
	require.False(t, live)
}

func TestAbortInvertsWriteLogInReverseOrder(t *testing.T) {
	lm := &fakeLockManager{}
	table := &recordingTable{}
	mgr := NewManager(lm, table, nil)

	tx := mgr.Begin(RepeatableRead)
	tx.AppendWrite(WriteRecord{Table: "t", RID: page.RowID{PageID: 1}, Op: OpInsert})
	tx.AppendWrite(WriteRecord{Table: "t", RID: page.RowID{PageID: 2}, Op: OpDelete})

	require.NoError(t, mgr.Abort(tx, Deadlock))
	require.Equal(t, Aborted, tx.State())
	require.Equal(t, Deadlock, tx.AbortReason())

	require.Len(t, table.inverted, 2)
	// reverse order: the delete inverts first, back to an insert...
	require.Equal(t, page.RowID{PageID: 2}, table.inverted[0].RID)
	require.Equal(t, OpInsert, table.inverted[0].Op)
	// ...then the original insert inverts to a delete.
	require.Equal(t, page.RowID{PageID: 1}, table.inverted[1].RID)
	require.Equal(t, OpDelete, table.inverted[1].Op)
}

func TestBlockAllTransactionsBlocksBegin(t *testing.T) {
	lm := &fakeLockManager{}
	mgr := NewManager(lm, nil, nil)

	mgr.BlockAllTransactions()

	began := make(chan *Transaction, 1)
	go func() { began <- mgr.Begin(ReadCommitted) }()

	select {
	case <-began:
		t.Fatal("Begin proceeded while BlockAllTransactions held the latch")
	case <-time.After(50 * time.Millisecond):
	}

	mgr.ResumeTransactions()
	tx := <-began
	require.NotNil(t, tx)
}

func TestMarkAbortedIsStickyToFirstReason(t *testing.T) {
	lm := &fakeLockManager{}
	mgr := NewManager(lm, nil, nil)
	tx := mgr.Begin(RepeatableRead)

	tx.MarkAborted(Deadlock)
	tx.MarkAborted(UpgradeConflict)
	require.Equal(t, Deadlock, tx.AbortReason())
}
