package lockmgr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crabdb/crabdb/page"
	"github.com/crabdb/crabdb/txn"
)

// newTestManager returns a txn.Manager whose UnlockAll is a no-op, so
// tests can drive lockmgr directly without double-releasing locks these
// tests already release by hand. Transactions from the same manager get
// sequential ids, which the deadlock tests rely on for "youngest" ties.
func newTestManager() *txn.Manager {
	return txn.NewManager(noopLockManager{}, nil, nil)
}

type noopLockManager struct{}

func (noopLockManager) UnlockAll(*txn.Transaction) {}

func abortErr(t *testing.T, err error) *txn.AbortError {
	t.Helper()
	var ae *txn.AbortError
	require.True(t, errors.As(err, &ae), "expected *txn.AbortError, got %v", err)
	return ae
}

func TestSharedLocksAreCompatible(t *testing.T) {
	lm := New(time.Hour)
	defer lm.Close()
	mgr := newTestManager()

	rid := page.RowID{PageID: 1, Slot: 0}
	a := mgr.Begin(txn.RepeatableRead)
	b := mgr.Begin(txn.RepeatableRead)

	require.NoError(t, lm.LockShared(a, rid))
	require.NoError(t, lm.LockShared(b, rid))
	require.True(t, a.HoldsShared(rid))
	require.True(t, b.HoldsShared(rid))
}

func TestExclusiveBlocksShared(t *testing.T) {
	lm := New(time.Hour)
	defer lm.Close()
	mgr := newTestManager()

	rid := page.RowID{PageID: 1, Slot: 0}
	a := mgr.Begin(txn.RepeatableRead)
	b := mgr.Begin(txn.RepeatableRead)

	require.NoError(t, lm.LockExclusive(a, rid))

	done := make(chan error, 1)
	go func() { done <- lm.LockShared(b, rid) }()

	select {
	case <-done:
		t.Fatal("b's shared lock granted while a holds exclusive")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.Unlock(a, rid))
	require.NoError(t, <-done)
	require.True(t, b.HoldsShared(rid))
}

func TestLockOnShrinkingAborts(t *testing.T) {
	lm := New(time.Hour)
	defer lm.Close()
	mgr := newTestManager()

	r1 := page.RowID{PageID: 1, Slot: 0}
	r2 := page.RowID{PageID: 2, Slot: 0}
	a := mgr.Begin(txn.RepeatableRead)

	require.NoError(t, lm.LockExclusive(a, r1))
	require.NoError(t, lm.Unlock(a, r1))
	require.Equal(t, txn.Shrinking, a.State())

	err := lm.LockShared(a, r2)
	ae := abortErr(t, err)
	require.Equal(t, txn.LockOnShrinking, ae.Reason)
}

func TestReadUncommittedRejectsSharedLocks(t *testing.T) {
	lm := New(time.Hour)
	defer lm.Close()
	mgr := newTestManager()

	rid := page.RowID{PageID: 1, Slot: 0}
	a := mgr.Begin(txn.ReadUncommitted)

	err := lm.LockShared(a, rid)
	ae := abortErr(t, err)
	require.Equal(t, txn.LockSharedOnReadUncommitted, ae.Reason)
}

// TestUpgradeConflict is spec.md §8 scenario 4: A and B both hold S on
// R1; A upgrades and must wait for B's S lock; B then tries to upgrade
// too and aborts with UPGRADE_CONFLICT; once B releases, A's upgrade
// completes.
func TestUpgradeConflict(t *testing.T) {
	lm := New(time.Hour)
	defer lm.Close()
	mgr := newTestManager()

	r1 := page.RowID{PageID: 1, Slot: 0}
	a := mgr.Begin(txn.RepeatableRead)
	b := mgr.Begin(txn.RepeatableRead)

	require.NoError(t, lm.LockShared(a, r1))
	require.NoError(t, lm.LockShared(b, r1))

	upgradeDone := make(chan error, 1)
	go func() { upgradeDone <- lm.LockUpgrade(a, r1) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-upgradeDone:
		t.Fatal("a's upgrade granted while b still holds a shared lock")
	default:
	}

	err := lm.LockUpgrade(b, r1)
	ae := abortErr(t, err)
	require.Equal(t, txn.UpgradeConflict, ae.Reason)

	require.NoError(t, lm.Unlock(b, r1))
	require.NoError(t, <-upgradeDone)
	require.True(t, a.HoldsExclusive(r1))
}

// TestDeadlockDetectionAbortsYoungest is spec.md §8 scenario 5: A holds
// X on R1 and wants S on R2; B holds X on R2 and wants S on R1. The
// cycle is broken by aborting B (the higher txn_id), after which A's
// wait on R2 completes.
func TestDeadlockDetectionAbortsYoungest(t *testing.T) {
	lm := New(20 * time.Millisecond)
	defer lm.Close()
	mgr := newTestManager()

	r1 := page.RowID{PageID: 1, Slot: 0}
	r2 := page.RowID{PageID: 2, Slot: 0}
	a := mgr.Begin(txn.RepeatableRead)
	b := mgr.Begin(txn.RepeatableRead)
	require.Less(t, a.ID(), b.ID())

	require.NoError(t, lm.LockExclusive(a, r1))
	require.NoError(t, lm.LockExclusive(b, r2))

	aWaits := make(chan error, 1)
	bWaits := make(chan error, 1)
	go func() { aWaits <- lm.LockShared(a, r2) }()
	go func() { bWaits <- lm.LockShared(b, r1) }()

	select {
	case err := <-bWaits:
		ae := abortErr(t, err)
		require.Equal(t, txn.Deadlock, ae.Reason)
	case <-time.After(time.Second):
		t.Fatal("deadlock detector never aborted b")
	}

	require.NoError(t, lm.Unlock(b, r2))
	require.NoError(t, <-aWaits)
	require.True(t, a.HoldsShared(r2))
}

// TestReadCommittedReleasesSharedImmediately is the READ_COMMITTED half
// of spec.md §8 scenario 6: releasing a shared lock does not enter the
// shrinking phase, so a second shared lock may still be acquired
// afterwards.
func TestReadCommittedReleasesSharedImmediately(t *testing.T) {
	lm := New(time.Hour)
	defer lm.Close()
	mgr := newTestManager()

	r1 := page.RowID{PageID: 1, Slot: 0}
	r2 := page.RowID{PageID: 2, Slot: 0}
	a := mgr.Begin(txn.ReadCommitted)

	require.NoError(t, lm.LockShared(a, r1))
	require.NoError(t, lm.Unlock(a, r1))
	require.Equal(t, txn.Growing, a.State())

	require.NoError(t, lm.LockShared(a, r2))
}

// TestRepeatableReadRetainsSharedUntilUnlock is the REPEATABLE_READ half
// of scenario 6: releasing a shared lock does enter the shrinking phase,
// so no further locks may be acquired.
func TestRepeatableReadRetainsSharedUntilUnlock(t *testing.T) {
	lm := New(time.Hour)
	defer lm.Close()
	mgr := newTestManager()

	r1 := page.RowID{PageID: 1, Slot: 0}
	r2 := page.RowID{PageID: 2, Slot: 0}
	a := mgr.Begin(txn.RepeatableRead)

	require.NoError(t, lm.LockShared(a, r1))
	require.NoError(t, lm.Unlock(a, r1))
	require.Equal(t, txn.Shrinking, a.State())

	err := lm.LockShared(a, r2)
	ae := abortErr(t, err)
	require.Equal(t, txn.LockOnShrinking, ae.Reason)
}

func TestUnlockAllReleasesEverything(t *testing.T) {
	lm := New(time.Hour)
	defer lm.Close()
	mgr := newTestManager()

	r1 := page.RowID{PageID: 1, Slot: 0}
	r2 := page.RowID{PageID: 2, Slot: 0}
	a := mgr.Begin(txn.RepeatableRead)
	b := mgr.Begin(txn.RepeatableRead)

	require.NoError(t, lm.LockShared(a, r1))
	require.NoError(t, lm.LockExclusive(a, r2))

	lm.UnlockAll(a)
	require.False(t, a.HoldsShared(r1))
	require.False(t, a.HoldsExclusive(r2))

	require.NoError(t, lm.LockExclusive(b, r1))
	require.NoError(t, lm.LockExclusive(b, r2))
}
