package kernel

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crabdb/crabdb/page"
	"github.com/crabdb/crabdb/txn"
)

func openTestKernel(t *testing.T) *Kernel {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crab.db")
	k, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Close()) })
	return k
}

func TestCommitMakesInsertVisibleToLaterTransactions(t *testing.T) {
	k := openTestKernel(t)
	require.NoError(t, k.CreateIndex("accounts"))

	writer := k.Txns.Begin(txn.ReadCommitted)
	rid := page.RowID{PageID: 7, Slot: 0}
	require.NoError(t, k.Insert(writer, "accounts", page.EncodeKey(1), rid))
	require.NoError(t, k.Txns.Commit(writer))

	reader := k.Txns.Begin(txn.ReadCommitted)
	got, found, err := k.Lookup(reader, "accounts", page.EncodeKey(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid, got)
	require.NoError(t, k.Txns.Commit(reader))
}

func TestAbortUndoesTheInsert(t *testing.T) {
	k := openTestKernel(t)
	require.NoError(t, k.CreateIndex("accounts"))

	writer := k.Txns.Begin(txn.RepeatableRead)
	rid := page.RowID{PageID: 9, Slot: 0}
	require.NoError(t, k.Insert(writer, "accounts", page.EncodeKey(2), rid))
	require.NoError(t, k.Txns.Abort(writer, txn.NoAbort))

	reader := k.Txns.Begin(txn.ReadCommitted)
	_, found, err := k.Lookup(reader, "accounts", page.EncodeKey(2))
	require.NoError(t, err)
	require.False(t, found, "aborted insert must not be visible")
	require.NoError(t, k.Txns.Commit(reader))
}

func TestDeleteThenAbortRestoresTheEntry(t *testing.T) {
	k := openTestKernel(t)
	require.NoError(t, k.CreateIndex("accounts"))

	setup := k.Txns.Begin(txn.ReadCommitted)
	rid := page.RowID{PageID: 3, Slot: 1}
	require.NoError(t, k.Insert(setup, "accounts", page.EncodeKey(5), rid))
	require.NoError(t, k.Txns.Commit(setup))

	deleter := k.Txns.Begin(txn.RepeatableRead)
	require.NoError(t, k.Delete(deleter, "accounts", page.EncodeKey(5), rid))
	require.NoError(t, k.Txns.Abort(deleter, txn.NoAbort))

	reader := k.Txns.Begin(txn.ReadCommitted)
	got, found, err := k.Lookup(reader, "accounts", page.EncodeKey(5))
	require.NoError(t, err)
	require.True(t, found, "aborted delete must restore the entry")
	require.Equal(t, rid, got)
	require.NoError(t, k.Txns.Commit(reader))
}

func TestReadUncommittedLookupSkipsLocking(t *testing.T) {
	k := openTestKernel(t)
	require.NoError(t, k.CreateIndex("accounts"))

	writer := k.Txns.Begin(txn.ReadCommitted)
	rid := page.RowID{PageID: 12, Slot: 0}
	require.NoError(t, k.Insert(writer, "accounts", page.EncodeKey(20), rid))
	require.NoError(t, k.Txns.Commit(writer))

	reader := k.Txns.Begin(txn.ReadUncommitted)
	got, found, err := k.Lookup(reader, "accounts", page.EncodeKey(20))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid, got)
	require.False(t, reader.HoldsShared(rid), "READ_UNCOMMITTED lookups must not acquire a shared lock")
	require.NoError(t, k.Txns.Commit(reader))
}

func TestCreateIndexRejectsDuplicateName(t *testing.T) {
	k := openTestKernel(t)
	require.NoError(t, k.CreateIndex("accounts"))
	require.Error(t, k.CreateIndex("accounts"))
}

func TestInsertRejectsDuplicateKeyAndReleasesTheLock(t *testing.T) {
	k := openTestKernel(t)
	require.NoError(t, k.CreateIndex("accounts"))

	first := k.Txns.Begin(txn.ReadCommitted)
	rid := page.RowID{PageID: 1, Slot: 0}
	require.NoError(t, k.Insert(first, "accounts", page.EncodeKey(9), rid))
	require.NoError(t, k.Txns.Commit(first))

	second := k.Txns.Begin(txn.ReadCommitted)
	dupRID := page.RowID{PageID: 2, Slot: 0}
	err := k.Insert(second, "accounts", page.EncodeKey(9), dupRID)
	require.Error(t, err)
	require.NoError(t, k.Txns.Abort(second, txn.NoAbort))
	require.False(t, second.HoldsExclusive(dupRID), "abort must release the lock taken by the rejected insert")
}

func TestUseDirectIOSelectsTheDirectDiskManager(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("diskmgr.NewDirectDiskManager is only supported on linux")
	}

	cfg := DefaultConfig()
	cfg.UseDirectIO = true
	// A file in the package directory rather than t.TempDir(): tmpfs
	// mounts commonly reject O_DIRECT with EINVAL.
	path := "kernel_direct_io_roundtrip.db"
	defer os.Remove(path)

	k, err := Open(path, cfg)
	require.NoError(t, err)
	defer k.Close()

	require.NoError(t, k.CreateIndex("accounts"))
	writer := k.Txns.Begin(txn.ReadCommitted)
	rid := page.RowID{PageID: 5, Slot: 0}
	require.NoError(t, k.Insert(writer, "accounts", page.EncodeKey(3), rid))
	require.NoError(t, k.Txns.Commit(writer))
}

func TestReopenRestoresIndexContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crab.db")
	k1, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, k1.CreateIndex("accounts"))

	writer := k1.Txns.Begin(txn.ReadCommitted)
	rid := page.RowID{PageID: 4, Slot: 0}
	require.NoError(t, k1.Insert(writer, "accounts", page.EncodeKey(11), rid))
	require.NoError(t, k1.Txns.Commit(writer))
	require.NoError(t, k1.Close())

	k2, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	defer k2.Close()

	reader := k2.Txns.Begin(txn.ReadCommitted)
	got, found, err := k2.Lookup(reader, "accounts", page.EncodeKey(11))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid, got)
	require.NoError(t, k2.Txns.Commit(reader))
}
