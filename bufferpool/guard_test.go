package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crabdb/crabdb/diskmgr"
)

func newTestPool(t *testing.T, size int) *BufferPool {
	path := filepath.Join(t.TempDir(), "crabdb.dat")
	disk, err := diskmgr.NewBufferedDiskManager(path)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	return New(size, disk)
}

func TestWriteGuard_SetDirtyPropagatesOnDone(t *testing.T) {
	pool := newTestPool(t, 2)

	guard, err := pool.NewPageWriteGuard()
	require.NoError(t, err)
	pid := guard.PageID()
	guard.Data()[0] = 0x42
	guard.SetDirty()
	guard.Done()

	frameID := pool.pageTbl[pid]
	require.True(t, pool.frames[frameID].dirty)
}

func TestWriteGuard_DoneIsIdempotent(t *testing.T) {
	pool := newTestPool(t, 2)

	guard, err := pool.NewPageWriteGuard()
	require.NoError(t, err)
	guard.Done()
	require.NotPanics(t, guard.Done)
}

func TestReadGuard_ConcurrentReadersDoNotBlock(t *testing.T) {
	pool := newTestPool(t, 2)

	wg, err := pool.NewPageWriteGuard()
	require.NoError(t, err)
	pid := wg.PageID()
	wg.Done()

	rg1, err := pool.NewReadGuard(pid)
	require.NoError(t, err)
	rg2, err := pool.NewReadGuard(pid) // multiple concurrent readers must not block each other
	require.NoError(t, err)

	rg1.Done()
	rg2.Done()
}

func TestWriteGuard_DeleteUnpinsBeforeDeleting(t *testing.T) {
	pool := newTestPool(t, 2)

	wg, err := pool.NewPageWriteGuard()
	require.NoError(t, err)
	pid := wg.PageID()

	ok, err := wg.Delete()
	require.NoError(t, err)
	require.True(t, ok)

	_, stillResident := pool.pageTbl[pid]
	require.False(t, stillResident)
}
