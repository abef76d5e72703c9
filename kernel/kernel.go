// Package kernel is the storage engine facade: the one type an executor
// (out of scope per spec.md §1) would actually hold. It wires the buffer
// pool, the on-disk B+tree indexes registered in the header-page
// directory, the row lock manager and the transaction manager together,
// and demonstrates the lock-before-access contract of spec.md §6 end to
// end through Insert/Lookup/Delete.
package kernel

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/crabdb/crabdb/bplustree"
	"github.com/crabdb/crabdb/bufferpool"
	"github.com/crabdb/crabdb/diskmgr"
	"github.com/crabdb/crabdb/lockmgr"
	"github.com/crabdb/crabdb/page"
	"github.com/crabdb/crabdb/pagecodec"
	"github.com/crabdb/crabdb/txn"
)

// Config bounds the kernel's resource usage and tuning knobs.
type Config struct {
	PoolSize                  int
	LeafMaxSize               uint32
	InternalMaxSize           uint32
	DeadlockDetectionInterval time.Duration

	// UseDirectIO selects diskmgr.NewDirectDiskManager (O_DIRECT, bypassing
	// the OS page cache) instead of the default buffered manager, mirroring
	// the teacher's DirectIODiskManager/OSBufferedDiskManager split. Only
	// supported on linux; NewDirectDiskManager errors out elsewhere.
	UseDirectIO bool
}

// DefaultConfig returns the kernel's default pool size, node fan-out and
// deadlock detection interval.
func DefaultConfig() Config {
	return Config{
		PoolSize:                  128,
		LeafMaxSize:               64,
		InternalMaxSize:           64,
		DeadlockDetectionInterval: 50 * time.Millisecond,
	}
}

// Kernel is the storage engine: buffer pool + disk + named B+tree indexes
// + row lock manager + transaction manager.
type Kernel struct {
	pool  *bufferpool.BufferPool
	disk  diskmgr.DiskManager
	locks *lockmgr.LockManager
	Txns  *txn.Manager

	cfg Config

	treesMu sync.Mutex
	trees   map[string]*bplustree.BPlusTree

	headerMu sync.Mutex
}

// Open opens (creating if absent) the backing file at path and restores
// every index registered in the header-page directory.
func Open(path string, cfg Config) (*Kernel, error) {
	var disk diskmgr.DiskManager
	var err error
	if cfg.UseDirectIO {
		disk, err = diskmgr.NewDirectDiskManager(path)
	} else {
		disk, err = diskmgr.NewBufferedDiskManager(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "kernel: open disk manager")
	}

	k := &Kernel{
		pool:  bufferpool.New(cfg.PoolSize, disk),
		disk:  disk,
		locks: lockmgr.New(cfg.DeadlockDetectionInterval),
		cfg:   cfg,
		trees: make(map[string]*bplustree.BPlusTree),
	}
	k.Txns = txn.NewManager(k.locks, nil, k)

	roots, err := k.readDirectory()
	if err != nil {
		return nil, errors.Wrap(err, "kernel: read index directory")
	}
	for name, rootID := range roots {
		k.trees[name] = bplustree.New(k.pool, name, cfg.LeafMaxSize, cfg.InternalMaxSize, rootID, k)
	}

	slog.Info("kernel opened", "path", path, "indexes", len(k.trees), "pool_size", cfg.PoolSize)
	return k, nil
}

// Close stops the background deadlock detector, flushes every dirty
// page, and closes the backing file.
func (k *Kernel) Close() error {
	k.locks.Close()
	if err := k.pool.FlushAll(); err != nil {
		return errors.Wrap(err, "kernel: flush on close")
	}
	return k.disk.Close()
}

// CreateIndex registers a new, empty B+tree index under name. Returns an
// error if name is already registered.
func (k *Kernel) CreateIndex(name string) error {
	k.treesMu.Lock()
	defer k.treesMu.Unlock()

	if _, ok := k.trees[name]; ok {
		return errors.Errorf("kernel: index %q already exists", name)
	}
	tree := bplustree.New(k.pool, name, k.cfg.LeafMaxSize, k.cfg.InternalMaxSize, page.InvalidPageID, k)
	k.trees[name] = tree
	return k.SetRoot(name, page.InvalidPageID)
}

func (k *Kernel) index(name string) (*bplustree.BPlusTree, error) {
	k.treesMu.Lock()
	defer k.treesMu.Unlock()
	tree, ok := k.trees[name]
	if !ok {
		return nil, errors.Errorf("kernel: no such index %q", name)
	}
	return tree, nil
}

// readDirectory reads and decodes the header page's index-name ->
// root-page-id directory. A brand new file has no header page on disk
// yet, so one is first written as all zeros, which
// pagecodec.DecodeDirectory treats as an empty directory.
func (k *Kernel) readDirectory() (map[string]page.PageID, error) {
	g, err := k.pool.NewReadGuard(page.HeaderPageID)
	if errors.Is(err, io.EOF) {
		if err := k.disk.WritePage(page.HeaderPageID, make([]byte, page.PageSize)); err != nil {
			return nil, err
		}
		g, err = k.pool.NewReadGuard(page.HeaderPageID)
	}
	if err != nil {
		return nil, err
	}
	defer g.Done()
	return pagecodec.DecodeDirectory(g.Data())
}

// Invert implements txn.IndexWriter for a transaction's abort: the index
// entry for rec.Key is rolled back to rec.Before, undoing whatever
// Insert/Delete already applied eagerly.
func (k *Kernel) Invert(rec txn.IndexWriteRecord) error {
	return k.setIndexEntry(rec.Index, rec.Key, rec.Before)
}

// setIndexEntry makes indexName's entry for key equal to rid, removing
// any existing entry first (a harmless no-op if key is absent). rid
// invalid means "no entry" -- this is how Invert undoes an insert.
func (k *Kernel) setIndexEntry(indexName string, key []byte, rid page.RowID) error {
	tree, err := k.index(indexName)
	if err != nil {
		return err
	}
	if err := tree.Remove(key); err != nil {
		return err
	}
	if !rid.IsValid() {
		return nil
	}
	_, err = tree.Insert(key, rid)
	return err
}

// SetRoot implements bplustree.RootPersister: it rewrites name's entry in
// the header-page directory under headerMu, which serializes directory
// updates across every index sharing the one header page.
func (k *Kernel) SetRoot(name string, rootPageID page.PageID) error {
	k.headerMu.Lock()
	defer k.headerMu.Unlock()

	g, err := k.pool.NewWriteGuard(page.HeaderPageID)
	if err != nil {
		return err
	}
	defer g.Done()

	dir, err := pagecodec.DecodeDirectory(g.Data())
	if err != nil {
		return err
	}
	dir[name] = rootPageID
	copy(g.Data(), pagecodec.EncodeDirectory(dir))
	g.SetDirty()
	return nil
}
