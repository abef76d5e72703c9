package kernel

import (
	"github.com/pkg/errors"

	"github.com/crabdb/crabdb/page"
	"github.com/crabdb/crabdb/txn"
)

// rowIDForKey is the lock-manager resource id for a given index entry:
// locking is row-level (spec.md §4.5), and an index's leaf value, the
// row id, is exactly the granularity a lock request needs.
func rowIDForKey(rid page.RowID) page.RowID { return rid }

// Insert locks rid exclusively, inserts (key, rid) into the named index,
// and records the write so Abort can invert it. This is
// the executor-facing demonstration of spec.md §6's "acquire the lock
// implied by the access, then perform it" contract.
func (k *Kernel) Insert(t *txn.Transaction, indexName string, key []byte, rid page.RowID) error {
	if err := k.locks.LockExclusive(t, rowIDForKey(rid)); err != nil {
		return err
	}

	tree, err := k.index(indexName)
	if err != nil {
		return err
	}
	ok, err := tree.Insert(key, rid)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("kernel: key already present in index %q", indexName)
	}

	t.AppendIndexWrite(txn.IndexWriteRecord{
		Index:  indexName,
		Key:    append([]byte(nil), key...),
		Op:     txn.OpInsert,
		Before: page.RowID{PageID: page.InvalidPageID},
		After:  rid,
	})
	return nil
}

// Lookup acquires a shared lock on the row the key resolves to (if any)
// and returns its row id. Under READ_UNCOMMITTED reads skip S-locking
// entirely, per spec.md §6; under READ_COMMITTED the shared lock is
// acquired and released immediately after the read; under REPEATABLE_READ
// and stricter it is held until commit/abort.
func (k *Kernel) Lookup(t *txn.Transaction, indexName string, key []byte) (page.RowID, bool, error) {
	tree, err := k.index(indexName)
	if err != nil {
		return page.RowID{}, false, err
	}

	rid, found, err := tree.Get(key)
	if err != nil || !found {
		return page.RowID{}, false, err
	}

	if t.Isolation() == txn.ReadUncommitted {
		return rid, true, nil
	}

	if err := k.locks.LockShared(t, rowIDForKey(rid)); err != nil {
		return page.RowID{}, false, err
	}
	if t.Isolation() == txn.ReadCommitted {
		if err := k.locks.Unlock(t, rowIDForKey(rid)); err != nil {
			return page.RowID{}, false, err
		}
	}
	return rid, true, nil
}

// Delete locks rid exclusively, removes key from the named index, and
// records the write so Abort can invert it.
func (k *Kernel) Delete(t *txn.Transaction, indexName string, key []byte, rid page.RowID) error {
	if err := k.locks.LockExclusive(t, rowIDForKey(rid)); err != nil {
		return err
	}

	tree, err := k.index(indexName)
	if err != nil {
		return err
	}
	if err := tree.Remove(key); err != nil {
		return err
	}

	t.AppendIndexWrite(txn.IndexWriteRecord{
		Index:  indexName,
		Key:    append([]byte(nil), key...),
		Op:     txn.OpDelete,
		Before: rid,
		After:  page.RowID{PageID: page.InvalidPageID},
	})
	return nil
}
