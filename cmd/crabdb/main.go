// Command crabdb is a minimal demo wiring of the kernel: open a database
// file, create an index, commit one insert, abort another, and report
// what is left visible. It is not a server and not a shell -- out of
// scope per spec.md §1.
package main

import (
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/crabdb/crabdb/kernel"
	"github.com/crabdb/crabdb/page"
	"github.com/crabdb/crabdb/txn"
)

func main() {
	path := "/tmp/crabdb-demo.db"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg := kernel.DefaultConfig()
	k, err := kernel.Open(path, cfg)
	if err != nil {
		slog.Error("failed to open kernel", "path", path, "error", err.Error())
		os.Exit(1)
	}
	defer k.Close()

	slog.Info("kernel opened", "path", path, "pool_size", humanize.Comma(int64(cfg.PoolSize)))

	const index = "accounts"
	if err := k.CreateIndex(index); err != nil {
		slog.Warn("index already exists, reusing it", "index", index)
	}

	committed := k.Txns.Begin(txn.ReadCommitted)
	rid := page.RowID{PageID: 2, Slot: 0}
	if err := k.Insert(committed, index, page.EncodeKey(1), rid); err != nil {
		slog.Error("insert failed", "error", err.Error())
		os.Exit(1)
	}
	if err := k.Txns.Commit(committed); err != nil {
		slog.Error("commit failed", "error", err.Error())
		os.Exit(1)
	}

	aborted := k.Txns.Begin(txn.RepeatableRead)
	if err := k.Insert(aborted, index, page.EncodeKey(2), page.RowID{PageID: 3, Slot: 0}); err != nil {
		slog.Error("insert failed", "error", err.Error())
		os.Exit(1)
	}
	if err := k.Txns.Abort(aborted, txn.NoAbort); err != nil {
		slog.Error("abort failed", "error", err.Error())
		os.Exit(1)
	}

	reader := k.Txns.Begin(txn.ReadCommitted)
	for _, key := range []int64{1, 2} {
		got, found, err := k.Lookup(reader, index, page.EncodeKey(key))
		if err != nil {
			slog.Error("lookup failed", "key", key, "error", err.Error())
			continue
		}
		slog.Info("lookup result", "key", key, "found", found, "row_id", got.String())
	}
	if err := k.Txns.Commit(reader); err != nil {
		slog.Error("commit failed", "error", err.Error())
		os.Exit(1)
	}
}
