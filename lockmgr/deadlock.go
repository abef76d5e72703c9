package lockmgr

import (
	"log/slog"
	"sort"
	"time"

	"github.com/crabdb/crabdb/txn"
)

// runDetector rebuilds the wait-for graph every interval and breaks any
// cycle it finds by aborting the youngest participant, per spec.md §4.5.
// It is the only goroutine that reads the lock table for this purpose --
// spec.md's design note that "the wait-for graph is touched only by the
// detector thread under the coarse latch" holds because every other
// access goes through queueFor/queue.mu, never this snapshot.
func (lm *LockManager) runDetector(interval time.Duration) {
	defer close(lm.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stop:
			return
		case <-ticker.C:
			lm.detectAndBreakCycles()
		}
	}
}

// detectAndBreakCycles rebuilds the graph and aborts the youngest
// transaction in a cycle, repeating until a rebuild finds none -- a
// single detection tick can and does resolve more than one cycle.
func (lm *LockManager) detectAndBreakCycles() {
	for {
		graph, owners := lm.buildWaitForGraph()
		victim, found := detectCycle(graph)
		if !found {
			return
		}
		t := owners[victim]
		t.MarkAborted(txn.Deadlock)
		slog.Warn("deadlock detected, aborting youngest transaction in cycle", "txn_id", victim)
		lm.wakeAllWaiters()
	}
}

// buildWaitForGraph scans every row's lock queue and adds an edge from
// each ungranted (waiting) request to each granted (holding) request in
// the same queue, skipping any request whose transaction has already
// aborted. owners maps every node in the graph back to its Transaction
// so the caller can abort whichever one the cycle detector picks.
func (lm *LockManager) buildWaitForGraph() (map[txn.TxnID][]txn.TxnID, map[txn.TxnID]*txn.Transaction) {
	queues := lm.allQueues()

	graph := make(map[txn.TxnID][]txn.TxnID)
	owners := make(map[txn.TxnID]*txn.Transaction)

	for _, q := range queues {
		q.mu.Lock()
		for _, waiter := range q.requests {
			if waiter.granted || waiter.txn.State() == txn.Aborted {
				continue
			}
			owners[waiter.txnID] = waiter.txn
			for _, holder := range q.requests {
				if holder == waiter || !holder.granted || holder.txn.State() == txn.Aborted {
					continue
				}
				owners[holder.txnID] = holder.txn
				graph[waiter.txnID] = append(graph[waiter.txnID], holder.txnID)
			}
		}
		q.mu.Unlock()
	}
	return graph, owners
}

// detectCycle runs DFS over graph's nodes in ascending txn_id order, per
// spec.md's deterministic traversal requirement, and returns the
// youngest (highest) txn_id in the first cycle found.
func detectCycle(graph map[txn.TxnID][]txn.TxnID) (txn.TxnID, bool) {
	nodes := make([]txn.TxnID, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make(map[txn.TxnID]int)
	var stack []txn.TxnID

	var dfs func(n txn.TxnID) (txn.TxnID, bool)
	dfs = func(n txn.TxnID) (txn.TxnID, bool) {
		state[n] = onStack
		stack = append(stack, n)

		edges := append([]txn.TxnID(nil), graph[n]...)
		sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })

		for _, next := range edges {
			switch state[next] {
			case onStack:
				return youngestInCycle(stack, next), true
			case unvisited:
				if victim, found := dfs(next); found {
					return victim, true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[n] = done
		return 0, false
	}

	for _, n := range nodes {
		if state[n] == unvisited {
			if victim, found := dfs(n); found {
				return victim, true
			}
		}
	}
	return 0, false
}

// youngestInCycle returns the highest txn_id among stack[indexOf(from):].
func youngestInCycle(stack []txn.TxnID, from txn.TxnID) txn.TxnID {
	start := 0
	for i, n := range stack {
		if n == from {
			start = i
			break
		}
	}
	youngest := stack[start]
	for _, n := range stack[start:] {
		if n > youngest {
			youngest = n
		}
	}
	return youngest
}

// wakeAllWaiters broadcasts every row's condition variable so waiters
// blocked in acquire/LockUpgrade re-check their transaction's state and
// notice an abort the detector just applied.
func (lm *LockManager) wakeAllWaiters() {
	for _, q := range lm.allQueues() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// allQueues snapshots every row queue across every shard.
func (lm *LockManager) allQueues() []*queue {
	var queues []*queue
	for _, s := range lm.shards {
		s.mu.Lock()
		for _, q := range s.table {
			queues = append(queues, q)
		}
		s.mu.Unlock()
	}
	return queues
}
