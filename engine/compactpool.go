package engine

import (
	"sync/atomic"
	"time"

	"github.com/flashtriego/lsmtrie/trie"
	"go.uber.org/zap"
)

// compactionPollInterval bounds how stale a worker's "nothing pending"
// observation can be: subtree grafts don't broadcast compactCond
// themselves, so a periodic nudge catches volume that accumulated below
// the root.
const compactionPollInterval = 200 * time.Millisecond

// compactionPoller periodically wakes any worker parked in
// compactionWorker's wait loop.
func (db *DB) compactionPoller() {
	defer db.wg.Done()
	t := time.NewTicker(compactionPollInterval)
	defer t.Stop()
	for {
		select {
		case <-db.closeCh:
			return
		case <-t.C:
			db.compactMu.Lock()
			db.compactCond.Broadcast()
			db.compactMu.Unlock()
		}
	}
}

// maxSubtreeDepth bounds the recursive sub-tree compaction descent at the
// trie's natural depth (5 levels, start_bit 0,3,6,9,12), matching
// NrLevels, the number of levels with their own ContainerMap placement.
const maxSubtreeDepth = NrLevels

// compactionWorker implements one of CompactionThreadsNr threads sharing
// the root mutex/cond pair and a token-indexed ring of sub-tree mutexes.
// Only one worker performs a root compaction at a time; up to 8 sub-trees
// (here, up to CompactionThreadsNr) run in parallel.
func (db *DB) compactionWorker(id int) {
	defer db.wg.Done()
	for {
		if db.closing.Load() {
			return
		}
		if db.claimRootCompaction() {
			db.runRootCompaction()
		}

		token := uint8(atomic.AddUint32(&db.compactionToken, 1) % 8)
		db.subTreeMu[token].Lock()
		db.compactSubtree(db.root, token)
		db.subTreeMu[token].Unlock()

		db.compactMu.Lock()
		for !db.closing.Load() {
			if _, ok := trie.PendingVolume(db.root); ok {
				break
			}
			db.compactCond.Wait()
		}
		closing := db.closing.Load()
		db.compactMu.Unlock()
		if closing {
			return
		}
	}
}

// claimRootCompaction reports whether this worker won the race to compact
// the root right now, setting rootBusy and pendingRootN if so.
func (db *DB) claimRootCompaction() bool {
	db.compactMu.Lock()
	defer db.compactMu.Unlock()
	if db.rootBusy {
		return false
	}
	n, ok := trie.PendingVolume(db.root)
	if !ok {
		return false
	}
	db.rootBusy = true
	db.pendingRootN = n
	return true
}

func (db *DB) runRootCompaction() {
	db.compactMu.Lock()
	n := db.pendingRootN
	db.compactMu.Unlock()

	if err := trie.Compact(db.root, n, db.store, db.hasher); err != nil {
		db.log.Warn("root compaction failed", zap.Error(err))
	} else {
		db.stat.NrCompaction.Add(1)
	}

	db.compactMu.Lock()
	db.rootBusy = false
	db.compactCond.Broadcast()
	db.compactMu.Unlock()
}

// compactSubtree walks down the single child selected by token (stride=8
// restricts the candidate set to exactly one of the 8 slots), compacting
// any node along the way that has accumulated enough pending volume, up
// to maxSubtreeDepth.
func (db *DB) compactSubtree(node *trie.Node, token uint8) {
	for depth := 0; depth < maxSubtreeDepth; depth++ {
		child := node.ChildIfPresent(token)
		if child == nil {
			return
		}
		if child.StartBit >= trie.BCStartBit {
			// Terminal level: the BloomContainer is the terminus. Return
			// here instead of attempting another fan-out and relying on
			// the allocator to reject an out-of-range level downstream.
			return
		}
		if n, ok := trie.PendingVolume(child); ok {
			if err := trie.Compact(child, n, db.store, db.hasher); err != nil {
				db.log.Warn("sub-tree compaction failed", zap.Error(err))
				return
			}
			db.stat.NrCompaction.Add(1)
		}
		slot, ok := trie.ChooseSubtree(child, 1, 0)
		if !ok {
			return
		}
		node = child
		token = slot
	}
}
