package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flashtriego/lsmtrie/digest"
	"github.com/flashtriego/lsmtrie/internal/stat"
	"github.com/flashtriego/lsmtrie/rwlock"
	"github.com/flashtriego/lsmtrie/table"
	"github.com/flashtriego/lsmtrie/trie"
	"go.uber.org/zap"
)

// CompactionThreadsNr is the fixed compaction worker pool size.
const CompactionThreadsNr = 4

// DB is the public storage engine: the active-table write pipeline, the
// compaction pool, the meta-checkpoint thread, and the VirtualContainer
// trie they all operate on.
type DB struct {
	store  *fsStore
	hasher digest.Hasher
	log    *zap.Logger
	stat   stat.DBStat

	// rw is "the DB write lock": it guards the active-table slot pointers
	// (active[0]/active[1]) and the trie root's topology (grafts).
	rw *rwlock.RWLock

	active [2]*table.Table

	// activeSwapMu/Cond let writers block on a table-full observation
	// without busy-polling; the active-dumper broadcasts once the swap
	// under rw completes. It synchronizes signaling only, not the
	// pointers themselves (rw does that).
	activeSwapMu sync.Mutex
	activeSwap   *sync.Cond
	fullSignal   chan struct{}

	root *trie.Node

	compactMu       sync.Mutex
	compactCond     *sync.Cond
	rootBusy        bool
	pendingRootN    int
	compactionToken uint32
	subTreeMu       [8]sync.Mutex

	forceDumpMeta chan chan error
	closeCh       chan struct{}

	closing atomic.Bool
	wg      sync.WaitGroup
}

// Open loads (or initializes) a DB rooted at metaDir, using cfg's
// ContainerMap backends and hasher to digest incoming keys.
func Open(cfg *Config, metaDir string, hasher digest.Hasher, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var nextMTID atomic.Uint64
	store, err := newFSStore(cfg, metaDir, &nextMTID)
	if err != nil {
		return nil, err
	}

	root, loadedNext, err := loadMetaCheckpoint(metaDir, store)
	if err != nil {
		return nil, fmt.Errorf("engine: load meta checkpoint: %w", err)
	}
	if root == nil {
		// Either no checkpoint existed (loadedNext == 0) or the checkpoint
		// recorded an empty trie; the persisted next_mtid must survive the
		// latter so reassigned ids never collide with stale meta files.
		root = trie.NewRoot()
		if loadedNext == 0 {
			loadedNext = 1
		}
	}
	nextMTID.Store(loadedNext)

	db := &DB{
		store:         store,
		hasher:        hasher,
		log:           log,
		rw:            rwlock.New(),
		root:          root,
		fullSignal:    make(chan struct{}, 1),
		forceDumpMeta: make(chan chan error),
		closeCh:       make(chan struct{}),
	}
	db.activeSwap = sync.NewCond(&db.activeSwapMu)
	db.compactCond = sync.NewCond(&db.compactMu)
	db.active[0] = table.New(0)

	db.wg.Add(1)
	go db.activeDumperLoop()
	for i := 0; i < CompactionThreadsNr; i++ {
		db.wg.Add(1)
		go db.compactionWorker(i)
	}
	db.wg.Add(1)
	go db.compactionPoller()
	db.wg.Add(1)
	go db.metaDumperLoop(metaDir)

	return db, nil
}

// currentActive snapshots active[0] under the DB write lock's read side;
// the slot pointers are rw-guarded.
func (db *DB) currentActive() *table.Table {
	ticket := db.rw.RLock()
	a := db.active[0]
	db.rw.RUnlock(ticket)
	return a
}

// Insert blocks until key/value is accepted into the active table chain,
// incrementing the set-retry counter each time it observes the table
// full. It returns false only when the DB is closing.
func (db *DB) Insert(key, value []byte) bool {
	d := db.hasher(key)
	for !db.closing.Load() {
		a := db.currentActive()
		if a.InsertLocked(d, key, value) {
			db.stat.NrSet.Add(1)
			return true
		}
		db.stat.NrSetRetry.Add(1)
		db.waitForSwap(a)
	}
	return false
}

// MultiInsert admits kvs in order, each through Table.InsertLocked. When
// the active table fills mid-batch, MultiInsert waits for the
// active-dumper's swap before continuing the remainder against the fresh
// table. No lock is held across a run of items: other writers' items can
// interleave with a run, and readers can observe a run partly applied.
// It returns false if the DB starts closing before every kv is admitted.
func (db *DB) MultiInsert(kvs [][2][]byte) bool {
	i := 0
	for i < len(kvs) && !db.closing.Load() {
		a := db.currentActive()
		for i < len(kvs) {
			d := db.hasher(kvs[i][0])
			if !a.InsertLocked(d, kvs[i][0], kvs[i][1]) {
				db.stat.NrSetRetry.Add(1)
				break
			}
			db.stat.NrSet.Add(1)
			i++
		}
		if i < len(kvs) {
			db.waitForSwap(a)
		}
	}
	return i == len(kvs)
}

// waitForSwap blocks until active[0] is no longer old, i.e. until the
// active-dumper has completed a swap past the caller's observed full
// table.
func (db *DB) waitForSwap(old *table.Table) {
	select {
	case db.fullSignal <- struct{}{}:
	default:
	}
	db.activeSwapMu.Lock()
	for !db.closing.Load() && db.currentActiveLocked() == old {
		db.activeSwap.Wait()
	}
	db.activeSwapMu.Unlock()
}

// currentActiveLocked reads active[0] while the caller already holds
// activeSwapMu; it still goes through rw to honor the slot-pointer policy.
func (db *DB) currentActiveLocked() *table.Table {
	return db.currentActive()
}

// Lookup returns the newest value for key, searching active[0], active[1],
// then descending the trie. A (nil, false) result means the key was not
// found or the trie lookup failed; a failure is logged and counted as a
// miss.
func (db *DB) Lookup(key []byte) ([]byte, bool) {
	db.stat.NrGet.Add(1)
	d := db.hasher(key)

	ticket := db.rw.RLock()
	a0, a1 := db.active[0], db.active[1]
	db.rw.RUnlock(ticket)

	if v, ok := a0.Lookup(d, key); ok {
		return v, true
	}
	if a1 != nil {
		if v, ok := a1.Lookup(d, key); ok {
			return v, true
		}
	}
	v, found, err := db.root.Lookup(d, key)
	if err != nil {
		db.log.Warn("trie lookup error", zap.Error(err), zap.Binary("key", key))
		db.stat.NrGetMiss.Add(1)
		return nil, false
	}
	if !found {
		db.stat.NrGetMiss.Add(1)
		return nil, false
	}
	return v, true
}

// Stats returns a point-in-time snapshot of the engine's get/set/
// compaction counters.
func (db *DB) Stats() stat.DBSnapshot {
	return db.stat.Snapshot()
}

// ForceDumpMeta requests a checkpoint and blocks until the meta-dumper has
// completed one.
func (db *DB) ForceDumpMeta() error {
	reply := make(chan error, 1)
	db.forceDumpMeta <- reply
	return <-reply
}

// Close marks the DB closing, so in-flight writers stop waiting and later
// Insert/MultiInsert calls return false. It then signals the active-dumper,
// compaction workers and meta-dumper together and waits for all of them to
// exit; they are not stopped in a fixed order. The meta-dumper performs one
// final meta dump on its way out, before Close dumps the ContainerMaps.
func (db *DB) Close() error {
	db.closing.Store(true)
	close(db.closeCh)

	db.activeSwapMu.Lock()
	db.activeSwap.Broadcast()
	db.activeSwapMu.Unlock()

	db.compactMu.Lock()
	db.compactCond.Broadcast()
	db.compactMu.Unlock()

	close(db.forceDumpMeta)
	db.wg.Wait()

	if err := db.store.dumpContainerMaps(); err != nil {
		return err
	}
	return db.store.Close()
}
