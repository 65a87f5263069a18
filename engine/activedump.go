package engine

import (
	"github.com/flashtriego/lsmtrie/table"
	"go.uber.org/zap"
)

// activeDumperLoop owns the active-table swap-and-dump pipeline. It wakes
// on fullSignal (sent by a writer that just observed active[0] full),
// swaps active[0] into active[1] and installs a fresh active[0] under the
// DB write lock, broadcasts waiting writers, and then, outside the lock,
// builds the bloomtable, dumps to level 0, and grafts the resulting
// MetaTable at the trie root.
func (db *DB) activeDumperLoop() {
	defer db.wg.Done()
	for {
		select {
		case <-db.closeCh:
			return
		case <-db.fullSignal:
		}

		old := db.swapActive()
		if old == nil {
			continue
		}
		if err := db.dumpAndGraftActive(old); err != nil {
			db.log.Warn("dropping active table: dump/graft failed", zap.Error(err))
		}
	}
}

// swapActive moves a full active[0] to active[1] and installs a fresh
// active[0], returning the table now owned solely by the dumper. Returns
// nil if active[0] was not actually full (a stale or duplicate signal).
func (db *DB) swapActive() *table.Table {
	ticket := db.rw.Lock()
	defer db.rw.Unlock(ticket)

	cur := db.active[0]
	if !cur.Full() && !cur.Sealed() {
		return nil
	}
	db.active[1] = cur
	db.active[0] = table.New(0)

	db.activeSwapMu.Lock()
	db.activeSwap.Broadcast()
	db.activeSwapMu.Unlock()

	return cur
}

// dumpAndGraftActive seals, dumps, and grafts old into the trie root. If
// the level-0 ContainerMap has too little free space, it drops the table
// rather than block writers; the warning log is the only trace of the
// lost writes.
func (db *DB) dumpAndGraftActive(old *table.Table) error {
	const minFreeUnits = 8
	if db.store.levelMap[0].NrFree() < minFreeUnits {
		db.log.Warn("level-0 container map near full, dropping in-flight active table")
		db.clearPendingOld(old)
		return nil
	}

	sealed, err := old.Seal()
	if err != nil {
		db.clearPendingOld(old)
		return err
	}

	offset, backing, err := db.store.Alloc(0)
	if err != nil {
		db.clearPendingOld(old)
		return err
	}
	if err := table.DumpBarrels(sealed.Barrels[:], backing, int64(offset)); err != nil {
		db.clearPendingOld(old)
		return err
	}
	mtid := db.store.NextMTID()
	metaBuf, err := encodeTableMeta(offset, sealed)
	if err != nil {
		db.clearPendingOld(old)
		return err
	}
	if err := db.store.SaveMeta(mtid, metaBuf); err != nil {
		db.clearPendingOld(old)
		return err
	}
	mt, err := loadMetaTableBytes(mtid, metaBuf, backing)
	if err != nil {
		db.clearPendingOld(old)
		return err
	}

	// Wait for root capacity before grafting, mirroring cond_root_producer.
	db.compactMu.Lock()
	for db.root.Full() && !db.closing.Load() {
		db.compactCond.Wait()
	}
	db.compactMu.Unlock()

	ticket := db.rw.Lock()
	db.root.Insert(mt)
	if db.active[1] == old {
		db.active[1] = nil
	}
	db.rw.Unlock(ticket)

	db.stat.NrActiveDumped.Add(1)

	db.compactMu.Lock()
	db.compactCond.Broadcast()
	db.compactMu.Unlock()
	return nil
}

func (db *DB) clearPendingOld(old *table.Table) {
	ticket := db.rw.Lock()
	if db.active[1] == old {
		db.active[1] = nil
	}
	db.rw.Unlock(ticket)
}
