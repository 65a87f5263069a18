package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flashtriego/lsmtrie/trie"
	"go.uber.org/zap"
)

// metaLinkName is the DB meta file: a symlink that always points at the
// most recent timestamped backup.
const metaLinkName = "META"

// metaDumpIdlePoll is the meta-dumper's idle wake interval between
// unsolicited checkpoints.
const metaDumpIdlePoll = 600 * time.Millisecond

// metaDumperLoop periodically (and on ForceDumpMeta request) checkpoints
// the trie to a fresh timestamped backup file and repoints metaDir/META
// at it.
func (db *DB) metaDumperLoop(metaDir string) {
	defer db.wg.Done()
	t := time.NewTicker(metaDumpIdlePoll)
	defer t.Stop()

	for {
		select {
		case <-db.closeCh:
			db.finalMetaDump(metaDir)
			return
		case <-t.C:
			if err := db.checkpoint(metaDir); err != nil {
				db.log.Warn("periodic meta checkpoint failed", zap.Error(err))
			}
		case reply, ok := <-db.forceDumpMeta:
			if !ok {
				db.finalMetaDump(metaDir)
				return
			}
			reply <- db.checkpoint(metaDir)
		}
	}
}

func (db *DB) finalMetaDump(metaDir string) {
	if err := db.checkpoint(metaDir); err != nil {
		db.log.Warn("final meta checkpoint failed", zap.Error(err))
	}
}

// checkpoint writes a new backup file and atomically repoints META at it.
func (db *DB) checkpoint(metaDir string) error {
	ticket := db.rw.RLock()
	root := db.root
	nextMTID := db.store.nextMTID.Load()
	db.rw.RUnlock(ticket)

	name := fmt.Sprintf("backup-%s.meta", time.Now().UTC().Format("20060102T150405.000000000Z"))
	path := filepath.Join(metaDir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("engine: create meta backup: %w", err)
	}
	if err := trie.Dump(f, root, nextMTID); err != nil {
		f.Close()
		return fmt.Errorf("engine: dump trie: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	linkTmp := filepath.Join(metaDir, metaLinkName+".tmp")
	os.Remove(linkTmp)
	if err := os.Symlink(name, linkTmp); err != nil {
		return fmt.Errorf("engine: symlink meta backup: %w", err)
	}
	return os.Rename(linkTmp, filepath.Join(metaDir, metaLinkName))
}

// loadMetaCheckpoint resolves metaDir/META and loads the trie it points
// at. A missing link means a fresh DB: it returns (nil, 0, nil).
func loadMetaCheckpoint(metaDir string, store *fsStore) (*trie.Node, uint64, error) {
	linkPath := filepath.Join(metaDir, metaLinkName)
	target, err := os.Readlink(linkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	f, err := os.Open(filepath.Join(metaDir, target))
	if err != nil {
		return nil, 0, fmt.Errorf("engine: open meta backup %q: %w", target, err)
	}
	defer f.Close()
	return trie.Load(f, store)
}
