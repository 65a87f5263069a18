package trie

import (
	"bytes"
	"fmt"

	"github.com/flashtriego/lsmtrie/bloom"
	"github.com/flashtriego/lsmtrie/digest"
	"github.com/flashtriego/lsmtrie/internal/rawio"
	"github.com/flashtriego/lsmtrie/table"
	"golang.org/x/sync/errgroup"
)

var volumeTriggerFloat = 7.2 * 32 * 1024 * 1024

// VolumeTrigger is the cumulative child-table volume (in bytes) that
// schedules a compaction: approximately 7.2 containermap units.
var VolumeTrigger = int64(volumeTriggerFloat)

// feedWorkers is the fan-out of the feed, build-bloomtable, and
// dump+BC-update compaction stages.
const feedWorkers = 8

// Store is everything a compaction needs from the engine: container
// allocation per trie level (and for BloomContainers), mtid assignment,
// and meta-file persistence. The engine implements this over its
// ContainerMaps and meta directory; trie never touches a filesystem path
// directly.
type Store interface {
	Alloc(level uint) (offset uint64, backing rawio.Backing, err error)
	Release(level uint, offset uint64) error
	AllocBC() (offset uint64, backing rawio.Backing, err error)
	ReleaseBC(offset uint64) error
	NextMTID() uint64
	SaveMeta(mtid uint64, data []byte) error
	SaveBCMeta(mtid uint64, data []byte) error
	DeleteMeta(mtid uint64) error
}

// PendingVolume scans a node's MetaTables in insertion (oldest-first)
// order, accumulating mfh.volume. It returns the index (count of tables,
// 1-based) at which cumulative volume first reaches VolumeTrigger, or
// false if the node never accumulates enough to trigger.
func PendingVolume(n *Node) (count int, ok bool) {
	mts := n.MetaTables()
	var total int64
	for i, mt := range mts {
		total += int64(mt.Header.Volume)
		if total >= VolumeTrigger {
			return i + 1, true
		}
	}
	return 0, false
}

// ChooseSubtree picks the child of n most in need of compaction: the one
// with the most resident MetaTables (ties broken by lowest index), with
// a FULL (20-table) child among the candidates winning at once. stride
// and token let multiple compaction workers partition the 8 children
// into disjoint candidate sets; pass stride=1, token=0 to consider all.
func ChooseSubtree(n *Node, stride, token uint8) (slot uint8, ok bool) {
	best := -1
	bestCount := -1
	for i := uint8(0); i < 8; i++ {
		if stride > 1 && i%stride != token {
			continue
		}
		child := n.childIfPresent(i)
		if child == nil {
			continue
		}
		c := child.Count()
		if c == MaxMetaTables {
			return i, true
		}
		if c > bestCount {
			bestCount = c
			best = int(i)
		}
	}
	if best < 0 {
		return 0, false
	}
	return uint8(best), true
}

// Compact runs the full pipeline for the first n input MetaTables of
// node (feed -> build bloomtables+retain -> dump+BC -> graft -> release).
// hasher recomputes each item's digest during feed (the only place raw
// keys are rehashed instead of carried with their digest).
func Compact(node *Node, n int, store Store, hasher digest.Hasher) error {
	node.mu.RLock()
	if n > len(node.metaTables) {
		n = len(node.metaTables)
	}
	inputs := make([]*table.MetaTable, n)
	copy(inputs, node.metaTables[:n])
	node.mu.RUnlock()
	if n == 0 {
		return nil
	}

	childStartBit := node.StartBit + 3
	genBC := childStartBit >= BCStartBit
	level := childStartBit / 3

	children, err := feed(inputs, childStartBit, hasher)
	if err != nil {
		return fmt.Errorf("trie: feed: %w", err)
	}

	sealed := make([]*table.Sealed, feedWorkers)
	{
		var eg errgroup.Group
		for i := 0; i < feedWorkers; i++ {
			i := i
			eg.Go(func() error {
				s, err := children[i].Seal()
				if err != nil {
					return fmt.Errorf("child %d seal: %w", i, err)
				}
				sealed[i] = s
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}

	newMTs := make([]*table.MetaTable, feedWorkers)
	newBCs := make([]*bloom.Container, feedWorkers)
	oldBCs := make([]*bloom.Container, feedWorkers)
	{
		var eg errgroup.Group
		for i := 0; i < feedWorkers; i++ {
			i := i
			eg.Go(func() error {
				res, err := dumpAndBC(node, uint8(i), sealed[i], store, level, genBC)
				if err != nil {
					return fmt.Errorf("child %d dump: %w", i, err)
				}
				newMTs[i] = res.mt
				newBCs[i] = res.bc
				oldBCs[i] = res.oldBC
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}

	// Graft: the caller holds the DB write lock; trie itself only
	// serializes per-node via each Node's own mutex.
	for i := uint8(0); i < feedWorkers; i++ {
		child := node.Child(i)
		if genBC && newBCs[i] != nil {
			child.setBloomContainer(newBCs[i])
		}
		child.Insert(newMTs[i])
	}

	// Release the old parent MetaTables and shift the remainder forward.
	node.mu.Lock()
	released := node.metaTables[:n]
	node.metaTables = append([]*table.MetaTable(nil), node.metaTables[n:]...)
	node.mu.Unlock()
	for _, mt := range released {
		if err := store.Release(node.StartBit/3, mt.Header.Off); err != nil {
			return fmt.Errorf("trie: release parent container: %w", err)
		}
		if err := store.DeleteMeta(mt.MTID); err != nil {
			return fmt.Errorf("trie: delete parent meta file: %w", err)
		}
	}
	// Replaced BloomContainers are dead once the graft publishes their
	// successors; give their raw areas back to the BC map.
	for _, old := range oldBCs {
		if old == nil {
			continue
		}
		if err := store.ReleaseBC(old.OffRaw()); err != nil {
			return fmt.Errorf("trie: release old bloomcontainer: %w", err)
		}
		if err := store.DeleteMeta(old.MTID()); err != nil {
			return fmt.Errorf("trie: delete old bloomcontainer meta file: %w", err)
		}
	}
	return nil
}

// feed reads every barrel page of every input MetaTable exactly once
// (partitioned by barrel id range across feedWorkers goroutines),
// rehashes each stored key, and routes it into one of 8 destination
// Tables by the digest's child-slot selector at childStartBit.
func feed(inputs []*table.MetaTable, childStartBit uint, hasher digest.Hasher) ([feedWorkers]*table.Table, error) {
	var children [feedWorkers]*table.Table
	for i := range children {
		children[i] = table.New(0)
	}

	perWorker := (table.NrBarrels + feedWorkers - 1) / feedWorkers
	var eg errgroup.Group
	for w := 0; w < feedWorkers; w++ {
		start := w * perWorker
		end := start + perWorker
		if end > table.NrBarrels {
			end = table.NrBarrels
		}
		eg.Go(func() error {
			for _, mt := range inputs {
				for bid := start; bid < end; bid++ {
					kvs, err := mt.ReadBarrel(uint16(bid))
					if err != nil {
						return err
					}
					for _, kv := range kvs {
						d := hasher(kv.Key)
						slot := d.ChildSlot(childStartBit)
						if !children[slot].InsertLocked(d, kv.Key, kv.Value) {
							return fmt.Errorf("destination table %d rejected item during feed", slot)
						}
					}
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return children, err
	}
	return children, nil
}

type dumpResult struct {
	mt    *table.MetaTable
	bc    *bloom.Container
	oldBC *bloom.Container // the container bc replaced, released after graft
}

// dumpAndBC allocates a container at the destination level, writes the
// sealed child's barrel pages and meta file, loads it back as a
// MetaTable, and, when genBC is true, folds its bloomtable into the
// child slot's BloomContainer (building one if absent).
func dumpAndBC(parent *Node, slot uint8, sealed *table.Sealed, store Store, level uint, genBC bool) (dumpResult, error) {
	offset, backing, err := store.Alloc(level)
	if err != nil {
		return dumpResult{}, err
	}
	if err := table.DumpBarrels(sealed.Barrels[:], backing, int64(offset)); err != nil {
		return dumpResult{}, err
	}

	mtid := store.NextMTID()
	var metaBuf bytes.Buffer
	embeddedBT := sealed.BloomTable
	if genBC {
		embeddedBT = nil // migrated into the BloomContainer instead
	}
	if err := table.DumpMeta(&metaBuf, offset, uint64(sealed.Volume), sealed.MetaIndex, embeddedBT); err != nil {
		return dumpResult{}, err
	}
	if err := store.SaveMeta(mtid, metaBuf.Bytes()); err != nil {
		return dumpResult{}, err
	}
	mt, err := table.Load(mtid, bytes.NewReader(metaBuf.Bytes()), backing)
	if err != nil {
		return dumpResult{}, err
	}

	if !genBC {
		return dumpResult{mt: mt}, nil
	}

	child := parent.Child(slot)
	old := child.BloomContainer()
	var bc *bloom.Container
	bcOffset, bcBacking, err := store.AllocBC()
	if err != nil {
		return dumpResult{}, err
	}
	bcMTID := store.NextMTID()
	if old == nil {
		bc, err = bloom.BuildContainer(sealed.BloomTable, bcBacking, bcOffset, bcMTID)
	} else {
		bc, err = bloom.UpdateContainer(old, sealed.BloomTable, bcBacking, bcOffset, bcMTID)
	}
	if err != nil {
		return dumpResult{}, err
	}
	var bcMetaBuf bytes.Buffer
	if err := bc.DumpMeta(&bcMetaBuf); err != nil {
		return dumpResult{}, err
	}
	if err := store.SaveBCMeta(bcMTID, bcMetaBuf.Bytes()); err != nil {
		return dumpResult{}, err
	}
	return dumpResult{mt: mt, bc: bc, oldBC: old}, nil
}
