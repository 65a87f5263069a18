// Package table implements the in-memory write-buffer Table (component C)
// and its disk-side counterpart MetaTable. A Table owns 8191 barrels; when
// full it is sealed (bloomtable build + retain + metaindex) and handed off
// for dumping. MetaTable is the read-only handle reconstructed from a
// dumped Table's meta file plus its raw container.
package table

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/flashtriego/lsmtrie/barrel"
	"github.com/flashtriego/lsmtrie/bloom"
	"github.com/flashtriego/lsmtrie/digest"
)

// ILocksNr is the number of striped spinlocks (here, mutexes) guarding
// barrel chains during parallel compaction feed; barrel_id mod ILocksNr
// picks the lock.
const ILocksNr = 64

// NrBarrels is the fixed barrel count per Table.
const NrBarrels = digest.TableBarrels

// DefaultCapacityPercent is the fraction of the theoretical max
// (NrBarrels * barrel.Cap) a Table accepts before reporting full.
const DefaultCapacityPercent = 0.95

// MaxMetaIndex bounds the persisted MetaIndex vector; past this point the
// meta-file growth stops paying for the saved page reads, and coverage
// degrades gracefully (at most one extra page read per lookup).
const MaxMetaIndex = 2048

// MetaIndexCoverageTarget is the fraction of displaced items the MetaIndex
// vector aims to directly cover before stopping early (ahead of the 2048 cap).
const MetaIndexCoverageTarget = 0.99

// ErrSealed is returned by Insert/Seal on an already-sealed Table.
var ErrSealed = errors.New("table: already sealed")

// DefaultCapacity returns the default Table capacity in bytes.
func DefaultCapacity() int {
	theoreticalMax := float64(NrBarrels * barrel.Cap)
	return int(theoreticalMax * DefaultCapacityPercent)
}

// Table is the mutable, barrel-hashed write buffer. Mutation is one-shot:
// once sealed it must not be inserted into again.
type Table struct {
	barrels  [NrBarrels]*barrel.Barrel
	capacity int
	volume   int
	sealed   bool

	ilocks   [ILocksNr]sync.Mutex
	volumeMu sync.Mutex
}

// New returns an empty Table. A non-positive capacity selects DefaultCapacity.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity()
	}
	t := &Table{capacity: capacity}
	for i := range t.barrels {
		t.barrels[i] = barrel.NewBarrel(uint16(i))
	}
	return t
}

// Capacity is the byte budget this Table accepts before reporting full.
func (t *Table) Capacity() int { return t.capacity }

// Volume is the current total encoded payload size.
func (t *Table) Volume() int { return t.volume }

// Full reports whether volume has reached capacity; checked lock-free by
// writers, who must wait for a swap signal on observing true.
func (t *Table) Full() bool { return t.volume >= t.capacity }

// Sealed reports whether Seal has already run.
func (t *Table) Sealed() bool { return t.sealed }

// DebugString is a one-line volume/fill-ratio summary.
func (t *Table) DebugString() string {
	fillPct := float64(t.volume) * 100.0 / float64(NrBarrels*barrel.Align)
	return fmt.Sprintf("volume=%d (%.2f%%) capacity=%d", t.volume, fillPct, t.capacity)
}

// Insert upserts key/value under digest d. Returns false if the table is
// full or already sealed; the caller must not retry the same Table.
func (t *Table) Insert(d digest.Digest, key, value []byte) bool {
	if t.sealed || t.Full() {
		return false
	}
	bid := d.BarrelID()
	delta := t.barrels[bid].Upsert(d, key, value)
	t.volume += delta
	return true
}

// InsertLocked is Insert's concurrency-safe sibling, used by compaction's
// feed stage where up to 8 workers route items from disjoint source
// barrel ranges into the same set of destination Tables. It stripes a
// barrel_id mod ILocksNr lock around the single barrel touched.
func (t *Table) InsertLocked(d digest.Digest, key, value []byte) bool {
	t.volumeMu.Lock()
	full := t.sealed || t.volume >= t.capacity
	t.volumeMu.Unlock()
	if full {
		return false
	}

	bid := d.BarrelID()
	lock := &t.ilocks[bid%ILocksNr]
	lock.Lock()
	delta := t.barrels[bid].Upsert(d, key, value)
	lock.Unlock()

	t.volumeMu.Lock()
	t.volume += delta
	t.volumeMu.Unlock()
	return true
}

// Lookup searches the in-memory barrel directly (no bloom pre-filter: the
// active table is small enough that a direct probe is cheaper than one).
func (t *Table) Lookup(d digest.Digest, key []byte) ([]byte, bool) {
	bid := d.BarrelID()
	ht := d.HashHT()
	if it, ok := t.barrels[bid].Lookup(ht, key); ok {
		return it.Value, true
	}
	return nil, false
}

// Sealed is the product of Seal: everything needed to dump a Table to disk.
type Sealed struct {
	BloomTable *bloom.Table
	MetaIndex  []barrel.MetaIndex
	Barrels    [NrBarrels]*barrel.Barrel
	Volume     int
}

// Seal builds the bloomtable, retains barrels to fit their page budget,
// and derives the metaindex vector. The Table is marked sealed on success
// or failure alike: a failed seal must not be retried on the same Table.
func (t *Table) Seal() (*Sealed, error) {
	if t.sealed {
		return nil, ErrSealed
	}
	t.sealed = true

	filters := make([]*bloom.Filter, NrBarrels)
	for i, b := range t.barrels {
		items := b.Items()
		hvs := make([]uint64, len(items))
		for j, it := range items {
			hvs[j] = it.Digest.BloomHV()
		}
		filters[i] = bloom.Build(hvs)
	}
	bt, err := bloom.BuildTable(filters)
	if err != nil {
		return nil, err
	}

	barrels := t.barrels // array copy of pointers
	retained := make([]*barrel.Barrel, NrBarrels)
	copy(retained, barrels[:])
	if err := barrel.Retain(retained); err != nil {
		return nil, err
	}

	mi := buildMetaIndex(retained)

	out := &Sealed{BloomTable: bt, MetaIndex: mi, Volume: t.volume}
	copy(out.Barrels[:], retained)
	return out, nil
}

// buildMetaIndex takes MetaIndex entries for the barrels with the most
// displaced items first, stopping once MetaIndexCoverageTarget of
// displaced items are directly covered or MaxMetaIndex entries are
// emitted, then sorts by id for binary search at read time.
func buildMetaIndex(barrels []*barrel.Barrel) []barrel.MetaIndex {
	candidates := make([]*barrel.Barrel, 0)
	totalDisplaced := 0
	for _, b := range barrels {
		if b.NrOut > 0 {
			candidates = append(candidates, b)
			totalDisplaced += int(b.NrOut)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].NrOut > candidates[j].NrOut })

	mi := make([]barrel.MetaIndex, 0, len(candidates))
	covered := 0
	for _, b := range candidates {
		if len(mi) >= MaxMetaIndex {
			break
		}
		mi = append(mi, barrel.MetaIndex{ID: b.ID, RID: b.RID, Min: b.Min})
		covered += int(b.NrOut)
		if totalDisplaced > 0 && float64(covered)/float64(totalDisplaced) >= MetaIndexCoverageTarget {
			break
		}
	}
	sort.Slice(mi, func(i, j int) bool { return mi[i].ID < mi[j].ID })
	return mi
}
