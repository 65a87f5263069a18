package table

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flashtriego/lsmtrie/barrel"
	"github.com/flashtriego/lsmtrie/bloom"
	"github.com/flashtriego/lsmtrie/digest"
	"github.com/flashtriego/lsmtrie/internal/rawio"
	"github.com/flashtriego/lsmtrie/internal/stat"
)

// maxChaseDepth bounds how many displacement hops Lookup will follow
// before giving up; retain's 100-pass cap makes long chains pathological,
// not structural, so a small bound catches a corrupt meta file instead of
// looping forever.
const maxChaseDepth = 3

// MetaTable is the read-only handle to one dumped Table: its meta file
// header, optional metaindex vector, optional bloomtable, and a shared
// raw backing for barrel pages.
type MetaTable struct {
	MTID       uint64
	Header     MetaFileHeader
	MetaIndex  []barrel.MetaIndex
	BloomTable *bloom.Table

	backing rawio.Backing
	stat    stat.IOStat
}

// Load reconstructs a MetaTable from its meta file contents. backing is
// the raw container file/device the barrel pages live in; the caller
// (ContainerMap) owns its lifetime.
func Load(mtid uint64, r io.Reader, backing rawio.Backing) (*MetaTable, error) {
	hdr, mi, bt, err := LoadMeta(r)
	if err != nil {
		return nil, err
	}
	return &MetaTable{MTID: mtid, Header: hdr, MetaIndex: mi, BloomTable: bt, backing: backing}, nil
}

// Stat exposes this MetaTable's I/O counters.
func (mt *MetaTable) Stat() *stat.IOStat { return &mt.stat }

// Lookup resolves key under digest d. A nil, false, nil result is a
// confirmed miss (true negative via bloom filter, or key absent from the
// resolved barrel chain). bcMatch, when non-nil, is consulted instead of
// mt.BloomTable when the latter has migrated into a BloomContainer (the
// trie caller has already probed the container and knows whether this
// MetaTable's generation matched).
func (mt *MetaTable) Lookup(d digest.Digest, key []byte, bcMatch *bool) ([]byte, bool, error) {
	bid := d.BarrelID()

	switch {
	case mt.BloomTable != nil:
		hv := d.BloomHV()
		ok, err := mt.BloomTable.Probe(uint32(bid), hv)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
	case bcMatch != nil:
		if !*bcMatch {
			return nil, false, nil
		}
	}

	// Fetch decision: when the persisted metaindex already records that
	// bid displaced and this key's order-hash ranks below the smallest
	// order-hash still resident there, the key can only live in the
	// displaced run; skip reading bid's page entirely.
	if mi, ok := mt.findMetaIndex(bid); ok && d.OrderHash(bid) < mi.Min {
		return mt.lookupBarrel(mi.RID, d, key, 1)
	}
	return mt.lookupBarrel(bid, d, key, 0)
}

// findMetaIndex binary-searches the id-sorted metaindex vector for bid.
func (mt *MetaTable) findMetaIndex(bid uint16) (barrel.MetaIndex, bool) {
	lo, hi := 0, len(mt.MetaIndex)
	for lo < hi {
		mid := (lo + hi) / 2
		if mt.MetaIndex[mid].ID < bid {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(mt.MetaIndex) && mt.MetaIndex[lo].ID == bid {
		return mt.MetaIndex[lo], true
	}
	return barrel.MetaIndex{}, false
}

func (mt *MetaTable) lookupBarrel(bid uint16, d digest.Digest, key []byte, depth int) ([]byte, bool, error) {
	if depth > maxChaseDepth {
		return nil, false, nil
	}
	entries, mi, err := mt.readPage(bid)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if string(e.key) == string(key) {
			return e.value, true, nil
		}
	}
	if mi.RID != mi.ID && d.OrderHash(bid) <= mi.Min {
		return mt.lookupBarrel(mi.RID, d, key, depth+1)
	}
	return nil, false, nil
}

type pageEntry struct {
	key, value []byte
}

// KV is one decoded record from a barrel page.
type KV struct {
	Key, Value []byte
}

// ReadBarrel returns every record physically stored in barrel bid's page,
// ignoring displacement bookkeeping. Compaction's feed stage uses this to
// visit each stored byte exactly once across a full barrel-range scan,
// as opposed to Lookup's logical per-key chase.
func (mt *MetaTable) ReadBarrel(bid uint16) ([]KV, error) {
	entries, _, err := mt.readPage(bid)
	if err != nil {
		return nil, err
	}
	out := make([]KV, len(entries))
	for i, e := range entries {
		out[i] = KV{Key: e.key, Value: e.value}
	}
	return out, nil
}

// readPage reads and decodes one barrel page via pread from the shared
// raw backing at this MetaTable's container offset.
func (mt *MetaTable) readPage(bid uint16) ([]pageEntry, barrel.MetaIndex, error) {
	page := make([]byte, barrel.Align)
	off := int64(mt.Header.Off) + int64(bid)*barrel.Align
	n, err := mt.backing.ReadAt(page, off)
	if err != nil && err != io.EOF {
		return nil, barrel.MetaIndex{}, fmt.Errorf("table: read barrel %d page: %w", bid, err)
	}
	mt.stat.RecordRead(n)
	return decodePage(page)
}

func decodePage(page []byte) ([]pageEntry, barrel.MetaIndex, error) {
	if len(page) < barrel.Align {
		return nil, barrel.MetaIndex{}, fmt.Errorf("table: short barrel page: %d bytes", len(page))
	}
	body := page[:barrel.Cap]
	var entries []pageEntry
	pos := 0
	for pos < len(body) {
		klen, n := binary.Uvarint(body[pos:])
		if n <= 0 || klen == 0 {
			break // zero padding reached; a real key is never empty
		}
		pos += n
		if pos+int(klen) > len(body) {
			break
		}
		key := append([]byte(nil), body[pos:pos+int(klen)]...)
		pos += int(klen)

		vlen, n2 := binary.Uvarint(body[pos:])
		if n2 <= 0 {
			break
		}
		pos += n2
		if pos+int(vlen) > len(body) {
			break
		}
		value := append([]byte(nil), body[pos:pos+int(vlen)]...)
		pos += int(vlen)

		entries = append(entries, pageEntry{key: key, value: value})
	}
	mi := barrel.DecodeMetaIndex(page[barrel.Cap:])
	return entries, mi, nil
}
