// Package barrel implements the Barrel bucket (one of 8191 per Table, one
// 4 KiB page on disk) and the MetaIndex displacement record, including the
// retain pass that guarantees every barrel fits its on-disk budget before
// a Table is dumped.
package barrel

import (
	"encoding/binary"
	"sort"

	"github.com/flashtriego/lsmtrie/digest"
)

const (
	// Align is the on-disk page size for one barrel.
	Align = 4096
	// metaIndexWireSize is sizeof(packed MetaIndex{id,rid,min}).
	metaIndexWireSize = 8
	// Cap is the maximum serialized item payload per barrel page.
	Cap = Align - metaIndexWireSize
	// NrHT is the number of intra-barrel chaining buckets.
	NrHT = digest.HTBuckets
)

// Item is one resident key-value pair plus the bookkeeping retain needs.
type Item struct {
	Digest   digest.Digest
	Key      []byte
	Value    []byte
	nrMoved  int // a barrel may displace an item at most once per retain pass
	orderFor uint16
}

// EncodedLen is the serialized size of klen/key/vlen/value, matching the
// on-disk barrel page record format.
func (it *Item) EncodedLen() int {
	return uvarintLen(uint64(len(it.Key))) + len(it.Key) +
		uvarintLen(uint64(len(it.Value))) + len(it.Value)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// MetaIndex records, for a displaced barrel, where its tail now lives
// (rid) and the smallest order-hash still resident at id (min).
type MetaIndex struct {
	ID  uint16
	RID uint16
	Min uint32
}

// Encode packs a MetaIndex into its 8-byte little-endian wire form.
func (mi MetaIndex) Encode() [metaIndexWireSize]byte {
	var b [metaIndexWireSize]byte
	binary.LittleEndian.PutUint16(b[0:2], mi.ID)
	binary.LittleEndian.PutUint16(b[2:4], mi.RID)
	binary.LittleEndian.PutUint32(b[4:8], mi.Min)
	return b
}

// DecodeMetaIndex unpacks a MetaIndex from its 8-byte wire form.
func DecodeMetaIndex(b []byte) MetaIndex {
	return MetaIndex{
		ID:  binary.LittleEndian.Uint16(b[0:2]),
		RID: binary.LittleEndian.Uint16(b[2:4]),
		Min: binary.LittleEndian.Uint32(b[4:8]),
	}
}

// Barrel is one hash-partitioned bucket of a Table.
type Barrel struct {
	ID      uint16
	RID     uint16
	NrOut   uint16
	Min     uint32
	Volume  int
	buckets [NrHT][]*Item
}

// NewBarrel returns an empty barrel with natural position id.
func NewBarrel(id uint16) *Barrel {
	return &Barrel{ID: id, RID: id}
}

// Upsert inserts or replaces the item for key, returning the net volume
// delta applied to the barrel (and, by the caller, to the Table total).
func (b *Barrel) Upsert(d digest.Digest, key, value []byte) int {
	ht := d.HashHT()
	bucket := b.buckets[ht]
	for i, it := range bucket {
		if string(it.Key) == string(key) {
			oldVol := it.EncodedLen()
			newItem := &Item{Digest: d, Key: key, Value: value}
			newVol := newItem.EncodedLen()
			bucket[i] = newItem
			delta := newVol - oldVol
			b.Volume += delta
			return delta
		}
	}
	it := &Item{Digest: d, Key: key, Value: value}
	b.buckets[ht] = append(bucket, it)
	vol := it.EncodedLen()
	b.Volume += vol
	return vol
}

// Lookup scans the chain for ht by key equality.
func (b *Barrel) Lookup(ht uint32, key []byte) (*Item, bool) {
	for _, it := range b.buckets[ht] {
		if string(it.Key) == string(key) {
			return it, true
		}
	}
	return nil, false
}

// Items returns every resident item, in hash-bucket order: the order
// barrel pages are serialized in.
func (b *Barrel) Items() []*Item {
	out := make([]*Item, 0, b.count())
	for _, bucket := range b.buckets {
		out = append(out, bucket...)
	}
	return out
}

func (b *Barrel) count() int {
	n := 0
	for _, bucket := range b.buckets {
		n += len(bucket)
	}
	return n
}

// removeAll clears every bucket and zeroes the barrel's volume, returning
// the items that were resident (used by retain to move a barrel's
// contents elsewhere). NrOut, RID and Min are left unchanged.
func (b *Barrel) removeAll() []*Item {
	items := b.Items()
	for i := range b.buckets {
		b.buckets[i] = nil
	}
	b.Volume = 0
	return items
}

// absorb appends items to their hash-bucket chains and adds each item's
// EncodedLen to the barrel's volume.
func (b *Barrel) absorb(items []*Item) {
	for _, it := range items {
		ht := it.Digest.HashHT()
		b.buckets[ht] = append(b.buckets[ht], it)
		b.Volume += it.EncodedLen()
	}
}

// sortItemsByOrder sorts items ascending by their order-hash relative to
// this barrel's id (used to pick the lowest-ranked items to displace).
func sortItemsByOrder(items []*Item, bid uint16) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Digest.OrderHash(bid) < items[j].Digest.OrderHash(bid)
	})
}
