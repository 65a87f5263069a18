// Package bloom implements the double-hashing bloom filter family used at
// every level of the trie: a per-barrel Filter, a Table packing all 8191
// per-barrel filters for one Table, and a Container holding the
// version-stacked, persisted form used once a trie node is deep enough
// (start_bit >= 12) that keeping a raw BloomTable per MetaTable would be
// wasteful.
//
// The probe math is bespoke (odd bit count, 11-probe double hashing), so a
// stock bloom filter library's insert/test API can't be reused; the
// bits-and-blooms/bitset package is used directly as the backing bit
// array instead.
package bloom

import (
	"math"
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

// Probes is the number of double-hash probes per key.
const Probes = 11

// BitsPerKey is the target false-positive budget (~16 bits/key).
const BitsPerKey = 16

// Filter is a single-byte-indexed bitset of (bytes*8 - 3) bits. The -3 is
// intentional: it decorrelates h%bits from h%8 and must not be "fixed" to
// a round bytes*8.
type Filter struct {
	bytesLen uint32
	nrKeys   uint32
	bits     *bitset.BitSet
}

// sizeFor returns the byte length for a filter sized to hold nrKeys keys.
func sizeFor(nrKeys uint32) uint32 {
	b := uint32(math.Ceil(float64(nrKeys) * BitsPerKey / 8))
	if b < 8 {
		b = 8
	}
	return b
}

// New creates an empty filter pre-sized for nrKeys keys.
func New(nrKeys uint32) *Filter {
	b := sizeFor(nrKeys)
	return &Filter{
		bytesLen: b,
		bits:     bitset.New(oddBits(b)),
	}
}

// Build creates a filter from a full set of probe inputs (hv values).
func Build(hvs []uint64) *Filter {
	f := New(uint32(len(hvs)))
	for _, hv := range hvs {
		f.Add(hv)
	}
	return f
}

func oddBits(bytesLen uint32) uint {
	return uint(bytesLen)*8 - 3
}

// delta computes the double-hashing stride from a probe input.
func delta(hv uint64) uint64 {
	return bits.RotateLeft64(hv, -31) // rotate_right(hv, 31)
}

// Add registers hv as present in the filter.
func (f *Filter) Add(hv uint64) {
	f.nrKeys++
	h := hv
	d := delta(hv)
	odd := uint64(oddBits(f.bytesLen))
	for i := 0; i < Probes; i++ {
		f.bits.Set(uint(h % odd))
		h += d
	}
}

// Match reports whether hv might be present. False positives are
// possible; false negatives are not, for any hv ever passed to Add.
func (f *Filter) Match(hv uint64) bool {
	h := hv
	d := delta(hv)
	odd := uint64(oddBits(f.bytesLen))
	for i := 0; i < Probes; i++ {
		if !f.bits.Test(uint(h % odd)) {
			return false
		}
		h += d
	}
	return true
}

// Bytes returns the packed filter bits, f.bytesLen bytes long.
func (f *Filter) Bytes() []byte {
	out := make([]byte, f.bytesLen)
	total := uint(f.bytesLen) * 8
	odd := oddBits(f.bytesLen)
	for i := uint(0); i < total; i++ {
		if i >= odd {
			break
		}
		if f.bits.Test(i) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// ByteLen is the serialized filter length.
func (f *Filter) ByteLen() uint32 { return f.bytesLen }

// NrKeys is the number of keys folded in so far.
func (f *Filter) NrKeys() uint32 { return f.nrKeys }

// FromBytes reconstructs a Filter from its persisted form.
func FromBytes(bytesLen uint32, nrKeys uint32, raw []byte) *Filter {
	odd := oddBits(bytesLen)
	bs := bitset.New(odd)
	for i := uint(0); i < odd; i++ {
		if raw[i/8]&(1<<(i%8)) != 0 {
			bs.Set(i)
		}
	}
	return &Filter{bytesLen: bytesLen, nrKeys: nrKeys, bits: bs}
}
