package bloom

import (
	"encoding/binary"
	"fmt"
)

// Interval is the number of filters between consecutive skip-index entries.
const Interval = 16

// NrBarrels is the number of per-barrel filters packed into one Table.
const NrBarrels = 8191

// Table is the concatenation of length-prefixed Filters for all NrBarrels
// barrels of one engine Table, plus a skip-index giving the byte offset of
// every Interval'th filter, so random access walks at most Interval filters.
type Table struct {
	raw     []byte
	offsets []uint32 // offsets[i] = byte offset of filter i*Interval
	nrBF    int
}

// BuildTable packs exactly NrBarrels filters (one per barrel, in barrel-id
// order) into a single raw slab with a skip index.
func BuildTable(filters []*Filter) (*Table, error) {
	if len(filters) != NrBarrels {
		return nil, fmt.Errorf("bloom: expected %d filters, got %d", NrBarrels, len(filters))
	}
	t := &Table{nrBF: len(filters)}
	var varintBuf [binary.MaxVarintLen32]byte
	for i, f := range filters {
		if i%Interval == 0 {
			t.offsets = append(t.offsets, uint32(len(t.raw)))
		}
		n := binary.PutUvarint(varintBuf[:], uint64(f.ByteLen()))
		t.raw = append(t.raw, varintBuf[:n]...)
		t.raw = append(t.raw, f.Bytes()...)
	}
	return t, nil
}

// Raw returns the encoded slab (what's persisted as bt_raw_size/raw_bf).
func (t *Table) Raw() []byte { return t.raw }

// LoadTable reconstructs a Table (including its skip index) from a raw
// slab previously produced by BuildTable.
func LoadTable(raw []byte) (*Table, error) {
	t := &Table{raw: raw}
	pos := 0
	for i := 0; pos < len(raw); i++ {
		if i%Interval == 0 {
			t.offsets = append(t.offsets, uint32(pos))
		}
		n, read, err := readVarintLen(raw[pos:])
		if err != nil {
			return nil, err
		}
		pos += read + int(n)
		t.nrBF++
	}
	return t, nil
}

func readVarintLen(b []byte) (uint64, int, error) {
	n, read := binary.Uvarint(b)
	if read <= 0 {
		return 0, 0, fmt.Errorf("bloom: corrupt varint in bloomtable")
	}
	return n, read, nil
}

// filterAt returns the (bytesLen, raw filter bytes, next-position) at the
// given byte offset within t.raw.
func (t *Table) filterAt(pos int) (uint32, []byte, int, error) {
	n, read, err := readVarintLen(t.raw[pos:])
	if err != nil {
		return 0, nil, 0, err
	}
	start := pos + read
	end := start + int(n)
	if end > len(t.raw) {
		return 0, nil, 0, fmt.Errorf("bloom: truncated filter body")
	}
	return uint32(n), t.raw[start:end], end, nil
}

// Probe tests hv against the filter for the given barrel index, seeking
// to the nearest skip-index entry then walking forward.
func (t *Table) Probe(index uint32, hv uint64) (bool, error) {
	bucket := int(index) / Interval
	if bucket >= len(t.offsets) {
		return false, fmt.Errorf("bloom: index %d out of range", index)
	}
	pos := int(t.offsets[bucket])
	skip := int(index) % Interval
	var bytesLen uint32
	var body []byte
	var err error
	for i := 0; i <= skip; i++ {
		bytesLen, body, pos, err = t.filterAt(pos)
		if err != nil {
			return false, err
		}
	}
	f := FromBytes(bytesLen, 0, body)
	return f.Match(hv), nil
}

// NrFilters is the number of filters packed into the table.
func (t *Table) NrFilters() int { return t.nrBF }

// filterRawAt returns the raw (bytesLen, body) of the filter at barrel
// index, for callers (bloom.Container) that need the undecoded bytes
// rather than a constructed Filter.
func (t *Table) filterRawAt(index uint32) (uint32, []byte, error) {
	bucket := int(index) / Interval
	if bucket >= len(t.offsets) {
		return 0, nil, fmt.Errorf("bloom: index %d out of range", index)
	}
	pos := int(t.offsets[bucket])
	skip := int(index) % Interval
	var bytesLen uint32
	var body []byte
	var err error
	for i := 0; i <= skip; i++ {
		bytesLen, body, pos, err = t.filterAt(pos)
		if err != nil {
			return 0, nil, err
		}
	}
	return bytesLen, body, nil
}
