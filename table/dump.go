package table

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flashtriego/lsmtrie/barrel"
	"github.com/flashtriego/lsmtrie/bloom"
	"github.com/flashtriego/lsmtrie/internal/rawio"
)

// DumpBarrels serializes all 8191 barrels as 4 KiB pages to backing
// starting at baseOff, one barrel.Align-sized page per barrel id in
// order. Each page holds a hash-bucket-ordered sequence of
// [varint klen][key][varint vlen][value], zero-padded, with the barrel's
// own packed MetaIndex{id,rid,min} at byte offset barrel.Cap.
//
// Pages are written one at a time against the Backing interface; the
// original's 2048-page write batching is an I/O-scheduling optimization
// that doesn't change what ends up on disk, so it's left to the Backing
// implementation (e.g. a buffering os.File wrapper) rather than modeled here.
func DumpBarrels(barrels []*barrel.Barrel, backing rawio.Backing, baseOff int64) error {
	if len(barrels) != NrBarrels {
		return fmt.Errorf("table: expected %d barrels, got %d", NrBarrels, len(barrels))
	}
	page := make([]byte, barrel.Align)
	for _, b := range barrels {
		for i := range page {
			page[i] = 0
		}
		pos := 0
		for _, it := range b.Items() {
			if pos+it.EncodedLen() > barrel.Cap {
				return fmt.Errorf("table: barrel %d overflowed its page during dump (retain invariant violated)", b.ID)
			}
			pos += binary.PutUvarint(page[pos:], uint64(len(it.Key)))
			pos += copy(page[pos:], it.Key)
			pos += binary.PutUvarint(page[pos:], uint64(len(it.Value)))
			pos += copy(page[pos:], it.Value)
		}
		mi := barrel.MetaIndex{ID: b.ID, RID: b.RID, Min: b.Min}.Encode()
		copy(page[barrel.Cap:], mi[:])

		off := baseOff + int64(b.ID)*barrel.Align
		if _, err := backing.WriteAt(page, off); err != nil {
			return fmt.Errorf("table: dump barrel %d: %w", b.ID, err)
		}
	}
	return nil
}

// MetaFileHeader is the fixed-size prefix of a per-Table meta file.
type MetaFileHeader struct {
	Off    uint64
	Volume uint64
	NrMI   uint64
}

// DumpMeta writes MetaFileHeader + the metaindex vector + a u32 bt_raw_size
// + the bloomtable's raw slab, in that order. bt may be nil once the BloomTable has
// migrated into a BloomContainer, in which case bt_raw_size is 0 and no
// slab follows.
func DumpMeta(w io.Writer, off uint64, volume uint64, mi []barrel.MetaIndex, bt *bloom.Table) error {
	hdr := MetaFileHeader{Off: off, Volume: volume, NrMI: uint64(len(mi))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, m := range mi {
		enc := m.Encode()
		if _, err := w.Write(enc[:]); err != nil {
			return err
		}
	}
	var raw []byte
	if bt != nil {
		raw = bt.Raw()
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(raw))); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	_, err := w.Write(raw)
	return err
}

// LoadMeta parses a meta file written by DumpMeta. If bt_raw_size is 0,
// the returned *bloom.Table is nil (the BloomTable has migrated into a
// BloomContainer; the trie caller supplies bloom matches instead).
func LoadMeta(r io.Reader) (MetaFileHeader, []barrel.MetaIndex, *bloom.Table, error) {
	var hdr MetaFileHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, nil, nil, fmt.Errorf("table: read meta header: %w", err)
	}
	mi := make([]barrel.MetaIndex, hdr.NrMI)
	var buf [8]byte
	for i := range mi {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return hdr, nil, nil, fmt.Errorf("table: read metaindex[%d]: %w", i, err)
		}
		mi[i] = barrel.DecodeMetaIndex(buf[:])
	}
	var btRawSize uint32
	if err := binary.Read(r, binary.LittleEndian, &btRawSize); err != nil {
		return hdr, nil, nil, fmt.Errorf("table: read bt_raw_size: %w", err)
	}
	if btRawSize == 0 {
		return hdr, mi, nil, nil
	}
	raw := make([]byte, btRawSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return hdr, nil, nil, fmt.Errorf("table: read bloomtable slab: %w", err)
	}
	bt, err := bloom.LoadTable(raw)
	if err != nil {
		return hdr, nil, nil, err
	}
	return hdr, mi, bt, nil
}
