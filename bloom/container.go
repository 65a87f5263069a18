package bloom

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flashtriego/lsmtrie/internal/rawio"
	"github.com/flashtriego/lsmtrie/internal/stat"
)

// PageSize is the page granularity BloomContainer boxes are packed into.
const PageSize = 4096

// box holds every stacked BloomFilter for one barrel id, newest first.
type box struct {
	id      uint16
	filters [][]byte // each already varint(bytesLen)+body, newest first
}

func (b *box) bodyLen() int {
	n := 0
	for _, f := range b.filters {
		n += len(f)
	}
	return n
}

func (b *box) encode() []byte {
	body := b.bodyLen()
	out := make([]byte, 4, 4+body)
	binary.LittleEndian.PutUint16(out[0:2], b.id)
	binary.LittleEndian.PutUint16(out[2:4], uint16(body))
	for _, f := range b.filters {
		out = append(out, f...)
	}
	return out
}

// encodeFilter returns varint(bytesLen) || filter bits, the atomic unit
// stacked inside a box.
func encodeFilter(bytesLen uint32, raw []byte) []byte {
	var buf [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(buf[:], uint64(bytesLen))
	out := make([]byte, 0, n+len(raw))
	out = append(out, buf[:n]...)
	out = append(out, raw...)
	return out
}

// packPages lays boxes (already in ascending id order) into PageSize pages,
// breaking to a new page whenever the next box would cross the boundary.
// Returns the concatenated page bytes and each page's index_last.
func packPages(boxes []box) ([]byte, []uint16) {
	var out []byte
	var indexLast []uint16
	pageStart := 0
	lastID := uint16(0)
	haveBox := false
	for _, b := range boxes {
		enc := b.encode()
		cur := len(out) - pageStart
		if haveBox && cur+len(enc) > PageSize {
			pad := PageSize - cur
			out = append(out, make([]byte, pad)...)
			indexLast = append(indexLast, lastID)
			pageStart = len(out)
			haveBox = false
		}
		out = append(out, enc...)
		lastID = b.id
		haveBox = true
	}
	if haveBox {
		cur := len(out) - pageStart
		if cur < PageSize {
			out = append(out, make([]byte, PageSize-cur)...)
		}
		indexLast = append(indexLast, lastID)
	}
	return out, indexLast
}

// Container is the persisted, version-stacked bloom filter structure used
// once a trie node is deep enough that every MetaTable would otherwise
// carry a redundant full BloomTable.
type Container struct {
	backing    rawio.Backing
	offRaw     uint64
	nrBarrels  uint32
	nrBFPerBox uint32
	nrIndex    uint32
	mtid       uint64
	indexLast  []uint16
	stat       stat.IOStat
}

// BuildContainer creates the first-generation BloomContainer from a
// BloomTable, writing its pages to backing at offRaw in one pwrite.
func BuildContainer(bt *Table, backing rawio.Backing, offRaw uint64, mtid uint64) (*Container, error) {
	boxes := make([]box, NrBarrels)
	for i := 0; i < NrBarrels; i++ {
		bytesLen, body, err := bt.filterRawAt(uint32(i))
		if err != nil {
			return nil, err
		}
		boxes[i] = box{id: uint16(i), filters: [][]byte{encodeFilter(bytesLen, body)}}
	}
	pages, indexLast := packPages(boxes)
	n, err := backing.WriteAt(pages, int64(offRaw))
	if err != nil {
		return nil, fmt.Errorf("bloomcontainer: write pages: %w", err)
	}
	c := &Container{
		backing:    backing,
		offRaw:     offRaw,
		nrBarrels:  NrBarrels,
		nrBFPerBox: 1,
		nrIndex:    uint32(len(indexLast)),
		mtid:       mtid,
		indexLast:  indexLast,
	}
	c.stat.RecordWrite(n)
	return c, nil
}

// readBox reads the box for barrel id out of an existing container,
// streaming one page at a time.
func (c *Container) readBox(id uint16) (box, error) {
	pageIdx := 0
	for pageIdx < len(c.indexLast) && c.indexLast[pageIdx] < id {
		pageIdx++
	}
	if pageIdx >= len(c.indexLast) {
		return box{}, fmt.Errorf("bloomcontainer: barrel %d not indexed", id)
	}
	page := make([]byte, PageSize)
	n, err := c.backing.ReadAt(page, int64(c.offRaw)+int64(pageIdx)*PageSize)
	if err != nil && err != io.EOF {
		return box{}, fmt.Errorf("bloomcontainer: read page %d: %w", pageIdx, err)
	}
	c.stat.RecordRead(n)
	pos := 0
	for pos+4 <= PageSize {
		bid := binary.LittleEndian.Uint16(page[pos : pos+2])
		blen := binary.LittleEndian.Uint16(page[pos+2 : pos+4])
		bodyStart := pos + 4
		bodyEnd := bodyStart + int(blen)
		if bodyEnd > len(page) {
			break
		}
		if bid == id {
			b := box{id: bid}
			body := page[bodyStart:bodyEnd]
			off := 0
			for off < len(body) {
				blen32, read := binary.Uvarint(body[off:])
				if read <= 0 {
					return box{}, fmt.Errorf("bloomcontainer: corrupt box body")
				}
				fEnd := off + read + int(blen32)
				b.filters = append(b.filters, body[off:fEnd])
				off = fEnd
			}
			return b, nil
		}
		if blen == 0 && bid == 0 && pos != 0 {
			break
		}
		pos = bodyEnd
	}
	return box{}, fmt.Errorf("bloomcontainer: barrel %d missing from indexed page", id)
}

// UpdateContainer merges a new BloomTable generation into an existing
// container, streaming the old container page by page and writing a new
// generation at newOffRaw (commonly the same backing, a fresh offset).
// Every stacked filter is kept: readers index the match bitmap by the
// owning node's resident MetaTable count, so nrBFPerBox must stay in
// lockstep with that count; a hidden fixed-depth eviction would silently
// misread older generations.
func UpdateContainer(old *Container, bt *Table, backing rawio.Backing, newOffRaw uint64, mtid uint64) (*Container, error) {
	boxes := make([]box, NrBarrels)
	for i := 0; i < NrBarrels; i++ {
		bytesLen, body, err := bt.filterRawAt(uint32(i))
		if err != nil {
			return nil, err
		}
		oldBox, err := old.readBox(uint16(i))
		if err != nil {
			return nil, err
		}
		filters := append([][]byte{encodeFilter(bytesLen, body)}, oldBox.filters...)
		boxes[i] = box{id: uint16(i), filters: filters}
	}
	pages, indexLast := packPages(boxes)
	n, err := backing.WriteAt(pages, int64(newOffRaw))
	if err != nil {
		return nil, fmt.Errorf("bloomcontainer: write pages: %w", err)
	}
	nrBFPerBox := old.nrBFPerBox + 1
	c := &Container{
		backing:    backing,
		offRaw:     newOffRaw,
		nrBarrels:  NrBarrels,
		nrBFPerBox: nrBFPerBox,
		nrIndex:    uint32(len(indexLast)),
		mtid:       mtid,
		indexLast:  indexLast,
	}
	c.stat.RecordWrite(n)
	return c, nil
}

// Match returns a bitmap over the stacked generations: bit i set means the
// (i-th newest, 0-indexed) generation's filter matched hv; bit 0 is the
// newest addition. Returns 0 with no error when the barrel has no cohort
// yet covering a freshly inserted, previously-unseen key.
func (c *Container) Match(index uint32, hv uint64) (uint64, error) {
	b, err := c.readBox(uint16(index))
	if err != nil {
		return 0, err
	}
	var bitmap uint64
	for i, enc := range b.filters {
		blen, read := binary.Uvarint(enc)
		if read <= 0 {
			return 0, fmt.Errorf("bloomcontainer: corrupt filter encoding")
		}
		f := FromBytes(uint32(blen), 0, enc[read:read+int(blen)])
		if f.Match(hv) {
			bitmap |= 1 << uint(i)
		}
	}
	return bitmap, nil
}

func (c *Container) NrBFPerBox() uint32 { return c.nrBFPerBox }
func (c *Container) NrBarrels() uint32  { return c.nrBarrels }
func (c *Container) NrIndex() uint32    { return c.nrIndex }
func (c *Container) MTID() uint64       { return c.mtid }
func (c *Container) OffRaw() uint64     { return c.offRaw }

// DumpMeta writes the per-BloomContainer meta file body (everything except
// the file's own mtid-derived name, which the caller controls).
func (c *Container) DumpMeta(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, c.offRaw); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.nrBarrels); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.nrBFPerBox); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.nrIndex); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, c.indexLast)
}

// LoadContainerMeta reconstructs a Container's metadata (not its pages,
// which are read lazily from backing on demand).
func LoadContainerMeta(r io.Reader, backing rawio.Backing, mtid uint64) (*Container, error) {
	c := &Container{backing: backing, mtid: mtid}
	if err := binary.Read(r, binary.LittleEndian, &c.offRaw); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.nrBarrels); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.nrBFPerBox); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.nrIndex); err != nil {
		return nil, err
	}
	c.indexLast = make([]uint16, c.nrIndex)
	if err := binary.Read(r, binary.LittleEndian, &c.indexLast); err != nil {
		return nil, err
	}
	return c, nil
}
