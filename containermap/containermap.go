// Package containermap implements the fixed-grain bitmap allocator over a
// raw backing file or block device. Every dumped Table occupies exactly
// one 32 MiB "container" unit.
//
// Alloc scans linearly from a random starting unit rather than
// first-fit, smearing wear across the device; Release optionally TRIMs
// the freed range on discard-capable backings.
package containermap

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/flashtriego/lsmtrie/internal/rawio"
)

// UnitSize is the fixed container grain: one dumped Table (TABLE_ALIGN).
const UnitSize = 32 << 20

// Alloc signals a full map with an offset >= nrUnits*UnitSize; Invalid
// reports whether an offset is that sentinel.

// Map is the bitmap allocator.
type Map struct {
	mu       sync.Mutex
	nrUnits  uint64
	nrUsed   uint64
	totalCap uint64
	discard  bool
	backing  *os.File
	bits     []byte
	rng      *rand.Rand
}

// Create opens or creates the backing at path and sizes the map from its
// capacity. Block devices are opened O_DIRECT|O_SYNC and marked
// discard-capable; regular files are created/grown to at least capHint.
func Create(path string, capHint int64) (*Map, error) {
	f, isDevice, err := rawio.Open(path, capHint)
	if err != nil {
		return nil, fmt.Errorf("containermap: open backing: %w", err)
	}
	total, err := rawio.Size(f, isDevice)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("containermap: size backing: %w", err)
	}
	nrUnits := uint64(total) / UnitSize
	if nrUnits == 0 {
		f.Close()
		return nil, fmt.Errorf("containermap: backing %q smaller than one unit (%d bytes)", path, UnitSize)
	}
	return &Map{
		nrUnits:  nrUnits,
		totalCap: uint64(total),
		discard:  isDevice,
		backing:  f,
		bits:     make([]byte, (nrUnits+7)/8),
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// Load reconstructs a Map from its meta file, re-opening the backing and
// verifying it is at least as large as the persisted bitmap expects.
func Load(metaPath, rawPath string) (*Map, error) {
	mf, err := os.Open(metaPath)
	if err != nil {
		return nil, err // "not found" lets the caller fall through to Create
	}
	defer mf.Close()

	var nrUnits, nrUsed uint64
	if err := binary.Read(mf, binary.LittleEndian, &nrUnits); err != nil {
		return nil, fmt.Errorf("containermap: read nr_units: %w", err)
	}
	if err := binary.Read(mf, binary.LittleEndian, &nrUsed); err != nil {
		return nil, fmt.Errorf("containermap: read nr_used: %w", err)
	}
	bits := make([]byte, (nrUnits+7)/8)
	if _, err := mf.Read(bits); err != nil {
		return nil, fmt.Errorf("containermap: read bitmap: %w", err)
	}

	f, isDevice, err := rawio.Open(rawPath, int64(nrUnits*UnitSize))
	if err != nil {
		return nil, fmt.Errorf("containermap: open backing: %w", err)
	}
	total, err := rawio.Size(f, isDevice)
	if err != nil {
		f.Close()
		return nil, err
	}
	if uint64(total)/UnitSize < nrUnits {
		f.Close()
		return nil, fmt.Errorf("containermap: backing %q too small for %d persisted units", rawPath, nrUnits)
	}

	return &Map{
		nrUnits:  nrUnits,
		nrUsed:   nrUsed,
		totalCap: uint64(total),
		discard:  isDevice,
		backing:  f,
		bits:     bits,
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// Dump persists {nr_units, nr_used, bitmap} to metaPath under lock.
func (m *Map) Dump(metaPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmp := metaPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, m.nrUnits); err != nil {
		f.Close()
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, m.nrUsed); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(m.bits); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, metaPath)
}

// Backing exposes the raw file for callers that dump/read container
// payloads directly (table.Table, bloom.Container).
func (m *Map) Backing() rawio.Backing { return m.backing }

// NrUnits is the total container count.
func (m *Map) NrUnits() uint64 { return m.nrUnits }

// NrFree reports how many units remain unallocated.
func (m *Map) NrFree() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nrUnits - m.nrUsed
}

// Alloc scans from a random starting unit for a free one, wrapping
// around. Returns an offset >= nrUnits*UnitSize (see Invalid) when full;
// Alloc itself never waits or retries.
func (m *Map) Alloc() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := uint64(m.rng.Int63()) % m.nrUnits
	for i := uint64(0); i < m.nrUnits; i++ {
		id := (i + start) % m.nrUnits
		byteIdx := id >> 3
		mask := byte(1) << (id & 7)
		if m.bits[byteIdx]&mask == 0 {
			m.bits[byteIdx] |= mask
			m.nrUsed++
			return id * UnitSize
		}
	}
	return (m.nrUnits + 100) * UnitSize
}

// Invalid reports whether offset is the full-map sentinel.
func (m *Map) Invalid(offset uint64) bool {
	return offset >= m.nrUnits*UnitSize
}

// Release clears the unit containing offset and, on discard-capable
// backings, issues a TRIM over its range.
func (m *Map) Release(offset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset%UnitSize != 0 {
		return fmt.Errorf("containermap: release offset %d not unit-aligned", offset)
	}
	id := offset / UnitSize
	if id >= m.nrUnits {
		return fmt.Errorf("containermap: release offset %d out of range", offset)
	}
	byteIdx := id >> 3
	mask := byte(1) << (id & 7)
	if m.bits[byteIdx]&mask == 0 {
		return fmt.Errorf("containermap: release offset %d already free", offset)
	}
	m.bits[byteIdx] &^= mask
	m.nrUsed--

	if m.discard {
		_ = rawio.Discard(m.backing, int64(offset), UnitSize)
	}
	return nil
}

// Close releases the backing file descriptor.
func (m *Map) Close() error {
	return m.backing.Close()
}
