package containermap

import (
	"path/filepath"
	"testing"
)

func TestAllocReleasePopcount(t *testing.T) {
	dir := t.TempDir()
	m, err := Create(filepath.Join(dir, "raw"), 8*UnitSize)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	offsets := make([]uint64, 0, 8)
	for i := 0; i < 8; i++ {
		off := m.Alloc()
		if m.Invalid(off) {
			t.Fatalf("unexpected full map at allocation %d", i)
		}
		offsets = append(offsets, off)
	}
	if m.Invalid(m.Alloc()) == false {
		t.Fatal("expected map to report full after allocating all units")
	}
	if got := popcount(m.bits); got != uint64(len(offsets)) {
		t.Fatalf("popcount=%d want %d", got, len(offsets))
	}

	if err := m.Release(offsets[0]); err != nil {
		t.Fatal(err)
	}
	if got := popcount(m.bits); got != uint64(len(offsets)-1) {
		t.Fatalf("popcount after release=%d want %d", got, len(offsets)-1)
	}
	if off := m.Alloc(); m.Invalid(off) {
		t.Fatal("expected reuse of released unit to succeed")
	}
}

func TestDumpLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rawPath := filepath.Join(dir, "raw")
	metaPath := filepath.Join(dir, "meta")

	m, err := Create(rawPath, 4*UnitSize)
	if err != nil {
		t.Fatal(err)
	}
	off := m.Alloc()
	if err := m.Dump(metaPath); err != nil {
		t.Fatal(err)
	}
	m.Close()

	m2, err := Load(metaPath, rawPath)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()
	if m2.NrFree() != m2.NrUnits()-1 {
		t.Fatalf("reloaded map has wrong free count: %d", m2.NrFree())
	}
	if err := m2.Release(off); err != nil {
		t.Fatal(err)
	}
}

func popcount(bits []byte) uint64 {
	var n uint64
	for _, b := range bits {
		for b != 0 {
			n += uint64(b & 1)
			b >>= 1
		}
	}
	return n
}
