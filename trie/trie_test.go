package trie

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/flashtriego/lsmtrie/bloom"
	"github.com/flashtriego/lsmtrie/digest"
	"github.com/flashtriego/lsmtrie/internal/rawio"
	"github.com/flashtriego/lsmtrie/table"
)

type memBacking struct {
	mu   sync.Mutex
	data []byte
}

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	return copy(p, m.data[off:end]), nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	need := off + int64(len(p))
	if need > int64(len(m.data)) {
		grown := make([]byte, need)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *memBacking) Sync() error { return nil }

// fakeStore is a single-backing, in-process Store for exercising the
// compaction pipeline without touching a filesystem.
type fakeStore struct {
	mu       sync.Mutex
	nextID   uint64
	offset   uint64
	bcOffset uint64
	backing  *memBacking
	bc       *memBacking
	metas    map[uint64][]byte
	bcMetas  map[uint64][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		backing: &memBacking{},
		bc:      &memBacking{},
		metas:   map[uint64][]byte{},
		bcMetas: map[uint64][]byte{},
	}
}

func (s *fakeStore) Alloc(level uint) (uint64, rawio.Backing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.offset
	s.offset += 32 << 20
	return off, s.backing, nil
}

func (s *fakeStore) Release(level uint, offset uint64) error { return nil }

func (s *fakeStore) ReleaseBC(offset uint64) error { return nil }

func (s *fakeStore) DeleteMeta(mtid uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metas, mtid)
	delete(s.bcMetas, mtid)
	return nil
}

func (s *fakeStore) AllocBC() (uint64, rawio.Backing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.bcOffset
	s.bcOffset += 4 << 20
	return off, s.bc, nil
}

func (s *fakeStore) NextMTID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *fakeStore) SaveMeta(mtid uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[mtid] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStore) SaveBCMeta(mtid uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bcMetas[mtid] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStore) LoadMetaTable(mtid uint64, level uint) (*table.MetaTable, error) {
	data, ok := s.metas[mtid]
	if !ok {
		return nil, fmt.Errorf("no meta for mtid %d", mtid)
	}
	return table.Load(mtid, bytes.NewReader(data), s.backing)
}

func (s *fakeStore) LoadBloomContainer(mtid uint64) (*bloom.Container, error) {
	data, ok := s.bcMetas[mtid]
	if !ok {
		return nil, fmt.Errorf("no bc meta for mtid %d", mtid)
	}
	return bloom.LoadContainerMeta(bytes.NewReader(data), s.bc, mtid)
}

func sealAndDumpRoot(t *testing.T, store *fakeStore, kvs map[string]string) *table.MetaTable {
	t.Helper()
	tb := table.New(0)
	for k, v := range kvs {
		d := digest.SHA1([]byte(k))
		if !tb.Insert(d, []byte(k), []byte(v)) {
			t.Fatalf("insert %q rejected", k)
		}
	}
	sealed, err := tb.Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	offset, backing, err := store.Alloc(0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := table.DumpBarrels(sealed.Barrels[:], backing, int64(offset)); err != nil {
		t.Fatalf("dump barrels: %v", err)
	}
	var buf bytes.Buffer
	if err := table.DumpMeta(&buf, offset, uint64(sealed.Volume), sealed.MetaIndex, sealed.BloomTable); err != nil {
		t.Fatalf("dump meta: %v", err)
	}
	mtid := store.NextMTID()
	if err := store.SaveMeta(mtid, buf.Bytes()); err != nil {
		t.Fatalf("save meta: %v", err)
	}
	mt, err := table.Load(mtid, bytes.NewReader(buf.Bytes()), backing)
	if err != nil {
		t.Fatalf("load metatable: %v", err)
	}
	return mt
}

func TestNodeLookupAcrossMetaTablesNewestWins(t *testing.T) {
	store := newFakeStore()
	root := NewRoot()

	mt1 := sealAndDumpRoot(t, store, map[string]string{"k": "old", "a": "1"})
	root.Insert(mt1)
	mt2 := sealAndDumpRoot(t, store, map[string]string{"k": "new"})
	root.Insert(mt2)

	val, found, err := root.Lookup(digest.SHA1([]byte("k")), []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "new" {
		t.Fatalf("expected newest value 'new', got %q found=%v", val, found)
	}

	val, found, err = root.Lookup(digest.SHA1([]byte("a")), []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "1" {
		t.Fatalf("expected 'a'->1 from older table, got %q found=%v", val, found)
	}

	_, found, err = root.Lookup(digest.SHA1([]byte("missing")), []byte("missing"))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected miss for key never inserted")
	}
}

func TestCompactRoutesAndPreservesKeys(t *testing.T) {
	store := newFakeStore()
	root := NewRoot()

	kvs := map[string]string{}
	for i := 0; i < 300; i++ {
		kvs[fmt.Sprintf("key-%d", i)] = fmt.Sprintf("val-%d", i)
	}
	root.Insert(sealAndDumpRoot(t, store, kvs))

	if err := Compact(root, root.Count(), store, digest.SHA1); err != nil {
		t.Fatalf("compact: %v", err)
	}

	if root.Count() != 0 {
		t.Fatalf("expected parent drained after compaction, got %d remaining", root.Count())
	}

	childrenWithData := 0
	for i := uint8(0); i < 8; i++ {
		c := root.childIfPresent(i)
		if c != nil && c.Count() > 0 {
			childrenWithData++
		}
	}
	if childrenWithData == 0 {
		t.Fatal("expected at least one child to receive fed MetaTables")
	}

	for k, v := range kvs {
		val, found, err := root.Lookup(digest.SHA1([]byte(k)), []byte(k))
		if err != nil {
			t.Fatalf("lookup %q: %v", k, err)
		}
		if !found || string(val) != v {
			t.Fatalf("key %q lost or wrong after compaction: got %q found=%v want %q", k, val, found, v)
		}
	}
}

func TestMetaDumpLoadRoundTrip(t *testing.T) {
	store := newFakeStore()
	root := NewRoot()
	root.Insert(sealAndDumpRoot(t, store, map[string]string{"x": "1", "y": "2"}))
	if err := Compact(root, root.Count(), store, digest.SHA1); err != nil {
		t.Fatalf("compact: %v", err)
	}

	var buf bytes.Buffer
	if err := Dump(&buf, root, store.nextID+1); err != nil {
		t.Fatalf("dump: %v", err)
	}

	loaded, nextMTID, err := Load(&buf, store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if nextMTID != store.nextID+1 {
		t.Fatalf("next_mtid mismatch: got %d want %d", nextMTID, store.nextID+1)
	}

	for _, k := range []string{"x", "y"} {
		val, found, err := loaded.Lookup(digest.SHA1([]byte(k)), []byte(k))
		if err != nil {
			t.Fatalf("lookup %q after reload: %v", k, err)
		}
		if !found {
			t.Fatalf("key %q missing after trie reload", k)
		}
		_ = val
	}
}

func TestChooseSubtreePrefersFullThenLargest(t *testing.T) {
	n := NewRoot()
	for i := uint8(0); i < 3; i++ {
		n.Child(i)
	}
	n.Child(0).Insert(&table.MetaTable{})
	n.Child(1).Insert(&table.MetaTable{})
	n.Child(1).Insert(&table.MetaTable{})
	slot, ok := ChooseSubtree(n, 1, 0)
	if !ok {
		t.Fatal("expected a candidate subtree")
	}
	if slot != 1 {
		t.Fatalf("expected the child with the most MetaTables (1), got %d", slot)
	}

	for j := 0; j < MaxMetaTables; j++ {
		n.Child(2).Insert(&table.MetaTable{})
	}
	if slot, ok := ChooseSubtree(n, 1, 0); !ok || slot != 2 {
		t.Fatalf("expected the FULL child (2), got %d ok=%v", slot, ok)
	}
}
