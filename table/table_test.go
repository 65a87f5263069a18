package table

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/flashtriego/lsmtrie/barrel"
	"github.com/flashtriego/lsmtrie/digest"
)

type memBacking struct {
	data []byte
}

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[off:end])
	return n, nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
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

func TestTableInsertLookupRoundTripBeforeSeal(t *testing.T) {
	tb := New(0)
	key, value := []byte("hello"), []byte("world")
	d := digest.SHA1(key)
	if !tb.Insert(d, key, value) {
		t.Fatal("insert rejected on fresh table")
	}
	got, ok := tb.Lookup(d, key)
	if !ok || !bytes.Equal(got, value) {
		t.Fatalf("lookup got (%q,%v) want (%q,true)", got, ok, value)
	}
}

func TestTableDebugStringReflectsVolume(t *testing.T) {
	tb := New(0)
	before := tb.DebugString()
	key, value := []byte("hello"), []byte("world")
	tb.Insert(digest.SHA1(key), key, value)
	after := tb.DebugString()
	if before == after {
		t.Fatalf("DebugString unchanged after insert: %q", after)
	}
}

func TestTableOverwrite(t *testing.T) {
	tb := New(0)
	key := []byte("k")
	d := digest.SHA1(key)
	tb.Insert(d, key, []byte("a"))
	tb.Insert(d, key, []byte("b"))
	got, ok := tb.Lookup(d, key)
	if !ok || string(got) != "b" {
		t.Fatalf("expected overwrite to win, got %q ok=%v", got, ok)
	}
}

func TestTableFullRejectsInsert(t *testing.T) {
	tb := New(100)
	key := []byte("k")
	d := digest.SHA1(key)
	// 1+1+1+100 = 103 encoded bytes: the table is full (volume >= 100).
	if !tb.Insert(d, key, make([]byte, 100)) {
		t.Fatal("first insert should succeed")
	}
	if tb.Insert(digest.SHA1([]byte("k2")), []byte("k2"), make([]byte, 50)) {
		t.Fatal("expected insert into full table to fail")
	}
}

func TestSealDumpLoadLookupRoundTrip(t *testing.T) {
	tb := New(0)
	n := 500
	keys := make([][]byte, n)
	values := make([][]byte, n)
	r := rand.New(rand.NewSource(42))
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		values[i] = make([]byte, 1+r.Intn(40))
		r.Read(values[i])
		if !tb.Insert(digest.SHA1(keys[i]), keys[i], values[i]) {
			t.Fatalf("insert %d unexpectedly rejected", i)
		}
	}

	sealed, err := tb.Seal()
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	for _, b := range sealed.Barrels {
		if b.Volume > 4088 {
			t.Fatalf("barrel %d exceeds cap after seal: %d", b.ID, b.Volume)
		}
	}

	backing := &memBacking{}
	if err := DumpBarrels(sealed.Barrels[:], backing, 0); err != nil {
		t.Fatalf("dump barrels: %v", err)
	}

	var metaBuf bytes.Buffer
	if err := DumpMeta(&metaBuf, 0, uint64(sealed.Volume), sealed.MetaIndex, sealed.BloomTable); err != nil {
		t.Fatalf("dump meta: %v", err)
	}

	mt, err := Load(1, &metaBuf, backing)
	if err != nil {
		t.Fatalf("load metatable: %v", err)
	}
	for i := 0; i < n; i++ {
		got, found, err := mt.Lookup(digest.SHA1(keys[i]), keys[i], nil)
		if err != nil {
			t.Fatalf("lookup %d error: %v", i, err)
		}
		if !found {
			t.Fatalf("lookup %d (%s) not found after dump/load", i, keys[i])
		}
		if !bytes.Equal(got, values[i]) {
			t.Fatalf("lookup %d (%s) value mismatch", i, keys[i])
		}
	}

	missKey := []byte("not-present")
	_, found, err := mt.Lookup(digest.SHA1(missKey), missKey, nil)
	if err != nil {
		t.Fatalf("miss lookup error: %v", err)
	}
	if found {
		t.Fatal("expected miss for key never inserted")
	}
}

func TestFindMetaIndexBinarySearch(t *testing.T) {
	mt := &MetaTable{MetaIndex: []barrel.MetaIndex{
		{ID: 3, RID: 100, Min: 7},
		{ID: 17, RID: 342, Min: 9},
		{ID: 4000, RID: 12, Min: 1},
	}}
	mi, ok := mt.findMetaIndex(17)
	if !ok || mi.RID != 342 || mi.Min != 9 {
		t.Fatalf("findMetaIndex(17) = %+v ok=%v", mi, ok)
	}
	if _, ok := mt.findMetaIndex(18); ok {
		t.Fatal("findMetaIndex(18) unexpectedly found an entry")
	}
	if mi, ok := mt.findMetaIndex(3); !ok || mi.RID != 100 {
		t.Fatalf("findMetaIndex(3) = %+v ok=%v", mi, ok)
	}
	if mi, ok := mt.findMetaIndex(4000); !ok || mi.RID != 12 {
		t.Fatalf("findMetaIndex(4000) = %+v ok=%v", mi, ok)
	}
}

func TestSealTwiceFails(t *testing.T) {
	tb := New(0)
	if _, err := tb.Seal(); err != nil {
		t.Fatalf("first seal failed: %v", err)
	}
	if _, err := tb.Seal(); err != ErrSealed {
		t.Fatalf("expected ErrSealed on second seal, got %v", err)
	}
}

func TestRetainClusteredOverflowSurvivesDumpLoad(t *testing.T) {
	tb := New(0)
	// Cluster keys into the 410 barrels whose BarrelID is a multiple of 20.
	// Each item encodes to 130 bytes, so those barrels average about 6 KiB,
	// over barrel.Cap, and retain must displace within this Table's seal.
	n := 20000
	count := 0
	r := rand.New(rand.NewSource(99))
	keys := make([][]byte, 0, n)
	values := make([][]byte, 0, n)
	for count < n {
		buf := make([]byte, 8)
		r.Read(buf)
		d := digest.SHA1(buf)
		if d.BarrelID()%20 != 0 {
			continue
		}
		keys = append(keys, buf)
		values = append(values, []byte(fmt.Sprintf("%0120d", count)))
		if !tb.Insert(d, buf, values[count]) {
			break
		}
		count++
	}

	sealed, err := tb.Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	backing := &memBacking{}
	if err := DumpBarrels(sealed.Barrels[:], backing, 0); err != nil {
		t.Fatalf("dump: %v", err)
	}
	var metaBuf bytes.Buffer
	if err := DumpMeta(&metaBuf, 0, uint64(sealed.Volume), sealed.MetaIndex, sealed.BloomTable); err != nil {
		t.Fatalf("dump meta: %v", err)
	}
	mt, err := Load(1, &metaBuf, backing)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	for i, k := range keys {
		got, found, err := mt.Lookup(digest.SHA1(k), k, nil)
		if err != nil {
			t.Fatalf("lookup %d error: %v", i, err)
		}
		if !found || !bytes.Equal(got, values[i]) {
			t.Fatalf("key %d not recoverable after clustered retain+dump+load", i)
		}
	}
}
