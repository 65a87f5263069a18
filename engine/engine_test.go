package engine

import (
	"path/filepath"
	"testing"

	"github.com/flashtriego/lsmtrie/digest"
)

func testConfig(dir string) *Config {
	cfg := &Config{
		Backends: []backendSpec{{path: filepath.Join(dir, "raw"), hintGiB: 1}},
	}
	for i := range cfg.DataID {
		cfg.DataID[i] = 0
	}
	return cfg
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(testConfig(dir), filepath.Join(dir, "meta"), digest.SHA1, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db
}

// TestSingleKeyRoundTrip inserts then looks up a key, and confirms an
// absent key reports a clean miss.
func TestSingleKeyRoundTrip(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if !db.Insert([]byte("k1"), []byte("v1")) {
		t.Fatal("insert k1 returned false")
	}
	v, ok := db.Lookup([]byte("k1"))
	if !ok || string(v) != "v1" {
		t.Fatalf("lookup k1 = (%q, %v), want (v1, true)", v, ok)
	}
	if _, ok := db.Lookup([]byte("k2")); ok {
		t.Fatal("lookup k2 unexpectedly found")
	}
}

// TestOverwriteReturnsNewest checks a second insert of the same key
// shadows the first, regardless of which table generation it physically
// lands in.
func TestOverwriteReturnsNewest(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	db.Insert([]byte("k"), []byte("a"))
	db.Insert([]byte("k"), []byte("b"))
	v, ok := db.Lookup([]byte("k"))
	if !ok || string(v) != "b" {
		t.Fatalf("lookup k = (%q, %v), want (b, true)", v, ok)
	}
}

// TestMultiInsertThenLookup exercises the batched insert path.
func TestMultiInsertThenLookup(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	kvs := make([][2][]byte, 0, 100)
	for i := 0; i < 100; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		kvs = append(kvs, [2][]byte{key, append([]byte("val-"), key...)})
	}
	if !db.MultiInsert(kvs) {
		t.Fatal("multi-insert returned false")
	}
	for _, kv := range kvs {
		v, ok := db.Lookup(kv[0])
		if !ok {
			t.Fatalf("lookup %v missing", kv[0])
		}
		if string(v) != string(kv[1]) {
			t.Fatalf("lookup %v = %q, want %q", kv[0], v, kv[1])
		}
	}
}

// TestStatsCountsOps confirms the public counters track insert/lookup
// traffic.
func TestStatsCountsOps(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	db.Insert([]byte("a"), []byte("1"))
	db.Lookup([]byte("a"))
	db.Lookup([]byte("missing"))

	s := db.Stats()
	if s.NrSet != 1 {
		t.Fatalf("NrSet = %d, want 1", s.NrSet)
	}
	if s.NrGet != 2 {
		t.Fatalf("NrGet = %d, want 2", s.NrGet)
	}
	if s.NrGetMiss != 1 {
		t.Fatalf("NrGetMiss = %d, want 1", s.NrGetMiss)
	}
}

// TestForceDumpMetaCheckpoints confirms ForceDumpMeta returns the result
// of a checkpoint run by the meta-dumper, and that the checkpoint reports
// no error.
func TestForceDumpMetaCheckpoints(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	db.Insert([]byte("a"), []byte("1"))
	if err := db.ForceDumpMeta(); err != nil {
		t.Fatalf("ForceDumpMeta: %v", err)
	}
}

// TestReopenDropsActiveTableKeys closes after a checkpoint, reopens from
// it, and confirms a key that lived only in the active table is not
// restored.
func TestReopenDropsActiveTableKeys(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	metaDir := filepath.Join(dir, "meta")

	db, err := Open(cfg, metaDir, digest.SHA1, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Insert([]byte("persisted"), []byte("value"))
	if err := db.ForceDumpMeta(); err != nil {
		t.Fatalf("ForceDumpMeta: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(cfg, metaDir, digest.SHA1, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	// The key lived only in the active table at checkpoint time, so the
	// checkpoint itself doesn't carry it (durability is at meta-checkpoint
	// granularity); what must survive is the trie topology and next_mtid,
	// which loadMetaCheckpoint exercises on every Open.
	if _, ok := db2.Lookup([]byte("persisted")); ok {
		t.Fatal("unexpected hit: active-table contents are not checkpointed")
	}
}
