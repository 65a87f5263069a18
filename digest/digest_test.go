package digest

import "testing"

func TestBarrelIDInRange(t *testing.T) {
	for _, key := range [][]byte{[]byte("a"), []byte("hello world"), []byte{0, 1, 2, 3}} {
		d := SHA1(key)
		if bid := d.BarrelID(); bid >= TableBarrels {
			t.Fatalf("barrel id %d out of range", bid)
		}
	}
}

func TestChildSlotInRange(t *testing.T) {
	d := SHA1([]byte("some-key"))
	for _, start := range []uint{3, 6, 9, 12} {
		if s := d.ChildSlot(start); s > 7 {
			t.Fatalf("child slot %d out of range at start_bit=%d", s, start)
		}
	}
}

func TestHashHTInRange(t *testing.T) {
	d := SHA1([]byte("some-key"))
	if h := d.HashHT(); h >= HTBuckets {
		t.Fatalf("hash_ht %d out of range", h)
	}
}

func TestDeterministic(t *testing.T) {
	k := []byte("repeatable")
	a := SHA1(k)
	b := SHA1(k)
	if a != b {
		t.Fatal("SHA1 digest not deterministic")
	}
}

func TestDigestDistinctKeysDiffer(t *testing.T) {
	a := SHA1([]byte("k1"))
	b := SHA1([]byte("k2"))
	if a == b {
		t.Fatal("distinct keys produced identical digests")
	}
}
