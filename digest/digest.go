// Package digest defines the 20-byte key digest and the four fixed-offset
// views the storage engine derives from it. The byte offsets below are part
// of the on-disk wire contract: changing them silently breaks barrel
// selection and hence compatibility with anything already dumped to disk.
package digest

import (
	"crypto/sha1"
	"encoding/binary"
	"math/bits"
)

// Size is the digest length in bytes (160 bits).
const Size = 20

// TableBarrels is the prime number of barrels in one Table (8191; the
// on-disk slot array is bounded by the power-of-two 8192).
const TableBarrels = 8191

// HTBuckets is the number of intra-barrel chaining buckets.
const HTBuckets = 64

// Digest is a 160-bit key digest, assumed to come from a cryptographic hash
// supplied by a collaborator. Hashing itself is out of scope for this
// engine; Digest only defines how the bytes are sliced once computed.
type Digest [Size]byte

// Hasher computes the digest for a key.
type Hasher func(key []byte) Digest

// SHA1 is the default Hasher. crypto/sha1 is the only stdlib hash that
// produces exactly Size bytes, matching the wire format's HASHBYTES.
func SHA1(key []byte) Digest {
	return Digest(sha1.Sum(key))
}

// BarrelID selects the barrel (0..TableBarrels-1) inside one Table:
// bytes [4:12) read little-endian as uint64, mod TableBarrels.
func (d Digest) BarrelID() uint16 {
	v := binary.LittleEndian.Uint64(d[4:12])
	return uint16(v % TableBarrels)
}

// ChildSlot selects which of the 8 trie children to descend into (or feed
// into during compaction) when moving from a node to its child at
// childStartBit = parent.start_bit + 3. The selector reads a 3-bit group
// starting at bit position (childStartBit-3) of the digest, counting from
// byte 0, not from the BarrelID window at byte 4. On-disk trie placement
// depends on this offset; it must not change.
func (d Digest) ChildSlot(childStartBit uint) uint8 {
	selBit := childStartBit - 3
	byteOff := selBit / 8
	shift := selBit % 8
	v := d.readU64(byteOff)
	return uint8((v >> shift) & 7)
}

// readU64 reads 8 bytes little-endian starting at byteOff, zero-extending
// past the end of the digest; practical trie depths never reach the tail.
func (d Digest) readU64(byteOff uint) uint64 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		idx := int(byteOff) + i
		if idx >= Size {
			break
		}
		buf[i] = d[idx]
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// BloomHV is the bloom-filter probe input: bytes [12:20) as little-endian
// uint64.
func (d Digest) BloomHV() uint64 {
	return binary.LittleEndian.Uint64(d[12:20])
}

// view32 is bytes [16:20) as little-endian uint32, shared by HashHT and
// OrderHash.
func (d Digest) view32() uint32 {
	return binary.LittleEndian.Uint32(d[16:20])
}

// HashHT picks the intra-barrel chaining bucket (mod HTBuckets).
func (d Digest) HashHT() uint32 {
	return d.view32() % HTBuckets
}

// OrderHash ranks an item within barrel bid for displacement purposes. The
// rotation by bid%32 decorrelates displacement order across barrels.
func (d Digest) OrderHash(bid uint16) uint32 {
	shift := uint(bid) % 32
	return bits.RotateLeft32(d.view32(), int(shift))
}
