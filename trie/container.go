// Package trie implements the VirtualContainer trie (component D): an
// 8-way fan-out hash trie of MetaTables, with BloomContainers
// consolidating bloom filters once a node is deep enough that keeping a
// raw BloomTable per MetaTable would waste space (start_bit >= BCStartBit).
package trie

import (
	"sync"

	"github.com/flashtriego/lsmtrie/bloom"
	"github.com/flashtriego/lsmtrie/digest"
	"github.com/flashtriego/lsmtrie/table"
)

// MaxMetaTables is the fixed capacity of a trie node's Container.
const MaxMetaTables = 20

// BCStartBit is the trie depth (in digest bits) at which a node's
// Container starts consolidating bloom filters into a BloomContainer
// instead of carrying one raw BloomTable per MetaTable.
const BCStartBit = 12

// Node is one VirtualContainer: a trie node holding up to MaxMetaTables
// MetaTables (oldest at index 0) plus, once StartBit >= BCStartBit, a
// consolidating BloomContainer, and 8 child pointers.
type Node struct {
	StartBit uint

	mu         sync.RWMutex
	metaTables []*table.MetaTable
	bc         *bloom.Container
	children   [8]*Node
}

// NewRoot returns an empty root node (start_bit = 0).
func NewRoot() *Node { return &Node{StartBit: 0} }

// newChild returns an empty child one trie level deeper than parent.
func newChild(parentStartBit uint) *Node {
	return &Node{StartBit: parentStartBit + 3}
}

// Count reports how many MetaTables currently sit in this node.
func (n *Node) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.metaTables)
}

// Full reports whether this node has reached MaxMetaTables.
func (n *Node) Full() bool { return n.Count() >= MaxMetaTables }

// Child returns the child at slot i (0..7), creating it if absent.
func (n *Node) Child(i uint8) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.children[i] == nil {
		n.children[i] = newChild(n.StartBit)
	}
	return n.children[i]
}

// childIfPresent returns the child at slot i without creating it.
func (n *Node) childIfPresent(i uint8) *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children[i]
}

// ChildIfPresent is childIfPresent exported for callers outside the
// package (the compaction pool) that must never create a child as a side
// effect of merely inspecting one.
func (n *Node) ChildIfPresent(i uint8) *Node { return n.childIfPresent(i) }

// Insert appends mt as the newest MetaTable in this node. Callers
// (the active-table dumper at the root, compaction graft elsewhere) must
// hold the DB write lock before calling.
func (n *Node) Insert(mt *table.MetaTable) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.metaTables = append(n.metaTables, mt)
}

// MetaTables returns a snapshot of the resident MetaTables, oldest first.
func (n *Node) MetaTables() []*table.MetaTable {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*table.MetaTable, len(n.metaTables))
	copy(out, n.metaTables)
	return out
}

// BloomContainer returns this node's consolidating container, or nil.
func (n *Node) BloomContainer() *bloom.Container {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bc
}

// setBloomContainer installs bc (nil clears it).
func (n *Node) setBloomContainer(bc *bloom.Container) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bc = bc
}

// Lookup resolves key under digest d by checking this node's resident
// MetaTables newest-first, then recursing into the child selected by the
// digest's bit group at StartBit+3. Returns (nil,false,nil) on a
// confirmed miss all the way down an existing path.
func (n *Node) Lookup(d digest.Digest, key []byte) ([]byte, bool, error) {
	n.mu.RLock()
	mts := make([]*table.MetaTable, len(n.metaTables))
	copy(mts, n.metaTables)
	bc := n.bc
	n.mu.RUnlock()

	var bitmap uint64
	haveBitmap := false
	if bc != nil {
		bid := uint32(d.BarrelID())
		bm, err := bc.Match(bid, d.BloomHV())
		if err != nil {
			return nil, false, err
		}
		bitmap = bm
		haveBitmap = true
	}

	count := len(mts)
	for i := count - 1; i >= 0; i-- {
		mt := mts[i]
		var bcMatch *bool
		if mt.BloomTable == nil && haveBitmap {
			bitIdx := count - 1 - i
			ok := bitmap&(1<<uint(bitIdx)) != 0
			bcMatch = &ok
		}
		val, found, err := mt.Lookup(d, key, bcMatch)
		if err != nil {
			return nil, false, err
		}
		if found {
			return val, true, nil
		}
	}

	slot := d.ChildSlot(n.StartBit + 3)
	child := n.childIfPresent(slot)
	if child == nil {
		return nil, false, nil
	}
	return child.Lookup(d, key)
}
