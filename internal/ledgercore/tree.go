package ledgercore

import (
	"fmt"
	"sync"
)

// nodeKey addresses a node by (layer, index); layer 0 is the leaves.
type nodeKey struct {
	layer uint
	index uint64
}

// Tree is an incremental Merkle tree over a growing ordered sequence of
// leaf hashes. It is an arena of nodes keyed by (layer, index) — a packed
// map, never a linked node graph with parent pointers (see DESIGN.md,
// "Cyclic tree references").
//
// Append and Proof are O(log n) and synchronous; neither performs I/O nor
// suspends, per the concurrency model in spec.md §5.
type Tree struct {
	mu     sync.RWMutex
	leaves []Hash
	nodes  map[nodeKey]Hash
	depth  uint
}

// NewTree returns an empty tree. Root() on an empty tree is GenesisHash.
func NewTree() *Tree {
	return &Tree{nodes: make(map[nodeKey]Hash)}
}

// Size returns the number of leaves appended so far.
func (t *Tree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.leaves))
}

// Root returns the current root hash.
func (t *Tree) Root() Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootLocked()
}

func (t *Tree) rootLocked() Hash {
	n := uint64(len(t.leaves))
	if n == 0 {
		return GenesisHash
	}
	if n == 1 {
		return t.leaves[0]
	}
	return t.nodes[nodeKey{layer: t.depth, index: 0}]
}

// requiredDepth returns the smallest depth d such that 2^d >= n, for n >= 1.
func requiredDepth(n uint64) uint {
	if n <= 1 {
		return 0
	}
	d := uint(0)
	cap := uint64(1)
	for cap < n {
		cap <<= 1
		d++
	}
	return d
}

// zeroHash returns the default sibling for an absent node at layer L. This
// implementation commits to the reference's flat convention: every layer's
// zero-hash is GenesisHash (see SPEC_FULL.md §4.2 and DESIGN.md), not the
// recursively-built hash_pair ladder the spec also allows.
func zeroHash(_ uint) Hash {
	return GenesisHash
}

// Append adds leaf to the tree and returns its index.
func (t *Tree) Append(leaf Hash) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(leaf)
}

func (t *Tree) appendLocked(leaf Hash) uint64 {
	index := uint64(len(t.leaves))
	t.leaves = append(t.leaves, leaf)
	t.depth = appendToNodes(t.nodes, index, leaf)
	return index
}

// appendToNodes performs one append step directly against a (layer, index)
// node arena: it stores leaf at layer 0, index, then walks up recomputing
// every ancestor using whatever sibling is already present (or zeroHash when
// absent), and returns the tree depth implied by index+1 leaves. Tree.Append
// and the consistency-proof replay in consistency.go both reduce to this
// same step, so a verifier holding only a partial arena (a right spine, not
// every leaf) recomputes identically to the real tree.
func appendToNodes(nodes map[nodeKey]Hash, index uint64, leaf Hash) uint {
	nodes[nodeKey{layer: 0, index: index}] = leaf

	depth := requiredDepth(index + 1)

	i := index
	current := leaf
	for layer := uint(0); layer < depth; layer++ {
		sibIndex := i ^ 1
		sibling, ok := nodes[nodeKey{layer: layer, index: sibIndex}]
		if !ok {
			sibling = zeroHash(layer)
		}
		var parent Hash
		if i%2 == 1 {
			parent = HashPair(sibling, current)
		} else {
			parent = HashPair(current, sibling)
		}
		parentIndex := i / 2
		nodes[nodeKey{layer: layer + 1, index: parentIndex}] = parent
		current = parent
		i = parentIndex
	}
	return depth
}

// AppendBatch appends each hash in order. It is equivalent to, and produces
// the identical final state as, successive calls to Append.
func (t *Tree) AppendBatch(hashes []Hash) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	indices := make([]uint64, len(hashes))
	for i, h := range hashes {
		indices[i] = t.appendLocked(h)
	}
	return indices
}

// PopLast removes the most recently appended leaf and recomputes the
// affected path, rolling back a tree mutation that storage subsequently
// rejected (spec.md §4.6 step 7). It must only be called to undo the most
// recent Append.
func (t *Tree) PopLast() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.leaves) == 0 {
		return fmt.Errorf("ledgercore: cannot roll back an empty tree")
	}
	t.leaves = t.leaves[:len(t.leaves)-1]
	// Rebuild is the simplest correct way to restore node state; rollback
	// is the rare, already-exceptional path (storage rejected an append
	// the tree had accepted), not the append hot path, so O(n) here is fine.
	leaves := t.leaves
	t.nodes = make(map[nodeKey]Hash)
	t.depth = 0
	t.leaves = nil
	for _, h := range leaves {
		t.appendLocked(h)
	}
	return nil
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index uint64) (MerkleProof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index >= uint64(len(t.leaves)) {
		return MerkleProof{}, fmt.Errorf("ledgercore: index %d out of bounds (size %d)", index, len(t.leaves))
	}

	proof := MerkleProof{
		Leaf:  t.leaves[index],
		Index: index,
		Root:  t.rootLocked(),
	}

	i := index
	for layer := uint(0); layer < t.depth; layer++ {
		sibIndex := i ^ 1
		sibling, ok := t.nodes[nodeKey{layer: layer, index: sibIndex}]
		if !ok {
			sibling = zeroHash(layer)
		}
		var dir Direction
		if i%2 == 1 {
			dir = Left
		} else {
			dir = Right
		}
		proof.Proof = append(proof.Proof, sibling)
		proof.Directions = append(proof.Directions, dir)
		i /= 2
	}

	return proof, nil
}

// LeafHashes returns a copy of the ordered leaf hash sequence.
func (t *Tree) LeafHashes() []Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Hash, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// Export returns the tree's leaves and root for archival/transport.
type Export struct {
	Leaves []Hash `json:"leaves"`
	Root   Hash   `json:"root"`
}

// Export serializes the tree.
func (t *Tree) Export() Export {
	return Export{Leaves: t.LeafHashes(), Root: t.Root()}
}

// Import rebuilds a tree via AppendBatch and verifies the rebuilt root
// matches exp.Root.
func Import(exp Export) (*Tree, error) {
	t := NewTree()
	t.AppendBatch(exp.Leaves)
	if t.Root() != exp.Root {
		return nil, fmt.Errorf("ledgercore: import root mismatch: rebuilt %s, expected %s", t.Root(), exp.Root)
	}
	return t, nil
}
