package ledgercore

import (
	"encoding/hex"
	"fmt"
)

// sparseDepth is the sparse tree's fixed depth: one layer per bit of a
// SHA-256 digest, so a key's own hash doubles as its 256-bit root-to-leaf
// path with no separate indexing scheme needed.
const sparseDepth = 256

// sparseNodeKey addresses a node by (layer, prefix): prefix is the path bits
// shared by every leaf under that node, as a '0'/'1' string of length
// sparseDepth-layer. Layer 0 is the leaf; layer sparseDepth is the root
// (prefix "").
type sparseNodeKey struct {
	layer  uint
	prefix string
}

// SparseTree is a fixed-depth (256) binary tree over hashed keys. Like Tree,
// it is an arena of nodes keyed by position rather than a linked graph — the
// same shape, generalized from a growing sequence of positions to a fixed
// space of hashed key paths (spec.md §4.8). It does not participate in the
// append pipeline; it is a standalone auxiliary engine.
type SparseTree struct {
	nodes map[sparseNodeKey]Hash
	zero  [sparseDepth + 1]Hash
	root  Hash
}

// NewSparseTree returns an empty sparse tree with its zero-hash ladder
// precomputed: zero[0] is GenesisHash (the empty leaf), and zero[d] =
// hash_pair(zero[d-1], zero[d-1]) for each layer above it.
func NewSparseTree() *SparseTree {
	t := &SparseTree{nodes: make(map[sparseNodeKey]Hash)}
	t.zero[0] = GenesisHash
	for d := 1; d <= sparseDepth; d++ {
		t.zero[d] = HashPair(t.zero[d-1], t.zero[d-1])
	}
	t.root = t.zero[sparseDepth]
	return t
}

// pathOf returns key's 256-bit root-to-leaf path as a '0'/'1' string, MSB
// first, derived from sha256(key) so the path and the leaf's identity are
// the same hash.
func pathOf(key []byte) (Hash, string) {
	h := Sha256Hex(key)
	raw, _ := hex.DecodeString(string(h))
	bits := make([]byte, 0, sparseDepth)
	for _, b := range raw {
		for i := 7; i >= 0; i-- {
			if b&(1<<uint(i)) != 0 {
				bits = append(bits, '1')
			} else {
				bits = append(bits, '0')
			}
		}
	}
	return h, string(bits)
}

// Root returns the tree's current root hash.
func (t *SparseTree) Root() Hash {
	return t.root
}

// Set writes value at key, hashing both. It returns the key's path hash
// (also the Key field of any SparseMerkleProof for this key).
func (t *SparseTree) Set(key, value []byte) Hash {
	keyHash, path := pathOf(key)
	valueHash := Sha256Hex(value)

	t.nodes[sparseNodeKey{layer: 0, prefix: path}] = valueHash

	prefix := path
	current := valueHash
	for layer := uint(0); layer < sparseDepth; layer++ {
		bit := prefix[len(prefix)-1]
		parentPrefix := prefix[:len(prefix)-1]
		siblingPrefix := parentPrefix + flipBit(bit)

		sibling, ok := t.nodes[sparseNodeKey{layer: layer, prefix: siblingPrefix}]
		if !ok {
			sibling = t.zero[layer]
		}

		var parent Hash
		if bit == '0' {
			parent = HashPair(current, sibling)
		} else {
			parent = HashPair(sibling, current)
		}

		t.nodes[sparseNodeKey{layer: layer + 1, prefix: parentPrefix}] = parent
		current = parent
		prefix = parentPrefix
	}

	t.root = current
	return keyHash
}

func flipBit(b byte) string {
	if b == '0' {
		return "1"
	}
	return "0"
}

// SparseMerkleProof is an inclusion or non-inclusion proof against a
// SparseTree root: Value is nil for non-inclusion, and Siblings always has
// exactly sparseDepth entries regardless of which case applies.
type SparseMerkleProof struct {
	Key      Hash   `json:"key"`
	Value    *Hash  `json:"value,omitempty"`
	Siblings []Hash `json:"siblings"`
	Root     Hash   `json:"root"`
	Included bool   `json:"included"`
}

// Proof returns the inclusion or non-inclusion proof for key.
func (t *SparseTree) Proof(key []byte) SparseMerkleProof {
	keyHash, path := pathOf(key)

	leaf, included := t.nodes[sparseNodeKey{layer: 0, prefix: path}]

	siblings := make([]Hash, sparseDepth)
	prefix := path
	for layer := uint(0); layer < sparseDepth; layer++ {
		bit := prefix[len(prefix)-1]
		parentPrefix := prefix[:len(prefix)-1]
		siblingPrefix := parentPrefix + flipBit(bit)

		sibling, ok := t.nodes[sparseNodeKey{layer: layer, prefix: siblingPrefix}]
		if !ok {
			sibling = t.zero[layer]
		}
		siblings[layer] = sibling
		prefix = parentPrefix
	}

	proof := SparseMerkleProof{
		Key:      keyHash,
		Siblings: siblings,
		Root:     t.root,
		Included: included,
	}
	if included {
		v := leaf
		proof.Value = &v
	}
	return proof
}

// VerifySparseProof folds proof.Siblings from leaf to root and reports
// whether the result matches proof.Root. A non-inclusion proof (Value nil,
// Included false) folds from GenesisHash as the leaf.
func VerifySparseProof(proof SparseMerkleProof) bool {
	if len(proof.Siblings) != sparseDepth {
		return false
	}
	if err := proof.Key.Validate(); err != nil {
		return false
	}
	if proof.Included && proof.Value == nil {
		return false
	}
	if !proof.Included && proof.Value != nil {
		return false
	}

	raw, err := hex.DecodeString(string(proof.Key))
	if err != nil {
		return false
	}
	bits := make([]byte, 0, sparseDepth)
	for _, b := range raw {
		for i := 7; i >= 0; i-- {
			if b&(1<<uint(i)) != 0 {
				bits = append(bits, '1')
			} else {
				bits = append(bits, '0')
			}
		}
	}
	path := string(bits)

	current := GenesisHash
	if proof.Included {
		current = *proof.Value
	}

	for layer := uint(0); layer < sparseDepth; layer++ {
		bit := path[sparseDepth-1-layer]
		sibling := proof.Siblings[layer]
		if bit == '0' {
			current = HashPair(current, sibling)
		} else {
			current = HashPair(sibling, current)
		}
	}

	return current == proof.Root
}

// ValidateSparseMerkleProof is a convenience wrapper returning an error
// instead of a bool, for callers in the HTTP layer that need a message.
func ValidateSparseMerkleProof(proof SparseMerkleProof) error {
	if !VerifySparseProof(proof) {
		return fmt.Errorf("ledgercore: sparse proof for key %s does not fold to the stated root", proof.Key)
	}
	return nil
}
