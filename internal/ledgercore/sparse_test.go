package ledgercore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptySparseTreeNonInclusion(t *testing.T) {
	tree := NewSparseTree()
	proof := tree.Proof([]byte("never-set"))

	assert.False(t, proof.Included)
	assert.Nil(t, proof.Value)
	assert.Len(t, proof.Siblings, sparseDepth)
	assert.True(t, VerifySparseProof(proof))
}

func TestSparseTreeSetThenInclusionProof(t *testing.T) {
	tree := NewSparseTree()
	tree.Set([]byte("account:42"), []byte("balance:100"))

	proof := tree.Proof([]byte("account:42"))
	assert.True(t, proof.Included)
	require.NotNil(t, proof.Value)
	assert.True(t, VerifySparseProof(proof))
}

func TestSparseTreeUnsetKeyStillNonInclusionAfterOtherSets(t *testing.T) {
	tree := NewSparseTree()
	tree.Set([]byte("account:1"), []byte("v1"))
	tree.Set([]byte("account:2"), []byte("v2"))

	proof := tree.Proof([]byte("account:99"))
	assert.False(t, proof.Included)
	assert.True(t, VerifySparseProof(proof))
}

func TestSparseTreeRootChangesOnSet(t *testing.T) {
	tree := NewSparseTree()
	before := tree.Root()
	tree.Set([]byte("k"), []byte("v"))
	assert.NotEqual(t, before, tree.Root())
}

func TestSparseTreeOverwriteUpdatesProof(t *testing.T) {
	tree := NewSparseTree()
	tree.Set([]byte("k"), []byte("v1"))
	rootAfterFirst := tree.Root()
	tree.Set([]byte("k"), []byte("v2"))
	assert.NotEqual(t, rootAfterFirst, tree.Root())

	proof := tree.Proof([]byte("k"))
	assert.True(t, VerifySparseProof(proof))
	assert.Equal(t, Sha256Hex([]byte("v2")), *proof.Value)
}

func TestTamperedSparseProofFailsVerification(t *testing.T) {
	tree := NewSparseTree()
	tree.Set([]byte("k"), []byte("v"))
	proof := tree.Proof([]byte("k"))

	proof.Siblings[0] = Sha256Hex([]byte("tampered"))
	assert.False(t, VerifySparseProof(proof))
}

func TestSparseProofRejectsMalformedKey(t *testing.T) {
	tree := NewSparseTree()
	tree.Set([]byte("k"), []byte("v"))
	proof := tree.Proof([]byte("k"))
	proof.Key = Hash("not-a-hash")
	assert.False(t, VerifySparseProof(proof))
}

func TestSparseProofRejectsWrongSiblingCount(t *testing.T) {
	tree := NewSparseTree()
	proof := tree.Proof([]byte("k"))
	proof.Siblings = proof.Siblings[:sparseDepth-1]
	assert.False(t, VerifySparseProof(proof))
}
