package ledgercore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchProofVerifiesEveryLeaf(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(12))

	bp, err := GenerateBatchProof(tree, []uint64{1, 4, 9})
	require.NoError(t, err)
	assert.True(t, VerifyBatchProof(bp))
	assert.Equal(t, tree.Root(), bp.Root)
}

func TestBatchProofRejectsUnsortedIndices(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(5))
	_, err := GenerateBatchProof(tree, []uint64{3, 1})
	assert.Error(t, err)
}

func TestBatchProofRejectsDuplicateIndices(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(5))
	_, err := GenerateBatchProof(tree, []uint64{2, 2})
	assert.Error(t, err)
}

func TestBatchProofDeduplicatesSharedSiblings(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(8))

	bp, err := GenerateBatchProof(tree, []uint64{0, 1})
	require.NoError(t, err)
	// Leaves 0 and 1 are siblings of each other at layer 0, so their pool
	// contribution collapses: each uses the other's own leaf hash, and
	// every layer above that is shared between both paths.
	assert.Less(t, len(bp.Proof), len(bp.ProofMap[0])+len(bp.ProofMap[1]))
}

func TestTamperedBatchProofFailsVerification(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(8))

	bp, err := GenerateBatchProof(tree, []uint64{0, 5})
	require.NoError(t, err)
	bp.Leaves[0] = Sha256Hex([]byte("tampered"))
	assert.False(t, VerifyBatchProof(bp))
}

func TestIndividualProofExtractedFromBatch(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(10))

	bp, err := GenerateBatchProof(tree, []uint64{2, 7})
	require.NoError(t, err)

	single, err := bp.IndividualProof(1)
	require.NoError(t, err)
	assert.True(t, Verify(single))
	assert.Equal(t, uint64(7), single.Index)
}

func TestIndividualProofRejectsOutOfRange(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(4))
	bp, err := GenerateBatchProof(tree, []uint64{0})
	require.NoError(t, err)
	_, err = bp.IndividualProof(5)
	assert.Error(t, err)
}
