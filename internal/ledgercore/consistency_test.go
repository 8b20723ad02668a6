package ledgercore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsistencyProofEmptyOldTree(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(5))

	cp, err := GenerateConsistencyProof(tree, GenesisHash, 0)
	require.NoError(t, err)
	assert.True(t, VerifyConsistencyProof(cp))
}

func TestConsistencyProofSameSizeRequiresSameRoot(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(5))

	cp, err := GenerateConsistencyProof(tree, tree.Root(), tree.Size())
	require.NoError(t, err)
	assert.Equal(t, cp.OldRoot, cp.NewRoot)
	assert.True(t, VerifyConsistencyProof(cp))
}

func TestConsistencyProofAcrossGrowth(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(3))
	oldRoot := tree.Root()
	oldSize := tree.Size()

	tree.AppendBatch(leafHashes(9)[3:]) // extend to 9 leaves total

	cp, err := GenerateConsistencyProof(tree, oldRoot, oldSize)
	require.NoError(t, err)
	assert.Equal(t, tree.Root(), cp.NewRoot)
	assert.True(t, VerifyConsistencyProof(cp))
}

func TestConsistencyProofRejectsOldSizeGreaterThanNewSize(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(3))
	_, err := GenerateConsistencyProof(tree, tree.Root(), 10)
	assert.Error(t, err)
}

func TestConsistencyProofRejectsWrongOldRoot(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(6))
	_, err := GenerateConsistencyProof(tree, Sha256Hex([]byte("not the real old root")), 3)
	assert.Error(t, err)
}

func TestConsistencyProofFailsVerificationWhenTampered(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(4))
	oldRoot := tree.Root()
	oldSize := tree.Size()
	tree.AppendBatch(leafHashes(4))

	cp, err := GenerateConsistencyProof(tree, oldRoot, oldSize)
	require.NoError(t, err)

	cp.NewLeaves[0] = Sha256Hex([]byte("tampered"))
	assert.False(t, VerifyConsistencyProof(cp))
}

func TestConsistencyProofEveryPrefixOfAGrowingTree(t *testing.T) {
	tree := NewTree()
	all := leafHashes(40)

	roots := make([]Hash, 0, 40)
	for _, l := range all {
		tree.Append(l)
		roots = append(roots, tree.Root())
	}

	for oldSize := 1; oldSize < 40; oldSize += 3 {
		cp, err := GenerateConsistencyProof(tree, roots[oldSize-1], uint64(oldSize))
		require.NoError(t, err, "oldSize=%d", oldSize)
		assert.True(t, VerifyConsistencyProof(cp), "oldSize=%d", oldSize)
	}
}
