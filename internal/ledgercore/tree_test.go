package ledgercore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafHashes(n int) []Hash {
	out := make([]Hash, n)
	for i := 0; i < n; i++ {
		out[i] = Sha256Hex([]byte{byte(i)})
	}
	return out
}

func TestEmptyTreeRootIsGenesisHash(t *testing.T) {
	tree := NewTree()
	assert.Equal(t, GenesisHash, tree.Root())
	assert.Equal(t, uint64(0), tree.Size())
}

func TestSingleLeafTreeRootIsTheLeaf(t *testing.T) {
	tree := NewTree()
	leaf := Sha256Hex([]byte("entry-0"))
	tree.Append(leaf)
	assert.Equal(t, leaf, tree.Root())
}

func TestAppendIsOrderSensitive(t *testing.T) {
	a, b := NewTree(), NewTree()
	leaves := leafHashes(5)

	a.AppendBatch(leaves)
	reversed := append([]Hash(nil), leaves...)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	b.AppendBatch(reversed)

	assert.NotEqual(t, a.Root(), b.Root())
}

func TestAppendBatchMatchesSuccessiveAppends(t *testing.T) {
	leaves := leafHashes(7)

	batched := NewTree()
	batched.AppendBatch(leaves)

	sequential := NewTree()
	for _, l := range leaves {
		sequential.Append(l)
	}

	assert.Equal(t, batched.Root(), sequential.Root())
}

func TestProofRoundTripsForEverySize(t *testing.T) {
	for n := 1; n <= 20; n++ {
		tree := NewTree()
		tree.AppendBatch(leafHashes(n))
		for idx := 0; idx < n; idx++ {
			proof, err := tree.Proof(uint64(idx))
			require.NoError(t, err)
			assert.True(t, Verify(proof), "size=%d index=%d", n, idx)
		}
	}
}

func TestProofOutOfBoundsErrors(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(3))
	_, err := tree.Proof(3)
	assert.Error(t, err)
}

func TestTamperedProofFailsVerification(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(4))
	proof, err := tree.Proof(1)
	require.NoError(t, err)

	proof.Leaf = Sha256Hex([]byte("tampered"))
	assert.False(t, Verify(proof))
}

func TestPopLastRollsBackToPriorRoot(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(4))
	rootBefore := tree.Root()

	tree.appendLocked(Sha256Hex([]byte("extra")))
	assert.NotEqual(t, rootBefore, tree.Root())

	require.NoError(t, tree.PopLast())
	assert.Equal(t, rootBefore, tree.Root())
	assert.Equal(t, uint64(4), tree.Size())
}

func TestImportRejectsRootMismatch(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(4))
	exp := tree.Export()
	exp.Root = Sha256Hex([]byte("wrong"))

	_, err := Import(exp)
	assert.Error(t, err)
}

func TestImportRebuildsAnIdenticalTree(t *testing.T) {
	tree := NewTree()
	tree.AppendBatch(leafHashes(9))

	imported, err := Import(tree.Export())
	require.NoError(t, err)
	assert.Equal(t, tree.Root(), imported.Root())
	assert.Equal(t, tree.Size(), imported.Size())
}
