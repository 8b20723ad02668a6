package ledgercore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProof(t *testing.T) MerkleProof {
	t.Helper()
	tree := NewTree()
	tree.AppendBatch(leafHashes(6))
	proof, err := tree.Proof(4)
	require.NoError(t, err)
	return proof
}

func TestCompactProofRoundTrip(t *testing.T) {
	proof := sampleProof(t)
	compact := ToCompact(proof)

	back, err := FromCompact(compact)
	require.NoError(t, err)
	assert.Equal(t, proof, back)
	assert.True(t, Verify(back))
}

func TestFromCompactRejectsUnknownVersion(t *testing.T) {
	compact := ToCompact(sampleProof(t))
	compact.Version = 99
	_, err := FromCompact(compact)
	assert.Error(t, err)
}

func TestFromCompactRejectsMisalignedPath(t *testing.T) {
	compact := ToCompact(sampleProof(t))
	compact.Path = compact.Path[:len(compact.Path)-1]
	_, err := FromCompact(compact)
	assert.Error(t, err)
}

func TestSerializedV1RoundTrip(t *testing.T) {
	proof := sampleProof(t)
	serialized := ToSerializedV1(proof)

	back, err := FromSerializedV1(serialized)
	require.NoError(t, err)
	assert.Equal(t, proof, back)
}

func TestFromSerializedV1RejectsUnknownVersion(t *testing.T) {
	serialized := ToSerializedV1(sampleProof(t))
	serialized.Version = 2
	_, err := FromSerializedV1(serialized)
	assert.Error(t, err)
}

func TestBinaryCBORRoundTrip(t *testing.T) {
	proof := sampleProof(t)

	encoded, err := EncodeBinary(proof)
	require.NoError(t, err)

	decoded, err := DecodeBinary(encoded)
	require.NoError(t, err)
	assert.Equal(t, proof, decoded)
	assert.True(t, Verify(decoded))
}

func TestBinaryBase64RoundTrip(t *testing.T) {
	proof := sampleProof(t)

	encoded, err := EncodeBinaryBase64(proof)
	require.NoError(t, err)
	assert.NotContains(t, encoded, "=", "RawURLEncoding must not pad")

	decoded, err := DecodeBinaryBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, proof, decoded)
}

func TestNewQRPayloadBuildsVerifyURL(t *testing.T) {
	payload := NewQRPayload("ledger-1", "entry-42", GenesisHash, "https://verify.example.com/")
	assert.Equal(t, "https://verify.example.com/ledgers/ledger-1/entries/entry-42/proof", payload.VerifyURL)
	assert.Equal(t, 1, payload.Version)
	assert.Equal(t, "veilchain_proof", payload.Type)
}
