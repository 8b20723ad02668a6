package ledgercore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenesisHashIsSha256OfEmptyString(t *testing.T) {
	assert.Equal(t, Sha256Hex(nil), GenesisHash)
	assert.Equal(t, Sha256Hex([]byte{}), GenesisHash)
}

func TestHashValidate(t *testing.T) {
	require.NoError(t, GenesisHash.Validate())

	tooShort := Hash("abc")
	assert.Error(t, tooShort.Validate())

	uppercase := Hash("E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855")
	assert.Error(t, uppercase.Validate())
}

func TestHashPairIsOrderSensitive(t *testing.T) {
	a := Sha256Hex([]byte("a"))
	b := Sha256Hex([]byte("b"))
	assert.NotEqual(t, HashPair(a, b), HashPair(b, a))
}

func TestDecimalU64RoundTrips(t *testing.T) {
	d := DecimalU64(18446744073709551615)
	raw, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"18446744073709551615"`, string(raw))

	var out DecimalU64
	require.NoError(t, out.UnmarshalJSON(raw))
	assert.Equal(t, d, out)

	// Tolerates a bare JSON number too.
	var fromNumber DecimalU64
	require.NoError(t, fromNumber.UnmarshalJSON([]byte("42")))
	assert.Equal(t, DecimalU64(42), fromNumber)
}

func TestHashEntryIsDeterministicAndOmitsTimestamp(t *testing.T) {
	h1, err := HashEntry(map[string]interface{}{"amount": 100, "currency": "USD"}, 0)
	require.NoError(t, err)
	h2, err := HashEntry(map[string]interface{}{"currency": "USD", "amount": 100}, 0)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "key order must not affect the canonical hash")

	h3, err := HashEntry(map[string]interface{}{"amount": 100, "currency": "USD"}, 1)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "position must be part of the hashed payload")
}
