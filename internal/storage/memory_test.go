package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/ledger/internal/ledgercore"
)

func newTestLedger(t *testing.T, m *Memory, id string) {
	t.Helper()
	require.NoError(t, m.CreateMetadata(context.Background(), Metadata{
		ID:        id,
		Name:      "test ledger",
		CreatedAt: time.Now().UTC(),
		RootHash:  ledgercore.GenesisHash,
	}))
}

func TestMemoryCreateMetadataRejectsDuplicateID(t *testing.T) {
	m := NewMemory()
	newTestLedger(t, m, "ledger-1")
	err := m.CreateMetadata(context.Background(), Metadata{ID: "ledger-1"})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestMemoryPutEnforcesSequenceViolation(t *testing.T) {
	m := NewMemory()
	newTestLedger(t, m, "ledger-1")
	ctx := context.Background()

	err := m.Put(ctx, "ledger-1", Entry{ID: "e1", Position: 1, ParentHash: ledgercore.GenesisHash, Hash: ledgercore.Sha256Hex([]byte("a"))})
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, SequenceViolation, inv.Kind)
}

func TestMemoryPutEnforcesChainIntegrityViolation(t *testing.T) {
	m := NewMemory()
	newTestLedger(t, m, "ledger-1")
	ctx := context.Background()

	wrongParent := ledgercore.Sha256Hex([]byte("not-genesis"))
	err := m.Put(ctx, "ledger-1", Entry{ID: "e1", Position: 0, ParentHash: wrongParent, Hash: ledgercore.Sha256Hex([]byte("a"))})
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ChainIntegrityViolation, inv.Kind)
}

func TestMemoryPutEnforcesMalformedEntry(t *testing.T) {
	m := NewMemory()
	newTestLedger(t, m, "ledger-1")
	ctx := context.Background()

	err := m.Put(ctx, "ledger-1", Entry{ID: "e1", Position: 0, ParentHash: ledgercore.GenesisHash, Hash: ledgercore.Hash("too-short")})
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, MalformedEntry, inv.Kind)
}

func TestMemoryPutRejectsDuplicateEntryID(t *testing.T) {
	m := NewMemory()
	newTestLedger(t, m, "ledger-1")
	ctx := context.Background()

	h0 := ledgercore.Sha256Hex([]byte("a"))
	require.NoError(t, m.Put(ctx, "ledger-1", Entry{ID: "dup", Position: 0, ParentHash: ledgercore.GenesisHash, Hash: h0}))

	h1 := ledgercore.Sha256Hex([]byte("b"))
	err := m.Put(ctx, "ledger-1", Entry{ID: "dup", Position: 1, ParentHash: h0, Hash: h1})
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, DuplicatePosition, inv.Kind)
}

func TestMemoryAppendChainAndVerifyIntegrity(t *testing.T) {
	m := NewMemory()
	newTestLedger(t, m, "ledger-1")
	ctx := context.Background()

	var lastHash ledgercore.Hash = ledgercore.GenesisHash
	for i := 0; i < 5; i++ {
		h := ledgercore.Sha256Hex([]byte{byte(i)})
		require.NoError(t, m.Put(ctx, "ledger-1", Entry{
			ID: fmt.Sprintf("e%d", i), Position: uint64(i), ParentHash: lastHash, Hash: h,
		}))
		lastHash = h
	}

	leaves, err := m.AllLeafHashes(ctx, "ledger-1")
	require.NoError(t, err)
	require.Len(t, leaves, 5)

	tree := ledgercore.NewTree()
	tree.AppendBatch(leaves)
	require.NoError(t, m.UpdateMetadata(ctx, "ledger-1", MetadataPatch{RootHash: tree.Root(), EntryCount: 5, LastEntryAt: time.Now().UTC()}))

	report, err := m.VerifyIntegrity(ctx, "ledger-1")
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.True(t, report.ChainValid)
	assert.Equal(t, uint64(5), report.EntryCount)

	got, err := m.LastEntryHash(ctx, "ledger-1")
	require.NoError(t, err)
	assert.Equal(t, lastHash, got)
}

func TestMemoryVerifyIntegrityDetectsMerkleMismatch(t *testing.T) {
	m := NewMemory()
	newTestLedger(t, m, "ledger-1")
	ctx := context.Background()

	h0 := ledgercore.Sha256Hex([]byte("a"))
	require.NoError(t, m.Put(ctx, "ledger-1", Entry{ID: "e0", Position: 0, ParentHash: ledgercore.GenesisHash, Hash: h0}))
	// UpdateMetadata is never called, so the stored root stays GenesisHash
	// while the recomputed root reflects the one committed entry.
	report, err := m.VerifyIntegrity(ctx, "ledger-1")
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.Contains(t, report.Errors[0], "MERKLE_MISMATCH")
}

func TestMemoryGetByPositionAndGetByID(t *testing.T) {
	m := NewMemory()
	newTestLedger(t, m, "ledger-1")
	ctx := context.Background()

	h0 := ledgercore.Sha256Hex([]byte("a"))
	require.NoError(t, m.Put(ctx, "ledger-1", Entry{ID: "e0", Position: 0, ParentHash: ledgercore.GenesisHash, Hash: h0}))

	byID, err := m.Get(ctx, "ledger-1", "e0")
	require.NoError(t, err)
	assert.Equal(t, h0, byID.Hash)

	byPos, err := m.GetByPosition(ctx, "ledger-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "e0", byPos.ID)

	_, err = m.GetByPosition(ctx, "ledger-1", 1)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestMemoryArchiveBlocksNothingAtStorageLevel(t *testing.T) {
	m := NewMemory()
	newTestLedger(t, m, "ledger-1")
	ctx := context.Background()

	require.NoError(t, m.Archive(ctx, "ledger-1"))
	meta, err := m.GetMetadata(ctx, "ledger-1")
	require.NoError(t, err)
	assert.NotNil(t, meta.ArchivedAt)

	ledgers, err := m.ListLedgers(ctx, 0, 10, false)
	require.NoError(t, err)
	assert.Empty(t, ledgers, "archived ledger excluded when includeArchived is false")

	require.NoError(t, m.Unarchive(ctx, "ledger-1"))
	meta, err = m.GetMetadata(ctx, "ledger-1")
	require.NoError(t, err)
	assert.Nil(t, meta.ArchivedAt)
}

func TestMemoryIdempotencyTTLExpiry(t *testing.T) {
	m := NewMemory()
	newTestLedger(t, m, "ledger-1")
	ctx := context.Background()

	require.NoError(t, m.PutIdempotency(ctx, IdempotencyRecord{
		LedgerID:       "ledger-1",
		Key:            "k1",
		CachedResponse: []byte(`{}`),
		CreatedAt:      time.Now().UTC().Add(-time.Hour),
		TTL:            time.Minute,
	}))

	rec, err := m.GetIdempotency(ctx, "ledger-1", "k1")
	require.NoError(t, err)
	assert.Nil(t, rec, "expired record must not be returned")
}
