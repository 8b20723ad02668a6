package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/ledger/internal/ledgercore"
	"github.com/ocx/ledger/internal/storage"
)

func newLedgerWithOneEntry(t *testing.T) (*storage.Memory, string, ledgercore.Hash) {
	t.Helper()
	store := storage.NewMemory()
	ctx := context.Background()
	ledgerID := "ledger-1"
	require.NoError(t, store.CreateMetadata(ctx, storage.Metadata{
		ID: ledgerID, Name: "test", CreatedAt: time.Now().UTC(), RootHash: ledgercore.GenesisHash,
	}))
	hash := ledgercore.Sha256Hex([]byte("entry-0"))
	require.NoError(t, store.Put(ctx, ledgerID, storage.Entry{
		ID: "e0", Position: 0, ParentHash: ledgercore.GenesisHash, Hash: hash,
	}))
	return store, ledgerID, hash
}

func TestCheckEntryAcceptsAMatchingReRead(t *testing.T) {
	store, ledgerID, hash := newLedgerWithOneEntry(t)
	m := New(store, nil, nil, time.Minute, nil)

	err := m.CheckEntry(context.Background(), ledgerID, hash, ledgercore.GenesisHash, 0)
	assert.NoError(t, err)
	assert.False(t, m.IsBlocked(ledgerID))
}

func TestCheckEntryBlocksOnHashMismatch(t *testing.T) {
	store, ledgerID, _ := newLedgerWithOneEntry(t)
	m := New(store, nil, nil, time.Minute, nil)

	wrongHash := ledgercore.Sha256Hex([]byte("not what was written"))
	err := m.CheckEntry(context.Background(), ledgerID, wrongHash, ledgercore.GenesisHash, 0)
	assert.Error(t, err)
	assert.True(t, m.IsBlocked(ledgerID), "a hash mismatch is CRITICAL and must write-block the ledger")
}

func TestCheckEntryBlocksOnParentHashMismatch(t *testing.T) {
	store, ledgerID, hash := newLedgerWithOneEntry(t)
	m := New(store, nil, nil, time.Minute, nil)

	wrongParent := ledgercore.Sha256Hex([]byte("not the real parent"))
	err := m.CheckEntry(context.Background(), ledgerID, hash, wrongParent, 0)
	assert.Error(t, err)
	assert.True(t, m.IsBlocked(ledgerID))
}

func TestScanOneBlocksOnMerkleMismatchAndInvalidatesTree(t *testing.T) {
	store, ledgerID, _ := newLedgerWithOneEntry(t)
	// UpdateMetadata is deliberately never called, so the stored root
	// (GenesisHash) disagrees with the tree recomputed from the one entry
	// just committed.
	invalidated := false
	m := New(store, nil, nil, time.Minute, func(id string) {
		if id == ledgerID {
			invalidated = true
		}
	})

	m.scanOne(context.Background(), ledgerID)

	assert.True(t, m.IsBlocked(ledgerID))
	assert.True(t, invalidated, "a detected divergence must invalidate the service's tree cache")

	m.Clear(ledgerID)
	assert.False(t, m.IsBlocked(ledgerID))
}

func TestScanOneLeavesAConsistentLedgerUnblocked(t *testing.T) {
	store, ledgerID, hash := newLedgerWithOneEntry(t)
	tree := ledgercore.NewTree()
	tree.AppendBatch([]ledgercore.Hash{hash})
	require.NoError(t, store.UpdateMetadata(context.Background(), ledgerID, storage.MetadataPatch{
		RootHash: tree.Root(), EntryCount: 1, LastEntryAt: time.Now().UTC(),
	}))

	m := New(store, nil, nil, time.Minute, nil)
	m.scanOne(context.Background(), ledgerID)

	assert.False(t, m.IsBlocked(ledgerID))
}

type fakeColdDrainer struct {
	*storage.Memory
	drainedLedgerID string
	calls           int
}

func (f *fakeColdDrainer) DrainCold(ctx context.Context, ledgerID string) (int, error) {
	f.calls++
	f.drainedLedgerID = ledgerID
	return 0, nil
}

func TestScanOneDrainsColdTierAfterACleanVerify(t *testing.T) {
	store, ledgerID, hash := newLedgerWithOneEntry(t)
	tree := ledgercore.NewTree()
	tree.AppendBatch([]ledgercore.Hash{hash})
	require.NoError(t, store.UpdateMetadata(context.Background(), ledgerID, storage.MetadataPatch{
		RootHash: tree.Root(), EntryCount: 1, LastEntryAt: time.Now().UTC(),
	}))

	drainer := &fakeColdDrainer{Memory: store}
	m := New(drainer, nil, nil, time.Minute, nil)
	m.scanOne(context.Background(), ledgerID)

	assert.Equal(t, 1, drainer.calls)
	assert.Equal(t, ledgerID, drainer.drainedLedgerID)
}

func TestScanOneSkipsColdDrainWhenLedgerIsInconsistent(t *testing.T) {
	store, ledgerID, _ := newLedgerWithOneEntry(t)
	drainer := &fakeColdDrainer{Memory: store}
	m := New(drainer, nil, nil, time.Minute, nil)

	m.scanOne(context.Background(), ledgerID)

	assert.Equal(t, 0, drainer.calls, "a corrupt ledger must never be drained to the cold tier")
}
