package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/ledger/internal/ledgercore"
	"github.com/ocx/ledger/internal/storage"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	store := storage.NewMemory()
	svc := New(store, nil)
	ctx := context.Background()

	meta, err := svc.CreateLedger(ctx, "orders", "", nil)
	require.NoError(t, err)
	return svc, meta.ID
}

func TestAppendBuildsAValidInclusionProof(t *testing.T) {
	svc, ledgerID := newTestService(t)
	ctx := context.Background()

	result, err := svc.Append(ctx, ledgerID, map[string]interface{}{"amount": 100}, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, ledgercore.GenesisHash, result.PreviousRoot)
	assert.NotEqual(t, result.PreviousRoot, result.NewRoot)

	verify := VerifyProof(result.Proof)
	assert.True(t, verify.Valid)
	assert.Equal(t, result.NewRoot, verify.Root)
}

func TestAppendChainsParentHashAcrossEntries(t *testing.T) {
	svc, ledgerID := newTestService(t)
	ctx := context.Background()

	first, err := svc.Append(ctx, ledgerID, map[string]interface{}{"i": 1}, AppendOptions{})
	require.NoError(t, err)
	second, err := svc.Append(ctx, ledgerID, map[string]interface{}{"i": 2}, AppendOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.Entry.Hash, second.Entry.ParentHash)
	assert.Equal(t, first.NewRoot, second.PreviousRoot)
}

func TestAppendIsIdempotentOnRepeatedKey(t *testing.T) {
	svc, ledgerID := newTestService(t)
	ctx := context.Background()

	opts := AppendOptions{IdempotencyKey: "req-1"}
	data := map[string]interface{}{"amount": 42}

	first, err := svc.Append(ctx, ledgerID, data, opts)
	require.NoError(t, err)
	second, err := svc.Append(ctx, ledgerID, data, opts)
	require.NoError(t, err)

	assert.Equal(t, first.Entry.ID, second.Entry.ID, "a retried request with the same key and payload must not append a second entry")

	meta, err := svc.GetLedger(ctx, ledgerID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, meta.EntryCount)
}

func TestAppendRejectsIdempotencyKeyReuseWithDifferentPayload(t *testing.T) {
	svc, ledgerID := newTestService(t)
	ctx := context.Background()

	opts := AppendOptions{IdempotencyKey: "req-1"}
	_, err := svc.Append(ctx, ledgerID, map[string]interface{}{"amount": 42}, opts)
	require.NoError(t, err)

	_, err = svc.Append(ctx, ledgerID, map[string]interface{}{"amount": 43}, opts)
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeIdempotencyConflict, svcErr.Code)
}

func TestAppendRejectsWritesToArchivedLedger(t *testing.T) {
	svc, ledgerID := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Archive(ctx, ledgerID))

	_, err := svc.Append(ctx, ledgerID, map[string]interface{}{"amount": 1}, AppendOptions{})
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeArchived, svcErr.Code)
}

func TestAppendEnforcesSchemaWhenLedgerHasOne(t *testing.T) {
	store := storage.NewMemory()
	svc := New(store, nil)
	ctx := context.Background()

	meta, err := svc.CreateLedger(ctx, "typed", "", map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"amount"},
		"properties": map[string]interface{}{
			"amount": map[string]interface{}{"type": "number"},
		},
	})
	require.NoError(t, err)

	_, err = svc.Append(ctx, meta.ID, map[string]interface{}{"currency": "USD"}, AppendOptions{})
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeValidationError, svcErr.Code)

	_, err = svc.Append(ctx, meta.ID, map[string]interface{}{"amount": 10}, AppendOptions{})
	assert.NoError(t, err)
}

type checkerStub struct {
	blocked map[string]bool
}

func (c checkerStub) CheckEntry(ctx context.Context, ledgerID string, hash, parentHash ledgercore.Hash, position uint64) error {
	return nil
}

func (c checkerStub) IsBlocked(ledgerID string) bool {
	return c.blocked[ledgerID]
}

func TestAppendRefusesWriteBlockedLedger(t *testing.T) {
	store := storage.NewMemory()
	checker := checkerStub{blocked: map[string]bool{}}
	svc := New(store, checker)
	ctx := context.Background()

	meta, err := svc.CreateLedger(ctx, "blocked", "", nil)
	require.NoError(t, err)

	checker.blocked[meta.ID] = true
	_, err = svc.Append(ctx, meta.ID, map[string]interface{}{"x": 1}, AppendOptions{})
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeWriteBlocked, svcErr.Code)
}

func TestBatchAppendContinuesPastAPerItemFailure(t *testing.T) {
	svc, ledgerID := newTestService(t)
	ctx := context.Background()

	// The second item reuses the first item's idempotency key with a
	// different payload, so it fails with a conflict; the third still lands.
	result, err := svc.BatchAppend(ctx, ledgerID, []BatchAppendItem{
		{Data: map[string]interface{}{"i": 1}, IdempotencyKey: "k"},
		{Data: map[string]interface{}{"i": 2}, IdempotencyKey: "k"},
		{Data: map[string]interface{}{"i": 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Successful)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Items, 3)
	require.NotNil(t, result.Items[1].Err)
	assert.Equal(t, CodeIdempotencyConflict, result.Items[1].Err.Code)
}

func TestBatchAppendRejectsOversizedBatch(t *testing.T) {
	svc, ledgerID := newTestService(t)
	ctx := context.Background()

	items := make([]BatchAppendItem, DefaultBatchLimit+1)
	for i := range items {
		items[i] = BatchAppendItem{Data: map[string]interface{}{"i": i}}
	}

	_, err := svc.BatchAppend(ctx, ledgerID, items)
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeValidationError, svcErr.Code)
}

func TestGetEntryWithProofMatchesLedgerRoot(t *testing.T) {
	svc, ledgerID := newTestService(t)
	ctx := context.Background()

	appended, err := svc.Append(ctx, ledgerID, map[string]interface{}{"i": 1}, AppendOptions{})
	require.NoError(t, err)

	entry, proof, err := svc.GetEntry(ctx, ledgerID, appended.Entry.ID, true)
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.Equal(t, appended.Entry.Hash, entry.Hash)

	verify := VerifyProof(*proof)
	assert.True(t, verify.Valid)
	assert.Equal(t, appended.NewRoot, verify.Root)
}

func TestVerifyProofRejectsTamperedLeaf(t *testing.T) {
	svc, ledgerID := newTestService(t)
	ctx := context.Background()

	result, err := svc.Append(ctx, ledgerID, map[string]interface{}{"i": 1}, AppendOptions{})
	require.NoError(t, err)

	tampered := result.Proof
	tampered.Leaf = ledgercore.Sha256Hex([]byte("not the real leaf"))

	verify := VerifyProof(tampered)
	assert.False(t, verify.Valid)
	assert.NotEmpty(t, verify.Error)
}

func TestInvalidateTreeForcesRebuildFromStorage(t *testing.T) {
	svc, ledgerID := newTestService(t)
	ctx := context.Background()

	_, err := svc.Append(ctx, ledgerID, map[string]interface{}{"i": 1}, AppendOptions{})
	require.NoError(t, err)

	svc.InvalidateTree(ledgerID)

	second, err := svc.Append(ctx, ledgerID, map[string]interface{}{"i": 2}, AppendOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, second.Entry.Position)
}
