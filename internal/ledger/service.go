package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/ledger/internal/ledgercore"
	"github.com/ocx/ledger/internal/storage"
)

// RealTimeChecker is the per-append integrity hook (spec.md §4.7,
// "Per-append check"): invoked after step 8 of the append pipeline. A
// failure is reported as an alert and does not reverse the append. The
// concrete implementation lives in internal/monitor; Service depends only
// on this interface to avoid importing it directly.
type RealTimeChecker interface {
	CheckEntry(ctx context.Context, ledgerID string, hash, parentHash ledgercore.Hash, position uint64) error
	// IsBlocked reports whether a prior CRITICAL finding has write-blocked
	// ledgerID (spec.md §9: "a CRITICAL alert should mark the ledger
	// write-blocked until an operator clears it").
	IsBlocked(ledgerID string) bool
}

// DefaultBatchLimit is the reference's cap on entries per batch append call.
const DefaultBatchLimit = 1000

// Service is the single authority for all writes to every ledger it serves.
// It owns a per-ledger write lock and a per-process tree cache, per spec.md
// §4.6 and §5 — generalized from the teacher's single ReputationWallet
// mutex (internal/reputation/wallet.go) to one lock per ledger, since
// cross-ledger writes must proceed concurrently here.
type Service struct {
	store      storage.Storage
	checker    RealTimeChecker
	batchLimit int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	treesMu sync.RWMutex
	trees   map[string]*ledgercore.Tree

	logger *slog.Logger
}

// New constructs a Service over store. checker may be nil to disable the
// real-time integrity check.
func New(store storage.Storage, checker RealTimeChecker) *Service {
	return &Service{
		store:      store,
		checker:    checker,
		batchLimit: DefaultBatchLimit,
		locks:      make(map[string]*sync.Mutex),
		trees:      make(map[string]*ledgercore.Tree),
		logger:     slog.Default().With("component", "ledger.Service"),
	}
}

func (s *Service) lockFor(ledgerID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[ledgerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ledgerID] = l
	}
	return l
}

// treeFor returns the cached tree for ledgerID, reconstructing it from
// storage on first use (spec.md §9, "Proof generation after tree
// reconstruction"). Callers must already hold the ledger's write lock, or
// be a read path tolerant of a snapshot that's a moment stale.
func (s *Service) treeFor(ctx context.Context, ledgerID string) (*ledgercore.Tree, error) {
	s.treesMu.RLock()
	t, ok := s.trees[ledgerID]
	s.treesMu.RUnlock()
	if ok {
		return t, nil
	}

	leaves, err := s.store.AllLeafHashes(ctx, ledgerID)
	if err != nil {
		return nil, err
	}
	t = ledgercore.NewTree()
	t.AppendBatch(leaves)

	s.treesMu.Lock()
	s.trees[ledgerID] = t
	s.treesMu.Unlock()
	return t, nil
}

// InvalidateTree drops the cached tree for ledgerID, forcing the next use to
// reconstruct from storage. Called on monitor-detected divergence (spec.md
// §9: "MUST invalidate the cache on any storage-level integrity alert").
func (s *Service) InvalidateTree(ledgerID string) {
	s.treesMu.Lock()
	delete(s.trees, ledgerID)
	s.treesMu.Unlock()
}

// CreateLedger registers a new, empty ledger.
func (s *Service) CreateLedger(ctx context.Context, name, description string, schema map[string]interface{}) (*Metadata, error) {
	if name == "" {
		return nil, errValidation("name", "name must not be empty")
	}
	id := uuid.NewString()
	meta := storage.Metadata{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		RootHash:    ledgercore.GenesisHash,
		EntryCount:  0,
		Schema:      schema,
	}
	if err := s.store.CreateMetadata(ctx, meta); err != nil {
		return nil, errInternal(err, "failed to create ledger %q", name)
	}
	out := toServiceMetadata(meta)
	return &out, nil
}

// GetLedger returns a ledger's current metadata.
func (s *Service) GetLedger(ctx context.Context, ledgerID string) (*Metadata, error) {
	meta, err := s.store.GetMetadata(ctx, ledgerID)
	if err != nil {
		return nil, translateStorageError(ledgerID, err)
	}
	out := toServiceMetadata(*meta)
	return &out, nil
}

// CurrentRoot returns a ledger's current root hash without touching the
// tree cache.
func (s *Service) CurrentRoot(ctx context.Context, ledgerID string) (ledgercore.Hash, error) {
	meta, err := s.store.GetMetadata(ctx, ledgerID)
	if err != nil {
		return "", translateStorageError(ledgerID, err)
	}
	return meta.RootHash, nil
}

// ListLedgers pages over every known ledger.
func (s *Service) ListLedgers(ctx context.Context, offset, limit int, includeArchived bool) ([]Metadata, error) {
	metas, err := s.store.ListLedgers(ctx, offset, limit, includeArchived)
	if err != nil {
		return nil, errInternal(err, "failed to list ledgers")
	}
	out := make([]Metadata, len(metas))
	for i, m := range metas {
		out[i] = toServiceMetadata(m)
	}
	return out, nil
}

// Archive soft-deletes a ledger: entries remain readable, further appends
// are rejected.
func (s *Service) Archive(ctx context.Context, ledgerID string) error {
	if err := s.store.Archive(ctx, ledgerID); err != nil {
		return translateStorageError(ledgerID, err)
	}
	return nil
}

// Append runs the ten-step write pipeline described in spec.md §4.6.
func (s *Service) Append(ctx context.Context, ledgerID string, data interface{}, opts AppendOptions) (*AppendResult, error) {
	if s.checker != nil && s.checker.IsBlocked(ledgerID) {
		return nil, errWriteBlocked(ledgerID)
	}

	// Step 1: idempotency short-circuit.
	if opts.IdempotencyKey != "" {
		if cached, err := s.lookupIdempotent(ctx, ledgerID, opts.IdempotencyKey, data); err != nil {
			return nil, err
		} else if cached != nil {
			return cached, nil
		}
	}

	meta, err := s.store.GetMetadata(ctx, ledgerID)
	if err != nil {
		return nil, translateStorageError(ledgerID, err)
	}
	if meta.ArchivedAt != nil {
		return nil, errArchived(ledgerID)
	}
	if meta.Schema != nil {
		if err := validateAgainstSchema(meta.Schema, data); err != nil {
			return nil, errValidation("data", "%s", err)
		}
	}

	// Step 2: acquire the per-ledger append lock.
	lock := s.lockFor(ledgerID)
	lock.Lock()
	defer lock.Unlock()

	result, err := s.appendLocked(ctx, ledgerID, data)
	if err != nil {
		return nil, err
	}

	// Step 9: record the idempotent result.
	if opts.IdempotencyKey != "" {
		if err := s.storeIdempotent(ctx, ledgerID, opts.IdempotencyKey, data, *result); err != nil {
			s.logger.Warn("failed to persist idempotency record", "ledger_id", ledgerID, "key", opts.IdempotencyKey, "error", err)
		}
	}

	return result, nil
}

// appendLocked is steps 3-8 of the pipeline; the caller already holds the
// per-ledger lock.
func (s *Service) appendLocked(ctx context.Context, ledgerID string, data interface{}) (*AppendResult, error) {
	tree, err := s.treeFor(ctx, ledgerID)
	if err != nil {
		return nil, errInternal(err, "failed to load tree for ledger %q", ledgerID)
	}

	previousRoot := tree.Root()
	position := tree.Size()

	hash, err := ledgercore.HashEntry(data, position)
	if err != nil {
		return nil, errInternal(err, "failed to hash entry at position %d", position)
	}
	parentHash, err := s.store.LastEntryHash(ctx, ledgerID)
	if err != nil {
		return nil, translateStorageError(ledgerID, err)
	}

	entry := storage.Entry{
		ID:         uuid.NewString(),
		LedgerID:   ledgerID,
		Position:   position,
		Data:       data,
		Hash:       hash,
		ParentHash: parentHash,
		CreatedAt:  time.Now().UTC(),
	}

	index := tree.Append(hash)
	newRoot := tree.Root()
	proof, err := tree.Proof(index)
	if err != nil {
		return nil, errInternal(err, "failed to build proof for the entry just appended")
	}

	if err := s.store.Put(ctx, ledgerID, entry); err != nil {
		// Step 7 failure: roll back the tree mutation we just made.
		if rollbackErr := tree.PopLast(); rollbackErr != nil {
			s.logger.Error("tree rollback failed after rejected put, invalidating cache", "ledger_id", ledgerID, "error", rollbackErr)
			s.InvalidateTree(ledgerID)
		}
		return nil, translateStorageError(ledgerID, err)
	}

	now := time.Now().UTC()
	if err := s.store.UpdateMetadata(ctx, ledgerID, storage.MetadataPatch{
		RootHash:    newRoot,
		EntryCount:  tree.Size(),
		LastEntryAt: now,
	}); err != nil {
		return nil, errInternal(err, "entry committed but metadata update failed for ledger %q", ledgerID)
	}

	if s.checker != nil {
		if err := s.checker.CheckEntry(ctx, ledgerID, hash, parentHash, position); err != nil {
			s.logger.Error("real-time integrity check failed after append", "ledger_id", ledgerID, "position", position, "error", err)
		}
	}

	return &AppendResult{
		Entry:        toServiceEntry(entry),
		Proof:        proof,
		PreviousRoot: previousRoot,
		NewRoot:      newRoot,
	}, nil
}

// BatchAppend processes up to Service's batch limit entries sequentially
// under one lock acquisition (spec.md §4.6, "Batch append"). Partial
// failures do not roll back already-committed entries.
func (s *Service) BatchAppend(ctx context.Context, ledgerID string, items []BatchAppendItem) (*BatchAppendResult, error) {
	if s.checker != nil && s.checker.IsBlocked(ledgerID) {
		return nil, errWriteBlocked(ledgerID)
	}
	if len(items) == 0 {
		return nil, errValidation("entries", "batch must contain at least one entry")
	}
	if len(items) > s.batchLimit {
		return nil, errValidation("entries", "batch of %d exceeds the limit of %d", len(items), s.batchLimit)
	}

	meta, err := s.store.GetMetadata(ctx, ledgerID)
	if err != nil {
		return nil, translateStorageError(ledgerID, err)
	}
	if meta.ArchivedAt != nil {
		return nil, errArchived(ledgerID)
	}

	lock := s.lockFor(ledgerID)
	lock.Lock()
	defer lock.Unlock()

	result := &BatchAppendResult{Total: len(items)}
	tree, err := s.treeFor(ctx, ledgerID)
	if err != nil {
		return nil, errInternal(err, "failed to load tree for ledger %q", ledgerID)
	}
	result.PreviousRoot = tree.Root()

	for _, item := range items {
		if meta.Schema != nil {
			if err := validateAgainstSchema(meta.Schema, item.Data); err != nil {
				result.Items = append(result.Items, BatchItemResult{Err: errValidation("data", "%s", err)})
				result.Failed++
				continue
			}
		}

		var cached *AppendResult
		if item.IdempotencyKey != "" {
			cached, err = s.lookupIdempotent(ctx, ledgerID, item.IdempotencyKey, item.Data)
			if err != nil {
				result.Items = append(result.Items, BatchItemResult{Err: err.(*Error)})
				result.Failed++
				continue
			}
		}
		if cached != nil {
			result.Items = append(result.Items, BatchItemResult{Result: cached})
			result.Successful++
			continue
		}

		r, err := s.appendLocked(ctx, ledgerID, item.Data)
		if err != nil {
			svcErr, _ := err.(*Error)
			if svcErr == nil {
				svcErr = errInternal(err, "batch append failed")
			}
			result.Items = append(result.Items, BatchItemResult{Err: svcErr})
			result.Failed++
			continue
		}

		if item.IdempotencyKey != "" {
			if err := s.storeIdempotent(ctx, ledgerID, item.IdempotencyKey, item.Data, *r); err != nil {
				s.logger.Warn("failed to persist idempotency record in batch", "ledger_id", ledgerID, "key", item.IdempotencyKey, "error", err)
			}
		}

		result.Items = append(result.Items, BatchItemResult{Result: r})
		result.Successful++
		result.NewRoot = r.NewRoot
	}

	if result.NewRoot == "" {
		result.NewRoot = result.PreviousRoot
	}
	return result, nil
}

// GetEntry loads an entry by id, optionally with its inclusion proof.
func (s *Service) GetEntry(ctx context.Context, ledgerID, entryID string, includeProof bool) (*Entry, *ledgercore.MerkleProof, error) {
	entry, err := s.store.Get(ctx, ledgerID, entryID)
	if err != nil {
		return nil, nil, translateStorageError(ledgerID, err)
	}
	out := toServiceEntry(*entry)
	if !includeProof {
		return &out, nil, nil
	}

	tree, err := s.treeFor(ctx, ledgerID)
	if err != nil {
		return nil, nil, errInternal(err, "failed to load tree for ledger %q", ledgerID)
	}
	proof, err := tree.Proof(entry.Position)
	if err != nil {
		return nil, nil, errInternal(err, "failed to build proof for entry %q", entryID)
	}
	return &out, &proof, nil
}

// GetProof is the dedicated "get proof" read path (spec.md §6).
func (s *Service) GetProof(ctx context.Context, ledgerID, entryID string) (*ProofEnvelope, error) {
	entry, proof, err := s.GetEntry(ctx, ledgerID, entryID, true)
	if err != nil {
		return nil, err
	}
	env := &ProofEnvelope{Proof: *proof}
	env.Entry.ID = entry.ID
	env.Entry.Position = entry.Position
	env.Entry.Hash = entry.Hash
	return env, nil
}

// VerifyProof is the stateless proof-verification entry point.
func VerifyProof(proof ledgercore.MerkleProof) VerifyResult {
	ok := ledgercore.Verify(proof)
	res := VerifyResult{
		Valid:       ok,
		Leaf:        proof.Leaf,
		Root:        proof.Root,
		Index:       proof.Index,
		ProofLength: len(proof.Proof),
	}
	if !ok {
		res.Error = "proof does not fold to the stated root"
	}
	return res
}

func (s *Service) lookupIdempotent(ctx context.Context, ledgerID, key string, data interface{}) (*AppendResult, error) {
	rec, err := s.store.GetIdempotency(ctx, ledgerID, key)
	if err != nil {
		return nil, translateStorageError(ledgerID, err)
	}
	if rec == nil {
		return nil, nil
	}

	payloadHash := requestPayloadHash(data)
	var cached idempotentEnvelope
	if err := json.Unmarshal(rec.CachedResponse, &cached); err != nil {
		return nil, errInternal(err, "corrupt idempotency record for ledger %q key %q", ledgerID, key)
	}
	if cached.PayloadHash != payloadHash {
		return nil, errIdempotencyConflict(ledgerID, key)
	}
	return &cached.Result, nil
}

func (s *Service) storeIdempotent(ctx context.Context, ledgerID, key string, data interface{}, result AppendResult) error {
	envelope := idempotentEnvelope{PayloadHash: requestPayloadHash(data), Result: result}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal idempotency envelope: %w", err)
	}
	return s.store.PutIdempotency(ctx, storage.IdempotencyRecord{
		LedgerID:       ledgerID,
		Key:            key,
		CachedResponse: raw,
		CreatedAt:      time.Now().UTC(),
	})
}

// idempotentEnvelope is what actually gets cached: the byte-identical
// AppendResult plus a hash of the request payload, so a retried key with a
// different payload is detected as a conflict rather than silently served
// the wrong cached response.
type idempotentEnvelope struct {
	PayloadHash string       `json:"payload_hash"`
	Result      AppendResult `json:"result"`
}

func requestPayloadHash(data interface{}) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func validateAgainstSchema(schema map[string]interface{}, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("payload is not serializable: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("payload is not serializable: %w", err)
	}
	return validateSchema(schema, normalized)
}

func toServiceEntry(e storage.Entry) Entry {
	return Entry{
		ID:         e.ID,
		LedgerID:   e.LedgerID,
		Position:   ledgercore.DecimalU64(e.Position),
		Data:       e.Data,
		Hash:       e.Hash,
		ParentHash: e.ParentHash,
		CreatedAt:  e.CreatedAt,
	}
}

func toServiceMetadata(m storage.Metadata) Metadata {
	return Metadata{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		RootHash:    m.RootHash,
		EntryCount:  ledgercore.DecimalU64(m.EntryCount),
		LastEntryAt: m.LastEntryAt,
		Schema:      m.Schema,
		ArchivedAt:  m.ArchivedAt,
	}
}
