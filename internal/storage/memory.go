package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ocx/ledger/internal/ledgercore"
)

// ledgerRecord holds one ledger's committed entries and metadata. Like the
// teacher's evidence.EvidenceChain, it is a plain ordered slice behind its
// own lock rather than a database — Memory is the in-memory dialect, not a
// cache in front of one.
type ledgerRecord struct {
	mu       sync.RWMutex
	meta     Metadata
	entries  []Entry          // ordered by position, append-only
	byID     map[string]int   // entry ID -> index into entries
	idempo   map[string]IdempotencyRecord
}

// Memory is the in-memory storage dialect: a map of per-ledger records
// guarded by its own lock, grounded on the teacher's
// evidence.EvidenceVault{chains map[string]*EvidenceChain}. Suitable for
// tests and single-process deployments; state does not survive a restart.
type Memory struct {
	mu      sync.RWMutex
	ledgers map[string]*ledgerRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{ledgers: make(map[string]*ledgerRecord)}
}

func (m *Memory) record(ledgerID string) (*ledgerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.ledgers[ledgerID]
	if !ok {
		return nil, ErrLedgerNotFound
	}
	return r, nil
}

func (m *Memory) CreateMetadata(ctx context.Context, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ledgers[meta.ID]; exists {
		return ErrDuplicateID
	}
	m.ledgers[meta.ID] = &ledgerRecord{
		meta:   meta,
		byID:   make(map[string]int),
		idempo: make(map[string]IdempotencyRecord),
	}
	return nil
}

func (m *Memory) GetMetadata(ctx context.Context, ledgerID string) (*Metadata, error) {
	r, err := m.record(ledgerID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta := r.meta
	return &meta, nil
}

func (m *Memory) UpdateMetadata(ctx context.Context, ledgerID string, patch MetadataPatch) error {
	r, err := m.record(ledgerID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta.RootHash = patch.RootHash
	r.meta.EntryCount = patch.EntryCount
	lastEntryAt := patch.LastEntryAt
	r.meta.LastEntryAt = &lastEntryAt
	return nil
}

func (m *Memory) ListLedgers(ctx context.Context, offset, limit int, includeArchived bool) ([]Metadata, error) {
	m.mu.RLock()
	all := make([]Metadata, 0, len(m.ledgers))
	for _, r := range m.ledgers {
		r.mu.RLock()
		if includeArchived || r.meta.ArchivedAt == nil {
			all = append(all, r.meta)
		}
		r.mu.RUnlock()
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return []Metadata{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *Memory) Archive(ctx context.Context, ledgerID string) error {
	return m.setArchived(ledgerID, true)
}

func (m *Memory) Unarchive(ctx context.Context, ledgerID string) error {
	return m.setArchived(ledgerID, false)
}

func (m *Memory) setArchived(ledgerID string, archived bool) error {
	r, err := m.record(ledgerID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if archived {
		now := time.Now().UTC()
		r.meta.ArchivedAt = &now
	} else {
		r.meta.ArchivedAt = nil
	}
	return nil
}

func (m *Memory) LastEntryHash(ctx context.Context, ledgerID string) (ledgercore.Hash, error) {
	r, err := m.record(ledgerID)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return ledgercore.GenesisHash, nil
	}
	return r.entries[len(r.entries)-1].Hash, nil
}

func (m *Memory) Put(ctx context.Context, ledgerID string, entry Entry) error {
	r, err := m.record(ledgerID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	currentCount := uint64(len(r.entries))
	var lastHash ledgercore.Hash
	if currentCount > 0 {
		lastHash = r.entries[currentCount-1].Hash
	}
	if err := ValidateEntry(ledgerID, entry, currentCount, lastHash); err != nil {
		return err
	}
	if _, dup := r.byID[entry.ID]; dup {
		return &InvariantError{Kind: DuplicatePosition, LedgerID: ledgerID, Message: fmt.Sprintf("entry id %q already committed", entry.ID)}
	}

	r.entries = append(r.entries, entry)
	r.byID[entry.ID] = len(r.entries) - 1
	return nil
}

func (m *Memory) Get(ctx context.Context, ledgerID, entryID string) (*Entry, error) {
	r, err := m.record(ledgerID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	e := r.entries[idx]
	return &e, nil
}

func (m *Memory) GetByPosition(ctx context.Context, ledgerID string, position uint64) (*Entry, error) {
	r, err := m.record(ledgerID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if position >= uint64(len(r.entries)) {
		return nil, ErrEntryNotFound
	}
	e := r.entries[position]
	return &e, nil
}

func (m *Memory) List(ctx context.Context, ledgerID string, offset, limit int) ([]Entry, error) {
	r, err := m.record(ledgerID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if offset >= len(r.entries) {
		return []Entry{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(r.entries) {
		end = len(r.entries)
	}
	out := make([]Entry, end-offset)
	copy(out, r.entries[offset:end])
	return out, nil
}

func (m *Memory) AllLeafHashes(ctx context.Context, ledgerID string) ([]ledgercore.Hash, error) {
	r, err := m.record(ledgerID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ledgercore.Hash, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Hash
	}
	return out, nil
}

func (m *Memory) VerifyIntegrity(ctx context.Context, ledgerID string) (IntegrityReport, error) {
	r, err := m.record(ledgerID)
	if err != nil {
		return IntegrityReport{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := IntegrityReport{ChainValid: true, SequenceValid: true, EntryCount: uint64(len(r.entries))}

	for i, e := range r.entries {
		if e.Position != uint64(i) {
			report.SequenceValid = false
			report.Errors = append(report.Errors, fmt.Sprintf("SEQUENCE_GAP at index %d: entry position %d", i, e.Position))
		}
		want := ledgercore.GenesisHash
		if i > 0 {
			want = r.entries[i-1].Hash
		}
		if e.ParentHash != want {
			report.ChainValid = false
			report.Errors = append(report.Errors, fmt.Sprintf("CHAIN_BREAK at position %d: expected parent_hash %s, got %s", i, want, e.ParentHash))
		}
	}

	tree := ledgercore.NewTree()
	leaves := make([]ledgercore.Hash, len(r.entries))
	for i, e := range r.entries {
		leaves[i] = e.Hash
	}
	tree.AppendBatch(leaves)
	if tree.Root() != r.meta.RootHash {
		report.Errors = append(report.Errors, fmt.Sprintf("MERKLE_MISMATCH: stored root %s, recomputed %s", r.meta.RootHash, tree.Root()))
	}

	report.IsValid = report.ChainValid && report.SequenceValid && len(report.Errors) == 0
	return report, nil
}

func (m *Memory) GetIdempotency(ctx context.Context, ledgerID, key string) (*IdempotencyRecord, error) {
	r, err := m.record(ledgerID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.idempo[key]
	if !ok {
		return nil, nil
	}
	if rec.TTL > 0 && time.Since(rec.CreatedAt) > rec.TTL {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) PutIdempotency(ctx context.Context, record IdempotencyRecord) error {
	r, err := m.record(record.LedgerID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idempo[record.Key] = record
	return nil
}
