// Package storage defines the append-only storage contract for ledgers and
// ships several dialects against it (in-memory, SQL, cache-fronted,
// blob-tiered). Every dialect enforces the same four invariants on Put; none
// of them exposes an update or delete on a committed entry.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ocx/ledger/internal/ledgercore"
)

// Entry is one committed record in a ledger. Data is opaque to storage; it
// is whatever canonical-JSON-able payload the caller appended.
type Entry struct {
	ID         string
	LedgerID   string
	Position   uint64
	Data       interface{}
	Hash       ledgercore.Hash
	ParentHash ledgercore.Hash
	CreatedAt  time.Time
}

// Metadata describes a ledger. Schema, when set, is a minimal JSON-Schema
// object that every entry's Data is validated against before append.
type Metadata struct {
	ID           string
	Name         string
	Description  string
	CreatedAt    time.Time
	RootHash     ledgercore.Hash
	EntryCount   uint64
	LastEntryAt  *time.Time
	Schema       map[string]interface{}
	ArchivedAt   *time.Time
}

// MetadataPatch carries the fields update_metadata is allowed to change in
// the normal append path: root, count, and the last-write timestamp.
type MetadataPatch struct {
	RootHash    ledgercore.Hash
	EntryCount  uint64
	LastEntryAt time.Time
}

// IdempotencyRecord caches a prior write's response under (LedgerID, Key) so
// a retried append with the same key short-circuits without a second Put.
type IdempotencyRecord struct {
	LedgerID       string
	Key            string
	CachedResponse []byte
	CreatedAt      time.Time
	TTL            time.Duration
}

// IntegrityReport is verify_integrity's result (spec.md §4.5, §4.7).
type IntegrityReport struct {
	IsValid        bool
	ChainValid     bool
	SequenceValid  bool
	EntryCount     uint64
	Errors         []string
}

// ViolationKind names one of the four append-only invariants Put enforces.
type ViolationKind string

const (
	SequenceViolation       ViolationKind = "SEQUENCE_VIOLATION"
	ChainIntegrityViolation ViolationKind = "CHAIN_INTEGRITY_VIOLATION"
	DuplicatePosition       ViolationKind = "DUPLICATE_POSITION"
	MalformedEntry          ViolationKind = "MALFORMED_ENTRY"
)

// InvariantError reports that Put rejected an entry because it violated one
// of the four append-only invariants. Every dialect returns this same type
// so the service layer can translate it into a typed ledger.Error without
// knowing which dialect produced it.
type InvariantError struct {
	Kind     ViolationKind
	LedgerID string
	Message  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("storage: %s on ledger %s: %s", e.Kind, e.LedgerID, e.Message)
}

// ErrLedgerNotFound and ErrEntryNotFound are returned by lookups that find
// nothing; they carry no dialect-specific detail, unlike InvariantError.
var (
	ErrLedgerNotFound = fmt.Errorf("storage: ledger not found")
	ErrEntryNotFound  = fmt.Errorf("storage: entry not found")
	ErrDuplicateID    = fmt.Errorf("storage: ledger id already exists")
)

// Storage is the append-only contract every dialect implements. Put must be
// atomic relative to readers: a reader never observes a partially-applied
// write. Names follow spec.md §4.5 ("names semantic, not syntactic").
type Storage interface {
	Put(ctx context.Context, ledgerID string, entry Entry) error
	Get(ctx context.Context, ledgerID, entryID string) (*Entry, error)
	GetByPosition(ctx context.Context, ledgerID string, position uint64) (*Entry, error)
	List(ctx context.Context, ledgerID string, offset, limit int) ([]Entry, error)

	CreateMetadata(ctx context.Context, meta Metadata) error
	GetMetadata(ctx context.Context, ledgerID string) (*Metadata, error)
	UpdateMetadata(ctx context.Context, ledgerID string, patch MetadataPatch) error
	ListLedgers(ctx context.Context, offset, limit int, includeArchived bool) ([]Metadata, error)

	AllLeafHashes(ctx context.Context, ledgerID string) ([]ledgercore.Hash, error)
	Archive(ctx context.Context, ledgerID string) error
	Unarchive(ctx context.Context, ledgerID string) error
	LastEntryHash(ctx context.Context, ledgerID string) (ledgercore.Hash, error)
	VerifyIntegrity(ctx context.Context, ledgerID string) (IntegrityReport, error)

	GetIdempotency(ctx context.Context, ledgerID, key string) (*IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, record IdempotencyRecord) error
}

// ValidateEntry runs the sequence, chain and malformed-hash checks
// against a candidate entry, given the ledger's current entry count and
// the hash of its last entry. Every dialect calls this from its own Put
// before committing, so these three checks live in exactly one place; the
// duplicate check is made by each dialect's Put itself.
func ValidateEntry(ledgerID string, entry Entry, currentCount uint64, lastHash ledgercore.Hash) error {
	if entry.Position != currentCount {
		return &InvariantError{
			Kind:     SequenceViolation,
			LedgerID: ledgerID,
			Message:  fmt.Sprintf("expected position %d, got %d", currentCount, entry.Position),
		}
	}

	wantParent := ledgercore.GenesisHash
	if currentCount > 0 {
		wantParent = lastHash
	}
	if entry.ParentHash != wantParent {
		return &InvariantError{
			Kind:     ChainIntegrityViolation,
			LedgerID: ledgerID,
			Message:  fmt.Sprintf("expected parent_hash %s, got %s", wantParent, entry.ParentHash),
		}
	}

	if err := entry.Hash.Validate(); err != nil {
		return &InvariantError{
			Kind:     MalformedEntry,
			LedgerID: ledgerID,
			Message:  err.Error(),
		}
	}

	return nil
}
