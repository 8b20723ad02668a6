// Package ledger is the single-writer ledger service: the append pipeline,
// idempotency, and the service-facing contracts (errors, wire types,
// AuthContext hook) that sit in front of internal/ledgercore and
// internal/storage. Nothing in this package persists anything itself.
package ledger

import (
	"time"

	"github.com/ocx/ledger/internal/ledgercore"
)

// Entry is the wire shape of a committed ledger entry. Position and the
// hashes follow spec.md §6: bigint fields as decimal strings, hashes as
// lowercase 64-hex, timestamps RFC3339 UTC.
type Entry struct {
	ID         string                 `json:"id"`
	LedgerID   string                 `json:"ledger_id"`
	Position   ledgercore.DecimalU64  `json:"position"`
	Data       interface{}            `json:"data"`
	Hash       ledgercore.Hash        `json:"hash"`
	ParentHash ledgercore.Hash        `json:"parent_hash"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Metadata is the wire shape of a ledger's metadata record.
type Metadata struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	RootHash     ledgercore.Hash        `json:"root_hash"`
	EntryCount   ledgercore.DecimalU64  `json:"entry_count"`
	LastEntryAt  *time.Time             `json:"last_entry_at,omitempty"`
	Schema       map[string]interface{} `json:"schema,omitempty"`
	ArchivedAt   *time.Time             `json:"archived_at,omitempty"`
}

// AppendOptions carries the per-call knobs on an append request.
type AppendOptions struct {
	IdempotencyKey string
	Metadata       map[string]interface{}
}

// AppendResult is the append pipeline's return value (spec.md §4.6, §6).
type AppendResult struct {
	Entry         Entry               `json:"entry"`
	Proof         ledgercore.MerkleProof `json:"proof"`
	PreviousRoot  ledgercore.Hash     `json:"previousRoot"`
	NewRoot       ledgercore.Hash     `json:"newRoot"`
}

// BatchAppendItem is one entry of a batch append request.
type BatchAppendItem struct {
	Data           interface{}
	IdempotencyKey string
	Metadata       map[string]interface{}
}

// BatchItemResult is one entry's outcome within a batch append response:
// exactly one of Result or Err is set.
type BatchItemResult struct {
	Result *AppendResult
	Err    *Error
}

// BatchAppendResult is the batch append pipeline's return value.
type BatchAppendResult struct {
	Items        []BatchItemResult
	PreviousRoot ledgercore.Hash
	NewRoot      ledgercore.Hash
	Total        int
	Successful   int
	Failed       int
}

// ProofEnvelope is the "get proof" response shape: the proof plus a
// trimmed-down view of the entry it proves.
type ProofEnvelope struct {
	Proof ledgercore.MerkleProof `json:"proof"`
	Entry struct {
		ID       string                `json:"id"`
		Position ledgercore.DecimalU64 `json:"position"`
		Hash     ledgercore.Hash       `json:"hash"`
	} `json:"entry"`
}

// VerifyResult is the stateless "verify proof" response shape.
type VerifyResult struct {
	Valid       bool            `json:"valid"`
	Leaf        ledgercore.Hash `json:"leaf"`
	Root        ledgercore.Hash `json:"root"`
	Index       uint64          `json:"index"`
	ProofLength int             `json:"proofLength"`
	Error       string          `json:"error,omitempty"`
}

// AuthContext is the opaque identity the auth subsystem hands the service;
// the service never looks past these two fields (spec.md §1: "the auth
// subsystem is treated as an opaque AuthContext producer").
type AuthContext struct {
	TenantID    string
	PrincipalID string
}

// AuthContextProvider resolves the caller of a request into an AuthContext.
// internal/identity supplies the concrete (SPIFFE-backed) implementation;
// the service only ever depends on this interface.
type AuthContextProvider interface {
	Resolve(raw interface{}) (AuthContext, error)
}
