package ledger

import (
	"errors"
	"fmt"

	"github.com/ocx/ledger/internal/storage"
)

// Code is the service's error taxonomy (spec.md §7) — kinds, not transport
// status codes. A Code is stable across releases; callers are expected to
// switch on it.
type Code string

const (
	CodeLedgerNotFound            Code = "LEDGER_NOT_FOUND"
	CodeEntryNotFound             Code = "ENTRY_NOT_FOUND"
	CodeValidationError           Code = "VALIDATION_ERROR"
	CodeSequenceViolation         Code = "SEQUENCE_VIOLATION"
	CodeChainIntegrityViolation   Code = "CHAIN_INTEGRITY_VIOLATION"
	CodeDuplicatePosition         Code = "DUPLICATE_POSITION"
	CodeIdempotencyConflict       Code = "IDEMPOTENCY_CONFLICT"
	CodeProofInvalid              Code = "PROOF_INVALID"
	CodeArchived                  Code = "ARCHIVED"
	CodeTreeStateCorrupt          Code = "TREE_STATE_CORRUPT"
	CodeWriteBlocked              Code = "WRITE_BLOCKED"
	CodeInternal                  Code = "INTERNAL"
)

// Error is the typed error every exported ledger operation returns on
// failure. It wraps the underlying cause (if any) so callers using
// errors.Is/errors.As still reach it.
type Error struct {
	Code    Code
	Message string
	Field   string // set on CodeValidationError
	Err     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("ledger: %s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("ledger: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func errLedgerNotFound(ledgerID string) *Error {
	return newError(CodeLedgerNotFound, "ledger %q does not exist", ledgerID)
}

func errEntryNotFound(ledgerID, entryID string) *Error {
	return newError(CodeEntryNotFound, "entry %q not found in ledger %q", entryID, ledgerID)
}

func errArchived(ledgerID string) *Error {
	return newError(CodeArchived, "ledger %q is archived", ledgerID)
}

func errWriteBlocked(ledgerID string) *Error {
	return newError(CodeWriteBlocked, "ledger %q is write-blocked pending operator review of a CRITICAL integrity alert", ledgerID)
}

func errValidation(field, format string, args ...interface{}) *Error {
	e := newError(CodeValidationError, format, args...)
	e.Field = field
	return e
}

func errIdempotencyConflict(ledgerID, key string) *Error {
	return newError(CodeIdempotencyConflict, "idempotency key %q on ledger %q was already used with a different payload", key, ledgerID)
}

func errInternal(err error, format string, args ...interface{}) *Error {
	return wrapError(CodeInternal, err, format, args...)
}

// translateStorageError maps a storage.InvariantError (or lookup sentinel)
// into the matching service-level Code. A caller of storage that gets back
// anything else wraps it as CodeInternal — storage invariant violations are
// always a program bug or a racing writer (spec.md §4.6, "Failure
// semantics"), never something the caller could have avoided.
func translateStorageError(ledgerID string, err error) *Error {
	if err == nil {
		return nil
	}

	var inv *storage.InvariantError
	if errors.As(err, &inv) {
		switch inv.Kind {
		case storage.SequenceViolation:
			return wrapError(CodeSequenceViolation, err, "%s", inv.Message)
		case storage.ChainIntegrityViolation:
			return wrapError(CodeChainIntegrityViolation, err, "%s", inv.Message)
		case storage.DuplicatePosition:
			return wrapError(CodeDuplicatePosition, err, "%s", inv.Message)
		default:
			return wrapError(CodeInternal, err, "%s", inv.Message)
		}
	}

	if errors.Is(err, storage.ErrLedgerNotFound) {
		return errLedgerNotFound(ledgerID)
	}
	if errors.Is(err, storage.ErrEntryNotFound) {
		return errEntryNotFound(ledgerID, "")
	}

	return errInternal(err, "storage operation failed on ledger %q", ledgerID)
}
