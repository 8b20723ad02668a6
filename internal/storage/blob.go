package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	storage_go "github.com/supabase-community/storage-go"

	"github.com/ocx/ledger/internal/ledgercore"
)

// Blob copies cold entries from the wrapped hot dialect into Supabase
// object storage once a ledger's entry count passes HotWatermark, grounded
// on the corpus's database.NewSupabaseClient construction. Every entry is
// first written to the wrapped dialect ("hot"), and metadata and the
// idempotency table stay there; DrainCold copies the entries more than
// HotWatermark positions behind the tail into the bucket, and
// GetByPosition reads from the bucket only when the hot dialect no longer
// has the position.
type Blob struct {
	Storage
	client       *storage_go.Client
	bucket       string
	hotWatermark uint64
	logger       *slog.Logger
}

// NewBlob wraps hot with a Supabase Storage-backed cold tier.
func NewBlob(hot Storage, supabaseURL, supabaseAPIKey, bucket string, hotWatermark uint64) *Blob {
	return &Blob{
		Storage:      hot,
		client:       storage_go.NewClient(supabaseURL, supabaseAPIKey, nil),
		bucket:       bucket,
		hotWatermark: hotWatermark,
		logger:       slog.Default().With("component", "storage.Blob"),
	}
}

func (b *Blob) objectPath(ledgerID string, position uint64) string {
	return fmt.Sprintf("%s/%020d.json", ledgerID, position)
}

type blobEntry struct {
	ID         string          `json:"id"`
	LedgerID   string          `json:"ledger_id"`
	Position   uint64          `json:"position"`
	Data       json.RawMessage `json:"data"`
	Hash       string          `json:"hash"`
	ParentHash string          `json:"parent_hash"`
	CreatedAt  string          `json:"created_at"`
}

// Put writes through to the hot dialect; cold migration happens lazily on a
// background sweep (internal/monitor's periodic scan calls DrainCold via a
// type assertion after each clean integrity check), not on the append hot
// path, so a single slow object-storage round trip never blocks a write.
func (b *Blob) Put(ctx context.Context, ledgerID string, entry Entry) error {
	return b.Storage.Put(ctx, ledgerID, entry)
}

// GetByPosition serves from the wrapped hot dialect first; a miss there
// (the position was already drained to the cold tier) falls through to
// object storage.
func (b *Blob) GetByPosition(ctx context.Context, ledgerID string, position uint64) (*Entry, error) {
	entry, err := b.Storage.GetByPosition(ctx, ledgerID, position)
	if err == nil {
		return entry, nil
	}
	if err != ErrEntryNotFound {
		return nil, err
	}

	raw, dlErr := b.client.DownloadFile(b.bucket, b.objectPath(ledgerID, position))
	if dlErr != nil {
		return nil, ErrEntryNotFound
	}

	var be blobEntry
	if err := json.Unmarshal(raw, &be); err != nil {
		return nil, fmt.Errorf("storage: decode cold entry: %w", err)
	}
	return be.toEntry()
}

func (be blobEntry) toEntry() (*Entry, error) {
	var data interface{}
	if err := json.Unmarshal(be.Data, &data); err != nil {
		return nil, fmt.Errorf("storage: decode cold entry data: %w", err)
	}
	return &Entry{
		ID:         be.ID,
		LedgerID:   be.LedgerID,
		Position:   be.Position,
		Data:       data,
		Hash:       ledgercore.Hash(be.Hash),
		ParentHash: ledgercore.Hash(be.ParentHash),
	}, nil
}

// DrainCold moves every hot entry at a position below current count minus
// HotWatermark into the bucket, then relies on the wrapped dialect's own
// retention (if any) to reclaim the hot copy. Called from the integrity
// monitor's periodic scan via a coldDrainer type assertion, not the append
// path.
func (b *Blob) DrainCold(ctx context.Context, ledgerID string) (int, error) {
	meta, err := b.Storage.GetMetadata(ctx, ledgerID)
	if err != nil {
		return 0, err
	}
	if meta.EntryCount <= b.hotWatermark {
		return 0, nil
	}

	coldCutoff := meta.EntryCount - b.hotWatermark
	moved := 0
	for pos := uint64(0); pos < coldCutoff; pos++ {
		entry, err := b.Storage.GetByPosition(ctx, ledgerID, pos)
		if err != nil {
			if err == ErrEntryNotFound {
				continue // already drained in a prior sweep
			}
			return moved, err
		}

		dataJSON, err := json.Marshal(entry.Data)
		if err != nil {
			return moved, fmt.Errorf("storage: marshal cold entry: %w", err)
		}
		be := blobEntry{
			ID: entry.ID, LedgerID: entry.LedgerID, Position: entry.Position,
			Data: dataJSON, Hash: string(entry.Hash), ParentHash: string(entry.ParentHash),
			CreatedAt: entry.CreatedAt.Format(rfc3339Milli),
		}
		payload, err := json.Marshal(be)
		if err != nil {
			return moved, err
		}

		if _, err := b.client.UploadFile(b.bucket, b.objectPath(ledgerID, pos), bytes.NewReader(payload)); err != nil {
			return moved, fmt.Errorf("storage: upload cold entry %d: %w", pos, err)
		}
		moved++
	}

	b.logger.Info("drained cold entries to blob tier", "ledger_id", ledgerID, "moved", moved)
	return moved, nil
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"
