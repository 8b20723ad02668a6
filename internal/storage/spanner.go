package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/ocx/ledger/internal/ledgercore"
)

// Spanner is the Cloud Spanner dialect, grounded on the corpus's
// reputation.SpannerWallet: ReadWriteTransaction for the one genuinely
// racy path (Put's sequence/chain check-then-insert), ReadOnlyTransaction
// with a staleness bound for everything else, spanner.Key for point reads.
// Expected schema:
//
//	Ledgers(Id, Name, Description, CreatedAt, RootHash, EntryCount,
//	        LastEntryAt, SchemaJSON, ArchivedAt) PRIMARY KEY(Id)
//	Entries(LedgerId, Position, Id, DataJSON, Hash, ParentHash, CreatedAt)
//	        PRIMARY KEY(LedgerId, Position)
//	EntriesByID(LedgerId, Id, Position) PRIMARY KEY(LedgerId, Id) — not
//	        written or read by this dialect: Put inserts only into Entries
//	        and Ledgers, and Get finds an entry by Id with a query on Entries
//	IdempotencyKeys(LedgerId, Key, CachedResponse, CreatedAt, TTLSeconds)
//	        PRIMARY KEY(LedgerId, Key)
type Spanner struct {
	client   *spanner.Client
	staleness time.Duration
}

// NewSpanner dials the named Spanner database, matching
// reputation.NewSpannerWallet's projects/%s/instances/%s/databases/%s path.
func NewSpanner(ctx context.Context, projectID, instanceID, databaseID string) (*Spanner, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", projectID, instanceID, databaseID)
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: connect to spanner %s: %w", dbPath, err)
	}
	return &Spanner{client: client, staleness: 15 * time.Second}, nil
}

// Close releases the Spanner client's session pool.
func (s *Spanner) Close() { s.client.Close() }

func (s *Spanner) CreateMetadata(ctx context.Context, meta Metadata) error {
	schemaJSON, err := json.Marshal(meta.Schema)
	if err != nil {
		return fmt.Errorf("storage: marshal schema: %w", err)
	}
	_, err = s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("Ledgers",
			[]string{"Id", "Name", "Description", "CreatedAt", "RootHash", "EntryCount", "SchemaJSON"},
			[]interface{}{meta.ID, meta.Name, meta.Description, meta.CreatedAt, string(meta.RootHash), int64(meta.EntryCount), string(schemaJSON)},
		),
	})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("storage: create ledger metadata: %w", err)
	}
	return nil
}

func (s *Spanner) readMetadataRow(ctx context.Context, txn *spanner.ReadOnlyTransaction, ledgerID string) (*Metadata, error) {
	row, err := txn.ReadRow(ctx, "Ledgers", spanner.Key{ledgerID},
		[]string{"Id", "Name", "Description", "CreatedAt", "RootHash", "EntryCount", "LastEntryAt", "SchemaJSON", "ArchivedAt"})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, ErrLedgerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read ledger metadata: %w", err)
	}

	var meta Metadata
	var rootHash, schemaJSON string
	var lastEntryAt, archivedAt spanner.NullTime
	if err := row.Columns(&meta.ID, &meta.Name, &meta.Description, &meta.CreatedAt, &rootHash, &meta.EntryCount, &lastEntryAt, &schemaJSON, &archivedAt); err != nil {
		return nil, fmt.Errorf("storage: decode ledger metadata: %w", err)
	}
	meta.RootHash = ledgercore.Hash(rootHash)
	if lastEntryAt.Valid {
		t := lastEntryAt.Time
		meta.LastEntryAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		meta.ArchivedAt = &t
	}
	if schemaJSON != "" {
		json.Unmarshal([]byte(schemaJSON), &meta.Schema)
	}
	return &meta, nil
}

func (s *Spanner) GetMetadata(ctx context.Context, ledgerID string) (*Metadata, error) {
	txn := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(s.staleness))
	defer txn.Close()
	return s.readMetadataRow(ctx, txn, ledgerID)
}

func (s *Spanner) UpdateMetadata(ctx context.Context, ledgerID string, patch MetadataPatch) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		if _, err := txn.ReadRow(ctx, "Ledgers", spanner.Key{ledgerID}, []string{"Id"}); err != nil {
			if spanner.ErrCode(err) == codes.NotFound {
				return ErrLedgerNotFound
			}
			return err
		}
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("Ledgers",
				[]string{"Id", "RootHash", "EntryCount", "LastEntryAt"},
				[]interface{}{ledgerID, string(patch.RootHash), int64(patch.EntryCount), patch.LastEntryAt},
			),
		})
	})
	return err
}

func (s *Spanner) ListLedgers(ctx context.Context, offset, limit int, includeArchived bool) ([]Metadata, error) {
	txn := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(s.staleness))
	defer txn.Close()

	sql := spanner.Statement{SQL: `SELECT Id, Name, Description, CreatedAt, RootHash, EntryCount, LastEntryAt, SchemaJSON, ArchivedAt
		FROM Ledgers WHERE @includeArchived OR ArchivedAt IS NULL ORDER BY CreatedAt DESC`,
		Params: map[string]interface{}{"includeArchived": includeArchived}}
	iter := txn.Query(ctx, sql)
	defer iter.Stop()

	out := []Metadata{}
	idx := 0
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: list ledgers: %w", err)
		}
		idx++
		if idx <= offset {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}

		var meta Metadata
		var rootHash, schemaJSON string
		var lastEntryAt, archivedAt spanner.NullTime
		if err := row.Columns(&meta.ID, &meta.Name, &meta.Description, &meta.CreatedAt, &rootHash, &meta.EntryCount, &lastEntryAt, &schemaJSON, &archivedAt); err != nil {
			return nil, err
		}
		meta.RootHash = ledgercore.Hash(rootHash)
		if lastEntryAt.Valid {
			t := lastEntryAt.Time
			meta.LastEntryAt = &t
		}
		if archivedAt.Valid {
			t := archivedAt.Time
			meta.ArchivedAt = &t
		}
		if schemaJSON != "" {
			json.Unmarshal([]byte(schemaJSON), &meta.Schema)
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *Spanner) setArchived(ctx context.Context, ledgerID string, archived bool) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		if _, err := txn.ReadRow(ctx, "Ledgers", spanner.Key{ledgerID}, []string{"Id"}); err != nil {
			if spanner.ErrCode(err) == codes.NotFound {
				return ErrLedgerNotFound
			}
			return err
		}
		var archivedAt interface{}
		if archived {
			archivedAt = time.Now().UTC()
		} else {
			archivedAt = nil
		}
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("Ledgers", []string{"Id", "ArchivedAt"}, []interface{}{ledgerID, archivedAt}),
		})
	})
	return err
}

func (s *Spanner) Archive(ctx context.Context, ledgerID string) error   { return s.setArchived(ctx, ledgerID, true) }
func (s *Spanner) Unarchive(ctx context.Context, ledgerID string) error { return s.setArchived(ctx, ledgerID, false) }

func (s *Spanner) LastEntryHash(ctx context.Context, ledgerID string) (ledgercore.Hash, error) {
	txn := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(s.staleness))
	defer txn.Close()

	stmt := spanner.Statement{SQL: `SELECT Hash FROM Entries WHERE LedgerId = @ledgerId ORDER BY Position DESC LIMIT 1`,
		Params: map[string]interface{}{"ledgerId": ledgerID}}
	iter := txn.Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return ledgercore.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: last entry hash: %w", err)
	}
	var hash string
	if err := row.Columns(&hash); err != nil {
		return "", err
	}
	return ledgercore.Hash(hash), nil
}

// Put mirrors reputation.SpannerWallet.ApplyPenalty's read-modify-write
// shape: read the current tail inside the transaction, validate, then
// buffer both the metadata count bump and the entry insert as one commit.
func (s *Spanner) Put(ctx context.Context, ledgerID string, entry Entry) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{SQL: `SELECT COUNT(*) FROM Entries WHERE LedgerId = @ledgerId`, Params: map[string]interface{}{"ledgerId": ledgerID}}
		iter := txn.Query(ctx, stmt)
		defer iter.Stop()
		row, err := iter.Next()
		if err != nil {
			return fmt.Errorf("storage: count entries: %w", err)
		}
		var currentCount int64
		if err := row.Columns(&currentCount); err != nil {
			return err
		}

		var lastHash ledgercore.Hash
		if currentCount > 0 {
			tailStmt := spanner.Statement{SQL: `SELECT Hash FROM Entries WHERE LedgerId = @ledgerId ORDER BY Position DESC LIMIT 1`, Params: map[string]interface{}{"ledgerId": ledgerID}}
			tailIter := txn.Query(ctx, tailStmt)
			defer tailIter.Stop()
			tailRow, err := tailIter.Next()
			if err != nil {
				return err
			}
			var h string
			if err := tailRow.Columns(&h); err != nil {
				return err
			}
			lastHash = ledgercore.Hash(h)
		}

		if err := ValidateEntry(ledgerID, entry, uint64(currentCount), lastHash); err != nil {
			return err
		}

		existing, err := txn.ReadRow(ctx, "Entries", spanner.Key{ledgerID, int64(entry.Position)}, []string{"Position"})
		if err != nil && spanner.ErrCode(err) != codes.NotFound {
			return err
		}
		if existing != nil {
			return &InvariantError{Kind: DuplicatePosition, LedgerID: ledgerID, Message: fmt.Sprintf("position %d already committed", entry.Position)}
		}

		dataJSON, err := json.Marshal(entry.Data)
		if err != nil {
			return &InvariantError{Kind: MalformedEntry, LedgerID: ledgerID, Message: err.Error()}
		}

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Insert("Entries",
				[]string{"LedgerId", "Position", "Id", "DataJSON", "Hash", "ParentHash", "CreatedAt"},
				[]interface{}{ledgerID, int64(entry.Position), entry.ID, string(dataJSON), string(entry.Hash), string(entry.ParentHash), entry.CreatedAt},
			),
			spanner.Update("Ledgers",
				[]string{"Id", "EntryCount", "LastEntryAt"},
				[]interface{}{ledgerID, currentCount + 1, entry.CreatedAt},
			),
		})
	})
	return err
}

func (s *Spanner) Get(ctx context.Context, ledgerID, entryID string) (*Entry, error) {
	txn := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(s.staleness))
	defer txn.Close()

	stmt := spanner.Statement{SQL: `SELECT LedgerId, Position, Id, DataJSON, Hash, ParentHash, CreatedAt
		FROM Entries WHERE LedgerId = @ledgerId AND Id = @id`,
		Params: map[string]interface{}{"ledgerId": ledgerID, "id": entryID}}
	iter := txn.Query(ctx, stmt)
	defer iter.Stop()
	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get entry: %w", err)
	}
	return decodeSpannerEntry(row)
}

func (s *Spanner) GetByPosition(ctx context.Context, ledgerID string, position uint64) (*Entry, error) {
	txn := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(s.staleness))
	defer txn.Close()
	row, err := txn.ReadRow(ctx, "Entries", spanner.Key{ledgerID, int64(position)},
		[]string{"LedgerId", "Position", "Id", "DataJSON", "Hash", "ParentHash", "CreatedAt"})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get entry by position: %w", err)
	}
	return decodeSpannerEntry(row)
}

func (s *Spanner) List(ctx context.Context, ledgerID string, offset, limit int) ([]Entry, error) {
	txn := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(s.staleness))
	defer txn.Close()

	stmt := spanner.Statement{SQL: `SELECT LedgerId, Position, Id, DataJSON, Hash, ParentHash, CreatedAt
		FROM Entries WHERE LedgerId = @ledgerId ORDER BY Position ASC`,
		Params: map[string]interface{}{"ledgerId": ledgerID}}
	iter := txn.Query(ctx, stmt)
	defer iter.Stop()

	out := []Entry{}
	idx := -1
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: list entries: %w", err)
		}
		idx++
		if idx < offset {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		e, err := decodeSpannerEntry(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *Spanner) AllLeafHashes(ctx context.Context, ledgerID string) ([]ledgercore.Hash, error) {
	entries, err := s.List(ctx, ledgerID, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]ledgercore.Hash, len(entries))
	for i, e := range entries {
		out[i] = e.Hash
	}
	return out, nil
}

func (s *Spanner) VerifyIntegrity(ctx context.Context, ledgerID string) (IntegrityReport, error) {
	meta, err := s.GetMetadata(ctx, ledgerID)
	if err != nil {
		return IntegrityReport{}, err
	}
	entries, err := s.List(ctx, ledgerID, 0, 0)
	if err != nil {
		return IntegrityReport{}, err
	}

	report := IntegrityReport{ChainValid: true, SequenceValid: true, EntryCount: uint64(len(entries))}
	for i, e := range entries {
		if e.Position != uint64(i) {
			report.SequenceValid = false
			report.Errors = append(report.Errors, fmt.Sprintf("SEQUENCE_GAP at index %d: entry position %d", i, e.Position))
		}
		want := ledgercore.GenesisHash
		if i > 0 {
			want = entries[i-1].Hash
		}
		if e.ParentHash != want {
			report.ChainValid = false
			report.Errors = append(report.Errors, fmt.Sprintf("CHAIN_BREAK at position %d: expected parent_hash %s, got %s", i, want, e.ParentHash))
		}
	}

	tree := ledgercore.NewTree()
	leaves := make([]ledgercore.Hash, len(entries))
	for i, e := range entries {
		leaves[i] = e.Hash
	}
	tree.AppendBatch(leaves)
	if tree.Root() != meta.RootHash {
		report.Errors = append(report.Errors, fmt.Sprintf("MERKLE_MISMATCH: stored root %s, recomputed %s", meta.RootHash, tree.Root()))
	}

	report.IsValid = report.ChainValid && report.SequenceValid && len(report.Errors) == 0
	return report, nil
}

func (s *Spanner) GetIdempotency(ctx context.Context, ledgerID, key string) (*IdempotencyRecord, error) {
	txn := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(s.staleness))
	defer txn.Close()
	row, err := txn.ReadRow(ctx, "IdempotencyKeys", spanner.Key{ledgerID, key}, []string{"LedgerId", "Key", "CachedResponse", "CreatedAt", "TTLSeconds"})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get idempotency record: %w", err)
	}
	var rec IdempotencyRecord
	var ttlSeconds int64
	var cached string
	if err := row.Columns(&rec.LedgerID, &rec.Key, &cached, &rec.CreatedAt, &ttlSeconds); err != nil {
		return nil, err
	}
	rec.CachedResponse = []byte(cached)
	rec.TTL = time.Duration(ttlSeconds) * time.Second
	if rec.TTL > 0 && time.Since(rec.CreatedAt) > rec.TTL {
		return nil, nil
	}
	return &rec, nil
}

func (s *Spanner) PutIdempotency(ctx context.Context, record IdempotencyRecord) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("IdempotencyKeys",
			[]string{"LedgerId", "Key", "CachedResponse", "CreatedAt", "TTLSeconds"},
			[]interface{}{record.LedgerID, record.Key, string(record.CachedResponse), record.CreatedAt, int64(record.TTL.Seconds())},
		),
	})
	if err != nil {
		return fmt.Errorf("storage: put idempotency record: %w", err)
	}
	return nil
}

func decodeSpannerEntry(row *spanner.Row) (*Entry, error) {
	var e Entry
	var dataJSON, hash, parentHash string
	var position int64
	if err := row.Columns(&e.LedgerID, &position, &e.ID, &dataJSON, &hash, &parentHash, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("storage: decode entry: %w", err)
	}
	e.Position = uint64(position)
	e.Hash = ledgercore.Hash(hash)
	e.ParentHash = ledgercore.Hash(parentHash)
	if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
		return nil, fmt.Errorf("storage: unmarshal entry data: %w", err)
	}
	return &e, nil
}
