package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ocx/ledger/internal/ledgercore"
)

// SQL is the Postgres dialect of the storage contract, grounded on the
// connection-pooling and QueryRowContext/Scan patterns of the corpus's
// database.Client and database.ProofRepository. It expects three tables:
//
//	ledgers(id, name, description, created_at, root_hash, entry_count,
//	        last_entry_at, schema, archived_at)
//	entries(ledger_id, position, id, data, hash, parent_hash, created_at,
//	        UNIQUE(ledger_id, position), UNIQUE(ledger_id, id))
//	idempotency_keys(ledger_id, key, cached_response, created_at, ttl_seconds,
//	                  PRIMARY KEY(ledger_id, key))
type SQL struct {
	db *sql.DB
}

// SQLOption configures a SQL store at construction time.
type SQLOption func(*sql.DB)

// WithMaxOpenConns bounds the connection pool, matching the corpus's
// database.Client connection-pool configuration.
func WithMaxOpenConns(n int) SQLOption {
	return func(db *sql.DB) { db.SetMaxOpenConns(n) }
}

// NewSQL opens a Postgres connection pool against dsn and verifies it with a
// bounded ping, the same connect-then-verify sequence as database.NewClient.
func NewSQL(ctx context.Context, dsn string, connectTimeout time.Duration, opts ...SQLOption) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	for _, opt := range opts {
		opt(db)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	return &SQL{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) CreateMetadata(ctx context.Context, meta Metadata) error {
	schemaJSON, err := json.Marshal(meta.Schema)
	if err != nil {
		return fmt.Errorf("storage: marshal schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledgers (id, name, description, created_at, root_hash, entry_count, schema)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		meta.ID, meta.Name, meta.Description, meta.CreatedAt, string(meta.RootHash), meta.EntryCount, schemaJSON,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("storage: create ledger metadata: %w", err)
	}
	return nil
}

func (s *SQL) GetMetadata(ctx context.Context, ledgerID string) (*Metadata, error) {
	var meta Metadata
	var schemaJSON []byte
	var rootHash string
	var lastEntryAt, archivedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at, root_hash, entry_count, last_entry_at, schema, archived_at
		FROM ledgers WHERE id = $1`, ledgerID,
	).Scan(&meta.ID, &meta.Name, &meta.Description, &meta.CreatedAt, &rootHash, &meta.EntryCount, &lastEntryAt, &schemaJSON, &archivedAt)
	if err == sql.ErrNoRows {
		return nil, ErrLedgerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get ledger metadata: %w", err)
	}

	meta.RootHash = ledgercore.Hash(rootHash)
	if lastEntryAt.Valid {
		meta.LastEntryAt = &lastEntryAt.Time
	}
	if archivedAt.Valid {
		meta.ArchivedAt = &archivedAt.Time
	}
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &meta.Schema); err != nil {
			return nil, fmt.Errorf("storage: unmarshal schema: %w", err)
		}
	}
	return &meta, nil
}

func (s *SQL) UpdateMetadata(ctx context.Context, ledgerID string, patch MetadataPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledgers SET root_hash = $1, entry_count = $2, last_entry_at = $3
		WHERE id = $4`,
		string(patch.RootHash), patch.EntryCount, patch.LastEntryAt, ledgerID,
	)
	if err != nil {
		return fmt.Errorf("storage: update ledger metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLedgerNotFound
	}
	return nil
}

func (s *SQL) ListLedgers(ctx context.Context, offset, limit int, includeArchived bool) ([]Metadata, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	query := `
		SELECT id, name, description, created_at, root_hash, entry_count, last_entry_at, schema, archived_at
		FROM ledgers`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY created_at DESC OFFSET $1 LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list ledgers: %w", err)
	}
	defer rows.Close()

	out := []Metadata{}
	for rows.Next() {
		var meta Metadata
		var schemaJSON []byte
		var rootHash string
		var lastEntryAt, archivedAt sql.NullTime
		if err := rows.Scan(&meta.ID, &meta.Name, &meta.Description, &meta.CreatedAt, &rootHash, &meta.EntryCount, &lastEntryAt, &schemaJSON, &archivedAt); err != nil {
			return nil, fmt.Errorf("storage: scan ledger row: %w", err)
		}
		meta.RootHash = ledgercore.Hash(rootHash)
		if lastEntryAt.Valid {
			meta.LastEntryAt = &lastEntryAt.Time
		}
		if archivedAt.Valid {
			meta.ArchivedAt = &archivedAt.Time
		}
		if len(schemaJSON) > 0 {
			json.Unmarshal(schemaJSON, &meta.Schema)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *SQL) setArchived(ctx context.Context, ledgerID string, archived bool) error {
	var res sql.Result
	var err error
	if archived {
		res, err = s.db.ExecContext(ctx, `UPDATE ledgers SET archived_at = now() WHERE id = $1`, ledgerID)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE ledgers SET archived_at = NULL WHERE id = $1`, ledgerID)
	}
	if err != nil {
		return fmt.Errorf("storage: set archived: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLedgerNotFound
	}
	return nil
}

func (s *SQL) Archive(ctx context.Context, ledgerID string) error   { return s.setArchived(ctx, ledgerID, true) }
func (s *SQL) Unarchive(ctx context.Context, ledgerID string) error { return s.setArchived(ctx, ledgerID, false) }

func (s *SQL) LastEntryHash(ctx context.Context, ledgerID string) (ledgercore.Hash, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT hash FROM entries WHERE ledger_id = $1 ORDER BY position DESC LIMIT 1`, ledgerID,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return ledgercore.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: last entry hash: %w", err)
	}
	return ledgercore.Hash(hash), nil
}

// Put enforces the four append-only invariants inside a single transaction so
// a racing writer on the same ledger cannot slip an entry in between the
// "read last hash" and "insert" steps — the only place two statements must be
// atomic relative to each other in this dialect.
func (s *SQL) Put(ctx context.Context, ledgerID string, entry Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin put tx: %w", err)
	}
	defer tx.Rollback()

	var currentCount uint64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE ledger_id = $1`, ledgerID).Scan(&currentCount); err != nil {
		return fmt.Errorf("storage: count entries: %w", err)
	}

	var lastHash ledgercore.Hash
	if currentCount > 0 {
		var h string
		if err := tx.QueryRowContext(ctx, `SELECT hash FROM entries WHERE ledger_id = $1 ORDER BY position DESC LIMIT 1`, ledgerID).Scan(&h); err != nil {
			return fmt.Errorf("storage: last hash: %w", err)
		}
		lastHash = ledgercore.Hash(h)
	}

	if err := ValidateEntry(ledgerID, entry, currentCount, lastHash); err != nil {
		return err
	}

	dataJSON, err := json.Marshal(entry.Data)
	if err != nil {
		return &InvariantError{Kind: MalformedEntry, LedgerID: ledgerID, Message: err.Error()}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (ledger_id, position, id, data, hash, parent_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ledgerID, entry.Position, entry.ID, dataJSON, string(entry.Hash), string(entry.ParentHash), entry.CreatedAt,
	)
	if isUniqueViolation(err) {
		return &InvariantError{Kind: DuplicatePosition, LedgerID: ledgerID, Message: fmt.Sprintf("position %d or id %q already committed", entry.Position, entry.ID)}
	}
	if err != nil {
		return fmt.Errorf("storage: insert entry: %w", err)
	}

	return tx.Commit()
}

func (s *SQL) scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var dataJSON []byte
	var hash, parentHash string
	if err := row.Scan(&e.ID, &e.LedgerID, &e.Position, &dataJSON, &hash, &parentHash, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("storage: scan entry: %w", err)
	}
	if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
		return nil, fmt.Errorf("storage: unmarshal entry data: %w", err)
	}
	e.Hash = ledgercore.Hash(hash)
	e.ParentHash = ledgercore.Hash(parentHash)
	return &e, nil
}

func (s *SQL) Get(ctx context.Context, ledgerID, entryID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ledger_id, position, data, hash, parent_hash, created_at
		FROM entries WHERE ledger_id = $1 AND id = $2`, ledgerID, entryID)
	return s.scanEntry(row)
}

func (s *SQL) GetByPosition(ctx context.Context, ledgerID string, position uint64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ledger_id, position, data, hash, parent_hash, created_at
		FROM entries WHERE ledger_id = $1 AND position = $2`, ledgerID, position)
	return s.scanEntry(row)
}

func (s *SQL) List(ctx context.Context, ledgerID string, offset, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ledger_id, position, data, hash, parent_hash, created_at
		FROM entries WHERE ledger_id = $1 ORDER BY position ASC OFFSET $2 LIMIT $3`, ledgerID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list entries: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		var dataJSON []byte
		var hash, parentHash string
		if err := rows.Scan(&e.ID, &e.LedgerID, &e.Position, &dataJSON, &hash, &parentHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan entry row: %w", err)
		}
		if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
			return nil, fmt.Errorf("storage: unmarshal entry row data: %w", err)
		}
		e.Hash = ledgercore.Hash(hash)
		e.ParentHash = ledgercore.Hash(parentHash)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQL) AllLeafHashes(ctx context.Context, ledgerID string) ([]ledgercore.Hash, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM entries WHERE ledger_id = $1 ORDER BY position ASC`, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("storage: leaf hashes: %w", err)
	}
	defer rows.Close()

	var out []ledgercore.Hash
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, ledgercore.Hash(h))
	}
	return out, rows.Err()
}

func (s *SQL) VerifyIntegrity(ctx context.Context, ledgerID string) (IntegrityReport, error) {
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

func (s *SQL) GetIdempotency(ctx context.Context, ledgerID, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var ttlSeconds int
	err := s.db.QueryRowContext(ctx, `
		SELECT ledger_id, key, cached_response, created_at, ttl_seconds
		FROM idempotency_keys WHERE ledger_id = $1 AND key = $2`, ledgerID, key,
	).Scan(&rec.LedgerID, &rec.Key, &rec.CachedResponse, &rec.CreatedAt, &ttlSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get idempotency record: %w", err)
	}
	rec.TTL = time.Duration(ttlSeconds) * time.Second
	if rec.TTL > 0 && time.Since(rec.CreatedAt) > rec.TTL {
		return nil, nil
	}
	return &rec, nil
}

func (s *SQL) PutIdempotency(ctx context.Context, record IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (ledger_id, key, cached_response, created_at, ttl_seconds)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ledger_id, key) DO NOTHING`,
		record.LedgerID, record.Key, record.CachedResponse, record.CreatedAt, int(record.TTL.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("storage: put idempotency record: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}
