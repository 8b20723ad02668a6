package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/ledger/internal/ledgercore"
)

// Cached fronts another dialect with a Redis-backed cache of each ledger's
// last entry hash, grounded on infra.GoRedisAdapter's connect-then-ping
// construction and fabric.RedisHubStore's key-prefix convention.
// LastEntryHash goes through Redis first; every other read goes straight to
// the wrapped dialect. Put, UpdateMetadata and Archive invalidate the cached
// value for that ledger so a stale tail is not served after a write.
type Cached struct {
	Storage
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewCached wraps next with a Redis cache dialed at addr.
func NewCached(ctx context.Context, next Storage, addr string, ttl time.Duration, dialTimeout time.Duration) (*Cached, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  dialTimeout,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("storage: redis ping failed (%s): %w", addr, err)
	}

	return &Cached{
		Storage:   next,
		rdb:       rdb,
		keyPrefix: "ledger:root:",
		ttl:       ttl,
		logger:    slog.Default().With("component", "storage.Cached"),
	}, nil
}

// Close shuts down the Redis client. The wrapped dialect's own Close (if
// any) is the caller's responsibility.
func (c *Cached) Close() error { return c.rdb.Close() }

func (c *Cached) rootKey(ledgerID string) string { return c.keyPrefix + ledgerID }

// LastEntryHash checks Redis before falling through to the wrapped dialect,
// and repopulates the cache on a miss.
func (c *Cached) LastEntryHash(ctx context.Context, ledgerID string) (ledgercore.Hash, error) {
	if cached, err := c.rdb.Get(ctx, c.rootKey(ledgerID)).Result(); err == nil {
		return ledgercore.Hash(cached), nil
	} else if err != redis.Nil {
		c.logger.Warn("redis get failed, falling through to storage", "ledger_id", ledgerID, "error", err)
	}

	hash, err := c.Storage.LastEntryHash(ctx, ledgerID)
	if err != nil {
		return "", err
	}
	if setErr := c.rdb.Set(ctx, c.rootKey(ledgerID), string(hash), c.ttl).Err(); setErr != nil {
		c.logger.Warn("redis set failed", "ledger_id", ledgerID, "error", setErr)
	}
	return hash, nil
}

// Put invalidates the cached root before delegating, so a reader racing the
// append never observes a hit for the pre-append tail.
func (c *Cached) Put(ctx context.Context, ledgerID string, entry Entry) error {
	if err := c.rdb.Del(ctx, c.rootKey(ledgerID)).Err(); err != nil {
		c.logger.Warn("redis invalidate failed", "ledger_id", ledgerID, "error", err)
	}
	return c.Storage.Put(ctx, ledgerID, entry)
}

// UpdateMetadata also invalidates, since the service calls it with the new
// root right after Put within the same append.
func (c *Cached) UpdateMetadata(ctx context.Context, ledgerID string, patch MetadataPatch) error {
	if err := c.rdb.Del(ctx, c.rootKey(ledgerID)).Err(); err != nil {
		c.logger.Warn("redis invalidate failed", "ledger_id", ledgerID, "error", err)
	}
	return c.Storage.UpdateMetadata(ctx, ledgerID, patch)
}

// Archive invalidates the cached root for a ledger taken out of the write
// path; a subsequent LastEntryHash recomputes from the wrapped dialect.
func (c *Cached) Archive(ctx context.Context, ledgerID string) error {
	if err := c.rdb.Del(ctx, c.rootKey(ledgerID)).Err(); err != nil {
		c.logger.Warn("redis invalidate failed", "ledger_id", ledgerID, "error", err)
	}
	return c.Storage.Archive(ctx, ledgerID)
}
