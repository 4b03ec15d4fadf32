package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// IdempotencyTTL is how long a cached execute response replays.
const IdempotencyTTL = time.Hour

// IdempotencyEntry is a cached 2xx response.
type IdempotencyEntry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	CreatedAt time.Time   `json:"createdAt"`
}

// IdempotencyStore caches responses keyed by (principal, key).
type IdempotencyStore interface {
	// Lookup returns the cached entry or nil. Expired entries read as
	// absent and are deleted opportunistically.
	Lookup(ctx context.Context, principalID, key string) (*IdempotencyEntry, error)
	Put(ctx context.Context, principalID, key string, e *IdempotencyEntry) error
}

// SQLIdempotencyStore is the default DB-backed cache.
type SQLIdempotencyStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLIdempotencyStore(db *sqlx.DB) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, now: time.Now}
}

// WithClock fixes the store's clock for tests.
func (s *SQLIdempotencyStore) WithClock(now func() time.Time) *SQLIdempotencyStore {
	s.now = now
	return s
}

func (s *SQLIdempotencyStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_cache (
			principal_id TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			status INTEGER NOT NULL,
			headers TEXT NOT NULL,
			body BLOB NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (principal_id, idem_key)
		);
	`)
	return err
}

func (s *SQLIdempotencyStore) Lookup(ctx context.Context, principalID, key string) (*IdempotencyEntry, error) {
	var row struct {
		Status      int    `db:"status"`
		Headers     string `db:"headers"`
		Body        []byte `db:"body"`
		CreatedAtMs int64  `db:"created_at_ms"`
	}
	q := s.db.Rebind(`SELECT status, headers, body, created_at_ms
		FROM idempotency_cache WHERE principal_id = ? AND idem_key = ?`)
	if err := s.db.GetContext(ctx, &row, q, principalID, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	created := time.UnixMilli(row.CreatedAtMs)
	if s.now().Sub(created) > IdempotencyTTL {
		del := s.db.Rebind(`DELETE FROM idempotency_cache WHERE principal_id = ? AND idem_key = ?`)
		_, _ = s.db.ExecContext(ctx, del, principalID, key)
		return nil, nil
	}

	var header http.Header
	if err := json.Unmarshal([]byte(row.Headers), &header); err != nil {
		return nil, err
	}
	return &IdempotencyEntry{
		Status:    row.Status,
		Header:    header,
		Body:      row.Body,
		CreatedAt: created,
	}, nil
}

func (s *SQLIdempotencyStore) Put(ctx context.Context, principalID, key string, e *IdempotencyEntry) error {
	headers, err := json.Marshal(e.Header)
	if err != nil {
		return err
	}
	// Last writer wins: same key implies same intended effect.
	q := s.db.Rebind(`INSERT INTO idempotency_cache
		(principal_id, idem_key, status, headers, body, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (principal_id, idem_key) DO UPDATE SET
			status = excluded.status,
			headers = excluded.headers,
			body = excluded.body,
			created_at_ms = excluded.created_at_ms`)
	_, err = s.db.ExecContext(ctx, q,
		principalID, key, e.Status, string(headers), e.Body, s.now().UnixMilli())
	return err
}

// RedisIdempotencyStore keeps the cache in Redis; the TTL rides on the
// key instead of lazy expiry.
type RedisIdempotencyStore struct {
	client *redis.Client
}

func NewRedisIdempotencyStore(client *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func redisIdemKey(principalID, key string) string {
	return "agentgate:idem:" + principalID + ":" + key
}

func (s *RedisIdempotencyStore) Lookup(ctx context.Context, principalID, key string) (*IdempotencyEntry, error) {
	raw, err := s.client.Get(ctx, redisIdemKey(principalID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e IdempotencyEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, principalID, key string, e *IdempotencyEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisIdemKey(principalID, key), raw, IdempotencyTTL).Err()
}
