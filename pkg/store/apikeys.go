package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/argon2"
)

var (
	ErrAPIKeyNotFound = errors.New("store: api key not found")
	ErrAPIKeyInvalid  = errors.New("store: api key invalid")
)

const (
	apiKeyPrefixLen = 12
	argonTime       = 1
	argonMemory     = 64 * 1024
	argonThreads    = 4
	argonKeyLen     = 32
)

// APIKey is the stored form; the plaintext is shown once at creation.
type APIKey struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Admin      bool       `json:"admin"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// APIKeyStore manages argon2id-hashed API keys, looked up by prefix.
type APIKeyStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewAPIKeyStore(db *sqlx.DB) *APIKeyStore {
	return &APIKeyStore{db: db, now: time.Now}
}

func (s *APIKeyStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			prefix TEXT NOT NULL,
			salt TEXT NOT NULL,
			hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			revoked_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys (prefix);
		CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys (owner_id);
	`)
	return err
}

func hashAPIKey(key string, salt []byte) string {
	sum := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.RawStdEncoding.EncodeToString(sum)
}

// Create mints a key for the owner and returns record plus the plaintext
// secret, which is never stored.
func (s *APIKeyStore) Create(ctx context.Context, ownerID, name string, admin bool) (*APIKey, string, error) {
	var secret [24]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, "", err
	}
	plaintext := "agk_" + hex.EncodeToString(secret[:])

	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, "", err
	}

	rec := &APIKey{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Prefix:    plaintext[:apiKeyPrefixLen],
		Admin:     admin,
		CreatedAt: s.now(),
	}
	adminFlag := 0
	if admin {
		adminFlag = 1
	}
	q := s.db.Rebind(`INSERT INTO api_keys
		(id, owner_id, name, prefix, salt, hash, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		rec.ID, ownerID, name, rec.Prefix,
		base64.RawStdEncoding.EncodeToString(salt[:]),
		hashAPIKey(plaintext, salt[:]),
		adminFlag, timeText(rec.CreatedAt)); err != nil {
		return nil, "", err
	}
	return rec, plaintext, nil
}

// Verify resolves a presented key to its record. Revoked and unknown
// keys both fail with ErrAPIKeyInvalid.
func (s *APIKeyStore) Verify(ctx context.Context, presented string) (*APIKey, error) {
	if len(presented) < apiKeyPrefixLen || !strings.HasPrefix(presented, "agk_") {
		return nil, ErrAPIKeyInvalid
	}

	var rows []struct {
		ID         string  `db:"id"`
		OwnerID    string  `db:"owner_id"`
		Name       string  `db:"name"`
		Prefix     string  `db:"prefix"`
		Salt       string  `db:"salt"`
		Hash       string  `db:"hash"`
		Admin      int     `db:"is_admin"`
		CreatedAt  string  `db:"created_at"`
		LastUsedAt *string `db:"last_used_at"`
		RevokedAt  *string `db:"revoked_at"`
	}
	q := s.db.Rebind(`SELECT id, owner_id, name, prefix, salt, hash, is_admin,
		created_at, last_used_at, revoked_at
		FROM api_keys WHERE prefix = ? AND revoked_at IS NULL`)
	if err := s.db.SelectContext(ctx, &rows, q, presented[:apiKeyPrefixLen]); err != nil {
		return nil, err
	}

	for _, row := range rows {
		salt, err := base64.RawStdEncoding.DecodeString(row.Salt)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hashAPIKey(presented, salt)), []byte(row.Hash)) != 1 {
			continue
		}

		upd := s.db.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`)
		_, _ = s.db.ExecContext(ctx, upd, timeText(s.now()), row.ID)

		rec := &APIKey{
			ID:      row.ID,
			OwnerID: row.OwnerID,
			Name:    row.Name,
			Prefix:  row.Prefix,
			Admin:   row.Admin != 0,
		}
		if rec.CreatedAt, err = parseTimeText(row.CreatedAt); err != nil {
			return nil, err
		}
		if rec.LastUsedAt, err = parseTimePtr(row.LastUsedAt); err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, ErrAPIKeyInvalid
}

// List returns the owner's keys, never the hashes.
func (s *APIKeyStore) List(ctx context.Context, ownerID string) ([]*APIKey, error) {
	var rows []struct {
		ID         string  `db:"id"`
		OwnerID    string  `db:"owner_id"`
		Name       string  `db:"name"`
		Prefix     string  `db:"prefix"`
		Admin      int     `db:"is_admin"`
		CreatedAt  string  `db:"created_at"`
		LastUsedAt *string `db:"last_used_at"`
		RevokedAt  *string `db:"revoked_at"`
	}
	q := s.db.Rebind(`SELECT id, owner_id, name, prefix, is_admin, created_at,
		last_used_at, revoked_at FROM api_keys WHERE owner_id = ? ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &rows, q, ownerID); err != nil {
		return nil, err
	}

	out := make([]*APIKey, 0, len(rows))
	for _, row := range rows {
		rec := &APIKey{
			ID:      row.ID,
			OwnerID: row.OwnerID,
			Name:    row.Name,
			Prefix:  row.Prefix,
			Admin:   row.Admin != 0,
		}
		var err error
		if rec.CreatedAt, err = parseTimeText(row.CreatedAt); err != nil {
			return nil, err
		}
		if rec.LastUsedAt, err = parseTimePtr(row.LastUsedAt); err != nil {
			return nil, err
		}
		if rec.RevokedAt, err = parseTimePtr(row.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Revoke disables a key; verification fails from then on.
func (s *APIKeyStore) Revoke(ctx context.Context, id, ownerID string) error {
	q := s.db.Rebind(`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND owner_id = ? AND revoked_at IS NULL`)
	res, err := s.db.ExecContext(ctx, q, timeText(s.now()), id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}
