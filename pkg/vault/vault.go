// Package vault stores per-user third-party credentials under envelope
// encryption: each user has one KMS-wrapped data encryption key, and every
// credential payload is sealed under that DEK with AES-256-GCM.
package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/envelope"
	"github.com/agentgate/agentgate/pkg/kms"
)

// AuthType classifies a stored credential.
type AuthType string

const (
	AuthOAuth2            AuthType = "oauth2"
	AuthAPIKey            AuthType = "api_key"
	AuthCookie            AuthType = "cookie"
	AuthBasic             AuthType = "basic"
	AuthAppOAuth          AuthType = "app_oauth"
	AuthClientCredentials AuthType = "client_credentials"
)

var ErrCredentialNotFound = errors.New("vault: credential not found")

// Payload is the decrypted credential document.
type Payload struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	CookieName   string `json:"cookie_name,omitempty"`
	CookieValue  string `json:"cookie_value,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Connection is credential metadata exposed to listings; never ciphertext.
type Connection struct {
	ServiceID  string     `json:"serviceId"`
	AuthType   AuthType   `json:"authType"`
	Status     string     `json:"status"` // connected | expired
	Scopes     []string   `json:"scopes,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Meta is the non-secret part of a credential used for refresh decisions.
type Meta struct {
	AuthType  AuthType
	ExpiresAt *time.Time
	Scopes    []string
}

// Vault manages encrypted credentials and per-user key lifecycle.
type Vault struct {
	db       *sqlx.DB
	provider kms.Provider
	keyID    string
	auditor  *audit.Logger
	now      func() time.Time
}

func New(db *sqlx.DB, provider kms.Provider, kmsKeyID string, auditor *audit.Logger) *Vault {
	return &Vault{db: db, provider: provider, keyID: kmsKeyID, auditor: auditor, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (v *Vault) WithClock(now func() time.Time) *Vault {
	v.now = now
	return v
}

func (v *Vault) Migrate(ctx context.Context) error {
	_, err := v.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_keys (
			user_id TEXT PRIMARY KEY,
			wrapped_dek BLOB NOT NULL,
			kms_key_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			rotated_at TEXT
		);
		CREATE TABLE IF NOT EXISTS credentials (
			user_id TEXT NOT NULL,
			service_id TEXT NOT NULL,
			auth_type TEXT NOT NULL,
			blob BLOB NOT NULL,
			scopes TEXT NOT NULL DEFAULT '[]',
			expires_at TEXT,
			last_used_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, service_id)
		);
		CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials (user_id, service_id);
		CREATE TABLE IF NOT EXISTS app_credentials (
			service_id TEXT PRIMARY KEY,
			blob BLOB NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// NormalizeService canonicalizes service identifiers.
func NormalizeService(service string) string {
	return strings.ToLower(strings.TrimSpace(service))
}

// StoreCredential seals the payload under the user's DEK and upserts the
// credential row. The user key is created on first use; a unique-constraint
// race is recovered by reloading the winner's row.
func (v *Vault) StoreCredential(ctx context.Context, userID, service string, authType AuthType, payload Payload, scopes []string) error {
	service = NormalizeService(service)
	if service == "" {
		return errors.New("vault: empty service id")
	}

	wrapped, err := v.ensureUserKey(ctx, userID)
	if err != nil {
		return err
	}

	dek, err := v.provider.DecryptDataKey(ctx, wrapped)
	if err != nil {
		return fmt.Errorf("vault: unwrap user key: %w", err)
	}
	defer envelope.Zero(dek)

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("vault: encode payload: %w", err)
	}
	defer envelope.Zero(plaintext)

	blob, err := envelope.Seal(plaintext, dek)
	if err != nil {
		return err
	}

	var expiresAt *string
	if authType == AuthOAuth2 && payload.ExpiresIn > 0 {
		s := v.now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second).Format(time.RFC3339Nano)
		expiresAt = &s
	}

	scopesJSON, _ := json.Marshal(scopes)
	now := v.now().UTC().Format(time.RFC3339Nano)

	query := v.db.Rebind(`
		INSERT INTO credentials (user_id, service_id, auth_type, blob, scopes, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, service_id) DO UPDATE SET
			auth_type = EXCLUDED.auth_type,
			blob = EXCLUDED.blob,
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`)
	if _, err := v.db.ExecContext(ctx, query,
		userID, service, string(authType), blob, string(scopesJSON), expiresAt, now, now); err != nil {
		return fmt.Errorf("vault: upsert credential: %w", err)
	}

	v.auditor.Log(ctx, audit.Entry{
		UserID: userID, ServiceID: service, Action: audit.ActionCredentialStored,
		Metadata: map[string]any{"authType": string(authType), "scopes": scopes},
	})
	return nil
}

// RetrieveCredential decrypts and returns the payload for (userID, service).
// last_used_at is bumped within the decryption scope.
func (v *Vault) RetrieveCredential(ctx context.Context, userID, service string) (*Payload, error) {
	service = NormalizeService(service)

	var blob []byte
	var wrapped []byte
	query := v.db.Rebind(`
		SELECT c.blob, k.wrapped_dek
		FROM credentials c JOIN user_keys k ON k.user_id = c.user_id
		WHERE c.user_id = ? AND c.service_id = ?`)
	err := v.db.QueryRowxContext(ctx, query, userID, service).Scan(&blob, &wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: load credential: %w", err)
	}

	var payload Payload
	err = envelope.WithDecrypted(ctx, v.provider, wrapped, blob, func(plaintext []byte) error {
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			return fmt.Errorf("vault: decode payload: %w", err)
		}
		bump := v.db.Rebind(`UPDATE credentials SET last_used_at = ? WHERE user_id = ? AND service_id = ?`)
		_, err := v.db.ExecContext(ctx, bump, v.now().UTC().Format(time.RFC3339Nano), userID, service)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

// CredentialMeta returns the non-secret metadata for refresh decisions.
func (v *Vault) CredentialMeta(ctx context.Context, userID, service string) (*Meta, error) {
	service = NormalizeService(service)

	var authType string
	var expiresAt sql.NullString
	var scopesJSON string
	query := v.db.Rebind(`SELECT auth_type, expires_at, scopes FROM credentials WHERE user_id = ? AND service_id = ?`)
	err := v.db.QueryRowxContext(ctx, query, userID, service).Scan(&authType, &expiresAt, &scopesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}

	m := &Meta{AuthType: AuthType(authType)}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err == nil {
			m.ExpiresAt = &t
		}
	}
	_ = json.Unmarshal([]byte(scopesJSON), &m.Scopes)
	return m, nil
}

func (v *Vault) DeleteCredential(ctx context.Context, userID, service string) error {
	service = NormalizeService(service)
	query := v.db.Rebind(`DELETE FROM credentials WHERE user_id = ? AND service_id = ?`)
	res, err := v.db.ExecContext(ctx, query, userID, service)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCredentialNotFound
	}
	v.auditor.Log(ctx, audit.Entry{UserID: userID, ServiceID: service, Action: audit.ActionCredentialDeleted})
	return nil
}

func (v *Vault) HasCredential(ctx context.Context, userID, service string) (bool, error) {
	service = NormalizeService(service)
	var n int
	query := v.db.Rebind(`SELECT COUNT(1) FROM credentials WHERE user_id = ? AND service_id = ?`)
	if err := v.db.QueryRowxContext(ctx, query, userID, service).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListConnections returns credential metadata for a user, newest first.
func (v *Vault) ListConnections(ctx context.Context, userID string) ([]Connection, error) {
	query := v.db.Rebind(`
		SELECT service_id, auth_type, scopes, expires_at, last_used_at, created_at
		FROM credentials WHERE user_id = ? ORDER BY created_at DESC`)
	rows, err := v.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	now := v.now()
	conns := []Connection{}
	for rows.Next() {
		var c Connection
		var authType, scopesJSON, createdAt string
		var expiresAt, lastUsedAt sql.NullString
		if err := rows.Scan(&c.ServiceID, &authType, &scopesJSON, &expiresAt, &lastUsedAt, &createdAt); err != nil {
			return nil, err
		}
		c.AuthType = AuthType(authType)
		_ = json.Unmarshal([]byte(scopesJSON), &c.Scopes)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			c.CreatedAt = t
		}
		if expiresAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, expiresAt.String); err == nil {
				c.ExpiresAt = &t
			}
		}
		if lastUsedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, lastUsedAt.String); err == nil {
				c.LastUsedAt = &t
			}
		}
		c.Status = "connected"
		if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			c.Status = "expired"
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// ensureUserKey returns the wrapped DEK for userID, creating it on first
// use. On an insert race the existing row wins and is reloaded.
func (v *Vault) ensureUserKey(ctx context.Context, userID string) ([]byte, error) {
	var wrapped []byte
	sel := v.db.Rebind(`SELECT wrapped_dek FROM user_keys WHERE user_id = ?`)
	err := v.db.QueryRowxContext(ctx, sel, userID).Scan(&wrapped)
	if err == nil {
		return wrapped, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vault: load user key: %w", err)
	}

	dek, freshWrapped, err := v.provider.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}
	envelope.Zero(dek) // plaintext not needed here; callers unwrap on demand

	ins := v.db.Rebind(`
		INSERT INTO user_keys (user_id, wrapped_dek, kms_key_id, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (user_id) DO NOTHING`)
	res, err := v.db.ExecContext(ctx, ins, userID, freshWrapped, v.keyID, v.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("vault: create user key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race; another writer created the key.
		if err := v.db.QueryRowxContext(ctx, sel, userID).Scan(&wrapped); err != nil {
			return nil, fmt.Errorf("vault: reload user key: %w", err)
		}
		return wrapped, nil
	}

	v.auditor.Log(ctx, audit.Entry{UserID: userID, Action: audit.ActionUserKeyCreated})
	return freshWrapped, nil
}
