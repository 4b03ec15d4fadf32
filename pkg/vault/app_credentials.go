package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/envelope"
)

// appKeyOwner is the reserved user-key row that seals OAuth application
// credentials (client_id / client_secret per service).
const appKeyOwner = "__app__"

var ErrAppCredentialNotFound = errors.New("vault: app credential not found")

// AppCredential is the OAuth application identity for one service.
type AppCredential struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// SetAppCredential seals and upserts the application credential for service.
func (v *Vault) SetAppCredential(ctx context.Context, service string, cred AppCredential) error {
	service = NormalizeService(service)
	if service == "" {
		return errors.New("vault: empty service id")
	}

	wrapped, err := v.ensureUserKey(ctx, appKeyOwner)
	if err != nil {
		return err
	}
	dek, err := v.provider.DecryptDataKey(ctx, wrapped)
	if err != nil {
		return fmt.Errorf("vault: unwrap app key: %w", err)
	}
	defer envelope.Zero(dek)

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	defer envelope.Zero(plaintext)

	blob, err := envelope.Seal(plaintext, dek)
	if err != nil {
		return err
	}

	now := v.now().UTC().Format(time.RFC3339Nano)
	query := v.db.Rebind(`
		INSERT INTO app_credentials (service_id, blob, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (service_id) DO UPDATE SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at`)
	if _, err := v.db.ExecContext(ctx, query, service, blob, now, now); err != nil {
		return fmt.Errorf("vault: upsert app credential: %w", err)
	}

	v.auditor.Log(ctx, audit.Entry{UserID: appKeyOwner, ServiceID: service, Action: audit.ActionAppCredentialSet})
	return nil
}

// GetAppCredential decrypts the application credential for service.
func (v *Vault) GetAppCredential(ctx context.Context, service string) (*AppCredential, error) {
	service = NormalizeService(service)

	var blob, wrapped []byte
	query := v.db.Rebind(`
		SELECT a.blob, k.wrapped_dek
		FROM app_credentials a JOIN user_keys k ON k.user_id = ?
		WHERE a.service_id = ?`)
	err := v.db.QueryRowxContext(ctx, query, appKeyOwner, service).Scan(&blob, &wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAppCredentialNotFound
	}
	if err != nil {
		return nil, err
	}

	var cred AppCredential
	err = envelope.WithDecrypted(ctx, v.provider, wrapped, blob, func(plaintext []byte) error {
		return json.Unmarshal(plaintext, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// DeleteAppCredential removes the application credential for service.
func (v *Vault) DeleteAppCredential(ctx context.Context, service string) error {
	service = NormalizeService(service)
	query := v.db.Rebind(`DELETE FROM app_credentials WHERE service_id = ?`)
	res, err := v.db.ExecContext(ctx, query, service)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAppCredentialNotFound
	}
	return nil
}
