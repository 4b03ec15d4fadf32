// Package audit records credential-sensitive actions in an append-only,
// hash-chained log.
//
// The chain is tamper evidence, not a Merkle ledger: each entry carries
// prev_hash = SHA-256(prev.id || prev.timestamp), with the genesis value
// SHA-256("genesis"). Writes are serialized behind the logger mutex so the
// chain reconstructs linearly; verification recomputes forward over the
// ordered log.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Action names for audit entries.
const (
	ActionCredentialStored    = "credential_stored"
	ActionCredentialRetrieved = "credential_retrieved"
	ActionCredentialRotated   = "credential_rotated"
	ActionCredentialDeleted   = "credential_deleted"
	ActionUserKeyCreated      = "user_key_created"
	ActionAppCredentialSet    = "app_credential_set"
)

// Entry is one audit record.
type Entry struct {
	ID          string         `db:"id" json:"id"`
	UserID      string         `db:"user_id" json:"userId"`
	ServiceID   string         `db:"service_id" json:"serviceId"`
	Action      string         `db:"action" json:"action"`
	ExecutionID string         `db:"execution_id" json:"executionId,omitempty"`
	IPAddress   string         `db:"ip_address" json:"ipAddress,omitempty"`
	Metadata    map[string]any `db:"-" json:"metadata,omitempty"`
	Timestamp   time.Time      `db:"-" json:"timestamp"`
	PrevHash    string         `db:"prev_hash" json:"prevHash"`
}

// GenesisHash anchors the chain.
func GenesisHash() string {
	sum := sha256.Sum256([]byte("genesis"))
	return hex.EncodeToString(sum[:])
}

// EntryHash is the chain input contributed by an entry.
func EntryHash(id string, ts time.Time) string {
	sum := sha256.Sum256([]byte(id + ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// Logger appends audit entries. Log never propagates failures to callers.
type Logger struct {
	mu sync.Mutex
	db *sqlx.DB
}

func NewLogger(db *sqlx.DB) *Logger {
	return &Logger{db: db}
}

// Migrate creates the audit table.
func (l *Logger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credential_audit_log (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			service_id TEXT NOT NULL,
			action TEXT NOT NULL,
			execution_id TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			timestamp TEXT NOT NULL,
			prev_hash TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_tail ON credential_audit_log (timestamp DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_user ON credential_audit_log (user_id, service_id);
	`)
	return err
}

// Log appends an entry. On any underlying failure it logs a warning and
// returns; audit writes never fail the caller.
func (l *Logger) Log(ctx context.Context, e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	prev, err := l.latest(ctx)
	switch {
	case err != nil:
		slog.Warn("audit: reading chain head failed", "error", err)
		return
	case prev == nil:
		e.PrevHash = GenesisHash()
	default:
		e.PrevHash = EntryHash(prev.ID, prev.Timestamp)
	}

	metaJSON, err := json.Marshal(Sanitize(e.Metadata))
	if err != nil {
		metaJSON = []byte("{}")
	}

	query := l.db.Rebind(`
		INSERT INTO credential_audit_log
			(id, user_id, service_id, action, execution_id, ip_address, metadata, timestamp, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = l.db.ExecContext(ctx, query,
		e.ID, e.UserID, e.ServiceID, e.Action, e.ExecutionID, e.IPAddress,
		string(metaJSON), e.Timestamp.UTC().Format(time.RFC3339Nano), e.PrevHash,
	)
	if err != nil {
		slog.Warn("audit: append failed", "action", e.Action, "error", err)
	}
}

// latest returns the newest entry by (timestamp desc, id desc), or nil.
func (l *Logger) latest(ctx context.Context) (*Entry, error) {
	row := l.db.QueryRowxContext(ctx, `
		SELECT id, timestamp FROM credential_audit_log
		ORDER BY timestamp DESC, id DESC LIMIT 1`)

	var id, ts string
	if err := row.Scan(&id, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("audit: parse timestamp %q: %w", ts, err)
	}
	return &Entry{ID: id, Timestamp: t}, nil
}

// List returns entries for a user ordered oldest first.
func (l *Logger) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := l.db.Rebind(`
		SELECT id, user_id, service_id, action, execution_id, ip_address, metadata, timestamp, prev_hash
		FROM credential_audit_log WHERE user_id = ?
		ORDER BY timestamp ASC, id ASC LIMIT ?`)
	return l.scanEntries(ctx, query, userID, limit)
}

// VerifyChain recomputes the chain over the full ordered log. It returns the
// number of entries checked and an error naming the first break, if any.
func (l *Logger) VerifyChain(ctx context.Context) (int, error) {
	entries, err := l.scanEntries(ctx, `
		SELECT id, user_id, service_id, action, execution_id, ip_address, metadata, timestamp, prev_hash
		FROM credential_audit_log ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return 0, err
	}

	want := GenesisHash()
	for i, e := range entries {
		if e.PrevHash != want {
			return i, fmt.Errorf("audit: chain broken at entry %s (index %d)", e.ID, i)
		}
		want = EntryHash(e.ID, e.Timestamp)
	}
	return len(entries), nil
}

func (l *Logger) scanEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var metaJSON, ts string
		if err := rows.Scan(&e.ID, &e.UserID, &e.ServiceID, &e.Action, &e.ExecutionID,
			&e.IPAddress, &metaJSON, &ts, &e.PrevHash); err != nil {
			return nil, err
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("audit: parse timestamp %q: %w", ts, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
