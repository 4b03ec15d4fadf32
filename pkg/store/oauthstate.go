package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// OAuthStateTTL bounds how long an authorize redirect may take.
const OAuthStateTTL = 10 * time.Minute

var ErrOAuthStateInvalid = errors.New("store: oauth state invalid or expired")

// OAuthStateStore issues and consumes short-lived CSRF tokens binding an
// authorize redirect to (userID, service).
type OAuthStateStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewOAuthStateStore(db *sqlx.DB) *OAuthStateStore {
	return &OAuthStateStore{db: db, now: time.Now}
}

func (s *OAuthStateStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS oauth_state (
			state TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			service TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

// Issue creates a state token for one authorize round-trip.
func (s *OAuthStateStore) Issue(ctx context.Context, userID, service string) (string, error) {
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	state := hex.EncodeToString(buf[:])
	q := s.db.Rebind(`INSERT INTO oauth_state (state, user_id, service, created_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, state, userID, service, timeText(s.now())); err != nil {
		return "", err
	}
	return state, nil
}

// Consume validates and burns a state token, returning its binding. A
// token is single-use; expired or unknown tokens fail.
func (s *OAuthStateStore) Consume(ctx context.Context, state string) (userID, service string, err error) {
	var row struct {
		UserID    string `db:"user_id"`
		Service   string `db:"service"`
		CreatedAt string `db:"created_at"`
	}
	q := s.db.Rebind(`SELECT user_id, service, created_at FROM oauth_state WHERE state = ?`)
	if err := s.db.GetContext(ctx, &row, q, state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrOAuthStateInvalid
		}
		return "", "", err
	}

	_, _ = s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM oauth_state WHERE state = ?`), state)

	created, err := parseTimeText(row.CreatedAt)
	if err != nil {
		return "", "", err
	}
	if s.now().Sub(created) > OAuthStateTTL {
		return "", "", ErrOAuthStateInvalid
	}
	return row.UserID, row.Service, nil
}
