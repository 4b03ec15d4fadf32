package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrUserNotFound = errors.New("store: user not found")

// User is a dashboard identity established via GitHub or Google OAuth.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Provider  string    `json:"provider"` // github or google
	CreatedAt time.Time `json:"createdAt"`
}

// UserStore persists dashboard users.
type UserStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewUserStore(db *sqlx.DB) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

func (s *UserStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id);
	`)
	return err
}

// UpsertByEmail returns the user for an OAuth login, creating the row on
// first sight. Email comparison is case-insensitive.
func (s *UserStore) UpsertByEmail(ctx context.Context, email, name, provider string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	now := s.now()

	q := s.db.Rebind(`INSERT INTO users (id, email, name, provider, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET name = excluded.name`)
	if _, err := s.db.ExecContext(ctx, q, uuid.NewString(), email, name, provider, timeText(now)); err != nil {
		return nil, err
	}
	return s.GetByEmail(ctx, email)
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	var row struct {
		ID        string `db:"id"`
		Email     string `db:"email"`
		Name      string `db:"name"`
		Provider  string `db:"provider"`
		CreatedAt string `db:"created_at"`
	}
	q := s.db.Rebind(`SELECT id, email, name, provider, created_at FROM users WHERE email = ?`)
	if err := s.db.GetContext(ctx, &row, q, strings.ToLower(strings.TrimSpace(email))); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	created, err := parseTimeText(row.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &User{ID: row.ID, Email: row.Email, Name: row.Name, Provider: row.Provider, CreatedAt: created}, nil
}

// CreateSession opens a session row backing a JWT.
func (s *UserStore) CreateSession(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	id := uuid.NewString()
	now := s.now()
	q := s.db.Rebind(`INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, id, userID, timeText(now), timeText(now.Add(ttl))); err != nil {
		return "", err
	}
	return id, nil
}

// SessionValid reports whether the session exists and has not expired.
func (s *UserStore) SessionValid(ctx context.Context, sessionID string) (bool, error) {
	var expires string
	q := s.db.Rebind(`SELECT expires_at FROM sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &expires, q, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	t, err := parseTimeText(expires)
	if err != nil {
		return false, err
	}
	return s.now().Before(t), nil
}

// DeleteSession logs a session out.
func (s *UserStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE id = ?`), sessionID)
	return err
}
