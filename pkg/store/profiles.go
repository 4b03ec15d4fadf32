package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrProfileNotFound = errors.New("store: interaction profile not found")

// InteractionProfile is the generated usage profile for a business on a
// platform. The gateway falls back to it when the business row itself is
// absent.
type InteractionProfile struct {
	BusinessID string          `json:"businessId"`
	Platform   string          `json:"platform"`
	Data       json.RawMessage `json:"data"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// ProfileStore persists interaction profiles.
type ProfileStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewProfileStore(db *sqlx.DB) *ProfileStore {
	return &ProfileStore{db: db, now: time.Now}
}

func (s *ProfileStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS interaction_profiles (
			business_id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

func (s *ProfileStore) Upsert(ctx context.Context, businessID, platform string, data json.RawMessage) error {
	q := s.db.Rebind(`INSERT INTO interaction_profiles (business_id, platform, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (business_id) DO UPDATE SET
			platform = excluded.platform,
			data = excluded.data,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, q, businessID, platform, string(data), timeText(s.now()))
	return err
}

func (s *ProfileStore) Get(ctx context.Context, businessID string) (*InteractionProfile, error) {
	var row struct {
		BusinessID string `db:"business_id"`
		Platform   string `db:"platform"`
		Data       string `db:"data"`
		UpdatedAt  string `db:"updated_at"`
	}
	q := s.db.Rebind(`SELECT business_id, platform, data, updated_at
		FROM interaction_profiles WHERE business_id = ?`)
	if err := s.db.GetContext(ctx, &row, q, businessID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	updated, err := parseTimeText(row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &InteractionProfile{
		BusinessID: row.BusinessID,
		Platform:   row.Platform,
		Data:       json.RawMessage(row.Data),
		UpdatedAt:  updated,
	}, nil
}
