package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Adapter lifecycle statuses.
const (
	AdapterSandbox  = "sandbox"
	AdapterReview   = "review"
	AdapterPublic   = "public"
	AdapterRejected = "rejected"
	AdapterArchived = "archived"
)

// SystemOwner owns bundled public adapters.
const SystemOwner = "system"

var ErrAdapterNotFound = errors.New("store: adapter not found")

// AdapterRecord is one adapter version: descriptor source in the DB,
// authoritative file on disk under the runtime directory.
type AdapterRecord struct {
	ID             string     `db:"id" json:"id"`
	Platform       string     `db:"platform" json:"platform"`
	OwnerID        string     `db:"owner_id" json:"ownerId"`
	Status         string     `db:"status" json:"status"`
	FilePath       string     `db:"file_path" json:"filePath"`
	SourceCode     *string    `db:"source_code" json:"-"`
	SourceHash     string     `db:"source_hash" json:"sourceHash"`
	Version        string     `db:"version" json:"version,omitempty"`
	ReviewMessage  string     `db:"review_message" json:"reviewMessage,omitempty"`
	ReviewFeedback string     `db:"review_feedback" json:"reviewFeedback,omitempty"`
	PromotedBy     string     `db:"promoted_by" json:"promotedBy,omitempty"`
	SubmittedAt    *time.Time `db:"-" json:"submittedAt,omitempty"`
	ReviewedAt     *time.Time `db:"-" json:"reviewedAt,omitempty"`
	ArchivedAt     *time.Time `db:"-" json:"archivedAt,omitempty"`
	CreatedAt      time.Time  `db:"-" json:"createdAt"`
	UpdatedAt      time.Time  `db:"-" json:"updatedAt"`
}

// SourceHashOf fingerprints adapter source the way the sync loop does.
func SourceHashOf(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

type adapterRow struct {
	ID             string  `db:"id"`
	Platform       string  `db:"platform"`
	OwnerID        string  `db:"owner_id"`
	Status         string  `db:"status"`
	FilePath       string  `db:"file_path"`
	SourceCode     *string `db:"source_code"`
	SourceHash     string  `db:"source_hash"`
	Version        string  `db:"version"`
	ReviewMessage  string  `db:"review_message"`
	ReviewFeedback string  `db:"review_feedback"`
	PromotedBy     string  `db:"promoted_by"`
	SubmittedAt    *string `db:"submitted_at"`
	ReviewedAt     *string `db:"reviewed_at"`
	ArchivedAt     *string `db:"archived_at"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
}

func (r adapterRow) record() (*AdapterRecord, error) {
	out := &AdapterRecord{
		ID:             r.ID,
		Platform:       r.Platform,
		OwnerID:        r.OwnerID,
		Status:         r.Status,
		FilePath:       r.FilePath,
		SourceCode:     r.SourceCode,
		SourceHash:     r.SourceHash,
		Version:        r.Version,
		ReviewMessage:  r.ReviewMessage,
		ReviewFeedback: r.ReviewFeedback,
		PromotedBy:     r.PromotedBy,
	}
	var err error
	if out.SubmittedAt, err = parseTimePtr(r.SubmittedAt); err != nil {
		return nil, err
	}
	if out.ReviewedAt, err = parseTimePtr(r.ReviewedAt); err != nil {
		return nil, err
	}
	if out.ArchivedAt, err = parseTimePtr(r.ArchivedAt); err != nil {
		return nil, err
	}
	if out.CreatedAt, err = parseTimeText(r.CreatedAt); err != nil {
		return nil, err
	}
	if out.UpdatedAt, err = parseTimeText(r.UpdatedAt); err != nil {
		return nil, err
	}
	return out, nil
}

// AdapterStore persists adapter records.
type AdapterStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewAdapterStore(db *sqlx.DB) *AdapterStore {
	return &AdapterStore{db: db, now: time.Now}
}

func (s *AdapterStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS adapters (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			file_path TEXT NOT NULL,
			source_code TEXT,
			source_hash TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			review_message TEXT NOT NULL DEFAULT '',
			review_feedback TEXT NOT NULL DEFAULT '',
			promoted_by TEXT NOT NULL DEFAULT '',
			submitted_at TEXT,
			reviewed_at TEXT,
			archived_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (platform, owner_id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_adapters_one_public
			ON adapters (platform) WHERE status = 'public';
		CREATE INDEX IF NOT EXISTS idx_adapters_owner ON adapters (owner_id);
	`)
	return err
}

const adapterColumns = `id, platform, owner_id, status, file_path, source_code,
	source_hash, version, review_message, review_feedback, promoted_by,
	submitted_at, reviewed_at, archived_at, created_at, updated_at`

// Upsert inserts or replaces the record for (platform, owner). The id of
// an existing row is preserved; a new row gets a fresh uuid.
func (s *AdapterStore) Upsert(ctx context.Context, rec *AdapterRecord) (*AdapterRecord, error) {
	now := timeText(s.now())
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Source() != nil {
		rec.SourceHash = SourceHashOf(rec.Source())
	}
	q := s.db.Rebind(`
		INSERT INTO adapters (id, platform, owner_id, status, file_path,
			source_code, source_hash, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, owner_id) DO UPDATE SET
			status = excluded.status,
			file_path = excluded.file_path,
			source_code = excluded.source_code,
			source_hash = excluded.source_hash,
			version = excluded.version,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q,
		rec.ID, rec.Platform, rec.OwnerID, rec.Status, rec.FilePath,
		rec.SourceCode, rec.SourceHash, rec.Version, now, now); err != nil {
		return nil, fmt.Errorf("store: upsert adapter: %w", err)
	}
	return s.Get(ctx, rec.Platform, rec.OwnerID)
}

// Source returns the stored source bytes, nil when absent.
func (r *AdapterRecord) Source() []byte {
	if r.SourceCode == nil {
		return nil
	}
	return []byte(*r.SourceCode)
}

func (s *AdapterStore) Get(ctx context.Context, platform, ownerID string) (*AdapterRecord, error) {
	var row adapterRow
	q := s.db.Rebind(`SELECT ` + adapterColumns + ` FROM adapters WHERE platform = ? AND owner_id = ?`)
	if err := s.db.GetContext(ctx, &row, q, platform, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAdapterNotFound
		}
		return nil, err
	}
	return row.record()
}

func (s *AdapterStore) GetByID(ctx context.Context, id string) (*AdapterRecord, error) {
	var row adapterRow
	q := s.db.Rebind(`SELECT ` + adapterColumns + ` FROM adapters WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAdapterNotFound
		}
		return nil, err
	}
	return row.record()
}

// GetPublic returns the single public record for a platform.
func (s *AdapterStore) GetPublic(ctx context.Context, platform string) (*AdapterRecord, error) {
	var row adapterRow
	q := s.db.Rebind(`SELECT ` + adapterColumns + ` FROM adapters WHERE platform = ? AND status = ?`)
	if err := s.db.GetContext(ctx, &row, q, platform, AdapterPublic); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAdapterNotFound
		}
		return nil, err
	}
	return row.record()
}

// List returns records filtered by status and/or owner; empty filters
// match everything.
func (s *AdapterStore) List(ctx context.Context, status, ownerID string) ([]*AdapterRecord, error) {
	q := `SELECT ` + adapterColumns + ` FROM adapters WHERE 1=1`
	var args []any
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	if ownerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	q += ` ORDER BY platform, owner_id`

	var rows []adapterRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]*AdapterRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SetStatus transitions a record and stamps the matching timestamp
// column for the target status.
func (s *AdapterStore) SetStatus(ctx context.Context, id, status string) error {
	now := timeText(s.now())
	col := ""
	switch status {
	case AdapterReview:
		col = ", submitted_at = ?"
	case AdapterPublic, AdapterRejected, AdapterSandbox:
		col = ", reviewed_at = ?"
	case AdapterArchived:
		col = ", archived_at = ?"
	}
	q := `UPDATE adapters SET status = ?, updated_at = ?` + col + ` WHERE id = ?`
	args := []any{status, now}
	if col != "" {
		args = append(args, now)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAdapterNotFound
	}
	return nil
}

// SetReview records submit/reject metadata alongside a transition.
func (s *AdapterStore) SetReview(ctx context.Context, id, message, feedback, promotedBy string) error {
	q := s.db.Rebind(`UPDATE adapters SET review_message = ?, review_feedback = ?,
		promoted_by = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, message, feedback, promotedBy, timeText(s.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAdapterNotFound
	}
	return nil
}

// SetFilePath moves the authoritative file location (promote/demote).
func (s *AdapterStore) SetFilePath(ctx context.Context, id, filePath string) error {
	q := s.db.Rebind(`UPDATE adapters SET file_path = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, filePath, timeText(s.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAdapterNotFound
	}
	return nil
}

// ReassignOwner hands a record to a new owner (bundled reclaim).
func (s *AdapterStore) ReassignOwner(ctx context.Context, id, ownerID string) error {
	q := s.db.Rebind(`UPDATE adapters SET owner_id = ?, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, q, ownerID, timeText(s.now()), id)
	return err
}

// Delete hard-removes a record.
func (s *AdapterStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM adapters WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAdapterNotFound
	}
	return nil
}
