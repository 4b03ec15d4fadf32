package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/jmoiron/sqlx"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Business statuses.
const (
	BusinessActive    = "active"
	BusinessSuspended = "suspended"
	BusinessDeleted   = "deleted"
)

var ErrBusinessNotFound = errors.New("store: business not found")

// Business is one owner-scoped storefront bound to a platform adapter.
type Business struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"-"`
	Name        string          `json:"name"`
	Platform    string          `json:"platform"`
	Location    string          `json:"location,omitempty"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

const slugMax = 48

var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// ToSlug derives a business id from its name: ASCII-folded, lowercase,
// hyphen-separated, at most 48 chars, "business" when nothing survives.
func ToSlug(name string) string {
	folded, _, err := transform.String(asciiFold, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > slugMax {
		slug = strings.Trim(slug[:slugMax], "-")
	}
	if slug == "" {
		return "business"
	}
	return slug
}

func slugSuffix() string {
	var buf [2]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

type businessRow struct {
	ID          string  `db:"id"`
	OwnerID     string  `db:"owner_id"`
	Name        string  `db:"name"`
	Platform    string  `db:"platform"`
	Location    string  `db:"location"`
	Description string  `db:"description"`
	Category    string  `db:"category"`
	Preferences *string `db:"preferences"`
	Status      string  `db:"status"`
	CreatedAt   string  `db:"created_at"`
	UpdatedAt   string  `db:"updated_at"`
}

func (r businessRow) business() (*Business, error) {
	out := &Business{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		Platform:    r.Platform,
		Location:    r.Location,
		Description: r.Description,
		Category:    r.Category,
		Status:      r.Status,
	}
	if r.Preferences != nil {
		out.Preferences = json.RawMessage(*r.Preferences)
	}
	var err error
	if out.CreatedAt, err = parseTimeText(r.CreatedAt); err != nil {
		return nil, err
	}
	if out.UpdatedAt, err = parseTimeText(r.UpdatedAt); err != nil {
		return nil, err
	}
	return out, nil
}

// BusinessStore persists businesses.
type BusinessStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewBusinessStore(db *sqlx.DB) *BusinessStore {
	return &BusinessStore{db: db, now: time.Now}
}

func (s *BusinessStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS businesses (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			platform TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			preferences TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_businesses_owner ON businesses (owner_id);
	`)
	return err
}

// Create inserts a business with a slug id derived from its name. A slug
// collision appends a 4-hex suffix; a unique-constraint race retries once
// with a fresh suffix.
func (s *BusinessStore) Create(ctx context.Context, b *Business) (*Business, error) {
	base := ToSlug(b.Name)
	id := base
	if exists, err := s.exists(ctx, id); err != nil {
		return nil, err
	} else if exists {
		id = base + "-" + slugSuffix()
	}

	if err := s.insert(ctx, id, b); err != nil {
		if isUniqueViolation(err) {
			id = base + "-" + slugSuffix()
			if err := s.insert(ctx, id, b); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	return s.get(ctx, id, "")
}

func (s *BusinessStore) exists(ctx context.Context, id string) (bool, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM businesses WHERE id = ?`)
	if err := s.db.GetContext(ctx, &n, q, id); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *BusinessStore) insert(ctx context.Context, id string, b *Business) error {
	now := timeText(s.now())
	status := b.Status
	if status == "" {
		status = BusinessActive
	}
	var prefs *string
	if len(b.Preferences) > 0 {
		p := string(b.Preferences)
		prefs = &p
	}
	q := s.db.Rebind(`INSERT INTO businesses
		(id, owner_id, name, platform, location, description, category, preferences, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q,
		id, b.OwnerID, b.Name, b.Platform, b.Location, b.Description, b.Category, prefs, status, now, now)
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}

func (s *BusinessStore) get(ctx context.Context, id, ownerID string) (*Business, error) {
	q := `SELECT id, owner_id, name, platform, location, description, category,
		preferences, status, created_at, updated_at FROM businesses WHERE id = ?`
	args := []any{id}
	if ownerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	var row businessRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBusinessNotFound
		}
		return nil, err
	}
	return row.business()
}

// Get returns a business by id, scoped to owner when ownerID is set.
func (s *BusinessStore) Get(ctx context.Context, id, ownerID string) (*Business, error) {
	return s.get(ctx, id, ownerID)
}

// GetActive returns the business only when its status is active.
func (s *BusinessStore) GetActive(ctx context.Context, id string) (*Business, error) {
	b, err := s.get(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if b.Status != BusinessActive {
		return nil, ErrBusinessNotFound
	}
	return b, nil
}

// ListOwned returns the owner's businesses, newest first.
func (s *BusinessStore) ListOwned(ctx context.Context, ownerID string) ([]*Business, error) {
	return s.list(ctx, `WHERE owner_id = ?`, ownerID)
}

// ListPublic returns active businesses for the public discovery surface.
func (s *BusinessStore) ListPublic(ctx context.Context) ([]*Business, error) {
	return s.list(ctx, `WHERE status = ?`, BusinessActive)
}

func (s *BusinessStore) list(ctx context.Context, where string, args ...any) ([]*Business, error) {
	q := s.db.Rebind(`SELECT id, owner_id, name, platform, location, description,
		category, preferences, status, created_at, updated_at
		FROM businesses ` + where + ` ORDER BY created_at DESC`)
	var rows []businessRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*Business, 0, len(rows))
	for _, r := range rows {
		b, err := r.business()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Update applies mutable fields to an owner's business.
func (s *BusinessStore) Update(ctx context.Context, b *Business) error {
	var prefs *string
	if len(b.Preferences) > 0 {
		p := string(b.Preferences)
		prefs = &p
	}
	q := s.db.Rebind(`UPDATE businesses SET name = ?, location = ?, description = ?,
		category = ?, preferences = ?, status = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?`)
	res, err := s.db.ExecContext(ctx, q,
		b.Name, b.Location, b.Description, b.Category, prefs, b.Status,
		timeText(s.now()), b.ID, b.OwnerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBusinessNotFound
	}
	return nil
}

// Delete marks a business deleted; rows are kept for transaction history.
func (s *BusinessStore) Delete(ctx context.Context, id, ownerID string) error {
	q := s.db.Rebind(`UPDATE businesses SET status = ?, updated_at = ? WHERE id = ? AND owner_id = ?`)
	res, err := s.db.ExecContext(ctx, q, BusinessDeleted, timeText(s.now()), id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBusinessNotFound
	}
	return nil
}
