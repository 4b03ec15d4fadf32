package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Generation job statuses.
const (
	JobQueued   = "queued"
	JobRunning  = "running"
	JobComplete = "complete"
	JobFailed   = "failed"
)

// StaleJobError marks jobs orphaned by a restart.
const StaleJobError = "Orphaned by server restart"

var (
	ErrJobNotFound    = errors.New("store: generation job not found")
	errLogCASConflict = errors.New("store: job log changed concurrently")
)

// GenerationJob is one queued adapter-generation request.
type GenerationJob struct {
	ID          string          `json:"id"`
	Platform    string          `json:"platform"`
	DocsURL     string          `json:"docsUrl,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
	Status      string          `json:"status"`
	OwnerKeyID  string          `json:"-"`
	Logs        []string        `json:"logs"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

type jobRow struct {
	ID          string  `db:"id"`
	Platform    string  `db:"platform"`
	DocsURL     string  `db:"docs_url"`
	Provider    string  `db:"provider"`
	Model       string  `db:"model"`
	Status      string  `db:"status"`
	OwnerKeyID  string  `db:"owner_key_id"`
	Logs        string  `db:"logs"`
	Result      *string `db:"result"`
	Error       string  `db:"error"`
	CreatedAt   string  `db:"created_at"`
	StartedAt   *string `db:"started_at"`
	CompletedAt *string `db:"completed_at"`
}

func (r jobRow) job() (*GenerationJob, error) {
	out := &GenerationJob{
		ID:         r.ID,
		Platform:   r.Platform,
		DocsURL:    r.DocsURL,
		Provider:   r.Provider,
		Model:      r.Model,
		Status:     r.Status,
		OwnerKeyID: r.OwnerKeyID,
		Error:      r.Error,
	}
	if err := json.Unmarshal([]byte(r.Logs), &out.Logs); err != nil {
		return nil, fmt.Errorf("store: job %s logs: %w", r.ID, err)
	}
	if r.Result != nil {
		out.Result = json.RawMessage(*r.Result)
	}
	var err error
	if out.CreatedAt, err = parseTimeText(r.CreatedAt); err != nil {
		return nil, err
	}
	if out.StartedAt, err = parseTimePtr(r.StartedAt); err != nil {
		return nil, err
	}
	if out.CompletedAt, err = parseTimePtr(r.CompletedAt); err != nil {
		return nil, err
	}
	return out, nil
}

const jobColumns = `id, platform, docs_url, provider, model, status,
	owner_key_id, logs, result, error, created_at, started_at, completed_at`

// JobStore is the generation job queue. The database is the arbiter:
// claims are safe across processes, not just goroutines.
type JobStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewJobStore(db *sqlx.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

// WithClock fixes the store's clock for tests.
func (s *JobStore) WithClock(now func() time.Time) *JobStore {
	s.now = now
	return s
}

func (s *JobStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS generation_jobs (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			docs_url TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'queued',
			owner_key_id TEXT NOT NULL DEFAULT '',
			logs TEXT NOT NULL DEFAULT '[]',
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_queue ON generation_jobs (status, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_jobs_page ON generation_jobs (created_at DESC, id DESC);
	`)
	return err
}

// Create enqueues a job.
func (s *JobStore) Create(ctx context.Context, platform, docsURL, provider, model, ownerKeyID string) (*GenerationJob, error) {
	id := uuid.NewString()
	now := timeText(s.now())
	q := s.db.Rebind(`INSERT INTO generation_jobs
		(id, platform, docs_url, provider, model, status, owner_key_id, logs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '[]', ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		id, platform, docsURL, provider, model, JobQueued, ownerKeyID, now); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ClaimNext atomically transitions the oldest queued job to running and
// returns it, or nil when the queue is empty. The guarded UPDATE makes
// the claim exclusive: losing a race means zero affected rows, and the
// loser moves on to the next candidate.
func (s *JobStore) ClaimNext(ctx context.Context) (*GenerationJob, error) {
	for {
		var id string
		q := s.db.Rebind(`SELECT id FROM generation_jobs WHERE status = ?
			ORDER BY created_at, id LIMIT 1`)
		err := s.db.GetContext(ctx, &id, q, JobQueued)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		upd := s.db.Rebind(`UPDATE generation_jobs SET status = ?, started_at = ?
			WHERE id = ? AND status = ?`)
		res, err := s.db.ExecContext(ctx, upd, JobRunning, timeText(s.now()), id, JobQueued)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.Get(ctx, id)
		}
		// Someone else claimed it; try the next candidate.
	}
}

// AppendLog pushes one message onto the job's serialized log with a
// compare-and-swap on the column, retrying up to five times.
func (s *JobStore) AppendLog(ctx context.Context, id, message string) error {
	for attempt := 0; attempt < 5; attempt++ {
		err := s.appendLogOnce(ctx, id, message)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errLogCASConflict) {
			return err
		}
	}
	return fmt.Errorf("store: append log to job %s: %w", id, errLogCASConflict)
}

func (s *JobStore) appendLogOnce(ctx context.Context, id, message string) error {
	var current string
	q := s.db.Rebind(`SELECT logs FROM generation_jobs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &current, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return err
	}

	var logs []string
	if err := json.Unmarshal([]byte(current), &logs); err != nil {
		return err
	}
	logs = append(logs, message)
	next, err := json.Marshal(logs)
	if err != nil {
		return err
	}

	upd := s.db.Rebind(`UPDATE generation_jobs SET logs = ? WHERE id = ? AND logs = ?`)
	res, err := s.db.ExecContext(ctx, upd, string(next), id, current)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errLogCASConflict
	}
	return nil
}

// Complete closes a job with its result payload.
func (s *JobStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	q := s.db.Rebind(`UPDATE generation_jobs SET status = ?, result = ?, completed_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, JobComplete, string(result), timeText(s.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Fail closes a job with an error string.
func (s *JobStore) Fail(ctx context.Context, id, errMsg string) error {
	q := s.db.Rebind(`UPDATE generation_jobs SET status = ?, error = ?, completed_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, JobFailed, errMsg, timeText(s.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RecoverStale fails every running job at startup. Returns the number of
// jobs recovered.
func (s *JobStore) RecoverStale(ctx context.Context) (int64, error) {
	q := s.db.Rebind(`UPDATE generation_jobs SET status = ?, error = ?, completed_at = ?
		WHERE status = ?`)
	res, err := s.db.ExecContext(ctx, q, JobFailed, StaleJobError, timeText(s.now()), JobRunning)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*GenerationJob, error) {
	var row jobRow
	q := s.db.Rebind(`SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return row.job()
}

// JobPage selects a keyset page descending by (created_at, id).
type JobPage struct {
	Status          string
	OwnerKeyID      string
	BeforeCreatedAt *time.Time
	BeforeID        string
	Limit           int
}

// List paginates jobs newest first.
func (s *JobStore) List(ctx context.Context, page JobPage) ([]*GenerationJob, error) {
	q := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE 1=1`
	var args []any
	if page.Status != "" {
		q += ` AND status = ?`
		args = append(args, page.Status)
	}
	if page.OwnerKeyID != "" {
		q += ` AND owner_key_id = ?`
		args = append(args, page.OwnerKeyID)
	}
	if page.BeforeCreatedAt != nil {
		cursor := timeText(*page.BeforeCreatedAt)
		q += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, cursor, cursor, page.BeforeID)
	}
	limit := page.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]*GenerationJob, 0, len(rows))
	for _, r := range rows {
		j, err := r.job()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// CountCreatedSince supports the per-day generation limit.
func (s *JobStore) CountCreatedSince(ctx context.Context, ownerKeyID string, since time.Time) (int, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM generation_jobs WHERE owner_key_id = ? AND created_at >= ?`)
	if err := s.db.GetContext(ctx, &n, q, ownerKeyID, timeText(since)); err != nil {
		return 0, err
	}
	return n, nil
}
