package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Transaction statuses.
const (
	TxPending   = "pending"
	TxSucceeded = "succeeded"
	TxFailed    = "failed"
)

var ErrTransactionNotFound = errors.New("store: transaction not found")

// Transaction records one gateway verb invocation.
type Transaction struct {
	ID         string          `json:"transactionId"`
	Verb       string          `json:"verb"`
	BusinessID string          `json:"businessId"`
	Input      json.RawMessage `json:"input,omitempty"`
	OwnerKeyID string          `json:"-"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type txRow struct {
	ID         string  `db:"id"`
	Verb       string  `db:"verb"`
	BusinessID string  `db:"business_id"`
	Input      *string `db:"input"`
	OwnerKeyID string  `db:"owner_key_id"`
	Status     string  `db:"status"`
	Result     *string `db:"result"`
	Error      string  `db:"error"`
	CreatedAt  string  `db:"created_at"`
	UpdatedAt  string  `db:"updated_at"`
}

func (r txRow) transaction() (*Transaction, error) {
	out := &Transaction{
		ID:         r.ID,
		Verb:       r.Verb,
		BusinessID: r.BusinessID,
		OwnerKeyID: r.OwnerKeyID,
		Status:     r.Status,
		Error:      r.Error,
	}
	if r.Input != nil {
		out.Input = json.RawMessage(*r.Input)
	}
	if r.Result != nil {
		out.Result = json.RawMessage(*r.Result)
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

// TransactionStore persists gateway transactions.
type TransactionStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewTransactionStore(db *sqlx.DB) *TransactionStore {
	return &TransactionStore{db: db, now: time.Now}
}

func (s *TransactionStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			verb TEXT NOT NULL,
			business_id TEXT NOT NULL,
			input TEXT,
			owner_key_id TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_owner
			ON transactions (owner_key_id, created_at DESC);
	`)
	return err
}

// CreatePending opens a transaction in the pending state.
func (s *TransactionStore) CreatePending(ctx context.Context, verb, businessID string, input json.RawMessage, ownerKeyID string) (*Transaction, error) {
	now := s.now()
	tx := &Transaction{
		ID:         uuid.NewString(),
		Verb:       verb,
		BusinessID: businessID,
		Input:      input,
		OwnerKeyID: ownerKeyID,
		Status:     TxPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	var in *string
	if len(input) > 0 {
		s := string(input)
		in = &s
	}
	q := s.db.Rebind(`INSERT INTO transactions
		(id, verb, business_id, input, owner_key_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		tx.ID, verb, businessID, in, ownerKeyID, TxPending, timeText(now), timeText(now)); err != nil {
		return nil, err
	}
	return tx, nil
}

// MarkSucceeded closes the transaction with its result payload.
func (s *TransactionStore) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error {
	q := s.db.Rebind(`UPDATE transactions SET status = ?, result = ?, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, q, TxSucceeded, string(result), timeText(s.now()), id)
	return err
}

// MarkFailed closes the transaction with an error string.
func (s *TransactionStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	q := s.db.Rebind(`UPDATE transactions SET status = ?, error = ?, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, q, TxFailed, errMsg, timeText(s.now()), id)
	return err
}

// Get returns a transaction only when owned by ownerKeyID; admin passes
// an empty owner to bypass the scope check.
func (s *TransactionStore) Get(ctx context.Context, id, ownerKeyID string) (*Transaction, error) {
	q := `SELECT id, verb, business_id, input, owner_key_id, status, result, error,
		created_at, updated_at FROM transactions WHERE id = ?`
	args := []any{id}
	if ownerKeyID != "" {
		q += ` AND owner_key_id = ?`
		args = append(args, ownerKeyID)
	}
	var row txRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return row.transaction()
}
