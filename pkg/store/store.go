// Package store holds the relational persistence layer: adapters,
// transactions, businesses, generation jobs, idempotency entries, API
// keys, users and OAuth state. SQLite is the default engine; Postgres
// is selected via DATABASE_URL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open connects to the configured database. dsn is a Postgres URL when
// postgres is true, else a SQLite path ( ":memory:" works for tests).
func Open(dsn string, postgres bool) (*sqlx.DB, error) {
	if postgres {
		db, err := sqlx.Connect("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("store: connect postgres: %w", err)
		}
		return db, nil
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return db, nil
}

// Checkpoint flushes the WAL before a backup. No-op on Postgres.
func Checkpoint(ctx context.Context, db *sqlx.DB) error {
	if db.DriverName() != "sqlite" {
		return nil
	}
	_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// timeText serializes timestamps the way every table stores them.
func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeText(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTimeText(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
