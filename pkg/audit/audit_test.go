package audit

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := NewLogger(db)
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

func TestLogger_ChainHashes(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	l.Log(ctx, Entry{UserID: "alice", ServiceID: "stripe", Action: ActionCredentialStored})
	l.Log(ctx, Entry{UserID: "alice", ServiceID: "stripe", Action: ActionCredentialRetrieved})
	l.Log(ctx, Entry{UserID: "alice", ServiceID: "github", Action: ActionCredentialStored})

	entries, err := l.List(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, GenesisHash(), entries[0].PrevHash)
	assert.Equal(t, EntryHash(entries[0].ID, entries[0].Timestamp), entries[1].PrevHash)
	assert.Equal(t, EntryHash(entries[1].ID, entries[1].Timestamp), entries[2].PrevHash)

	n, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLogger_VerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	l.Log(ctx, Entry{UserID: "alice", ServiceID: "stripe", Action: ActionCredentialStored})
	l.Log(ctx, Entry{UserID: "alice", ServiceID: "stripe", Action: ActionCredentialDeleted})

	// Rewrite the second entry's prev_hash as an attacker would after
	// deleting an inconvenient row.
	_, err := l.db.Exec(`UPDATE credential_audit_log SET prev_hash = 'feedface' WHERE action = ?`,
		ActionCredentialDeleted)
	require.NoError(t, err)

	_, err = l.VerifyChain(ctx)
	assert.Error(t, err)
}

func TestLogger_NeverFailsCaller(t *testing.T) {
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	l := NewLogger(db)
	// No Migrate: the table is missing, every write fails underneath.
	require.NoError(t, db.Close())

	// Must not panic and must not surface the failure.
	l.Log(context.Background(), Entry{UserID: "alice", ServiceID: "stripe", Action: ActionCredentialStored})
}

func TestLogger_MetadataRedacted(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	l.Log(ctx, Entry{
		UserID: "alice", ServiceID: "stripe", Action: ActionCredentialStored,
		Metadata: map[string]any{
			"access_token": "tok1",
			"scopes":       []any{"read", "write"},
			"nested":       map[string]any{"apiKey": "k", "ok": true},
		},
	})

	entries, err := l.List(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	meta := entries[0].Metadata
	assert.NotContains(t, meta, "access_token")
	assert.Equal(t, []any{"read", "write"}, meta["scopes"])
	nested, ok := meta["nested"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, nested, "apiKey")
	assert.Equal(t, true, nested["ok"])
}

func TestSanitize_Circular(t *testing.T) {
	inner := map[string]any{}
	inner["self"] = inner

	out := Sanitize(map[string]any{"loop": inner})
	loop, ok := out["loop"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, circularSentinel, loop["self"])
}

func TestEntryHash_Deterministic(t *testing.T) {
	ts := time.Date(2026, 8, 24, 10, 0, 0, 123456789, time.UTC)
	assert.Equal(t, EntryHash("id-1", ts), EntryHash("id-1", ts))
	assert.NotEqual(t, EntryHash("id-1", ts), EntryHash("id-2", ts))
}
