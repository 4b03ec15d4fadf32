package store

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLIdempotency_RoundTripAndTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := NewSQLIdempotencyStore(testDB(t)).WithClock(func() time.Time { return now })
	require.NoError(t, s.Migrate(ctx))

	entry := &IdempotencyEntry{
		Status: 200,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"transactionId":"t1"}`),
	}
	require.NoError(t, s.Put(ctx, "p1", "k1", entry))

	got, err := s.Lookup(ctx, "p1", "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, entry.Body, got.Body)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))

	other, err := s.Lookup(ctx, "p2", "k1")
	require.NoError(t, err)
	assert.Nil(t, other, "cache is principal-scoped")

	now = now.Add(IdempotencyTTL + time.Minute)
	expired, err := s.Lookup(ctx, "p1", "k1")
	require.NoError(t, err)
	assert.Nil(t, expired, "expired entries read as absent")
}

func TestSQLIdempotency_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := NewSQLIdempotencyStore(testDB(t))
	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.Put(ctx, "p1", "k1", &IdempotencyEntry{Status: 200, Body: []byte("a")}))
	require.NoError(t, s.Put(ctx, "p1", "k1", &IdempotencyEntry{Status: 200, Body: []byte("b")}))

	got, err := s.Lookup(ctx, "p1", "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("b"), got.Body)
}
