package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOAuthStateSingleUse(t *testing.T) {
	ctx := context.Background()
	s := NewOAuthStateStore(testDB(t))
	require.NoError(t, s.Migrate(ctx))

	state, err := s.Issue(ctx, "alice", "stripe")
	require.NoError(t, err)

	userID, service, err := s.Consume(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
	assert.Equal(t, "stripe", service)

	_, _, err = s.Consume(ctx, state)
	assert.ErrorIs(t, err, ErrOAuthStateInvalid)
}

func TestOAuthStateExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := NewOAuthStateStore(testDB(t))
	s.now = func() time.Time { return now }
	require.NoError(t, s.Migrate(ctx))

	state, err := s.Issue(ctx, "alice", "stripe")
	require.NoError(t, err)

	now = now.Add(OAuthStateTTL + time.Minute)
	_, _, err = s.Consume(ctx, state)
	assert.ErrorIs(t, err, ErrOAuthStateInvalid)
}
