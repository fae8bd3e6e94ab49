package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_CreateAndValidate(t *testing.T) {
	store := NewRedisSessionStore(newTestRedis(t))
	ctx := context.Background()

	sessionID, err := store.Create(ctx, "user-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	valid, err := store.Validate(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = store.Validate(ctx, "no-such-session")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestSessionStore_Revoke(t *testing.T) {
	store := NewRedisSessionStore(newTestRedis(t))
	ctx := context.Background()

	sessionID, err := store.Create(ctx, "user-1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, sessionID))

	valid, err := store.Validate(ctx, sessionID)
	require.NoError(t, err)
	assert.False(t, valid)

	// Revoking an unknown session is a no-op.
	assert.NoError(t, store.Revoke(ctx, "no-such-session"))
}

func TestSessionStore_RevokeAll(t *testing.T) {
	store := NewRedisSessionStore(newTestRedis(t))
	ctx := context.Background()

	var mine []string
	for i := 0; i < 3; i++ {
		id, err := store.Create(ctx, "user-1", time.Hour)
		require.NoError(t, err)
		mine = append(mine, id)
	}
	other, err := store.Create(ctx, "user-2", time.Hour)
	require.NoError(t, err)

	require.NoError(t, store.RevokeAll(ctx, "user-1"))

	for _, id := range mine {
		valid, err := store.Validate(ctx, id)
		require.NoError(t, err)
		assert.False(t, valid)
	}

	// Other principals are untouched.
	valid, err := store.Validate(ctx, other)
	require.NoError(t, err)
	assert.True(t, valid)
}
