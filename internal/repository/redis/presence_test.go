package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	e, err := decode("u1", map[string]string{
		"isOnline":   "true",
		"lastActive": at.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	assert.True(t, e.IsOnline)
	assert.True(t, e.LastActive.Equal(at))

	_, err = decode("u1", map[string]string{"isOnline": "maybe"})
	assert.Error(t, err)

	e, err = decode("u1", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "u1", e.UserID)
	assert.True(t, e.LastActive.IsZero())
}

func TestUserKeysNeverHitTheIndex(t *testing.T) {
	assert.Equal(t, "presence:user:u1", userKey("u1"))
	assert.NotEqual(t, indexKey, userKey("users"))
	assert.NotEqual(t, indexKey, userKey(""))
}

// Runs against a real server when TEST_REDIS_URL is set.
func TestPresenceStoreIntegration(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	s := NewPresenceStore(client)
	userID := "test-" + uuid.NewString()
	defer client.Del(ctx, userKey(userID))
	defer client.SRem(ctx, indexKey, userID)

	got, err := s.Get(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, got)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Upsert(ctx, models.PresenceEntry{UserID: userID, IsOnline: true, LastActive: at}))

	got, err = s.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsOnline)
	assert.True(t, got.LastActive.Equal(at))

	list, err := s.List(ctx)
	require.NoError(t, err)
	found := false
	for _, e := range list {
		if e.UserID == userID {
			found = true
		}
	}
	assert.True(t, found)

	// An id equal to the index suffix gets its own hash.
	require.NoError(t, s.Upsert(ctx, models.PresenceEntry{UserID: "users", IsOnline: true, LastActive: at}))
	defer client.Del(ctx, userKey("users"))
	defer client.SRem(ctx, indexKey, "users")
	got, err = s.Get(ctx, "users")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsOnline)
}
