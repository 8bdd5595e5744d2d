package memory

import (
	"context"
	"testing"
	"time"

	"github.com/lalith-99/echolink/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceStore(t *testing.T) {
	ctx := context.Background()
	s := NewPresenceStore()

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	at := time.Now()
	require.NoError(t, s.Upsert(ctx, models.PresenceEntry{UserID: "u2", IsOnline: true, LastActive: at}))
	require.NoError(t, s.Upsert(ctx, models.PresenceEntry{UserID: "u1", IsOnline: true}))
	require.NoError(t, s.Upsert(ctx, models.PresenceEntry{UserID: "u1", IsOnline: false, LastActive: at}))

	got, err = s.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsOnline)
	assert.True(t, got.LastActive.Equal(at))

	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "u1", list[0].UserID)
	assert.Equal(t, "u2", list[1].UserID)
}
