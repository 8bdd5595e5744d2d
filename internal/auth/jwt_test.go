package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	tok, err := GenerateToken("u1", "s3cret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(tok, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	_, err = ParseToken(tok, "other")
	assert.Error(t, err)
}

func TestExpiresWithin(t *testing.T) {
	now := time.Now()

	soon, err := GenerateToken("u1", "k", 30*time.Second)
	require.NoError(t, err)
	later, err := GenerateToken("u1", "k", time.Hour)
	require.NoError(t, err)

	assert.True(t, ExpiresWithin(soon, time.Minute, now))
	assert.False(t, ExpiresWithin(later, time.Minute, now))
	assert.True(t, ExpiresWithin("", time.Minute, now))
	assert.False(t, ExpiresWithin("opaque-session-token", time.Minute, now))
}

func TestTokenSourceRefreshesNearExpiry(t *testing.T) {
	soon, err := GenerateToken("u1", "k", 10*time.Second)
	require.NoError(t, err)
	fresh, err := GenerateToken("u1", "k", time.Hour)
	require.NoError(t, err)

	calls := 0
	src := NewTokenSource(soon, time.Minute, func(_ context.Context, current string) (string, error) {
		calls++
		assert.Equal(t, soon, current)
		return fresh, nil
	})

	got, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, got)

	got, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	assert.Equal(t, 1, calls)
}

func TestTokenSourceErrors(t *testing.T) {
	src := NewTokenSource("", time.Minute, nil)
	_, err := src.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoRefresher)

	boom := errors.New("boom")
	src = NewTokenSource("", time.Minute, func(context.Context, string) (string, error) { return "", boom })
	_, err = src.Token(context.Background())
	assert.ErrorIs(t, err, boom)
}
