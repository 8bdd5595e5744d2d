package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

func TestFetchMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "r1", r.URL.Query().Get("roomId"))
		assert.Equal(t, "c-9", r.URL.Query().Get("cursor"))
		assert.Equal(t, "30", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"id": "m1", "roomId": "r1", "content": "old"},
				{"id": "m2", "roomId": "r1", "content": "newer"},
			},
			"nextCursor": "c-8",
			"hasMore":    true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", staticTokens("tok"))
	page, err := c.FetchMessages(context.Background(), "r1", "c-9", 30)
	require.NoError(t, err)

	require.Len(t, page.Items, 2)
	assert.Equal(t, "m1", page.Items[0].ID)
	assert.Equal(t, "c-8", page.NextCursor)
	assert.True(t, page.HasMore)
}

func TestFetchMessagesEmptyIsNotNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":null,"hasMore":false}`))
	}))
	defer srv.Close()

	page, err := NewClient(srv.URL, nil).FetchMessages(context.Background(), "r1", "", 10)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasMore)
}

func TestFetchRoomsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).FetchRooms(context.Background(), "u1", "", 20)
	require.ErrorIs(t, err, ErrStatus)
	assert.Contains(t, err.Error(), "503")
}

func TestRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/refresh", r.URL.Path)
		assert.Equal(t, "Bearer old", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "old", body["token"])
		w.Write([]byte(`{"token":"new"}`))
	}))
	defer srv.Close()

	tok, err := NewClient(srv.URL, staticTokens("ignored")).RefreshToken(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "new", tok)
}
