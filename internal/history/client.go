// Package history is the REST boundary: cursor-paginated message history,
// the room list and access-token refresh.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lalith-99/echolink/internal/models"
	"github.com/valyala/fasthttp"
)

// ErrStatus wraps any non-2xx response.
var ErrStatus = errors.New("unexpected status")

const defaultTimeout = 15 * time.Second

// TokenProvider supplies the bearer token for each request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the chat server's REST API.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	tokens  TokenProvider
	timeout time.Duration
}

func NewClient(baseURL string, tokens TokenProvider) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &fasthttp.Client{
			Name:                "echolink",
			MaxConnsPerHost:     16,
			MaxIdleConnDuration: time.Minute,
			ReadTimeout:         defaultTimeout,
			WriteTimeout:        defaultTimeout,
		},
		tokens:  tokens,
		timeout: defaultTimeout,
	}
}

// SetTokens wires the token provider after construction. The token source
// itself refreshes through this client, so the two are built in sequence.
func (c *Client) SetTokens(tokens TokenProvider) {
	c.tokens = tokens
}

type messagesResponse struct {
	Messages   []models.Message `json:"messages"`
	NextCursor string           `json:"nextCursor"`
	HasMore    bool             `json:"hasMore"`
}

// FetchMessages handles GET /messages?roomId=&cursor=&limit=
//
// Messages come back oldest first; NextCursor points further into the past.
func (c *Client) FetchMessages(ctx context.Context, roomID, cursor string, limit int) (models.Page[models.Message], error) {
	q := url.Values{}
	q.Set("roomId", roomID)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))

	var resp messagesResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/messages?"+q.Encode(), nil, &resp); err != nil {
		return models.Page[models.Message]{}, fmt.Errorf("fetch messages: %w", err)
	}

	items := resp.Messages
	if items == nil {
		items = make([]models.Message, 0)
	}
	return models.Page[models.Message]{Items: items, NextCursor: resp.NextCursor, HasMore: resp.HasMore}, nil
}

type roomsResponse struct {
	Rooms      []models.Room `json:"rooms"`
	NextCursor string        `json:"nextCursor"`
	HasMore    bool          `json:"hasMore"`
}

// FetchRooms handles GET /rooms?userId=&cursor=&limit=, most recently
// active first.
func (c *Client) FetchRooms(ctx context.Context, userID, cursor string, limit int) (models.Page[models.Room], error) {
	q := url.Values{}
	q.Set("userId", userID)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))

	var resp roomsResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/rooms?"+q.Encode(), nil, &resp); err != nil {
		return models.Page[models.Room]{}, fmt.Errorf("fetch rooms: %w", err)
	}

	items := resp.Rooms
	if items == nil {
		items = make([]models.Room, 0)
	}
	return models.Page[models.Room]{Items: items, NextCursor: resp.NextCursor, HasMore: resp.HasMore}, nil
}

type refreshRequest struct {
	Token string `json:"token"`
}

type refreshResponse struct {
	Token string `json:"token"`
}

// RefreshToken handles POST /auth/refresh. It is an auth.RefreshFunc and
// authenticates with the token being replaced, not the token provider.
func (c *Client) RefreshToken(ctx context.Context, current string) (string, error) {
	body, err := json.Marshal(refreshRequest{Token: current})
	if err != nil {
		return "", fmt.Errorf("marshal refresh request: %w", err)
	}

	var resp refreshResponse
	if err := c.doWithToken(ctx, fasthttp.MethodPost, "/auth/refresh", body, current, &resp); err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if resp.Token == "" {
		return "", errors.New("refresh token: empty token in response")
	}
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var token string
	if c.tokens != nil {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}
		token = t
	}
	return c.doWithToken(ctx, method, path, body, token, out)
}

func (c *Client) doWithToken(ctx context.Context, method, path string, body []byte, token string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return err
	}

	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("%w: %d %s", ErrStatus, code, strings.TrimSpace(string(resp.Body())))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
