package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/lalith-99/echolink/internal/models"
	goredis "github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix = "presence:user:"
	indexKey      = "presence:users"
)

func userKey(userID string) string { return userKeyPrefix + userID }

// PresenceStore keeps one hash per user at presence:user:<userId> with fields
// isOnline and lastActive, plus the set presence:users of every known id.
type PresenceStore struct {
	client *goredis.Client
}

func NewPresenceStore(client *goredis.Client) *PresenceStore {
	return &PresenceStore{client: client}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *PresenceStore) Upsert(ctx context.Context, e models.PresenceEntry) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, userKey(e.UserID),
			"isOnline", strconv.FormatBool(e.IsOnline),
			"lastActive", e.LastActive.UTC().Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, indexKey, e.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *PresenceStore) Get(ctx context.Context, userID string) (*models.PresenceEntry, error) {
	fields, err := s.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get presence: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	e, err := decode(userID, fields)
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	return &e, nil
}

// List returns entries sorted by user id.
func (s *PresenceStore) List(ctx context.Context) ([]models.PresenceEntry, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence ids: %w", err)
	}
	sort.Strings(ids)

	out := make([]models.PresenceEntry, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, userKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := decode(ids[i], fields)
		if err != nil {
			return nil, fmt.Errorf("list presence: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func decode(userID string, fields map[string]string) (models.PresenceEntry, error) {
	e := models.PresenceEntry{UserID: userID}

	if v, ok := fields["isOnline"]; ok {
		online, err := strconv.ParseBool(v)
		if err != nil {
			return e, fmt.Errorf("decode isOnline for %s: %w", userID, err)
		}
		e.IsOnline = online
	}
	if v := fields["lastActive"]; v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return e, fmt.Errorf("decode lastActive for %s: %w", userID, err)
		}
		e.LastActive = at
	}
	return e, nil
}
