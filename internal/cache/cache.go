// Package cache holds per-room message history and applies every local and
// remote mutation to it.
//
// Messages are kept in insertion order. The cache never re-sorts by
// timestamp: the server delivers in causal order and optimistic entries must
// not jump when their ack lands.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/observ"
	"go.uber.org/zap"
)

// HistoryFetcher loads one page of older messages for a room.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, roomID, cursor string, limit int) (models.Page[models.Message], error)
}

type roomLog struct {
	messages []models.Message

	// correlation id -> still waiting for its ack
	pending map[string]struct{}
	// correlation id -> server id, for acks that already arrived
	acked map[string]string

	cursor  string
	hasMore bool
	loaded  bool
}

func newRoomLog() *roomLog {
	return &roomLog{
		pending: make(map[string]struct{}),
		acked:   make(map[string]string),
		hasMore: true,
	}
}

func (l *roomLog) find(id string) int {
	for i := range l.messages {
		if l.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *roomLog) findCorrelation(correlationID string) int {
	for i := range l.messages {
		if l.messages[i].CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

type Cache struct {
	mu       sync.RWMutex
	rooms    map[string]*roomLog
	fetcher  HistoryFetcher
	pageSize int
	logger   *zap.Logger
	now      func() time.Time
}

func New(fetcher HistoryFetcher, pageSize int, logger *zap.Logger) *Cache {
	if pageSize <= 0 {
		pageSize = 30
	}
	return &Cache{
		rooms:    make(map[string]*roomLog),
		fetcher:  fetcher,
		pageSize: pageSize,
		logger:   observ.Named(logger, "cache"),
		now:      time.Now,
	}
}

// room returns the log for roomID, creating it. Callers hold c.mu.
func (c *Cache) room(roomID string) *roomLog {
	l, ok := c.rooms[roomID]
	if !ok {
		l = newRoomLog()
		c.rooms[roomID] = l
	}
	return l
}

// LoadPage fetches one page of history older than cursor. It does not touch
// the cache; callers commit the page with CommitPage once they know it is
// still wanted. Placeholder rooms have no server history and return an empty
// page without a network call.
func (c *Cache) LoadPage(ctx context.Context, roomID, cursor string) (models.Page[models.Message], error) {
	if models.IsPlaceholderRoomID(roomID) || c.fetcher == nil {
		return models.Page[models.Message]{Items: []models.Message{}}, nil
	}

	page, err := c.fetcher.FetchMessages(ctx, roomID, cursor, c.pageSize)
	if err != nil {
		return models.Page[models.Message]{}, fmt.Errorf("load page for room %s: %w", roomID, err)
	}
	return page, nil
}

// CommitPage merges a fetched page at the head of the room and records its
// cursor. It returns how many messages were new.
func (c *Cache) CommitPage(roomID string, page models.Page[models.Message]) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.room(roomID)
	added := c.prependLocked(l, page.Items)
	l.cursor = page.NextCursor
	l.hasMore = page.HasMore
	l.loaded = true
	return added
}

// Cursor reports where the next LoadPage for roomID should start, whether
// the server has more, and whether any page was committed yet.
func (c *Cache) Cursor(roomID string) (cursor string, hasMore, loaded bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.rooms[roomID]
	if !ok {
		return "", !models.IsPlaceholderRoomID(roomID), false
	}
	return l.cursor, l.hasMore, l.loaded
}

// AppendOptimistic inserts a pending message built from draft at the tail of
// the room and returns its new correlation id.
func (c *Cache) AppendOptimistic(roomID string, draft models.Draft) string {
	correlationID := uuid.NewString()
	c.AppendOptimisticWithID(roomID, correlationID, draft)
	return correlationID
}

// AppendOptimisticWithID is AppendOptimistic with a caller-chosen
// correlation id. If the ack for that id already arrived, the server copy is
// in place and this is a no-op.
func (c *Cache) AppendOptimisticWithID(roomID, correlationID string, draft models.Draft) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.room(roomID)
	if serverID, ok := l.acked[correlationID]; ok {
		c.logger.Debug("ack beat optimistic insert",
			zap.String("room_id", roomID),
			zap.String("temp_id", correlationID),
			zap.String("message_id", serverID),
		)
		return
	}
	if l.findCorrelation(correlationID) >= 0 {
		return
	}

	msgType := draft.Type
	if msgType == "" {
		msgType = "text"
	}
	l.messages = append(l.messages, models.Message{
		ID:            correlationID,
		CorrelationID: correlationID,
		RoomID:        roomID,
		Sender:        draft.Sender,
		Content:       draft.Content,
		Media:         append([]models.Media(nil), draft.Media...),
		Type:          msgType,
		ReplyTo:       draft.ReplyTo,
		Status:        models.StatusPending,
		CreatedAt:     c.now(),
	})
	l.pending[correlationID] = struct{}{}
}

// Reconcile matches a server ack to its optimistic entry. A match is replaced
// in place and marked sent. A miss falls back to an idempotent append. Misses
// are benign races and are never reported.
func (c *Cache) Reconcile(correlationID string, server models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.room(server.RoomID)
	l.acked[correlationID] = server.ID
	delete(l.pending, correlationID)

	if i := l.findCorrelation(correlationID); i >= 0 {
		merged := mergeAck(l.messages[i], server)

		// The broadcast copy of our own message may have landed first.
		if j := l.find(server.ID); j >= 0 && j != i {
			merged.Status = merged.Status.Advance(l.messages[j].Status)
			l.messages[i] = merged
			l.messages = append(l.messages[:j], l.messages[j+1:]...)
		} else {
			l.messages[i] = merged
		}
		observ.CacheReconcile.WithLabelValues("match").Inc()
		return
	}

	if j := l.find(server.ID); j >= 0 {
		l.messages[j].Status = l.messages[j].Status.Advance(models.StatusSent)
		observ.CacheReconcile.WithLabelValues("duplicate").Inc()
		c.logger.Debug("ack for message already present",
			zap.String("room_id", server.RoomID),
			zap.String("message_id", server.ID),
		)
		return
	}

	msg := server.Clone()
	msg.CorrelationID = ""
	msg.Status = msg.Status.Advance(models.StatusSent)
	l.messages = append(l.messages, msg)
	observ.CacheReconcile.WithLabelValues("fallback").Inc()
	c.logger.Debug("ack without optimistic entry, appended",
		zap.String("room_id", server.RoomID),
		zap.String("temp_id", correlationID),
		zap.String("message_id", server.ID),
	)
}

// mergeAck lays the server's fields over the local entry. Acks may be
// partial, so zero server fields keep the local value.
func mergeAck(local, server models.Message) models.Message {
	out := local.Clone()
	out.ID = server.ID
	out.CorrelationID = ""
	if server.Sender.ID != "" {
		out.Sender = server.Sender
	}
	if server.Content != "" {
		out.Content = server.Content
	}
	if len(server.Media) > 0 {
		out.Media = append([]models.Media(nil), server.Media...)
	}
	if server.Type != "" {
		out.Type = server.Type
	}
	if server.ReplyTo != "" {
		out.ReplyTo = server.ReplyTo
	}
	if !server.CreatedAt.IsZero() {
		out.CreatedAt = server.CreatedAt
	}
	if len(server.SeenBy) > 0 {
		out.SeenBy = append([]models.SeenReceipt(nil), server.SeenBy...)
	}
	out.IsEdited = out.IsEdited || server.IsEdited
	out.IsDeleted = out.IsDeleted || server.IsDeleted
	out.Status = local.Status.Advance(models.StatusSent).Advance(server.Status)
	return out
}

// ApplyRemoteInsert appends a message from someone else unless its id is
// already present. It reports whether the message was added.
func (c *Cache) ApplyRemoteInsert(roomID string, msg models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.room(roomID)
	if l.find(msg.ID) >= 0 {
		return false
	}
	m := msg.Clone()
	m.RoomID = roomID
	m.Status = m.Status.Advance(models.StatusSent)
	l.messages = append(l.messages, m)
	return true
}

// PrependPage merges an older page at the head of the room, skipping ids that
// are already present. It returns how many messages were added.
func (c *Cache) PrependPage(roomID string, older []models.Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prependLocked(c.room(roomID), older)
}

func (c *Cache) prependLocked(l *roomLog, older []models.Message) int {
	seen := make(map[string]struct{}, len(l.messages)+len(older))
	for _, m := range l.messages {
		seen[m.ID] = struct{}{}
	}

	fresh := make([]models.Message, 0, len(older))
	for _, m := range older {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m = m.Clone()
		m.Status = m.Status.Advance(models.StatusSent)
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}

	l.messages = append(fresh, l.messages...)
	return len(fresh)
}

// Mutate applies fn to the message with id in roomID. It is a no-op when the
// message is not loaded. Status can only move forward and the id cannot be
// changed by fn.
func (c *Cache) Mutate(roomID, id string, fn func(m *models.Message)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.rooms[roomID]
	if !ok {
		return false
	}
	i := l.find(id)
	if i < 0 {
		return false
	}

	before := l.messages[i]
	m := before.Clone()
	fn(&m)
	m.ID = before.ID
	m.Status = before.Status.Advance(m.Status)
	l.messages[i] = m
	return true
}

func (c *Cache) ApplyEdit(roomID, id, content string) bool {
	return c.Mutate(roomID, id, func(m *models.Message) {
		m.Content = content
		m.IsEdited = true
	})
}

// ApplyDelete turns the message into a tombstone and returns it.
func (c *Cache) ApplyDelete(roomID, id string) (models.Message, bool) {
	var out models.Message
	ok := c.Mutate(roomID, id, func(m *models.Message) {
		m.IsDeleted = true
		m.Content = ""
		m.Media = nil
		out = *m
	})
	return out, ok
}

// ApplySeen marks the message seen and records one receipt per user.
func (c *Cache) ApplySeen(roomID, id, userID string, at time.Time) bool {
	return c.Mutate(roomID, id, func(m *models.Message) {
		m.Status = models.StatusSeen
		for _, r := range m.SeenBy {
			if r.UserID == userID {
				return
			}
		}
		m.SeenBy = append(m.SeenBy, models.SeenReceipt{UserID: userID, Time: at})
	})
}

// ClearRoom drops everything cached for roomID, including its cursor.
func (c *Cache) ClearRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

// Messages returns a copy of the room's log in display order.
func (c *Cache) Messages(roomID string) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.rooms[roomID]
	if !ok {
		return []models.Message{}
	}
	out := make([]models.Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.Clone()
	}
	return out
}

// Get returns one message, or false when it is not loaded.
func (c *Cache) Get(roomID, id string) (models.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.rooms[roomID]
	if !ok {
		return models.Message{}, false
	}
	i := l.find(id)
	if i < 0 {
		return models.Message{}, false
	}
	return l.messages[i].Clone(), true
}

// Pending reports whether correlationID is still waiting for its ack.
func (c *Cache) Pending(roomID, correlationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = l.pending[correlationID]
	return ok
}
