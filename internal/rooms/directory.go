// Package rooms keeps the ordered list of conversations with live
// last-message previews, unread counts and participant presence.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/observ"
	"go.uber.org/zap"
)

// ErrNotReady is returned by LoadRooms before the user is known or while the
// socket is down. Fetching early leaves presence out of sync.
var ErrNotReady = errors.New("room directory not ready")

const (
	unavailableText = "message unavailable"
	attachmentText  = "sent an attachment"
)

// RoomFetcher loads one page of the user's rooms, most recent first.
type RoomFetcher interface {
	FetchRooms(ctx context.Context, userID, cursor string, limit int) (models.Page[models.Room], error)
}

// Filter selects a derived view over the room list.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterUnread  Filter = "unread"
	FilterRequest Filter = "request"
	FilterBlocked Filter = "blocked"
)

// ParseFilter maps a query value to a Filter; unknown values fall back to all.
func ParseFilter(s string) Filter {
	switch Filter(s) {
	case FilterUnread, FilterRequest, FilterBlocked:
		return Filter(s)
	default:
		return FilterAll
	}
}

type Directory struct {
	mu        sync.RWMutex
	order     []*models.Room // index 0 is the most recently active room
	byID      map[string]*models.Room
	cursor    string
	hasMore   bool
	fetcher   RoomFetcher
	connected func() bool
	pageSize  int
	logger    *zap.Logger
}

// New builds an empty directory. connected reports the socket state and may
// be nil in tests, meaning always connected.
func New(fetcher RoomFetcher, connected func() bool, pageSize int, logger *zap.Logger) *Directory {
	if connected == nil {
		connected = func() bool { return true }
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Directory{
		byID:      make(map[string]*models.Room),
		hasMore:   true,
		fetcher:   fetcher,
		connected: connected,
		pageSize:  pageSize,
		logger:    observ.Named(logger, "rooms"),
	}
}

// LoadRooms fetches the page after cursor and appends new rooms to the end of
// the list. Rooms already known keep their position.
func (d *Directory) LoadRooms(ctx context.Context, userID, cursor string) (models.Page[models.Room], error) {
	if userID == "" || !d.connected() {
		return models.Page[models.Room]{}, ErrNotReady
	}
	if d.fetcher == nil {
		return models.Page[models.Room]{Items: []models.Room{}}, nil
	}

	page, err := d.fetcher.FetchRooms(ctx, userID, cursor, d.pageSize)
	if err != nil {
		return models.Page[models.Room]{}, fmt.Errorf("load rooms: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range page.Items {
		if _, ok := d.byID[r.ID]; ok {
			continue
		}
		room := r.Clone()
		d.byID[room.ID] = &room
		d.order = append(d.order, &room)
	}
	d.cursor = page.NextCursor
	d.hasMore = page.HasMore

	return page, nil
}

// Cursor reports where the next LoadRooms should start.
func (d *Directory) Cursor() (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cursor, d.hasMore
}

// UpsertLastMessage refreshes the room preview from msg and moves the room to
// the front.
//
// A tombstone only changes the preview when it is the room's current last
// message, matched by CreatedAt. Any other tombstone is ignored.
func (d *Directory) UpsertLastMessage(roomID string, msg models.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.byID[roomID]
	if !ok {
		return false
	}

	if msg.IsDeleted {
		if room.LastMessage == nil || !room.LastMessage.CreatedAt.Equal(msg.CreatedAt) {
			return false
		}
		room.LastMessage = &models.LastMessageMeta{
			ID:        msg.ID,
			Sender:    msg.Sender,
			Text:      unavailableText,
			CreatedAt: msg.CreatedAt,
		}
	} else {
		room.LastMessage = &models.LastMessageMeta{
			ID:        msg.ID,
			Sender:    msg.Sender,
			Text:      previewText(msg),
			CreatedAt: msg.CreatedAt,
		}
	}

	d.moveToFrontLocked(room)
	return true
}

func previewText(msg models.Message) string {
	if msg.Content == "" && len(msg.Media) > 0 {
		return attachmentText
	}
	return msg.Content
}

func (d *Directory) moveToFrontLocked(room *models.Room) {
	for i, r := range d.order {
		if r.ID != room.ID {
			continue
		}
		copy(d.order[1:i+1], d.order[:i])
		d.order[0] = room
		return
	}
	d.order = append([]*models.Room{room}, d.order...)
}

// UpdateUnreadCount sets one participant's unread counter. Counts always come
// from the server; the client never increments them.
func (d *Directory) UpdateUnreadCount(roomID, userID string, count int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.byID[roomID]
	if !ok {
		return false
	}
	if room.UnreadCount == nil {
		room.UnreadCount = make(map[string]int)
	}
	room.UnreadCount[userID] = count
	return true
}

// UpdateParticipantPresence updates userID in every room it belongs to and
// returns how many rooms changed.
func (d *Directory) UpdateParticipantPresence(userID string, isOnline bool, lastActive time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, room := range d.order {
		for i := range room.Participants {
			p := &room.Participants[i]
			if p.ID != userID {
				continue
			}
			p.IsOnline = isOnline
			if !lastActive.IsZero() {
				p.LastActive = lastActive
			}
			n++
		}
	}
	return n
}

func (d *Directory) SetRoomStatus(roomID string, status models.RoomStatus) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.byID[roomID]
	if !ok {
		return false
	}
	room.Status = status
	return true
}

// ClearLastMessage blanks the preview after a confirmed clear chat.
func (d *Directory) ClearLastMessage(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.byID[roomID]
	if !ok {
		return false
	}
	if room.LastMessage == nil {
		room.LastMessage = &models.LastMessageMeta{}
	}
	room.LastMessage.Text = ""
	return true
}

// Upsert applies a server room snapshot. Known rooms are replaced in place
// and move to the front when the snapshot's last message is newer; new rooms
// go to the front.
func (d *Directory) Upsert(r models.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()

	room := r.Clone()
	if existing, ok := d.byID[room.ID]; ok {
		advanced := room.LastMessage != nil &&
			(existing.LastMessage == nil || room.LastMessage.CreatedAt.After(existing.LastMessage.CreatedAt))
		if room.LastMessage == nil {
			room.LastMessage = existing.LastMessage
		}
		if room.UnreadCount == nil {
			room.UnreadCount = existing.UnreadCount
		}
		*existing = room
		if advanced {
			d.moveToFrontLocked(existing)
		}
		return
	}
	d.byID[room.ID] = &room
	d.order = append([]*models.Room{&room}, d.order...)
}

func (d *Directory) Remove(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byID[roomID]; !ok {
		return false
	}
	delete(d.byID, roomID)
	for i, r := range d.order {
		if r.ID == roomID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of the room, or false when it is unknown.
func (d *Directory) Get(roomID string) (models.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, ok := d.byID[roomID]
	if !ok {
		return models.Room{}, false
	}
	return room.Clone(), true
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// ParticipantIDs lists every distinct participant across all rooms, in room
// order, leaving out excludeSelf.
func (d *Directory) ParticipantIDs(excludeSelf string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, room := range d.order {
		for _, p := range room.Participants {
			if p.ID == excludeSelf {
				continue
			}
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p.ID)
		}
	}
	return out
}

// View returns copies of the rooms matching filter, in list order. It is
// derived on every call and keeps no state of its own.
func (d *Directory) View(filter Filter, userID string) []models.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]models.Room, 0, len(d.order))
	for _, room := range d.order {
		if matches(room, filter, userID) {
			out = append(out, room.Clone())
		}
	}
	return out
}

func matches(room *models.Room, filter Filter, userID string) bool {
	switch filter {
	case FilterUnread:
		return room.Status != models.RoomRequest && room.UnreadCount[userID] > 0
	case FilterRequest:
		return room.Status == models.RoomRequest
	case FilterBlocked:
		return room.BlockedMe
	default:
		return room.Status != models.RoomRequest
	}
}
