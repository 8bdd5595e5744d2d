package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lalith-99/echolink/internal/call"
	"github.com/lalith-99/echolink/internal/events"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/rooms"
	"github.com/lalith-99/echolink/internal/sfu"
	"go.uber.org/zap"
)

// ErrEmptyMessage is returned by SendMessage for a draft with neither text
// nor media.
var ErrEmptyMessage = errors.New("message has no content")

// OpenRoom makes roomID the active room and loads its first page of history
// unless it is already cached. Placeholder rooms start empty.
func (s *Session) OpenRoom(ctx context.Context, roomID string) ([]models.Message, error) {
	s.setActive(roomID)

	if models.IsPlaceholderRoomID(roomID) {
		s.Cache.ClearRoom(roomID)
		return []models.Message{}, nil
	}
	if _, _, loaded := s.Cache.Cursor(roomID); loaded {
		return s.Cache.Messages(roomID), nil
	}

	if _, err := s.fetchPage(ctx, roomID, ""); err != nil {
		return nil, err
	}
	return s.Cache.Messages(roomID), nil
}

// LoadMore fetches the next older page of roomID and returns how many
// messages were added.
func (s *Session) LoadMore(ctx context.Context, roomID string) (int, error) {
	cursor, hasMore, _ := s.Cache.Cursor(roomID)
	if !hasMore {
		return 0, nil
	}
	return s.fetchPage(ctx, roomID, cursor)
}

// fetchPage loads one page and commits it only if roomID is still the
// active room when the response arrives.
func (s *Session) fetchPage(ctx context.Context, roomID, cursor string) (int, error) {
	page, err := s.Cache.LoadPage(ctx, roomID, cursor)
	if err != nil {
		s.logger.Warn("history fetch failed", zap.String("room_id", roomID), zap.Error(err))
		s.notice(models.NoticeError, roomID, "Could not load messages. Try again.")
		return 0, err
	}

	if active := s.ActiveRoom(); active != roomID {
		s.logger.Debug("dropping stale history page",
			zap.String("room_id", roomID),
			zap.String("active_room", active),
		)
		return 0, nil
	}
	return s.Cache.CommitPage(roomID, page), nil
}

// LoadRooms fetches the next page of the room list.
func (s *Session) LoadRooms(ctx context.Context) (models.Page[models.Room], error) {
	cursor, hasMore := s.Rooms.Cursor()
	if !hasMore {
		return models.Page[models.Room]{Items: []models.Room{}}, nil
	}

	page, err := s.Rooms.LoadRooms(ctx, s.self.ID, cursor)
	if err != nil {
		if !errors.Is(err, rooms.ErrNotReady) {
			s.logger.Warn("room list fetch failed", zap.Error(err))
			s.notice(models.NoticeError, "", "Could not load conversations. Try again.")
		}
		return page, err
	}

	s.maybeResync(ctx)
	return page, nil
}

// SendRequest is one message composed by the user.
type SendRequest struct {
	Content string         `json:"content"`
	Media   []models.Media `json:"media"`
	Type    string         `json:"type"`
	ReplyTo string         `json:"replyTo"`
}

// SendMessage inserts the message optimistically and emits it. The returned
// message is the pending copy; the ack reconciles it in place. While the
// socket is down the message stays pending and the error is returned.
func (s *Session) SendMessage(roomID string, req SendRequest) (models.Message, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Media) == 0 {
		return models.Message{}, ErrEmptyMessage
	}

	tempID := s.Cache.AppendOptimistic(roomID, models.Draft{
		Sender:  s.self,
		Content: req.Content,
		Media:   req.Media,
		Type:    req.Type,
		ReplyTo: req.ReplyTo,
	})
	s.Typing.Stop(roomID)
	pending, _ := s.Cache.Get(roomID, tempID)

	payload := events.SendMessagePayload{
		SenderID: s.self.ID,
		RoomID:   roomID,
		Content:  req.Content,
		Media:    req.Media,
		TempID:   tempID,
		ReplyTo:  req.ReplyTo,
	}
	if models.IsPlaceholderRoomID(roomID) {
		// No server room yet; the server creates it on first message.
		payload.RoomID = ""
		payload.ToUserID = strings.TrimPrefix(roomID, models.PlaceholderRoomPrefix)
		s.mu.Lock()
		s.placeholderSends[tempID] = roomID
		s.mu.Unlock()
	} else {
		payload.ToUserID = s.dmPeer(roomID)
		s.Rooms.UpsertLastMessage(roomID, pending)
	}

	if err := s.transport.Emit(events.SendMessage, payload); err != nil {
		s.notice(models.NoticeError, roomID, "Message not sent: you are offline.")
		return pending, fmt.Errorf("send message: %w", err)
	}
	return pending, nil
}

// dmPeer returns the other participant of a DM, or "" for groups.
func (s *Session) dmPeer(roomID string) string {
	room, ok := s.Rooms.Get(roomID)
	if !ok || room.Type != models.RoomDM {
		return ""
	}
	for _, p := range room.Participants {
		if p.ID != s.self.ID {
			return p.ID
		}
	}
	return ""
}

// EditMessage applies the edit locally and asks the server to broadcast it.
func (s *Session) EditMessage(roomID, messageID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if err := s.transport.Emit(events.MessageEdit, events.EditPayload{
		MessageID:  messageID,
		RoomID:     roomID,
		NewContent: content,
		UserID:     s.self.ID,
	}); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	s.Cache.ApplyEdit(roomID, messageID, content)
	return nil
}

// UnsendMessage asks the server to delete a message. The tombstone is
// applied when message:unsent comes back.
func (s *Session) UnsendMessage(roomID, messageID string) error {
	if err := s.transport.Emit(events.UnsendMsg, events.UnsendPayload{
		RoomID:    roomID,
		MessageID: messageID,
		UserID:    s.self.ID,
	}); err != nil {
		return fmt.Errorf("unsend message: %w", err)
	}
	return nil
}

func (s *Session) MarkSeen(roomID, messageID string) error {
	if err := s.transport.Emit(events.MessageSeen, events.SeenPayload{
		UserID:    s.self.ID,
		RoomID:    roomID,
		MessageID: messageID,
	}); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// ClearChat asks the server to clear roomID for this user. The cache is
// emptied when clear:chat:success arrives.
func (s *Session) ClearChat(roomID string) error {
	if err := s.transport.Emit(events.ClearChat, events.ClearChatPayload{
		ByUser: s.self.ID,
		RoomID: roomID,
	}); err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}
	return nil
}

func (s *Session) Keystroke(roomID string) {
	s.Typing.Keystroke(roomID)
}

func (s *Session) StartCall(req call.StartRequest) error {
	if req.RoomType == "" {
		if room, ok := s.Rooms.Get(req.RoomID); ok {
			req.RoomType = room.Type
		}
	}
	if req.Receiver.ID == "" {
		req.Receiver.ID = s.dmPeer(req.RoomID)
	}
	return s.Call.StartCall(req)
}

// AcceptCall answers the ringing call. A denied device surfaces as a notice
// as well as the returned error.
func (s *Session) AcceptCall(ctx context.Context, roomID string) error {
	err := s.Call.AcceptCall(ctx, roomID)
	if errors.Is(err, sfu.ErrPermissionDenied) {
		s.mediaFailed(roomID, err)
	}
	return err
}

func (s *Session) mediaFailed(roomID string, err error) {
	if errors.Is(err, sfu.ErrPermissionDenied) {
		s.notice(models.NoticeError, roomID, "Camera or microphone permission was denied.")
		return
	}
	if errors.Is(err, sfu.ErrTornDown) {
		return
	}
	s.notice(models.NoticeError, roomID, "Could not connect call media.")
}

func (s *Session) RejectCall() error { return s.Call.RejectCall() }
func (s *Session) CancelCall() error { return s.Call.CancelCall() }
func (s *Session) EndCall() error    { return s.Call.EndCall() }
