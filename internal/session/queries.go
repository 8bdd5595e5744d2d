package session

import (
	"context"

	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/rooms"
)

// RoomView returns the room list as seen through filter.
func (s *Session) RoomView(filter rooms.Filter) []models.Room {
	return s.Rooms.View(filter, s.self.ID)
}

// Messages returns the cached log of roomID without fetching.
func (s *Session) Messages(roomID string) []models.Message {
	return s.Cache.Messages(roomID)
}

// PresenceOf returns the last known status of userID, or nil.
func (s *Session) PresenceOf(ctx context.Context, userID string) (*models.PresenceEntry, error) {
	return s.Presence.Get(ctx, userID)
}

func (s *Session) CallSession() models.CallSession {
	return s.Call.Session()
}

func (s *Session) StopTyping(roomID string) {
	s.Typing.Stop(roomID)
}
