package api

import (
	"context"

	"github.com/lalith-99/echolink/internal/call"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/rooms"
	"github.com/lalith-99/echolink/internal/session"
)

// The handlers depend on these interfaces, not on *session.Session, so
// tests can pass a fake.

type RoomService interface {
	RoomView(filter rooms.Filter) []models.Room
	LoadRooms(ctx context.Context) (models.Page[models.Room], error)
	OpenRoom(ctx context.Context, roomID string) ([]models.Message, error)
	ClearChat(roomID string) error
	Keystroke(roomID string)
	StopTyping(roomID string)
}

type MessageService interface {
	Messages(roomID string) []models.Message
	LoadMore(ctx context.Context, roomID string) (int, error)
	SendMessage(roomID string, req session.SendRequest) (models.Message, error)
	EditMessage(roomID, messageID, content string) error
	UnsendMessage(roomID, messageID string) error
	MarkSeen(roomID, messageID string) error
}

type PresenceService interface {
	PresenceOf(ctx context.Context, userID string) (*models.PresenceEntry, error)
}

type CallService interface {
	CallSession() models.CallSession
	StartCall(req call.StartRequest) error
	AcceptCall(ctx context.Context, roomID string) error
	RejectCall() error
	CancelCall() error
	EndCall() error
}

// Service is everything the control API needs. *session.Session
// implements it.
type Service interface {
	RoomService
	MessageService
	PresenceService
	CallService
	Self() models.Sender
}

var _ Service = (*session.Session)(nil)
