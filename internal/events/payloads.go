package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lalith-99/echolink/internal/models"
)

// Event is implemented by every inbound payload. The concrete type is the
// tag: handlers switch on it instead of poking at untyped maps.
type Event interface {
	EventName() string
}

// ---------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------

// NewMessageEvent carries a message broadcast to the room. TempID is set
// when the message is our own send echoed back. The embedded message often
// omits roomId; the envelope's RoomID applies.
type NewMessageEvent struct {
	RoomID  string         `json:"roomId" validate:"required"`
	Message models.Message `json:"message" validate:"-"`
	TempID  string         `json:"tempId,omitempty"`
}

func (NewMessageEvent) EventName() string { return NewMessage }

func (e NewMessageEvent) check() error {
	if e.Message.ID == "" {
		return errors.New("message.id is required")
	}
	return nil
}

// MessageSentEvent is the server ack for our own send:message. The ack may
// carry only the server-assigned fields; they are merged over the pending
// message rather than replacing it.
type MessageSentEvent struct {
	RoomID  string         `json:"roomId" validate:"required"`
	TempID  string         `json:"tempId" validate:"required"`
	Message models.Message `json:"message" validate:"-"`
}

func (MessageSentEvent) EventName() string { return MessageSent }

func (e MessageSentEvent) check() error {
	if e.Message.ID == "" {
		return errors.New("message.id is required")
	}
	return nil
}

type MessageSeenEvent struct {
	SeenBy    string    `json:"seenBy" validate:"required"`
	RoomID    string    `json:"roomId" validate:"required"`
	MessageID string    `json:"messageId" validate:"required"`
	Time      time.Time `json:"time"`
}

func (MessageSeenEvent) EventName() string { return MessageSeenSuccess }

type MessageEditedEvent struct {
	MessageID  string `json:"messageId" validate:"required"`
	RoomID     string `json:"roomId" validate:"required"`
	NewContent string `json:"newContent"`
	UserID     string `json:"userId"`
}

func (MessageEditedEvent) EventName() string { return MessageEdited }

type MessageUnsentEvent struct {
	RoomID    string `json:"roomId" validate:"required"`
	MessageID string `json:"messageId" validate:"required"`
	UserID    string `json:"userId"`
}

func (MessageUnsentEvent) EventName() string { return MessageUnsent }

type ChatClearedEvent struct {
	ByUser string `json:"byUser" validate:"required"`
	RoomID string `json:"roomId" validate:"required"`
}

func (ChatClearedEvent) EventName() string { return ClearChatSuccess }

// TypingUpdateEvent holds the complete set of typers in a room, not a delta.
type TypingUpdateEvent struct {
	RoomID      string              `json:"roomId" validate:"required"`
	TypingUsers []models.TypingUser `json:"typingUsers" validate:"dive"`
}

func (TypingUpdateEvent) EventName() string { return TypingUpdate }

// RoomUpdateEvent refreshes one room's metadata; Message, when present,
// becomes its last-message preview.
type RoomUpdateEvent struct {
	Room    models.Room     `json:"room"`
	Message *models.Message `json:"message,omitempty"`
}

func (RoomUpdateEvent) EventName() string { return RoomUpdate }

type UserStatusEvent struct {
	UserID     string    `json:"userId" validate:"required"`
	Status     string    `json:"status" validate:"oneof=online offline"`
	LastActive time.Time `json:"lastActive"`
}

func (UserStatusEvent) EventName() string { return UserStatusUpdate }

// IsOnline maps the wire status to a boolean.
func (e UserStatusEvent) IsOnline() bool { return e.Status == "online" }

// CallPayload is the metadata shared by every call:* event, in both
// directions.
type CallPayload struct {
	RoomID   string          `json:"roomId" validate:"required"`
	Caller   models.Sender   `json:"caller" validate:"-"`
	Receiver models.Sender   `json:"receiver" validate:"-"`
	RoomType models.RoomType `json:"roomType,omitempty"`
	CallType models.CallType `json:"callType,omitempty"`
}

// CallSignalEvent is any inbound call:* event. Name is the tag.
type CallSignalEvent struct {
	Name string `json:"-"`
	CallPayload
}

func (e CallSignalEvent) EventName() string { return e.Name }

// RouterCapabilitiesEvent is pushed once per room join.
type RouterCapabilitiesEvent struct {
	RoomID          string          `json:"roomId" validate:"required"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities" validate:"required"`
}

func (RouterCapabilitiesEvent) EventName() string { return RouterCapabilities }

type NewProducerEvent struct {
	RoomID     string `json:"roomId" validate:"required"`
	ProducerID string `json:"producerId" validate:"required"`
	PeerID     string `json:"peerId" validate:"required"`
	Kind       string `json:"kind" validate:"oneof=audio video"`
}

func (NewProducerEvent) EventName() string { return NewProducer }

// ---------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------

type SendMessagePayload struct {
	SenderID string         `json:"senderId"`
	ToUserID string         `json:"toUserId,omitempty"`
	RoomID   string         `json:"roomId"`
	Content  string         `json:"content"`
	Media    []models.Media `json:"media,omitempty"`
	TempID   string         `json:"tempId"`
	ReplyTo  string         `json:"replyTo,omitempty"`
}

type SeenPayload struct {
	UserID    string `json:"userId"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type EditPayload struct {
	MessageID  string `json:"messageId"`
	RoomID     string `json:"roomId"`
	NewContent string `json:"newContent"`
	UserID     string `json:"userId"`
}

type UnsendPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type ClearChatPayload struct {
	ByUser string `json:"byUser"`
	RoomID string `json:"roomId"`
}

type TypingStartPayload struct {
	RoomID string            `json:"roomId"`
	User   models.TypingUser `json:"user"`
}

type TypingStopPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type HeartbeatPayload struct {
	UserID string `json:"userId"`
}

type GetOnlinePayload struct {
	UserIDs []string `json:"userIds"`
}

// OnlineStatus is one element of the user:get_online_users ack.
type OnlineStatus struct {
	UserID     string    `json:"userId"`
	IsOnline   bool      `json:"isOnline"`
	LastActive time.Time `json:"lastActive"`
}

// ---------------------------------------------------------------
// SFU negotiation (request / ack pairs)
// ---------------------------------------------------------------

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

type CreateTransportRequest struct {
	RoomID    string `json:"roomId"`
	Direction string `json:"direction"`
}

// TransportParams is the server's answer to rtc:create-transport. The ICE
// and DTLS blobs are passed through to the WebRTC engine untouched.
type TransportParams struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type ConnectTransportRequest struct {
	RoomID         string          `json:"roomId"`
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type ProduceRequest struct {
	RoomID        string          `json:"roomId"`
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type ProduceResponse struct {
	ID string `json:"id"`
}

type ConsumeRequest struct {
	RoomID          string          `json:"roomId"`
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type KeyframeRequest struct {
	RoomID     string `json:"roomId"`
	ConsumerID string `json:"consumerId"`
}
