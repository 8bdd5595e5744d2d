package models

import (
	"strings"
	"time"
)

// PlaceholderRoomPrefix marks a room that exists only on this client, e.g. a
// DM opened with someone before the first message creates it server-side.
// History for such rooms is never fetched.
const PlaceholderRoomPrefix = "local-"

// IsPlaceholderRoomID reports whether id names a client-local room.
func IsPlaceholderRoomID(id string) bool {
	return strings.HasPrefix(id, PlaceholderRoomPrefix)
}

// MessageStatus is the delivery state of a message. It only moves forward:
// pending → sent → seen.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusSeen    MessageStatus = "seen"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusSeen:
		return 2
	default:
		return 0
	}
}

// Advance returns the later of s and next. A message that is already seen
// stays seen even if a stale "sent" ack shows up afterwards.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if next.rank() > s.rank() {
		return next
	}
	if s == "" {
		return StatusPending
	}
	return s
}

// Sender is the author snapshot embedded in every message.
type Sender struct {
	ID     string `json:"id" validate:"required"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type Media struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type SeenReceipt struct {
	UserID string    `json:"userId"`
	Time   time.Time `json:"time"`
}

// Message is one entry in a room's ordered log.
//
// CorrelationID is the client-generated temp id. It is set only while the
// message is waiting for its server ack; reconciliation clears it.
type Message struct {
	ID            string        `json:"id" validate:"required"`
	CorrelationID string        `json:"tempId,omitempty"`
	RoomID        string        `json:"roomId" validate:"required"`
	Sender        Sender        `json:"sender"`
	Content       string        `json:"content,omitempty"`
	Media         []Media       `json:"media,omitempty"`
	Type          string        `json:"type"`
	ReplyTo       string        `json:"replyTo,omitempty"`
	Status        MessageStatus `json:"status"`
	IsEdited      bool          `json:"isEdited"`
	IsDeleted     bool          `json:"isDeleted"`
	CreatedAt     time.Time     `json:"createdAt"`
	SeenBy        []SeenReceipt `json:"seenBy,omitempty"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	out := m
	if m.Media != nil {
		out.Media = append([]Media(nil), m.Media...)
	}
	if m.SeenBy != nil {
		out.SeenBy = append([]SeenReceipt(nil), m.SeenBy...)
	}
	return out
}

// Draft is what the user composes before it becomes an optimistic Message.
type Draft struct {
	Sender  Sender
	Content string
	Media   []Media
	Type    string
	ReplyTo string
}

type RoomType string

const (
	RoomDM    RoomType = "dm"
	RoomGroup RoomType = "group"
)

type RoomStatus string

const (
	RoomActive  RoomStatus = "active"
	RoomRequest RoomStatus = "request"
)

// Participant is a room member with the presence fields the room list shows.
type Participant struct {
	ID         string    `json:"id" validate:"required"`
	Name       string    `json:"name"`
	Avatar     string    `json:"avatar,omitempty"`
	IsOnline   bool      `json:"isOnline"`
	LastActive time.Time `json:"lastActive"`
}

// LastMessageMeta is the preview shown in the room list.
type LastMessageMeta struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Room is one conversation in the directory. UnreadCount is keyed by
// participant id and is only ever written from server-supplied values.
type Room struct {
	ID           string           `json:"id" validate:"required"`
	Name         string           `json:"name,omitempty"`
	Type         RoomType         `json:"type"`
	Participants []Participant    `json:"participants"`
	LastMessage  *LastMessageMeta `json:"lastMessageMeta,omitempty"`
	UnreadCount  map[string]int   `json:"unreadCountByParticipant,omitempty"`
	Status       RoomStatus       `json:"status"`
	BlockedMe    bool             `json:"blockedMe"`
	Muted        bool             `json:"muted"`
	Admins       []string         `json:"admins,omitempty"`
}

// Clone returns a deep copy of r.
func (r Room) Clone() Room {
	out := r
	out.Participants = append([]Participant(nil), r.Participants...)
	out.Admins = append([]string(nil), r.Admins...)
	if r.LastMessage != nil {
		meta := *r.LastMessage
		out.LastMessage = &meta
	}
	if r.UnreadCount != nil {
		out.UnreadCount = make(map[string]int, len(r.UnreadCount))
		for k, v := range r.UnreadCount {
			out.UnreadCount[k] = v
		}
	}
	return out
}

// HasParticipant reports whether userID is a member of r.
func (r Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Page is one cursor-paginated batch. NextCursor is opaque and server-defined.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// PresenceEntry is created on the first status event or bulk sync for a user
// and then only ever overwritten.
type PresenceEntry struct {
	UserID     string    `json:"userId"`
	IsOnline   bool      `json:"isOnline"`
	LastActive time.Time `json:"lastActive"`
}

// TypingUser identifies someone currently typing in a room.
type TypingUser struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallStatus string

const (
	CallIdle      CallStatus = "idle"
	CallCalling   CallStatus = "calling"
	CallRinging   CallStatus = "ringing"
	CallConnected CallStatus = "connected"
	// CallBusy is the terminal substate of an outgoing call whose callee was
	// already in another call. It clears itself back to idle.
	CallBusy CallStatus = "busy"
)

// CallSession is the single call this client can be part of.
type CallSession struct {
	RoomID     string     `json:"roomId"`
	RoomType   RoomType   `json:"roomType"`
	CallType   CallType   `json:"callType"`
	RemoteUser Sender     `json:"remoteUser"`
	Status     CallStatus `json:"status"`
	Outgoing   bool       `json:"outgoing"`
	StartedAt  time.Time  `json:"startedAt,omitempty"`
}

// NoticeLevel grades a user-facing notification.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a non-blocking notification for the user, e.g. a failed
// history fetch or a denied microphone.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	RoomID  string      `json:"roomId,omitempty"`
	Time    time.Time   `json:"time"`
}
