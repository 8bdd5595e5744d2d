package session

import (
	"context"

	"github.com/lalith-99/echolink/internal/events"
	"github.com/lalith-99/echolink/internal/models"
	"go.uber.org/zap"
)

func (s *Session) registerListeners() {
	t := s.transport

	t.OnConnect(s.onConnect)
	t.OnDisconnect(func(err error) {
		// Presence, typing and call state stay frozen until the resync.
		s.logger.Warn("socket disconnected", zap.Error(err))
	})

	t.On(events.NewMessage, func(_ context.Context, ev events.Event) {
		s.onNewMessage(ev.(events.NewMessageEvent))
	})
	t.On(events.MessageSent, func(_ context.Context, ev events.Event) {
		s.onMessageSent(ev.(events.MessageSentEvent))
	})
	t.On(events.MessageSeenSuccess, func(_ context.Context, ev events.Event) {
		e := ev.(events.MessageSeenEvent)
		s.Cache.ApplySeen(e.RoomID, e.MessageID, e.SeenBy, e.Time)
		if e.SeenBy == s.self.ID {
			s.Rooms.UpdateUnreadCount(e.RoomID, s.self.ID, 0)
		}
	})
	t.On(events.MessageEdited, func(_ context.Context, ev events.Event) {
		e := ev.(events.MessageEditedEvent)
		s.Cache.ApplyEdit(e.RoomID, e.MessageID, e.NewContent)
	})
	t.On(events.MessageUnsent, func(_ context.Context, ev events.Event) {
		e := ev.(events.MessageUnsentEvent)
		if tomb, ok := s.Cache.ApplyDelete(e.RoomID, e.MessageID); ok {
			s.Rooms.UpsertLastMessage(e.RoomID, tomb)
		}
	})
	t.On(events.ClearChatSuccess, func(_ context.Context, ev events.Event) {
		e := ev.(events.ChatClearedEvent)
		s.Cache.ClearRoom(e.RoomID)
		s.Rooms.ClearLastMessage(e.RoomID)
	})
	t.On(events.TypingUpdate, func(_ context.Context, ev events.Event) {
		s.Typing.HandleUpdate(ev.(events.TypingUpdateEvent))
	})
	t.On(events.RoomUpdate, func(ctx context.Context, ev events.Event) {
		e := ev.(events.RoomUpdateEvent)
		s.Rooms.Upsert(e.Room)
		if e.Message != nil {
			s.Rooms.UpsertLastMessage(e.Room.ID, *e.Message)
		}
		s.background(ctx, s.maybeResync)
	})
	t.On(events.UserStatusUpdate, func(ctx context.Context, ev events.Event) {
		if err := s.Presence.HandleStatus(ctx, ev.(events.UserStatusEvent)); err != nil {
			s.logger.Warn("presence update failed", zap.Error(err))
		}
	})

	for _, name := range []string{
		events.CallIncoming,
		events.CallAccepted,
		events.CallRejected,
		events.CallCancelled,
		events.CallEnded,
		events.CallBusy,
	} {
		t.On(name, func(ctx context.Context, ev events.Event) {
			s.Call.Handle(ctx, ev.(events.CallSignalEvent))
		})
	}

	t.On(events.RouterCapabilities, func(ctx context.Context, ev events.Event) {
		e := ev.(events.RouterCapabilitiesEvent)
		s.Media.HandleRouterCapabilities(e)
		go func() {
			if _, err := s.Media.LoadDevice(ctx, e.RoomID); err != nil {
				s.logger.Error("device load failed", zap.String("room_id", e.RoomID), zap.Error(err))
			}
		}()
	})
	t.On(events.NewProducer, func(ctx context.Context, ev events.Event) {
		e := ev.(events.NewProducerEvent)
		s.background(ctx, func(ctx context.Context) {
			if err := s.Media.HandleNewProducer(ctx, e); err != nil {
				s.logger.Error("consume failed",
					zap.String("producer_id", e.ProducerID),
					zap.String("peer_id", e.PeerID),
					zap.Error(err),
				)
			}
		})
	})
}

// background runs an ack round trip off the dispatcher so a lost ack
// stalls only itself, and only for AckTimeout.
func (s *Session) background(ctx context.Context, fn func(ctx context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Session) onConnect(ctx context.Context) {
	s.Presence.RequestResync()
	if s.Rooms.Len() == 0 {
		// LoadRooms resyncs presence once the list is in.
		go func() {
			if _, err := s.LoadRooms(ctx); err != nil {
				s.logger.Warn("initial room load failed", zap.Error(err))
			}
		}()
		return
	}
	s.background(ctx, s.maybeResync)
}

func (s *Session) maybeResync(ctx context.Context) {
	if _, err := s.Presence.MaybeResync(ctx); err != nil {
		s.logger.Warn("presence resync failed", zap.Error(err))
	}
}

func (s *Session) onNewMessage(e events.NewMessageEvent) {
	msg := e.Message
	if msg.RoomID == "" {
		msg.RoomID = e.RoomID
	}

	if e.TempID != "" && msg.Sender.ID == s.self.ID {
		s.reconcile(e.TempID, msg)
		return
	}
	if s.Cache.ApplyRemoteInsert(msg.RoomID, msg) {
		s.Rooms.UpsertLastMessage(msg.RoomID, msg)
	}
}

func (s *Session) onMessageSent(e events.MessageSentEvent) {
	msg := e.Message
	if msg.RoomID == "" {
		msg.RoomID = e.RoomID
	}
	s.reconcile(e.TempID, msg)
}

// reconcile lands the ack for one of our own sends. A send from a
// placeholder room lands in the room the server created for it.
func (s *Session) reconcile(tempID string, msg models.Message) {
	s.mu.Lock()
	placeholder, fromPlaceholder := s.placeholderSends[tempID]
	delete(s.placeholderSends, tempID)
	if fromPlaceholder && s.activeRoom == placeholder {
		s.activeRoom = msg.RoomID
	}
	s.mu.Unlock()

	if fromPlaceholder {
		s.Cache.ClearRoom(placeholder)
	}
	s.Cache.Reconcile(tempID, msg)

	if landed, ok := s.Cache.Get(msg.RoomID, msg.ID); ok {
		s.Rooms.UpsertLastMessage(msg.RoomID, landed)
	}
	// A delivered reply accepts a message request.
	if room, ok := s.Rooms.Get(msg.RoomID); ok && room.Status == models.RoomRequest {
		s.Rooms.SetRoomStatus(msg.RoomID, models.RoomActive)
	}
}
