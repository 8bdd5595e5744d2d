// Package session is the process-scoped context that owns one authenticated
// connection and every component built on it. The daemon creates one
// Session per login and closes it on logout.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lalith-99/echolink/internal/cache"
	"github.com/lalith-99/echolink/internal/call"
	"github.com/lalith-99/echolink/internal/config"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/observ"
	"github.com/lalith-99/echolink/internal/presence"
	"github.com/lalith-99/echolink/internal/repository"
	"github.com/lalith-99/echolink/internal/repository/memory"
	"github.com/lalith-99/echolink/internal/rooms"
	"github.com/lalith-99/echolink/internal/sfu"
	"github.com/lalith-99/echolink/internal/socket"
	"github.com/lalith-99/echolink/internal/typing"
	"go.uber.org/zap"
)

// Transport is the socket as the session uses it. *socket.Transport
// implements it.
type Transport interface {
	On(event string, h socket.Handler)
	OnConnect(fn func(ctx context.Context))
	OnDisconnect(fn func(err error))
	Run(ctx context.Context) error
	Emit(event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload, out any) error
	Connected() bool
}

// Fetcher is the REST boundary. *history.Client implements it.
type Fetcher interface {
	cache.HistoryFetcher
	rooms.RoomFetcher
}

type Deps struct {
	Config    *config.Config
	Transport Transport
	History   Fetcher
	// Presence defaults to an in-memory store.
	Presence repository.PresenceRepository
	// Engine defaults to the signaling-only engine.
	Engine sfu.Engine
	Logger *zap.Logger
}

type Session struct {
	cfg       *config.Config
	self      models.Sender
	transport Transport
	logger    *zap.Logger

	Cache    *cache.Cache
	Rooms    *rooms.Directory
	Presence *presence.Tracker
	Typing   *typing.Coordinator
	Media    *sfu.Controller
	Call     *call.Channel

	mu sync.Mutex
	// activeRoom guards history commits against room switches.
	activeRoom string
	// placeholderSends maps a temp id to the placeholder room it was
	// sent from.
	placeholderSends map[string]string
	nextSub          int
	noticeSubs       map[int]func(models.Notice)
	cancel           context.CancelFunc
	started          bool
}

func New(deps Deps) *Session {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Presence == nil {
		deps.Presence = memory.NewPresenceStore()
	}
	if deps.Engine == nil {
		deps.Engine = &sfu.SignalingEngine{}
	}

	self := models.Sender{ID: cfg.UserID, Name: cfg.UserName, Avatar: cfg.UserAvatar}
	s := &Session{
		cfg:              cfg,
		self:             self,
		transport:        deps.Transport,
		logger:           observ.Named(deps.Logger, "session"),
		placeholderSends: make(map[string]string),
		noticeSubs:       make(map[int]func(models.Notice)),
	}

	s.Cache = cache.New(deps.History, cfg.HistoryPageSize, deps.Logger)
	s.Rooms = rooms.New(deps.History, deps.Transport.Connected, cfg.RoomPageSize, deps.Logger)
	s.Presence = presence.New(deps.Presence, deps.Transport, presence.Options{
		UserID:            self.ID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Participants:      func() []string { return s.Rooms.ParticipantIDs(self.ID) },
		Logger:            deps.Logger,
	})
	s.Typing = typing.New(deps.Transport, typing.Options{
		User:     models.TypingUser{ID: self.ID, Name: self.Name},
		Debounce: cfg.TypingDebounce,
		Idle:     cfg.TypingIdle,
		Logger:   deps.Logger,
	})
	s.Media = sfu.New(deps.Engine, deps.Transport, sfu.Options{SelfID: self.ID, Logger: deps.Logger})
	s.Call = call.New(deps.Transport, call.Options{
		Self:         self,
		Timeout:      cfg.CallTimeout,
		BusyDismiss:  cfg.CallBusyDismiss,
		Media:        s.Media,
		OnMediaError: s.mediaFailed,
		Logger:       deps.Logger,
	})

	s.Presence.Subscribe(func(e models.PresenceEntry) {
		s.Rooms.UpdateParticipantPresence(e.UserID, e.IsOnline, e.LastActive)
	})
	return s
}

// Self is the logged-in user.
func (s *Session) Self() models.Sender {
	return s.self
}

// Start registers every socket listener and runs the connection until ctx
// is cancelled or Close is called. It returns immediately.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.registerListeners()

	go func() {
		if err := s.transport.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("socket stopped", zap.Error(err))
		}
	}()
	go s.Presence.Run(ctx)
	return nil
}

// Close tears the session down: media, timers and the connection.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.Media.Teardown()
	s.Call.Close()
	s.Typing.Close()
	if cancel != nil {
		cancel()
	}
}

// OnNotice registers fn for user-facing notifications and returns a
// function that removes it.
func (s *Session) OnNotice(fn func(models.Notice)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.noticeSubs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.noticeSubs, id)
		s.mu.Unlock()
	}
}

func (s *Session) notice(level models.NoticeLevel, roomID, message string) {
	n := models.Notice{Level: level, Message: message, RoomID: roomID, Time: time.Now()}

	s.mu.Lock()
	subs := make([]func(models.Notice), 0, len(s.noticeSubs))
	for _, fn := range s.noticeSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
}

func (s *Session) setActive(roomID string) {
	s.mu.Lock()
	s.activeRoom = roomID
	s.mu.Unlock()
}

// ActiveRoom is the room whose history is currently wanted.
func (s *Session) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRoom
}
