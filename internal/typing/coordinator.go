// Package typing rate-limits outgoing typing indicators and tracks who is
// typing in each room.
package typing

import (
	"sync"
	"time"

	"github.com/lalith-99/echolink/internal/events"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/observ"
	"go.uber.org/zap"
)

// Emitter is the fire-and-forget half of the socket.
type Emitter interface {
	Emit(event string, payload any) error
}

type Options struct {
	User models.TypingUser
	// Debounce is the window after a typing:start in which further
	// keystrokes emit nothing.
	Debounce time.Duration
	// Idle is how long after the last keystroke typing:stop is sent.
	Idle   time.Duration
	Logger *zap.Logger
}

type localState struct {
	debounce *time.Timer // non-nil while the start window is open
	idle     *time.Timer
	gen      int // bumped on every keystroke so a stale idle timer does nothing
}

type Coordinator struct {
	emitter Emitter
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	local  map[string]*localState
	remote map[string][]models.TypingUser
	closed bool
}

func New(emitter Emitter, opts Options) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = 200 * time.Millisecond
	}
	if opts.Idle <= 0 {
		opts.Idle = 500 * time.Millisecond
	}
	return &Coordinator{
		emitter: emitter,
		opts:    opts,
		logger:  observ.Named(opts.Logger, "typing"),
		local:   make(map[string]*localState),
		remote:  make(map[string][]models.TypingUser),
	}
}

// Keystroke records local typing in roomID. The first keystroke outside a
// debounce window emits typing:start; every keystroke pushes back the idle
// timer that emits typing:stop.
func (c *Coordinator) Keystroke(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	st, ok := c.local[roomID]
	if !ok {
		st = &localState{}
		c.local[roomID] = st
	}

	if st.debounce == nil {
		c.emit(events.TypingStart, events.TypingStartPayload{RoomID: roomID, User: c.opts.User})
		st.debounce = time.AfterFunc(c.opts.Debounce, func() {
			c.mu.Lock()
			st.debounce = nil
			c.mu.Unlock()
		})
	}

	st.gen++
	gen := st.gen
	if st.idle != nil {
		st.idle.Stop()
	}
	st.idle = time.AfterFunc(c.opts.Idle, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.local[roomID]; !ok || cur != st || st.gen != gen {
			return
		}
		c.stopLocked(roomID, st)
	})
}

// Stop ends local typing in roomID right away, e.g. when the message is
// sent. It is a no-op when the user is not typing there.
func (c *Coordinator) Stop(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.local[roomID]; ok {
		c.stopLocked(roomID, st)
	}
}

func (c *Coordinator) stopLocked(roomID string, st *localState) {
	if st.idle != nil {
		st.idle.Stop()
	}
	if st.debounce != nil {
		st.debounce.Stop()
	}
	delete(c.local, roomID)
	c.emit(events.TypingStop, events.TypingStopPayload{RoomID: roomID, UserID: c.opts.User.ID})
}

func (c *Coordinator) emit(event string, payload any) {
	if err := c.emitter.Emit(event, payload); err != nil {
		c.logger.Debug("typing emit dropped", zap.String("event", event), zap.Error(err))
	}
}

// HandleUpdate replaces the room's typer set with the server's. Our own id
// is filtered out.
func (c *Coordinator) HandleUpdate(ev events.TypingUpdateEvent) {
	users := make([]models.TypingUser, 0, len(ev.TypingUsers))
	for _, u := range ev.TypingUsers {
		if u.ID == c.opts.User.ID {
			continue
		}
		users = append(users, u)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(users) == 0 {
		delete(c.remote, ev.RoomID)
		return
	}
	c.remote[ev.RoomID] = users
}

// Typers returns who is typing in roomID.
func (c *Coordinator) Typers(roomID string) []models.TypingUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.TypingUser{}, c.remote[roomID]...)
}

// Close cancels all timers without emitting typing:stop.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for roomID, st := range c.local {
		if st.idle != nil {
			st.idle.Stop()
		}
		if st.debounce != nil {
			st.debounce.Stop()
		}
		delete(c.local, roomID)
	}
	c.remote = make(map[string][]models.TypingUser)
	c.closed = true
}
