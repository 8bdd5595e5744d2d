// Package call is the signaling state machine for the one call this client
// can be part of. Media negotiation lives in package sfu and is driven
// through MediaHooks.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lalith-99/echolink/internal/events"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/observ"
	"github.com/lalith-99/echolink/internal/sfu"
	"go.uber.org/zap"
)

var (
	ErrCallInProgress = errors.New("another call is in progress")
	ErrInvalidState   = errors.New("call is not in a state that allows this")
)

// Emitter is the fire-and-forget half of the socket.
type Emitter interface {
	Emit(event string, payload any) error
}

// MediaHooks starts and stops media for the active call.
type MediaHooks interface {
	Start(ctx context.Context, roomID string, callType models.CallType) error
	Teardown()
}

type Options struct {
	Self models.Sender
	// Timeout auto-cancels an outgoing call nobody answered.
	Timeout time.Duration
	// BusyDismiss is how long the busy substate shows before going idle.
	BusyDismiss time.Duration
	Media       MediaHooks
	// OnMediaError receives media failures of calls this client placed.
	// Failures while accepting are returned from AcceptCall instead.
	OnMediaError func(roomID string, err error)
	Logger       *zap.Logger
}

// StartRequest describes an outgoing call.
type StartRequest struct {
	RoomID   string          `json:"roomId" binding:"required"`
	RoomType models.RoomType `json:"roomType"`
	CallType models.CallType `json:"callType" binding:"required,oneof=audio video"`
	Receiver models.Sender   `json:"receiver"`
}

type Channel struct {
	emitter Emitter
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	session models.CallSession
	gen     int // bumped for every new session so stale timers do nothing
	timeout *time.Timer
	busy    *time.Timer
	nextSub int
	subs    map[int]func(models.CallSession)
}

func New(emitter Emitter, opts Options) *Channel {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.BusyDismiss <= 0 {
		opts.BusyDismiss = 2 * time.Second
	}
	return &Channel{
		emitter: emitter,
		opts:    opts,
		logger:  observ.Named(opts.Logger, "call"),
		session: idle(),
		subs:    make(map[int]func(models.CallSession)),
	}
}

func idle() models.CallSession {
	return models.CallSession{Status: models.CallIdle}
}

// Session returns the current call state.
func (c *Channel) Session() models.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Subscribe registers fn for every state change and returns a function that
// removes it.
func (c *Channel) Subscribe(fn func(models.CallSession)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// setLocked moves to s and returns the notification to run once c.mu is
// released.
func (c *Channel) setLocked(s models.CallSession) func() {
	prev := c.session.Status
	c.session = s
	if prev != s.Status {
		observ.CallTransitions.WithLabelValues(string(s.Status)).Inc()
		c.logger.Debug("call state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(s.Status)),
			zap.String("room_id", s.RoomID),
		)
	}

	subs := make([]func(models.CallSession), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn(s)
		}
	}
}

func (c *Channel) stopTimersLocked() {
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	if c.busy != nil {
		c.busy.Stop()
		c.busy = nil
	}
}

// payloadLocked builds the wire payload for the current session.
func (c *Channel) payloadLocked() events.CallPayload {
	s := c.session
	p := events.CallPayload{RoomID: s.RoomID, RoomType: s.RoomType, CallType: s.CallType}
	if s.Outgoing {
		p.Caller, p.Receiver = c.opts.Self, s.RemoteUser
	} else {
		p.Caller, p.Receiver = s.RemoteUser, c.opts.Self
	}
	return p
}

func (c *Channel) emit(event string, payload events.CallPayload) error {
	if err := c.emitter.Emit(event, payload); err != nil {
		c.logger.Warn("call signal not sent", zap.String("event", event), zap.Error(err))
		return err
	}
	return nil
}

// StartCall places an outgoing call. It fails with ErrCallInProgress unless
// the channel is idle.
func (c *Channel) StartCall(req StartRequest) error {
	c.mu.Lock()
	if c.session.Status != models.CallIdle {
		c.mu.Unlock()
		return ErrCallInProgress
	}

	c.stopTimersLocked()
	c.gen++
	gen := c.gen
	c.session = models.CallSession{
		RoomID:     req.RoomID,
		RoomType:   req.RoomType,
		CallType:   req.CallType,
		RemoteUser: req.Receiver,
		Outgoing:   true,
	}
	if err := c.emit(events.CallStart, c.payloadLocked()); err != nil {
		c.session = idle()
		c.mu.Unlock()
		return err
	}

	s := c.session
	s.Status = models.CallCalling
	notify := c.setLocked(s)
	c.timeout = time.AfterFunc(c.opts.Timeout, func() { c.onTimeout(gen) })
	c.mu.Unlock()

	notify()
	return nil
}

// onTimeout cancels an unanswered outgoing call exactly like CancelCall.
func (c *Channel) onTimeout(gen int) {
	c.mu.Lock()
	if c.gen != gen || c.session.Status != models.CallCalling {
		c.mu.Unlock()
		return
	}
	c.logger.Info("outgoing call unanswered, cancelling", zap.String("room_id", c.session.RoomID))
	_ = c.emit(events.CallCancel, c.payloadLocked())
	c.stopTimersLocked()
	notify := c.setLocked(idle())
	c.mu.Unlock()

	notify()
}

// AcceptCall answers the ringing call in roomID and starts media. A denied
// microphone or camera ends the call again and returns sfu.ErrPermissionDenied.
func (c *Channel) AcceptCall(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.session.Status != models.CallRinging || c.session.RoomID != roomID {
		c.mu.Unlock()
		return ErrInvalidState
	}

	if err := c.emit(events.CallAccept, c.payloadLocked()); err != nil {
		c.mu.Unlock()
		return err
	}
	s := c.session
	s.Status = models.CallConnected
	s.StartedAt = time.Now()
	notify := c.setLocked(s)
	gen := c.gen
	c.mu.Unlock()

	notify()
	return c.startMedia(ctx, s.RoomID, s.CallType, gen)
}

func (c *Channel) startMedia(ctx context.Context, roomID string, callType models.CallType, gen int) error {
	if c.opts.Media == nil {
		return nil
	}

	err := c.opts.Media.Start(ctx, roomID, callType)
	if err == nil {
		return nil
	}

	if !errors.Is(err, sfu.ErrPermissionDenied) {
		// The user ends the call; negotiation is not retried.
		c.logger.Error("media negotiation failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}

	c.mu.Lock()
	var notify func()
	if c.gen == gen && c.session.Status == models.CallConnected {
		_ = c.emit(events.CallEnd, c.payloadLocked())
		notify = c.setLocked(idle())
	}
	c.mu.Unlock()

	c.opts.Media.Teardown()
	if notify != nil {
		notify()
	}
	return err
}

// RejectCall declines the current call.
func (c *Channel) RejectCall() error {
	return c.hangUp(events.CallReject, false)
}

// CancelCall withdraws the current call.
func (c *Channel) CancelCall() error {
	return c.hangUp(events.CallCancel, false)
}

// EndCall hangs up a connected call and tears media down.
func (c *Channel) EndCall() error {
	return c.hangUp(events.CallEnd, true)
}

func (c *Channel) hangUp(event string, requireConnected bool) error {
	c.mu.Lock()
	status := c.session.Status
	if status == models.CallIdle || (requireConnected && status != models.CallConnected) {
		c.mu.Unlock()
		return ErrInvalidState
	}

	err := c.emit(event, c.payloadLocked())
	c.stopTimersLocked()
	notify := c.setLocked(idle())
	c.mu.Unlock()

	if status == models.CallConnected && c.opts.Media != nil {
		c.opts.Media.Teardown()
	}
	notify()
	return err
}

// Handle applies one inbound call:* event.
func (c *Channel) Handle(ctx context.Context, ev events.CallSignalEvent) {
	switch ev.Name {
	case events.CallIncoming:
		c.handleIncoming(ev)
	case events.CallAccepted:
		c.handleAccepted(ctx, ev)
	case events.CallBusy:
		c.handleBusy(ev)
	case events.CallRejected, events.CallCancelled, events.CallEnded:
		c.handleRemoteHangUp(ev)
	}
}

func (c *Channel) handleIncoming(ev events.CallSignalEvent) {
	c.mu.Lock()
	if c.session.Status != models.CallIdle {
		c.mu.Unlock()
		_ = c.emitter.Emit(events.CallBusy, events.CallPayload{
			RoomID:   ev.RoomID,
			Caller:   ev.Caller,
			Receiver: c.opts.Self,
			RoomType: ev.RoomType,
			CallType: ev.CallType,
		})
		return
	}

	c.stopTimersLocked()
	c.gen++
	notify := c.setLocked(models.CallSession{
		RoomID:     ev.RoomID,
		RoomType:   ev.RoomType,
		CallType:   ev.CallType,
		RemoteUser: ev.Caller,
		Status:     models.CallRinging,
	})
	c.mu.Unlock()

	notify()
}

func (c *Channel) handleAccepted(ctx context.Context, ev events.CallSignalEvent) {
	c.mu.Lock()
	if c.session.Status != models.CallCalling || c.session.RoomID != ev.RoomID {
		c.mu.Unlock()
		return
	}

	c.stopTimersLocked()
	s := c.session
	s.Status = models.CallConnected
	s.StartedAt = time.Now()
	notify := c.setLocked(s)
	gen := c.gen
	c.mu.Unlock()

	notify()
	// Media start waits on events delivered by the same dispatcher that
	// called us, so it must not block here.
	go func() {
		if err := c.startMedia(ctx, s.RoomID, s.CallType, gen); err != nil && c.opts.OnMediaError != nil {
			c.opts.OnMediaError(s.RoomID, err)
		}
	}()
}

func (c *Channel) handleBusy(ev events.CallSignalEvent) {
	c.mu.Lock()
	if c.session.Status != models.CallCalling || c.session.RoomID != ev.RoomID {
		c.mu.Unlock()
		return
	}

	c.stopTimersLocked()
	s := c.session
	s.Status = models.CallBusy
	notify := c.setLocked(s)
	gen := c.gen
	c.busy = time.AfterFunc(c.opts.BusyDismiss, func() {
		c.mu.Lock()
		if c.gen != gen || c.session.Status != models.CallBusy {
			c.mu.Unlock()
			return
		}
		c.busy = nil
		notify := c.setLocked(idle())
		c.mu.Unlock()
		notify()
	})
	c.mu.Unlock()

	notify()
}

func (c *Channel) handleRemoteHangUp(ev events.CallSignalEvent) {
	c.mu.Lock()
	status := c.session.Status
	if status == models.CallIdle || c.session.RoomID != ev.RoomID {
		c.mu.Unlock()
		return
	}

	c.stopTimersLocked()
	notify := c.setLocked(idle())
	c.mu.Unlock()

	if status == models.CallConnected && c.opts.Media != nil {
		c.opts.Media.Teardown()
	}
	notify()
}

// Close stops pending timers. The session is left as is.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimersLocked()
	c.gen++
}
