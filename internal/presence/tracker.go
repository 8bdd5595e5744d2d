// Package presence tracks who is online. Push events update single users;
// a bulk resync after every (re)connect makes the picture eventually
// consistent again.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/echolink/internal/events"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/observ"
	"github.com/lalith-99/echolink/internal/repository"
	"go.uber.org/zap"
)

// Transport is the part of the socket the tracker needs.
type Transport interface {
	Emit(event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload, out any) error
	Connected() bool
}

type Options struct {
	UserID            string
	HeartbeatInterval time.Duration
	// Participants lists the users to resync, normally everyone in the
	// loaded room list. An empty result means the room list is not ready.
	Participants func() []string
	Logger       *zap.Logger
}

type Tracker struct {
	repo      repository.PresenceRepository
	transport Transport
	opts      Options
	logger    *zap.Logger

	mu            sync.Mutex
	resyncPending bool
	nextSub       int
	subs          map[int]func(models.PresenceEntry)
}

func New(repo repository.PresenceRepository, transport Transport, opts Options) *Tracker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Participants == nil {
		opts.Participants = func() []string { return nil }
	}
	return &Tracker{
		repo:      repo,
		transport: transport,
		opts:      opts,
		logger:    observ.Named(opts.Logger, "presence"),
		subs:      make(map[int]func(models.PresenceEntry)),
	}
}

// Subscribe registers fn for every applied entry and returns a function that
// removes it.
func (t *Tracker) Subscribe(fn func(models.PresenceEntry)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) apply(ctx context.Context, e models.PresenceEntry) error {
	if err := t.repo.Upsert(ctx, e); err != nil {
		return fmt.Errorf("store presence for %s: %w", e.UserID, err)
	}

	t.mu.Lock()
	subs := make([]func(models.PresenceEntry), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	return nil
}

// HandleStatus applies one user:status_update push.
func (t *Tracker) HandleStatus(ctx context.Context, ev events.UserStatusEvent) error {
	return t.apply(ctx, models.PresenceEntry{
		UserID:     ev.UserID,
		IsOnline:   ev.IsOnline(),
		LastActive: ev.LastActive,
	})
}

// RequestResync arms a bulk resync. Call it on every (re)connect.
func (t *Tracker) RequestResync() {
	t.mu.Lock()
	t.resyncPending = true
	t.mu.Unlock()
}

// MaybeResync runs the armed resync once the socket is connected and the
// room list has participants. It reports whether a resync ran. A failed
// resync stays armed.
func (t *Tracker) MaybeResync(ctx context.Context) (bool, error) {
	t.mu.Lock()
	if !t.resyncPending || !t.transport.Connected() {
		t.mu.Unlock()
		return false, nil
	}
	ids := t.opts.Participants()
	if len(ids) == 0 {
		t.mu.Unlock()
		return false, nil
	}
	t.resyncPending = false
	t.mu.Unlock()

	if err := t.resync(ctx, ids); err != nil {
		t.RequestResync()
		return false, err
	}
	return true, nil
}

// Resync asks the server for the current status of every participant.
func (t *Tracker) Resync(ctx context.Context) error {
	ids := t.opts.Participants()
	if len(ids) == 0 {
		return nil
	}
	return t.resync(ctx, ids)
}

func (t *Tracker) resync(ctx context.Context, ids []string) error {
	var statuses []events.OnlineStatus
	err := t.transport.EmitWithAck(ctx, events.GetOnline, events.GetOnlinePayload{UserIDs: ids}, &statuses)
	if err != nil {
		return fmt.Errorf("resync presence: %w", err)
	}

	for _, s := range statuses {
		if s.UserID == "" {
			continue
		}
		if err := t.apply(ctx, models.PresenceEntry{
			UserID:     s.UserID,
			IsOnline:   s.IsOnline,
			LastActive: s.LastActive,
		}); err != nil {
			return err
		}
	}
	t.logger.Debug("presence resynced", zap.Int("users", len(statuses)))
	return nil
}

// Get returns the stored entry, or nil when the user was never seen.
func (t *Tracker) Get(ctx context.Context, userID string) (*models.PresenceEntry, error) {
	e, err := t.repo.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	return e, nil
}

func (t *Tracker) List(ctx context.Context) ([]models.PresenceEntry, error) {
	list, err := t.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return list, nil
}

// Run emits user:heartbeat every HeartbeatInterval while connected, until
// ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.transport.Connected() {
				continue
			}
			if err := t.transport.Emit(events.Heartbeat, events.HeartbeatPayload{UserID: t.opts.UserID}); err != nil {
				t.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}
