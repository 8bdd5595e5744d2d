package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lalith-99/echolink/internal/events"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	emitted   []string
	requests  []any
	reply     []events.OnlineStatus
	err       error
}

func (f *fakeTransport) Emit(event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, event)
	return nil
}

func (f *fakeTransport) EmitWithAck(_ context.Context, event string, payload, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, event)
	f.requests = append(f.requests, payload)
	if f.err != nil {
		return f.err
	}
	b, _ := json.Marshal(f.reply)
	return json.Unmarshal(b, out)
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emitted {
		if e == event {
			n++
		}
	}
	return n
}

func TestHandleStatusStoresAndNotifies(t *testing.T) {
	ctx := context.Background()
	tr := New(memory.NewPresenceStore(), &fakeTransport{connected: true}, Options{})

	var got []models.PresenceEntry
	unsubscribe := tr.Subscribe(func(e models.PresenceEntry) { got = append(got, e) })

	at := time.Now()
	require.NoError(t, tr.HandleStatus(ctx, events.UserStatusEvent{UserID: "u2", Status: "online", LastActive: at}))

	e, err := tr.Get(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.IsOnline)
	require.Len(t, got, 1)

	unsubscribe()
	require.NoError(t, tr.HandleStatus(ctx, events.UserStatusEvent{UserID: "u2", Status: "offline"}))
	assert.Len(t, got, 1)

	e, _ = tr.Get(ctx, "u2")
	assert.False(t, e.IsOnline)
}

func TestGetUnknownUser(t *testing.T) {
	tr := New(memory.NewPresenceStore(), &fakeTransport{}, Options{})
	e, err := tr.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestMaybeResyncWaitsForRoomsAndConnection(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTransport{reply: []events.OnlineStatus{{UserID: "u2", IsOnline: true}, {UserID: "u3"}}}
	var participants []string
	tr := New(memory.NewPresenceStore(), ft, Options{Participants: func() []string { return participants }})

	ran, err := tr.MaybeResync(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "not armed")

	tr.RequestResync()
	ran, _ = tr.MaybeResync(ctx)
	assert.False(t, ran, "not connected")

	ft.connected = true
	ran, _ = tr.MaybeResync(ctx)
	assert.False(t, ran, "room list empty")

	participants = []string{"u2", "u3"}
	ran, err = tr.MaybeResync(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, events.GetOnlinePayload{UserIDs: []string{"u2", "u3"}}, ft.requests[0])

	ran, _ = tr.MaybeResync(ctx)
	assert.False(t, ran, "fires once per connect")
	assert.Equal(t, 1, ft.count(events.GetOnline))

	list, err := tr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].IsOnline)
	assert.False(t, list[1].IsOnline)
}

func TestMaybeResyncStaysArmedOnFailure(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTransport{connected: true, err: errors.New("socket disconnected before ack")}
	tr := New(memory.NewPresenceStore(), ft, Options{Participants: func() []string { return []string{"u2"} }})

	tr.RequestResync()
	ran, err := tr.MaybeResync(ctx)
	assert.Error(t, err)
	assert.False(t, ran)

	ft.err = nil
	ran, err = tr.MaybeResync(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunSendsHeartbeatsWhileConnected(t *testing.T) {
	ft := &fakeTransport{connected: true}
	tr := New(memory.NewPresenceStore(), ft, Options{UserID: "u1", HeartbeatInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	require.Eventually(t, func() bool { return ft.count(events.Heartbeat) >= 2 }, time.Second, 5*time.Millisecond)
}
