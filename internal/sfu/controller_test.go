package sfu

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lalith-99/echolink/internal/events"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers SFU requests the way the signaling server does.
type fakeServer struct {
	mu     sync.Mutex
	frames []string
	sent   map[string][]any
}

func (s *fakeServer) record(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][]any)
	}
	s.frames = append(s.frames, event)
	s.sent[event] = append(s.sent[event], payload)
}

func (s *fakeServer) Emit(event string, payload any) error {
	s.record(event, payload)
	return nil
}

func (s *fakeServer) EmitWithAck(_ context.Context, event string, payload, out any) error {
	s.record(event, payload)

	var reply any
	switch p := payload.(type) {
	case events.CreateTransportRequest:
		reply = events.TransportParams{ID: p.Direction + "-1", DTLSParameters: json.RawMessage(`{"role":"auto"}`)}
	case events.ProduceRequest:
		reply = events.ProduceResponse{ID: "prod-" + p.Kind}
	case events.ConsumeRequest:
		reply = events.ConsumeResponse{ID: "cons-" + p.ProducerID, ProducerID: p.ProducerID}
	}
	if reply == nil || out == nil {
		return nil
	}
	b, _ := json.Marshal(reply)
	return json.Unmarshal(b, out)
}

func (s *fakeServer) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *fakeServer) payloads(event string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.sent[event]...)
}

// countingEngine counts device loads.
type countingEngine struct {
	SignalingEngine
	loads atomic.Int32
}

func (e *countingEngine) NewDevice() Device {
	return &countingDevice{Device: e.SignalingEngine.NewDevice(), loads: &e.loads}
}

type countingDevice struct {
	Device
	loads *atomic.Int32
}

func (d *countingDevice) Load(ctx context.Context, caps json.RawMessage) error {
	d.loads.Add(1)
	time.Sleep(10 * time.Millisecond)
	return d.Device.Load(ctx, caps)
}

var caps = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"}]}`)

func newController(engine Engine) (*Controller, *fakeServer) {
	srv := &fakeServer{}
	return New(engine, srv, Options{SelfID: "me", NegotiationTimeout: time.Second}), srv
}

func TestLoadDeviceSharesOneInFlightLoad(t *testing.T) {
	engine := &countingEngine{}
	c, _ := newController(engine)

	var wg sync.WaitGroup
	devices := make([]Device, 5)
	for i := range devices {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.LoadDevice(context.Background(), "r1")
			assert.NoError(t, err)
			devices[i] = d
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	c.HandleRouterCapabilities(events.RouterCapabilitiesEvent{RoomID: "r1", RTPCapabilities: caps})
	wg.Wait()

	assert.Equal(t, int32(1), engine.loads.Load())
	for _, d := range devices {
		assert.Same(t, devices[0], d)
	}

	_, err := c.LoadDevice(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), engine.loads.Load())
	assert.True(t, c.DeviceLoaded())
}

func TestStartVideoCall(t *testing.T) {
	c, srv := newController(&SignalingEngine{})
	c.HandleRouterCapabilities(events.RouterCapabilitiesEvent{RoomID: "r1", RTPCapabilities: caps})

	var got []StreamEvent
	c.Subscribe(func(ev StreamEvent) { got = append(got, ev) })

	require.NoError(t, c.Start(context.Background(), "r1", models.CallVideo))

	assert.Equal(t, []string{
		events.RTCJoin,
		events.RTCCreate,  // recv
		events.RTCCreate,  // send
		events.RTCConnect, // send transport, before its first producer
		events.RTCProduce,
		events.RTCProduce,
	}, srv.events())

	creates := srv.payloads(events.RTCCreate)
	assert.Equal(t, "recv", creates[0].(events.CreateTransportRequest).Direction)
	assert.Equal(t, "send", creates[1].(events.CreateTransportRequest).Direction)

	local, ok := c.LocalStream()
	require.True(t, ok)
	require.Len(t, local.Tracks, 2)
	assert.Equal(t, "audio", local.Tracks[0].Kind())
	assert.Equal(t, "video", local.Tracks[1].Kind())

	require.Len(t, got, 1)
	assert.Equal(t, LocalStreamReady, got[0].Type)
}

func TestStartAudioCallCapturesNoVideo(t *testing.T) {
	c, srv := newController(&SignalingEngine{})
	c.HandleRouterCapabilities(events.RouterCapabilitiesEvent{RoomID: "r1", RTPCapabilities: caps})

	require.NoError(t, c.Start(context.Background(), "r1", models.CallAudio))

	produced := srv.payloads(events.RTCProduce)
	require.Len(t, produced, 1)
	assert.Equal(t, "audio", produced[0].(events.ProduceRequest).Kind)
}

func TestStartPermissionDenied(t *testing.T) {
	c, srv := newController(&SignalingEngine{DenyMedia: true})
	c.HandleRouterCapabilities(events.RouterCapabilitiesEvent{RoomID: "r1", RTPCapabilities: caps})

	err := c.Start(context.Background(), "r1", models.CallVideo)
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, srv.payloads(events.RTCProduce))
}

func TestStartTimesOutWithoutCapabilities(t *testing.T) {
	srv := &fakeServer{}
	c := New(&SignalingEngine{}, srv, Options{SelfID: "me", NegotiationTimeout: 20 * time.Millisecond})

	err := c.Start(context.Background(), "r1", models.CallAudio)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.DeviceLoaded())
}

func TestStartRejectsSecondRoom(t *testing.T) {
	c, _ := newController(&SignalingEngine{})
	c.HandleRouterCapabilities(events.RouterCapabilitiesEvent{RoomID: "r1", RTPCapabilities: caps})
	require.NoError(t, c.Start(context.Background(), "r1", models.CallAudio))

	assert.ErrorIs(t, c.Start(context.Background(), "r2", models.CallAudio), ErrBusy)
}

func TestNewProducerConsumesAndRequestsKeyframe(t *testing.T) {
	c, srv := newController(&SignalingEngine{})
	ctx := context.Background()

	var mu sync.Mutex
	var updates []StreamEvent
	c.Subscribe(func(ev StreamEvent) {
		mu.Lock()
		updates = append(updates, ev)
		mu.Unlock()
	})

	// Own producer and a producer announced before the receive transport.
	require.NoError(t, c.HandleNewProducer(ctx, events.NewProducerEvent{RoomID: "r1", ProducerID: "mine", PeerID: "me", Kind: "audio"}))
	require.NoError(t, c.HandleNewProducer(ctx, events.NewProducerEvent{RoomID: "r1", ProducerID: "bob-video", PeerID: "bob", Kind: "video"}))
	assert.Empty(t, srv.payloads(events.RTCConsume))

	c.HandleRouterCapabilities(events.RouterCapabilitiesEvent{RoomID: "r1", RTPCapabilities: caps})
	require.NoError(t, c.Start(ctx, "r1", models.CallAudio))

	consumes := srv.payloads(events.RTCConsume)
	require.Len(t, consumes, 1)
	req := consumes[0].(events.ConsumeRequest)
	assert.Equal(t, "bob-video", req.ProducerID)
	assert.Equal(t, "recv-1", req.TransportID)
	assert.JSONEq(t, string(caps), string(req.RTPCapabilities))

	keyframes := srv.payloads(events.RTCKeyframe)
	require.Len(t, keyframes, 1)
	assert.Equal(t, "cons-bob-video", keyframes[0].(events.KeyframeRequest).ConsumerID)

	require.NoError(t, c.HandleNewProducer(ctx, events.NewProducerEvent{RoomID: "r1", ProducerID: "bob-audio", PeerID: "bob", Kind: "audio"}))
	assert.Len(t, srv.payloads(events.RTCKeyframe), 1, "audio consumers need no keyframe")

	streams := c.RemoteStreams()
	require.Contains(t, streams, "bob")
	assert.Len(t, streams["bob"].Tracks, 2)

	mu.Lock()
	defer mu.Unlock()
	var remote int
	for _, u := range updates {
		if u.Type == RemoteStreamUpdated {
			remote++
			assert.Equal(t, "bob", u.PeerID)
		}
	}
	assert.Equal(t, 2, remote)
}

func TestConnectHappensOncePerTransport(t *testing.T) {
	c, srv := newController(&SignalingEngine{})
	ctx := context.Background()
	c.HandleRouterCapabilities(events.RouterCapabilitiesEvent{RoomID: "r1", RTPCapabilities: caps})
	require.NoError(t, c.Start(ctx, "r1", models.CallVideo))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.HandleNewProducer(ctx, events.NewProducerEvent{RoomID: "r1", ProducerID: id, PeerID: "bob", Kind: "audio"}))
	}

	connects := srv.payloads(events.RTCConnect)
	require.Len(t, connects, 2)
	assert.Equal(t, "send-1", connects[0].(events.ConnectTransportRequest).TransportID)
	assert.Equal(t, "recv-1", connects[1].(events.ConnectTransportRequest).TransportID)
}

func TestTeardownReleasesEverything(t *testing.T) {
	c, srv := newController(&SignalingEngine{})
	ctx := context.Background()
	c.HandleRouterCapabilities(events.RouterCapabilitiesEvent{RoomID: "r1", RTPCapabilities: caps})
	require.NoError(t, c.Start(ctx, "r1", models.CallVideo))
	require.NoError(t, c.HandleNewProducer(ctx, events.NewProducerEvent{RoomID: "r1", ProducerID: "p1", PeerID: "bob", Kind: "video"}))

	local, _ := c.LocalStream()
	remote := c.RemoteStreams()["bob"]

	var cleared bool
	c.Subscribe(func(ev StreamEvent) { cleared = cleared || ev.Type == StreamsCleared })

	c.Teardown()

	for _, tr := range append(local.Tracks, remote.Tracks...) {
		assert.True(t, tr.(*silentTrack).Stopped(), "track %s still live", tr.ID())
	}
	assert.Empty(t, c.RemoteStreams())
	_, ok := c.LocalStream()
	assert.False(t, ok)
	assert.False(t, c.DeviceLoaded())
	assert.True(t, cleared)
	assert.Contains(t, srv.events(), events.RTCLeave)

	// A new call must wait for fresh capabilities.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := c.LoadDevice(short, "r1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTeardownWithoutCallIsQuiet(t *testing.T) {
	c, srv := newController(&SignalingEngine{})
	c.Teardown()
	assert.Empty(t, srv.events())
}

// gatedEngine holds GetUserMedia until release is closed.
type gatedEngine struct {
	SignalingEngine
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	tracks  []Track
}

func (e *gatedEngine) GetUserMedia(ctx context.Context, mc MediaConstraints) ([]Track, error) {
	tracks, err := e.SignalingEngine.GetUserMedia(ctx, mc)
	e.once.Do(func() {
		e.tracks = tracks
		close(e.entered)
		<-e.release
	})
	return tracks, err
}

func TestTeardownDuringStartReleasesCapturedMedia(t *testing.T) {
	engine := &gatedEngine{entered: make(chan struct{}), release: make(chan struct{})}
	c, srv := newController(engine)
	c.HandleRouterCapabilities(events.RouterCapabilitiesEvent{RoomID: "r1", RTPCapabilities: caps})

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), "r1", models.CallVideo) }()

	<-engine.entered
	c.Teardown()
	close(engine.release)

	require.ErrorIs(t, <-done, ErrTornDown)

	_, ok := c.LocalStream()
	assert.False(t, ok)
	require.Len(t, engine.tracks, 2)
	for _, tr := range engine.tracks {
		assert.True(t, tr.(*silentTrack).Stopped(), "track %s still live", tr.ID())
	}
	assert.Empty(t, srv.payloads(events.RTCProduce))

	// The controller is free for the next call.
	c.HandleRouterCapabilities(events.RouterCapabilitiesEvent{RoomID: "r2", RTPCapabilities: caps})
	assert.NoError(t, c.Start(context.Background(), "r2", models.CallAudio))
}
