// Package sfu negotiates media for the active call with a selective
// forwarding unit: device load, one send and one receive transport, local
// producers and one consumer per remote producer.
package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/echolink/internal/events"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/observ"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotLoaded  = errors.New("device not loaded")
	ErrNoTransport      = errors.New("transport not created")
	ErrBusy             = errors.New("media already negotiated for another room")
	ErrTornDown         = errors.New("media torn down during negotiation")
)

// Transport is the part of the socket the controller needs.
type Transport interface {
	Emit(event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload, out any) error
}

type StreamEventType string

const (
	LocalStreamReady    StreamEventType = "local-ready"
	RemoteStreamUpdated StreamEventType = "remote-updated"
	StreamsCleared      StreamEventType = "cleared"
)

// StreamEvent tells views to re-bind. Stream is a snapshot.
type StreamEvent struct {
	Type   StreamEventType
	RoomID string
	PeerID string
	Stream MediaStream
}

type Options struct {
	SelfID string
	// NegotiationTimeout bounds Start, including the wait for router
	// capabilities.
	NegotiationTimeout time.Duration
	Logger             *zap.Logger
}

type Controller struct {
	engine    Engine
	transport Transport
	opts      Options
	logger    *zap.Logger
	loads     singleflight.Group

	mu sync.Mutex
	// gen advances on every Teardown. Work started under an older gen
	// releases what it acquired instead of storing it.
	gen       uint64
	roomID    string
	caps      map[string]json.RawMessage
	capsWait  map[string]chan struct{}
	device    Device
	send      SendTransport
	recv      RecvTransport
	local     *MediaStream
	producers []Producer
	consumers map[string]Consumer
	remote    map[string]*MediaStream // by peer id
	queued    []events.NewProducerEvent
	nextSub   int
	subs      map[int]func(StreamEvent)
}

func New(engine Engine, transport Transport, opts Options) *Controller {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = 15 * time.Second
	}
	return &Controller{
		engine:    engine,
		transport: transport,
		opts:      opts,
		logger:    observ.Named(opts.Logger, "sfu"),
		caps:      make(map[string]json.RawMessage),
		capsWait:  make(map[string]chan struct{}),
		consumers: make(map[string]Consumer),
		remote:    make(map[string]*MediaStream),
		subs:      make(map[int]func(StreamEvent)),
	}
}

// Subscribe registers fn for stream changes and returns a function that
// removes it.
func (c *Controller) Subscribe(fn func(StreamEvent)) func() {
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

func (c *Controller) notify(ev StreamEvent) {
	c.mu.Lock()
	subs := make([]func(StreamEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// HandleRouterCapabilities stores the capabilities the server pushes after
// rtc:join and releases anyone waiting on them.
func (c *Controller) HandleRouterCapabilities(ev events.RouterCapabilitiesEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.caps[ev.RoomID] = append(json.RawMessage(nil), ev.RTPCapabilities...)
	if ch, ok := c.capsWait[ev.RoomID]; ok {
		close(ch)
		delete(c.capsWait, ev.RoomID)
	}
}

func (c *Controller) waitCapabilities(ctx context.Context, roomID string) (json.RawMessage, error) {
	c.mu.Lock()
	if caps, ok := c.caps[roomID]; ok {
		c.mu.Unlock()
		return caps, nil
	}
	ch, ok := c.capsWait[roomID]
	if !ok {
		ch = make(chan struct{})
		c.capsWait[roomID] = ch
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for router capabilities: %w", ctx.Err())
	case <-ch:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	caps, ok := c.caps[roomID]
	if !ok {
		return nil, fmt.Errorf("router capabilities for %s dropped", roomID)
	}
	return caps, nil
}

// LoadDevice loads the device with roomID's router capabilities, waiting
// for them if needed. Loading is idempotent and concurrent callers share a
// single in-flight load.
func (c *Controller) LoadDevice(ctx context.Context, roomID string) (Device, error) {
	c.mu.Lock()
	if c.device != nil && c.device.Loaded() {
		d := c.device
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	v, err, _ := c.loads.Do(roomID, func() (any, error) {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()

		caps, err := c.waitCapabilities(ctx, roomID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.device != nil && c.device.Loaded() {
			d := c.device
			c.mu.Unlock()
			return d, nil
		}
		c.mu.Unlock()

		d := c.engine.NewDevice()
		if err := d.Load(ctx, caps); err != nil {
			return nil, fmt.Errorf("load device: %w", err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return nil, ErrTornDown
		}
		c.device = d
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Device), nil
}

// Start joins roomID on the SFU, creates the receive then the send
// transport, captures local media and publishes it.
func (c *Controller) Start(ctx context.Context, roomID string, callType models.CallType) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.NegotiationTimeout)
	defer cancel()

	c.mu.Lock()
	if c.roomID != "" && c.roomID != roomID {
		c.mu.Unlock()
		return ErrBusy
	}
	c.roomID = roomID
	gen := c.gen
	c.mu.Unlock()

	if err := c.transport.Emit(events.RTCJoin, events.JoinRoomPayload{RoomID: roomID}); err != nil {
		return fmt.Errorf("join sfu room: %w", err)
	}

	device, err := c.LoadDevice(ctx, roomID)
	if err != nil {
		c.logger.Error("device load failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}

	if err := c.createRecvTransport(ctx, gen, roomID, device); err != nil {
		c.logger.Error("receive transport failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}
	c.drainQueued(ctx)

	send, err := c.createSendTransport(ctx, gen, roomID, device)
	if err != nil {
		c.logger.Error("send transport failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}

	tracks, err := c.engine.GetUserMedia(ctx, MediaConstraints{
		Audio: true,
		Video: callType == models.CallVideo,
	})
	if err != nil {
		return fmt.Errorf("get user media: %w", err)
	}

	stream := &MediaStream{ID: "local"}
	for _, t := range tracks {
		stream.addTrack(t)
	}
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		for _, t := range tracks {
			t.Stop()
		}
		return ErrTornDown
	}
	c.local = stream
	c.mu.Unlock()

	for _, t := range tracks {
		p, err := send.Produce(ctx, t)
		if err != nil {
			c.logger.Error("produce failed", zap.String("kind", t.Kind()), zap.Error(err))
			return fmt.Errorf("produce %s: %w", t.Kind(), err)
		}
		c.mu.Lock()
		if c.gen != gen {
			// Teardown already stopped the local tracks.
			c.mu.Unlock()
			p.Close()
			return ErrTornDown
		}
		c.producers = append(c.producers, p)
		c.mu.Unlock()
	}

	c.notify(StreamEvent{Type: LocalStreamReady, RoomID: roomID, PeerID: c.opts.SelfID, Stream: stream.clone()})
	return nil
}

func (c *Controller) requestTransport(ctx context.Context, roomID, direction string) (events.TransportParams, error) {
	var params events.TransportParams
	err := c.transport.EmitWithAck(ctx, events.RTCCreate,
		events.CreateTransportRequest{RoomID: roomID, Direction: direction}, &params)
	if err != nil {
		return params, fmt.Errorf("create %s transport: %w", direction, err)
	}
	if params.ID == "" {
		return params, fmt.Errorf("create %s transport: empty transport id", direction)
	}
	return params, nil
}

func (c *Controller) createRecvTransport(ctx context.Context, gen uint64, roomID string, device Device) error {
	params, err := c.requestTransport(ctx, roomID, "recv")
	if err != nil {
		return err
	}
	recv, err := device.CreateRecvTransport(params, &handler{c: c, roomID: roomID})
	if err != nil {
		return fmt.Errorf("create recv transport: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		recv.Close()
		return ErrTornDown
	}
	c.recv = recv
	return nil
}

func (c *Controller) createSendTransport(ctx context.Context, gen uint64, roomID string, device Device) (SendTransport, error) {
	params, err := c.requestTransport(ctx, roomID, "send")
	if err != nil {
		return nil, err
	}
	send, err := device.CreateSendTransport(params, &handler{c: c, roomID: roomID})
	if err != nil {
		return nil, fmt.Errorf("create send transport: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		send.Close()
		return nil, ErrTornDown
	}
	c.send = send
	return send, nil
}

// handler turns transport callbacks into ack round trips.
type handler struct {
	c      *Controller
	roomID string
}

func (h *handler) OnConnect(ctx context.Context, transportID string, dtls json.RawMessage) error {
	return h.c.transport.EmitWithAck(ctx, events.RTCConnect, events.ConnectTransportRequest{
		RoomID:         h.roomID,
		TransportID:    transportID,
		DTLSParameters: dtls,
	}, nil)
}

func (h *handler) OnProduce(ctx context.Context, transportID, kind string, rtp json.RawMessage) (string, error) {
	var resp events.ProduceResponse
	err := h.c.transport.EmitWithAck(ctx, events.RTCProduce, events.ProduceRequest{
		RoomID:        h.roomID,
		TransportID:   transportID,
		Kind:          kind,
		RTPParameters: rtp,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("server returned empty producer id")
	}
	return resp.ID, nil
}

// HandleNewProducer consumes a remote producer. Our own producers are
// ignored; producers announced before the receive transport exists are
// queued and consumed once it does.
func (c *Controller) HandleNewProducer(ctx context.Context, ev events.NewProducerEvent) error {
	if ev.PeerID == c.opts.SelfID {
		return nil
	}

	c.mu.Lock()
	if c.roomID != "" && c.roomID != ev.RoomID {
		c.mu.Unlock()
		return nil
	}
	if c.recv == nil {
		c.queued = append(c.queued, ev)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.consume(ctx, ev)
}

func (c *Controller) drainQueued(ctx context.Context) {
	c.mu.Lock()
	queued := c.queued
	c.queued = nil
	roomID := c.roomID
	c.mu.Unlock()

	for _, ev := range queued {
		if ev.RoomID != roomID {
			continue
		}
		if err := c.consume(ctx, ev); err != nil {
			c.logger.Error("queued consume failed", zap.String("producer_id", ev.ProducerID), zap.Error(err))
		}
	}
}

func (c *Controller) consume(ctx context.Context, ev events.NewProducerEvent) error {
	c.mu.Lock()
	device, recv := c.device, c.recv
	c.mu.Unlock()

	if device == nil || !device.Loaded() {
		return ErrDeviceNotLoaded
	}
	if recv == nil {
		return ErrNoTransport
	}

	var resp events.ConsumeResponse
	err := c.transport.EmitWithAck(ctx, events.RTCConsume, events.ConsumeRequest{
		RoomID:          ev.RoomID,
		TransportID:     recv.ID(),
		ProducerID:      ev.ProducerID,
		RTPCapabilities: device.RTPCapabilities(),
	}, &resp)
	if err != nil {
		return fmt.Errorf("consume %s: %w", ev.ProducerID, err)
	}

	kind := resp.Kind
	if kind == "" {
		kind = ev.Kind
	}
	consumer, err := recv.Consume(ctx, ConsumerOptions{
		ID:            resp.ID,
		ProducerID:    ev.ProducerID,
		Kind:          kind,
		RTPParameters: resp.RTPParameters,
	})
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", ev.ProducerID, err)
	}

	c.mu.Lock()
	if c.recv != recv {
		// Torn down while the consume was in flight.
		c.mu.Unlock()
		consumer.Close()
		return nil
	}
	stream, ok := c.remote[ev.PeerID]
	if !ok {
		stream = &MediaStream{ID: ev.PeerID}
		c.remote[ev.PeerID] = stream
	}
	stream.addTrack(consumer.Track())
	c.consumers[consumer.ID()] = consumer
	snapshot := stream.clone()
	c.mu.Unlock()
	observ.SFUConsumers.Inc()

	if err := consumer.Resume(ctx); err != nil {
		return fmt.Errorf("resume consumer %s: %w", consumer.ID(), err)
	}
	if kind == "video" {
		// Forwarded video may start mid-GOP.
		if err := c.transport.Emit(events.RTCKeyframe, events.KeyframeRequest{
			RoomID:     ev.RoomID,
			ConsumerID: consumer.ID(),
		}); err != nil {
			c.logger.Warn("keyframe request failed", zap.String("consumer_id", consumer.ID()), zap.Error(err))
		}
	}

	c.notify(StreamEvent{Type: RemoteStreamUpdated, RoomID: ev.RoomID, PeerID: ev.PeerID, Stream: snapshot})
	return nil
}

// Teardown releases everything: local tracks, producers, consumers, both
// transports, the peer map, router capabilities and the device.
func (c *Controller) Teardown() {
	c.mu.Lock()
	roomID := c.roomID
	if c.local != nil {
		for _, t := range c.local.Tracks {
			t.Stop()
		}
	}
	for _, p := range c.producers {
		p.Close()
	}
	for _, cons := range c.consumers {
		cons.Close()
	}
	observ.SFUConsumers.Sub(float64(len(c.consumers)))
	if c.send != nil {
		c.send.Close()
	}
	if c.recv != nil {
		c.recv.Close()
	}

	c.gen++
	c.roomID = ""
	c.local = nil
	c.producers = nil
	c.consumers = make(map[string]Consumer)
	c.remote = make(map[string]*MediaStream)
	c.queued = nil
	c.send, c.recv = nil, nil
	c.device = nil
	c.caps = make(map[string]json.RawMessage)
	c.mu.Unlock()

	if roomID == "" {
		return
	}
	if err := c.transport.Emit(events.RTCLeave, events.JoinRoomPayload{RoomID: roomID}); err != nil {
		c.logger.Debug("leave not sent", zap.String("room_id", roomID), zap.Error(err))
	}
	c.notify(StreamEvent{Type: StreamsCleared, RoomID: roomID})
}

// RemoteStreams returns a snapshot of the peer-id to stream map.
func (c *Controller) RemoteStreams() map[string]MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]MediaStream, len(c.remote))
	for peer, s := range c.remote {
		out[peer] = s.clone()
	}
	return out
}

func (c *Controller) LocalStream() (MediaStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return MediaStream{}, false
	}
	return c.local.clone(), true
}

// DeviceLoaded reports whether a device is loaded for the current room.
func (c *Controller) DeviceLoaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device != nil && c.device.Loaded()
}
