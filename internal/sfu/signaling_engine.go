package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lalith-99/echolink/internal/events"
)

// SignalingEngine runs the complete SFU handshake without capturing or
// decoding media. Transports connect on first use, the way a real engine
// does, so every server round trip happens in the real order. Tracks carry
// no samples.
//
// The headless daemon uses it; a UI embeds a real engine instead.
type SignalingEngine struct {
	// DenyMedia makes GetUserMedia fail with ErrPermissionDenied.
	DenyMedia bool
}

func (e *SignalingEngine) NewDevice() Device {
	return &signalingDevice{}
}

func (e *SignalingEngine) GetUserMedia(_ context.Context, c MediaConstraints) ([]Track, error) {
	if e.DenyMedia {
		return nil, ErrPermissionDenied
	}
	var tracks []Track
	if c.Audio {
		tracks = append(tracks, NewSilentTrack("audio"))
	}
	if c.Video {
		tracks = append(tracks, NewSilentTrack("video"))
	}
	return tracks, nil
}

// silentTrack is a track with an identity and a lifecycle but no media.
type silentTrack struct {
	id   string
	kind string

	mu      sync.Mutex
	stopped bool
}

func NewSilentTrack(kind string) Track {
	return &silentTrack{id: uuid.NewString(), kind: kind}
}

func (t *silentTrack) ID() string   { return t.id }
func (t *silentTrack) Kind() string { return t.kind }

func (t *silentTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (t *silentTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type signalingDevice struct {
	mu   sync.Mutex
	caps json.RawMessage
}

func (d *signalingDevice) Load(_ context.Context, routerCapabilities json.RawMessage) error {
	if len(routerCapabilities) == 0 || !json.Valid(routerCapabilities) {
		return errors.New("load device: invalid router capabilities")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = append(json.RawMessage(nil), routerCapabilities...)
	return nil
}

func (d *signalingDevice) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps != nil
}

// RTPCapabilities echoes the router's capabilities: whatever the router
// offers, this engine accepts.
func (d *signalingDevice) RTPCapabilities() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *signalingDevice) CreateSendTransport(params events.TransportParams, h TransportHandler) (SendTransport, error) {
	if !d.Loaded() {
		return nil, ErrDeviceNotLoaded
	}
	return &signalingSend{base: newBase(params, h)}, nil
}

func (d *signalingDevice) CreateRecvTransport(params events.TransportParams, h TransportHandler) (RecvTransport, error) {
	if !d.Loaded() {
		return nil, ErrDeviceNotLoaded
	}
	return &signalingRecv{base: newBase(params, h)}, nil
}

type transportBase struct {
	params  events.TransportParams
	handler TransportHandler

	mu        sync.Mutex
	connected bool
	closed    bool
}

func newBase(params events.TransportParams, h TransportHandler) transportBase {
	return transportBase{params: params, handler: h}
}

func (b *transportBase) ID() string { return b.params.ID }

// ensureConnected raises the connect callback once, before the first
// producer or consumer.
func (b *transportBase) ensureConnected(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("transport %s closed", b.params.ID)
	}
	if b.connected {
		return nil
	}
	if err := b.handler.OnConnect(ctx, b.params.ID, b.params.DTLSParameters); err != nil {
		return fmt.Errorf("connect transport %s: %w", b.params.ID, err)
	}
	b.connected = true
	return nil
}

func (b *transportBase) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

type signalingSend struct {
	base transportBase
}

func (s *signalingSend) ID() string { return s.base.ID() }
func (s *signalingSend) Close()     { s.base.Close() }

func (s *signalingSend) Produce(ctx context.Context, track Track) (Producer, error) {
	if err := s.base.ensureConnected(ctx); err != nil {
		return nil, err
	}
	rtp, _ := json.Marshal(map[string]string{"mid": track.ID(), "kind": track.Kind()})
	id, err := s.base.handler.OnProduce(ctx, s.base.ID(), track.Kind(), rtp)
	if err != nil {
		return nil, fmt.Errorf("produce %s: %w", track.Kind(), err)
	}
	return &handle{id: id, kind: track.Kind()}, nil
}

type signalingRecv struct {
	base transportBase
}

func (r *signalingRecv) ID() string { return r.base.ID() }
func (r *signalingRecv) Close()     { r.base.Close() }

func (r *signalingRecv) Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error) {
	if err := r.base.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return &signalingConsumer{
		handle: handle{id: opts.ID, kind: opts.Kind},
		track:  &silentTrack{id: opts.ProducerID, kind: opts.Kind},
	}, nil
}

type handle struct {
	id   string
	kind string
}

func (h *handle) ID() string   { return h.id }
func (h *handle) Kind() string { return h.kind }
func (h *handle) Close()       {}

type signalingConsumer struct {
	handle
	track Track
}

func (c *signalingConsumer) Track() Track { return c.track }

func (c *signalingConsumer) Resume(context.Context) error { return nil }

func (c *signalingConsumer) Close() { c.track.Stop() }
