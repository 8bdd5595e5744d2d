package sfu

import (
	"context"
	"encoding/json"

	"github.com/lalith-99/echolink/internal/events"
)

// Engine is the local WebRTC stack. The controller drives it; codecs and
// ICE/DTLS internals stay behind this boundary.
type Engine interface {
	NewDevice() Device
	// GetUserMedia captures local tracks. A refusal must satisfy
	// errors.Is(err, ErrPermissionDenied).
	GetUserMedia(ctx context.Context, c MediaConstraints) ([]Track, error)
}

type MediaConstraints struct {
	Audio bool
	Video bool
}

// Device holds the codec capabilities negotiated with one SFU router.
type Device interface {
	Load(ctx context.Context, routerCapabilities json.RawMessage) error
	Loaded() bool
	RTPCapabilities() json.RawMessage
	CreateSendTransport(params events.TransportParams, h TransportHandler) (SendTransport, error)
	CreateRecvTransport(params events.TransportParams, h TransportHandler) (RecvTransport, error)
}

// TransportHandler answers the callbacks a transport raises during its
// handshake. Each call blocks until the server acknowledges.
type TransportHandler interface {
	// OnConnect forwards local DTLS parameters the first time the
	// transport needs its connection.
	OnConnect(ctx context.Context, transportID string, dtls json.RawMessage) error
	// OnProduce asks the server for the id of a new producer.
	OnProduce(ctx context.Context, transportID, kind string, rtp json.RawMessage) (string, error)
}

type SendTransport interface {
	ID() string
	Produce(ctx context.Context, track Track) (Producer, error)
	Close()
}

type RecvTransport interface {
	ID() string
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	Close()
}

// ConsumerOptions come straight from the rtc:consume ack.
type ConsumerOptions struct {
	ID            string
	ProducerID    string
	Kind          string
	RTPParameters json.RawMessage
}

type Producer interface {
	ID() string
	Kind() string
	Close()
}

type Consumer interface {
	ID() string
	Kind() string
	Track() Track
	Resume(ctx context.Context) error
	Close()
}

type Track interface {
	ID() string
	Kind() string
	Stop()
}

// MediaStream groups the tracks of one participant.
type MediaStream struct {
	ID     string
	Tracks []Track
}

func (s *MediaStream) addTrack(t Track) {
	for _, existing := range s.Tracks {
		if existing.ID() == t.ID() {
			return
		}
	}
	s.Tracks = append(s.Tracks, t)
}

func (s MediaStream) clone() MediaStream {
	return MediaStream{ID: s.ID, Tracks: append([]Track(nil), s.Tracks...)}
}
