package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the server.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Room snapshots can be large.
	maxMessageSize = 1 << 20

	// Outbound frames buffered per connection.
	sendBuffer = 256
)

// Conn is the slice of *websocket.Conn the transport uses. Tests swap in an
// in-memory pair.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// keepalive is implemented by *websocket.Conn. Conns that lack it simply
// skip deadline management.
type keepalive interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// DialFunc opens one connection to url.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// GorillaDial is the production DialFunc.
func GorillaDial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Frame is the wire envelope for every message in both directions.
// ID is set on requests that expect an ack and echoed on the ack itself.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}
