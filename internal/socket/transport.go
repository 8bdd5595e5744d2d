package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/echolink/internal/events"
	"github.com/lalith-99/echolink/internal/observ"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected   = errors.New("socket not connected")
	ErrDisconnected   = errors.New("socket disconnected before ack")
	ErrSendBufferFull = errors.New("socket send buffer full")
)

// AckError is returned by EmitWithAck when the server answered with an
// error instead of data.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s rejected by server: %s", e.Event, e.Message)
}

// TokenProvider supplies the access token used on every dial.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Handler receives a decoded, validated inbound event.
type Handler func(ctx context.Context, ev events.Event)

type Options struct {
	URL          string
	Tokens       TokenProvider
	Dial         DialFunc
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       *zap.Logger
}

type ackResult struct {
	frame Frame
	err   error
}

// Transport owns the one persistent connection to the signaling server.
// Every component multiplexes through it.
//
// Inbound events are handed to handlers one at a time, on a single
// dispatcher goroutine, in the order the server sent them. Acks bypass the
// dispatcher, so a handler may block on EmitWithAck.
type Transport struct {
	opts    Options
	logger  *zap.Logger
	limiter *rate.Limiter

	mu           sync.RWMutex
	handlers     map[string][]Handler
	onConnect    []func(ctx context.Context)
	onDisconnect []func(err error)
	send         chan []byte

	pendingMu sync.Mutex
	pending   map[string]chan ackResult

	connected atomic.Bool
	connects  int
	inbox     *queue
}

// queue is an unbounded FIFO between the read pump and the dispatcher.
// The read pump never blocks on it, so acks keep flowing while a handler
// waits in EmitWithAck.
type queue struct {
	mu    sync.Mutex
	items []func(ctx context.Context)
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(fn func(ctx context.Context)) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (func(ctx context.Context), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}

func New(opts Options) *Transport {
	if opts.Dial == nil {
		opts.Dial = GorillaDial
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	return &Transport{
		opts:     opts,
		logger:   observ.Named(opts.Logger, "socket"),
		limiter:  rate.NewLimiter(rate.Every(opts.ReconnectMin), 1),
		handlers: make(map[string][]Handler),
		pending:  make(map[string]chan ackResult),
		inbox:    newQueue(),
	}
}

// On registers h for event. Register before Run; handlers are never removed.
func (t *Transport) On(event string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = append(t.handlers[event], h)
}

// OnConnect registers fn to run on the dispatcher after every successful
// (re)connect, before any event from that connection.
func (t *Transport) OnConnect(fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = append(t.onConnect, fn)
}

// OnDisconnect registers fn to run on the dispatcher after a connection drops.
func (t *Transport) OnDisconnect(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, fn)
}

func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Run connects and keeps reconnecting until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	go t.dispatchLoop(ctx)

	backoff := t.opts.ReconnectMin
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		wasUp, err := t.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wasUp {
			backoff = t.opts.ReconnectMin
		}
		t.logger.Warn("socket connection lost, retrying",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > t.opts.ReconnectMax {
			backoff = t.opts.ReconnectMax
		}
	}
}

// connectOnce dials, pumps until the connection breaks and cleans up.
// wasUp reports whether the dial succeeded.
func (t *Transport) connectOnce(ctx context.Context) (wasUp bool, err error) {
	header := http.Header{}
	if t.opts.Tokens != nil {
		token, err := t.opts.Tokens.Token(ctx)
		if err != nil {
			return false, fmt.Errorf("get token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, err := t.opts.Dial(ctx, t.opts.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", t.opts.URL, err)
	}

	if ka, ok := conn.(keepalive); ok {
		ka.SetReadLimit(maxMessageSize)
		_ = ka.SetReadDeadline(time.Now().Add(pongWait))
		ka.SetPongHandler(func(string) error {
			return ka.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	connCtx, cancel := context.WithCancel(ctx)
	send := make(chan []byte, sendBuffer)

	t.mu.Lock()
	t.send = send
	t.mu.Unlock()
	t.connected.Store(true)

	if t.connects > 0 {
		observ.SocketReconnects.Inc()
	}
	t.connects++
	t.logger.Info("socket connected", zap.String("url", t.opts.URL), zap.Int("connects", t.connects))

	t.enqueue(func(ctx context.Context) {
		t.mu.RLock()
		hooks := append([]func(context.Context){}, t.onConnect...)
		t.mu.RUnlock()
		for _, fn := range hooks {
			t.safely("connect hook", func() { fn(ctx) })
		}
	})

	go t.writePump(connCtx, conn, send)
	err = t.readPump(ctx, conn)

	cancel()
	t.connected.Store(false)
	t.mu.Lock()
	t.send = nil
	t.mu.Unlock()
	conn.Close()
	t.failPending(ErrDisconnected)

	t.enqueue(func(context.Context) {
		t.mu.RLock()
		hooks := append([]func(error){}, t.onDisconnect...)
		t.mu.RUnlock()
		for _, fn := range hooks {
			t.safely("disconnect hook", func() { fn(err) })
		}
	})

	return true, err
}

func (t *Transport) readPump(ctx context.Context, conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("socket read error", zap.Error(err))
			}
			return err
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			observ.SocketDecodeErrors.Inc()
			t.logger.Debug("dropping unparseable frame", zap.Error(err))
			continue
		}

		if frame.Event == events.Ack {
			t.resolve(frame)
			continue
		}

		ev, err := events.Decode(frame.Event, frame.Data)
		if err != nil {
			observ.SocketDecodeErrors.Inc()
			t.logger.Debug("dropping invalid event", zap.String("event", frame.Event), zap.Error(err))
			continue
		}

		t.enqueue(func(ctx context.Context) { t.dispatch(ctx, ev) })
	}
}

func (t *Transport) writePump(ctx context.Context, conn Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	ka, hasDeadlines := conn.(keepalive)
	setDeadline := func() {
		if hasDeadlines {
			_ = ka.SetWriteDeadline(time.Now().Add(writeWait))
		}
	}

	for {
		select {
		case <-ctx.Done():
			setDeadline()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-send:
			setDeadline()
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				t.logger.Warn("socket write failed", zap.Error(err))
				// Closing unblocks readPump, which drives the reconnect.
				conn.Close()
				return
			}

		case <-ticker.C:
			setDeadline()
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (t *Transport) enqueue(fn func(ctx context.Context)) {
	t.inbox.push(fn)
}

func (t *Transport) dispatchLoop(ctx context.Context) {
	for {
		for fn, ok := t.inbox.pop(); ok; fn, ok = t.inbox.pop() {
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.inbox.ready:
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, ev events.Event) {
	name := ev.EventName()
	observ.SocketEvents.WithLabelValues(name).Inc()

	t.mu.RLock()
	hs := t.handlers[name]
	t.mu.RUnlock()

	for _, h := range hs {
		t.safely(name, func() { h(ctx, ev) })
	}
}

// safely runs fn and turns a panic into a log line so one bad handler
// cannot stop the dispatcher.
func (t *Transport) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("socket handler panicked", zap.String("handler", what), zap.Any("panic", r))
		}
	}()
	fn()
}

// Emit sends a fire-and-forget event. There is no offline queue: while
// disconnected it returns ErrNotConnected.
func (t *Transport) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	b, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return t.write(b)
}

// EmitWithAck sends event and waits for the server's ack, decoding its data
// into out (which may be nil). It fails with ErrDisconnected if the
// connection drops first.
func (t *Transport) EmitWithAck(ctx context.Context, event string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	id := uuid.NewString()
	b, err := json.Marshal(Frame{Event: event, ID: id, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	ch := make(chan ackResult, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.write(b); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%s: %w", event, res.err)
		}
		if res.frame.Error != "" {
			return &AckError{Event: event, Message: res.frame.Error}
		}
		if out != nil && len(res.frame.Data) > 0 {
			if err := json.Unmarshal(res.frame.Data, out); err != nil {
				return fmt.Errorf("decode %s ack: %w", event, err)
			}
		}
		return nil
	}
}

func (t *Transport) write(b []byte) error {
	t.mu.RLock()
	send := t.send
	t.mu.RUnlock()

	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- b:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (t *Transport) resolve(frame Frame) {
	t.pendingMu.Lock()
	ch, ok := t.pending[frame.ID]
	t.pendingMu.Unlock()
	if !ok {
		t.logger.Debug("ack for unknown request", zap.String("id", frame.ID))
		return
	}
	select {
	case ch <- ackResult{frame: frame}:
	default:
		// Duplicate ack; the first one already settled the request.
	}
}

func (t *Transport) failPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		select {
		case ch <- ackResult{err: err}:
		default:
		}
		delete(t.pending, id)
	}
}
