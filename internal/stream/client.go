// Package stream manages the persistent WebSocket event connection: connect,
// authenticate-over-stream, ordered dispatch to subscribers, disconnect
// detection, and graceful shutdown.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/darkace1998/x4-multiplayer-client/internal/config"
	"github.com/darkace1998/x4-multiplayer-client/internal/state"
	"github.com/darkace1998/x4-multiplayer-client/internal/transport"
)

// ErrUnauthenticated is returned by Connect when no session token is held.
var ErrUnauthenticated = errors.New("event stream requires an active session")

// ErrAuthRejected is returned when the server refuses the auth handshake.
var ErrAuthRejected = errors.New("stream authentication rejected")

// ErrConnectionLost records an unexpected drop of the stream connection.
var ErrConnectionLost = errors.New("stream connection lost")

// ErrClosed is returned once the client has been shut down.
var ErrClosed = errors.New("stream client closed")

// State is the connection lifecycle state.
type State int

// Connection states, in normal progression order.
const (
	Disconnected State = iota
	Connecting
	AwaitingAuthAck
	Authenticated
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingAuthAck:
		return "awaiting_auth_ack"
	case Authenticated:
		return "authenticated"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Conn is the subset of a WebSocket connection the client needs.
// Satisfied by *websocket.Conn via gorillaConn.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens WebSocket connections. The default uses gorilla/websocket;
// tests substitute an in-memory pipe.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return gorillaConn{conn}, nil
}

type gorillaConn struct{ *websocket.Conn }

func (c gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := c.Conn.ReadMessage()
	return data, err
}

// envelope is the wire format of every stream frame.
type envelope struct {
	Type       string          `json:"type"`
	Success    bool            `json:"success"`
	Username   string          `json:"username"`
	Error      string          `json:"error"`
	EventType  string          `json:"eventType"`
	FromPlayer string          `json:"fromPlayer"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
}

// Subscription is one consumer of the event stream. Events arrive in receipt
// order on Events. The channel is closed when the subscription or the client
// is closed; a lost connection does not end it, because subscriptions survive
// reconnects.
type Subscription struct {
	id     uuid.UUID
	ch     chan state.InboundEvent
	cancel func(id uuid.UUID)
	once   sync.Once
}

// Events returns the ordered event sequence.
func (s *Subscription) Events() <-chan state.InboundEvent {
	return s.ch
}

// Close detaches the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() { s.cancel(s.id) })
}

// Client owns the persistent event connection lifecycle.
type Client struct {
	url    string
	cfg    config.StreamConfig
	tokens transport.TokenSource
	sink   func(state.InboundEvent)
	logger *zap.Logger
	dialer Dialer

	mu       sync.Mutex
	st       State
	conn     Conn
	attempts int
	lastErr  error
	closed   bool
	username string
	subs     map[uuid.UUID]*Subscription
	readDone chan struct{}

	// replay ring for late subscribers
	ring      []state.InboundEvent
	ringStart int
	ringCount int
}

// NewClient creates a Client for the given WebSocket URL. sink, when non-nil,
// receives every delivered event before subscriber fan-out; it must not block.
//
// Precondition: tokens and logger must be non-nil; cfg must be validated.
func NewClient(url string, cfg config.StreamConfig, tokens transport.TokenSource, sink func(state.InboundEvent), logger *zap.Logger) *Client {
	return &Client{
		url:    url,
		cfg:    cfg,
		tokens: tokens,
		sink:   sink,
		logger: logger,
		dialer: gorillaDialer{},
		subs:   make(map[uuid.UUID]*Subscription),
		ring:   make([]state.InboundEvent, cfg.ReplayBuffer),
	}
}

// SetDialer replaces the WebSocket dialer. Test hook; call before Connect.
func (c *Client) SetDialer(d Dialer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialer = d
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// LastError returns the most recent connection error, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Attempts returns how many connection attempts have been made.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Username returns the username acknowledged by the server for the current
// connection, or "" when not authenticated.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != Authenticated {
		return ""
	}
	return c.username
}

// Connect opens the stream connection, performs the auth handshake, and
// starts the background read loop. It blocks until the server acknowledges or
// rejects the handshake. Events the server pushes before the acknowledgment
// are buffered and delivered after the transition to Authenticated, in
// arrival order.
//
// Postcondition: On success the state is Authenticated. On failure the state
// is Disconnected and the error is ErrUnauthenticated, ErrAuthRejected, or a
// wrapped dial/handshake failure.
func (c *Client) Connect(ctx context.Context) error {
	token, ok := c.tokens.CurrentToken()
	if !ok {
		return ErrUnauthenticated
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.st != Disconnected {
		st := c.st
		c.mu.Unlock()
		return fmt.Errorf("connect in state %s: connection already in progress", st)
	}
	c.st = Connecting
	c.attempts++
	dialer := c.dialer
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := dialer.Dial(dialCtx, c.url)
	if err != nil {
		c.failConnect(fmt.Errorf("dialing %s: %w", c.url, err))
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": token}); err != nil {
		conn.Close()
		c.failConnect(fmt.Errorf("sending auth handshake: %w", err))
		return fmt.Errorf("sending auth handshake: %w", err)
	}

	c.mu.Lock()
	c.st = AwaitingAuthAck
	c.mu.Unlock()

	username, buffered, err := c.awaitAuthAck(conn)
	if err != nil {
		conn.Close()
		c.failConnect(err)
		return err
	}

	c.mu.Lock()
	// Close may have run while the handshake was in flight; it saw no
	// connection to tear down, so tear this one down here.
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.st = Authenticated
	c.conn = conn
	c.username = username
	c.lastErr = nil
	done := make(chan struct{})
	c.readDone = done
	c.mu.Unlock()

	c.logger.Info("event stream authenticated",
		zap.String("username", username),
		zap.Int("buffered_events", len(buffered)),
	)

	// Deliver events that arrived before the ack, preserving arrival order.
	for _, ev := range buffered {
		c.deliver(ev)
	}

	go c.readLoop(conn, done)
	return nil
}

func (c *Client) failConnect(err error) {
	c.mu.Lock()
	c.st = Disconnected
	c.lastErr = err
	c.mu.Unlock()
}

// awaitAuthAck reads frames until the auth acknowledgment arrives, buffering
// any event frames received in the meantime.
func (c *Client) awaitAuthAck(conn Conn) (string, []state.InboundEvent, error) {
	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var buffered []state.InboundEvent
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return "", nil, fmt.Errorf("awaiting auth acknowledgment: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed stream frame", zap.Error(err))
			continue
		}

		switch env.Type {
		case "auth_response":
			if !env.Success {
				return "", nil, fmt.Errorf("%w: %s", ErrAuthRejected, env.Error)
			}
			return env.Username, buffered, nil
		default:
			buffered = append(buffered, decodeEvent(env, data))
		}
	}
}

// readLoop consumes frames until the connection drops or Close is called.
// A single malformed frame is logged and skipped, never fatal.
func (c *Client) readLoop(conn Conn, done chan struct{}) {
	defer close(done)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.st == Closing || c.closed
			if !closing {
				c.st = Disconnected
				c.lastErr = fmt.Errorf("%w: %v", ErrConnectionLost, err)
				c.conn = nil
			}
			c.mu.Unlock()
			if !closing {
				c.logger.Warn("event stream disconnected", zap.Error(err))
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed stream frame", zap.Error(err))
			continue
		}

		if env.Type == "auth_response" {
			// Late or duplicate ack; nothing to do.
			continue
		}

		c.deliver(decodeEvent(env, data))
	}
}

// decodeEvent maps an envelope onto an InboundEvent. Unknown frame kinds are
// forwarded with their raw payload so callers can choose to ignore or log
// them.
func decodeEvent(env envelope, raw []byte) state.InboundEvent {
	ev := state.InboundEvent{
		EventType:  env.EventType,
		FromPlayer: env.FromPlayer,
		Payload:    env.Data,
		Timestamp:  time.Unix(env.Timestamp, 0),
	}
	if env.Type != "event" {
		ev.EventType = env.Type
		ev.Payload = json.RawMessage(raw)
	}
	return ev
}

func (c *Client) deliver(ev state.InboundEvent) {
	if c.sink != nil {
		c.sink(ev)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := (c.ringStart + c.ringCount) % len(c.ring)
	c.ring[idx] = ev
	if c.ringCount < len(c.ring) {
		c.ringCount++
	} else {
		c.ringStart = (c.ringStart + 1) % len(c.ring)
	}

	for _, sub := range c.subs {
		select {
		case sub.ch <- ev:
		default:
			c.logger.Warn("subscriber buffer full, dropping event",
				zap.String("event_type", ev.EventType),
				zap.String("subscriber", sub.id.String()),
			)
		}
	}
}

// Subscribe registers a consumer. Recent events from the replay ring are
// queued first, then live events follow in receipt order. Delivery never
// blocks the read loop: when a subscriber's buffer is full the event is
// dropped for that subscriber with a warning, so consumers that cannot keep
// up should raise stream.subscriber_buffer rather than rely on backpressure.
//
// Postcondition: Returns a Subscription whose channel is closed when the
// subscription or the client is closed, or nil if the client is closed.
func (c *Client) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	sub := &Subscription{
		id:     uuid.New(),
		ch:     make(chan state.InboundEvent, c.cfg.SubscriberBuffer),
		cancel: c.unsubscribe,
	}

	// Replay for late subscribers, bounded by the channel capacity.
	replay := c.ringCount
	if replay > c.cfg.SubscriberBuffer {
		replay = c.cfg.SubscriberBuffer
	}
	for i := c.ringCount - replay; i < c.ringCount; i++ {
		sub.ch <- c.ring[(c.ringStart+i)%len(c.ring)]
	}

	c.subs[sub.id] = sub
	return sub
}

func (c *Client) unsubscribe(id uuid.UUID) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Close shuts the client down: the connection is closed, the read loop exits
// promptly, and all subscription channels are closed. Idempotent; the client
// is terminal afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.st = Closing
	conn := c.conn
	c.conn = nil
	done := c.readDone
	c.mu.Unlock()

	if conn != nil {
		// Unblocks the pending ReadMessage.
		conn.Close()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.st = Disconnected
	subs := c.subs
	c.subs = make(map[uuid.UUID]*Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() {})
		close(sub.ch)
	}

	c.logger.Info("event stream closed")
}
