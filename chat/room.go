package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-authgate/chat-cli/session"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// ErrNotConnected is returned when sending while the socket is down.
var ErrNotConnected = errors.New("room socket is not connected")

// State is the connection state reported to the state handler.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange describes a transition. Err is the failure that caused a
// reconnect or disconnect; Delay is the wait before the next dial.
type StateChange struct {
	State   State
	Err     error
	Attempt int
	Delay   time.Duration
}

// Endpoint builds the socket URL for a room and token.
type Endpoint func(roomID, token string) string

// Room is a reconnecting connection to one chat room.
type Room struct {
	id       string
	endpoint Endpoint
	token    func() string
	dialer   *websocket.Dialer
	policy   ReconnectPolicy
	logger   zerolog.Logger
	onFrame  func(Frame)
	onState  func(StateChange)
	sleep    func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
}

// RoomOption configures a Room.
type RoomOption func(*Room)

// WithReconnectPolicy replaces the default fixed three second redial.
func WithReconnectPolicy(p ReconnectPolicy) RoomOption {
	return func(r *Room) { r.policy = p }
}

// WithRoomLogger sets the room logger.
func WithRoomLogger(l zerolog.Logger) RoomOption {
	return func(r *Room) { r.logger = l }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) RoomOption {
	return func(r *Room) { r.dialer = d }
}

// OnFrame sets the handler for inbound frames of known types. It runs on the
// read goroutine.
func OnFrame(fn func(Frame)) RoomOption {
	return func(r *Room) { r.onFrame = fn }
}

// OnState sets the handler for connection state changes.
func OnState(fn func(StateChange)) RoomOption {
	return func(r *Room) { r.onState = fn }
}

func withRoomSleep(fn func(ctx context.Context, d time.Duration) error) RoomOption {
	return func(r *Room) { r.sleep = fn }
}

// NewRoom returns a room connection. token is read on every dial so a
// refreshed token is picked up on reconnect.
func NewRoom(roomID string, endpoint Endpoint, token func() string, opts ...RoomOption) *Room {
	r := &Room{
		id:       roomID,
		endpoint: endpoint,
		token:    token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		policy:  DefaultReconnectPolicy(),
		logger:  zerolog.Nop(),
		onFrame: func(Frame) {},
		onState: func(StateChange) {},
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Run keeps the room connected until ctx ends, the session is gone, or the
// reconnect policy gives up. It returns nil when ctx ends.
func (r *Room) Run(ctx context.Context) error {
	failures := 0
	for {
		token := r.token()
		if token == "" {
			r.onState(StateChange{State: StateDisconnected, Err: session.ErrNotAuthenticated})
			return session.ErrNotAuthenticated
		}

		r.onState(StateChange{State: StateConnecting, Attempt: failures + 1})
		err := r.connect(ctx, token, &failures)
		if ctx.Err() != nil {
			r.onState(StateChange{State: StateDisconnected})
			return nil
		}

		failures++
		if r.policy.Exhausted(failures) {
			r.logger.Error().Err(err).Int("failures", failures).Msg("giving up on room socket")
			r.onState(StateChange{State: StateDisconnected, Err: err, Attempt: failures})
			return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
		}

		delay := r.policy.Backoff(failures)
		r.logger.Warn().Err(err).Int("attempt", failures).Dur("delay", delay).Msg("room socket lost, reconnecting")
		r.onState(StateChange{State: StateReconnecting, Err: err, Attempt: failures, Delay: delay})
		if err := r.sleep(ctx, delay); err != nil {
			r.onState(StateChange{State: StateDisconnected})
			return nil
		}
	}
}

// connect dials once and reads until the connection ends. failures is reset
// once the handshake succeeds.
func (r *Room) connect(ctx context.Context, token string, failures *int) error {
	conn, resp, err := r.dialer.DialContext(ctx, r.endpoint(r.id, token), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	*failures = 0
	r.setConn(conn)
	defer r.setConn(nil)

	r.logger.Info().Str("room", r.id).Msg("room socket connected")
	r.onState(StateChange{State: StateConnected})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			r.mu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	return r.readLoop(conn)
}

func (r *Room) readLoop(conn *websocket.Conn) error {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		f, err := DecodeFrame(data)
		if err != nil {
			r.logger.Warn().Err(err).Msg("dropping frame")
			continue
		}
		if !f.Known() {
			r.logger.Debug().Str("type", f.Type).Msg("ignoring unknown frame type")
			continue
		}
		r.onFrame(f)
	}
}

func (r *Room) setConn(c *websocket.Conn) {
	r.mu.Lock()
	r.conn = c
	r.mu.Unlock()
}

// Connected reports whether the socket is up.
func (r *Room) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// SendMessage posts content to the room. recipientID may be nil.
func (r *Room) SendMessage(content string, recipientID *int) error {
	return r.write(messageOut{Type: TypeMessage, Content: content, RecipientID: recipientID})
}

// SendTyping announces that the user started or stopped typing.
func (r *Room) SendTyping(typing bool) error {
	return r.write(typingOut{Type: TypeTyping, IsTyping: typing})
}

func (r *Room) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ErrNotConnected
	}
	if err := r.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
