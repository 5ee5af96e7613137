package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is how long a frame write may take before the connection is
	// considered broken.
	writeWait = 10 * time.Second

	// dialTimeout bounds the WebSocket handshake.
	dialTimeout = 15 * time.Second
)

// ErrNotConnected is returned by Send while the connection is not in
// StateConnected. Frames sent while disconnected are dropped, not buffered.
var ErrNotConnected = errors.New("relay: not connected")

// State is the observable connection state of a Conn.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lower-case name used in logs and the API.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// FrameFunc receives one raw inbound text frame. It is invoked on the
// connection's read goroutine, so frames are delivered strictly in arrival
// order; a slow FrameFunc delays subsequent frames rather than reordering
// them.
type FrameFunc func(raw []byte)

// StateFunc observes connection state transitions.
type StateFunc func(State)

// Conn is one persistent duplex connection to the backend relay, addressed
// by operator id: a single Conn serves every agent the operator can see.
//
// Lifecycle: a Conn must not exist without an authenticated operator
// session; the session owns it and calls Connect/Disconnect. On transport
// error or abnormal close the Conn transitions to StateDisconnected and
// stops emitting; reconnection is the caller's responsibility (on demand,
// no built-in retry loop).
type Conn struct {
	relayURL   string
	operatorID string
	logger     *slog.Logger
	onFrame    FrameFunc

	mu         sync.Mutex
	ws         *websocket.Conn
	state      State
	gen        int    // increments per successful connect; guards stale read loops
	connID     string // id of the current connection, for log correlation
	stateFuncs []StateFunc
}

// NewConn creates a Conn for the operator identified by operatorID.
// onFrame receives every inbound text frame; it must not be nil.
func NewConn(relayURL, operatorID string, logger *slog.Logger, onFrame FrameFunc) *Conn {
	return &Conn{
		relayURL:   relayURL,
		operatorID: operatorID,
		logger:     logger,
		onFrame:    onFrame,
		state:      StateDisconnected,
	}
}

// OnStateChange registers fn to observe state transitions. Registration is
// not concurrency-safe with Connect; register before connecting.
func (c *Conn) OnStateChange(fn StateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateFuncs = append(c.stateFuncs, fn)
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState transitions to s and notifies observers. Callers must not hold
// c.mu.
func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	funcs := append([]StateFunc(nil), c.stateFuncs...)
	c.mu.Unlock()

	for _, fn := range funcs {
		fn(s)
	}
}

// Connect dials the relay and starts the read loop. The operator id is
// carried as a user_id query parameter, which is how the relay scopes the
// connection.
//
// Connect is idempotent while connected: a second call is a no-op. On dial
// failure the Conn is left in StateDisconnected and the error is returned;
// the caller decides whether and when to try again.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	funcs := append([]StateFunc(nil), c.stateFuncs...)
	c.mu.Unlock()
	for _, fn := range funcs {
		fn(StateConnecting)
	}

	u, err := url.Parse(c.relayURL)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("relay: parse url %q: %w", c.relayURL, err)
	}
	q := u.Query()
	q.Set("user_id", c.operatorID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil) //nolint:bodyclose // gorilla owns the response body
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("relay: dial %s: %w", u.Host, err)
	}

	connID := uuid.NewString()

	c.mu.Lock()
	c.ws = ws
	c.gen++
	gen := c.gen
	c.connID = connID
	c.mu.Unlock()

	c.setState(StateConnected)
	c.logger.Info("relay: connected",
		slog.String("host", u.Host),
		slog.String("operator_id", c.operatorID),
		slog.String("conn_id", connID),
	)

	go c.readLoop(ws, gen)
	return nil
}

// Disconnect closes the connection. It is a no-op when already
// disconnected.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(writeWait)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	}
	c.setState(StateDisconnected)
}

// Send marshals v and writes it as one text frame. While disconnected it
// returns ErrNotConnected and the frame is dropped. There is no queue, so
// nothing is replayed after a reconnect.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	if !connected || ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	// Hold the lock across the write: gorilla/websocket allows at most one
	// concurrent writer per connection.
	defer c.mu.Unlock()

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(v); err != nil {
		return fmt.Errorf("relay: send: %w", err)
	}
	return nil
}

// readLoop reads frames until the transport fails or the connection is
// closed, then transitions to StateDisconnected. gen identifies the connect
// attempt that started this loop so a loop left over from a previous
// connection cannot clobber the state of its successor.
func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.gen != gen
			if !stale && c.ws == ws {
				c.ws = nil
			}
			c.mu.Unlock()
			_ = ws.Close()

			if stale {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mu.Lock()
				connID := c.connID
				c.mu.Unlock()
				c.logger.Warn("relay: connection lost",
					slog.String("conn_id", connID),
					slog.Any("error", err),
				)
			}
			c.setState(StateDisconnected)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.onFrame(raw)
	}
}
