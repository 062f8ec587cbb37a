// Package transport carries pose envelopes between the capture client
// and the relay over WebSocket text frames.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/clock"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/protocol"
)

// DefaultReconnectDelay is the fixed wait between reconnect attempts.
const DefaultReconnectDelay = 3 * time.Second

// ErrNotOpen is returned by Send while the channel is down. The payload
// is dropped, never queued.
var ErrNotOpen = errors.New("transport: channel not open")

// Event is one lifecycle notification.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Code   int
	Reason string
	Err    error
}

// Dialer opens a WebSocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Client keeps one connection to the relay open, reconnecting after a
// fixed delay forever.
type Client struct {
	endpoint    string
	reconnect   time.Duration
	dialTimeout time.Duration
	writeWait   time.Duration
	dialer      Dialer
	clock       clock.Clock
	logger      *slog.Logger
	onEvent     func(Event)

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex
}

type Option func(*Client)

func WithReconnectInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reconnect = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeWait = d
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEventHandler receives every lifecycle event on the client's
// goroutine. The handler must not block.
func WithEventHandler(fn func(Event)) Option {
	return func(c *Client) {
		if fn != nil {
			c.onEvent = fn
		}
	}
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:    endpoint,
		reconnect:   DefaultReconnectDelay,
		dialTimeout: 5 * time.Second,
		writeWait:   time.Second,
		clock:       clock.Real(),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.dialTimeout,
		}
	}
	return c
}

// Connect starts a client for endpoint and returns immediately. The
// client runs until ctx is cancelled.
func Connect(ctx context.Context, endpoint string, opts ...Option) *Client {
	c := NewClient(endpoint, opts...)
	go c.Run(ctx)
	return c
}

func (c *Client) Run(ctx context.Context) {
	defer c.apply(InputStop)

	for {
		if ctx.Err() != nil {
			return
		}

		c.apply(InputConnect)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.apply(InputFailed)
			c.emit(Event{Kind: EventFailed, Err: err})
		} else {
			conn.SetReadLimit(int64(protocol.MaxPayloadSize))
			c.attach(conn)
			c.emit(Event{Kind: EventOpened})
			ev := c.readUntilClosed(ctx, conn)
			c.detach()
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			if ev.Kind == EventClosed {
				c.apply(InputClosed)
			} else {
				c.apply(InputFailed)
			}
			c.emit(ev)
		}

		c.logger.Debug("reconnect scheduled", "endpoint", c.endpoint, "delay", c.reconnect)
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.reconnect):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// readUntilClosed drains inbound frames so control frames (pings, close)
// are processed, and returns the event that ended the connection.
func (c *Client) readUntilClosed(ctx context.Context, conn *websocket.Conn) Event {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return Event{Kind: EventClosed, Code: ce.Code, Reason: ce.Text}
			}
			return Event{Kind: EventFailed, Err: err}
		}
	}
}

// Send writes one text frame. It returns ErrNotOpen without blocking
// when the channel is down.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		// The read loop observes the broken socket and reports it.
		_ = conn.Close()
		return err
	}
	return nil
}

func (c *Client) IsOpen() bool {
	return c.State() == StateOpen
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = Next(c.state, InputOpened)
	c.mu.Unlock()
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Client) apply(in Input) {
	c.mu.Lock()
	c.state = Next(c.state, in)
	c.mu.Unlock()
}

func (c *Client) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = c.clock.Now()
	}
	switch ev.Kind {
	case EventOpened:
		c.logger.Info("transport opened", "endpoint", c.endpoint)
	case EventClosed:
		c.logger.Warn("transport closed", "endpoint", c.endpoint, "code", ev.Code, "reason", ev.Reason, "retry_in", c.reconnect)
	case EventFailed:
		c.logger.Warn("transport failed", "endpoint", c.endpoint, "error", ev.Err, "retry_in", c.reconnect)
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}
