package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/types"
)

// ErrNotConnected reports a send attempted between sessions.
var ErrNotConnected = errors.New("push channel not connected")

// ChannelError wraps a transport failure on the push connection. It never
// escapes the channel's own retry loop except through Send.
type ChannelError struct {
	URL string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("push channel %s: %v", e.URL, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Handler consumes decoded push events, one call per inbound frame, in
// arrival order.
type Handler interface {
	HandlePushEvent(event types.PushEvent)
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(types.PushEvent)

// HandlePushEvent implements Handler.
func (f HandlerFunc) HandlePushEvent(event types.PushEvent) { f(event) }

const (
	defaultReconnectDelay = 3 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

// Channel is a duplex websocket to the board server. It dials on
// construction and redials on a fixed cadence after every drop, with no
// backoff growth and no retry cap: the connection is expected to be
// available intermittently over an unbounded session. Frames that fail to
// decode are logged and dropped without closing the session.
type Channel struct {
	url            string
	dialer         *websocket.Dialer
	handler        Handler
	logger         zerolog.Logger
	reconnectDelay time.Duration
	writeTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
}

// Option configures a Channel.
type Option func(*Channel)

// WithReconnectDelay overrides the fixed redial delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithWriteTimeout overrides the per-send write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// Open starts a channel against the given websocket URL and begins
// delivering decoded events to handler. Close tears it down, including any
// reconnect wait in flight.
func Open(ctx context.Context, url string, handler Handler, logger zerolog.Logger, opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		url:            url,
		dialer:         &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		handler:        handler,
		logger:         logger.With().Str("component", "push").Logger(),
		reconnectDelay: defaultReconnectDelay,
		writeTimeout:   defaultWriteTimeout,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

// Connected reports whether a session is currently established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes an event to the server over the current session. Between
// sessions it fails fast with a ChannelError wrapping ErrNotConnected; the
// caller decides whether the command matters enough to retry.
func (c *Channel) Send(event types.PushEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return &ChannelError{URL: c.url, Err: ErrNotConnected}
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ChannelError{URL: c.url, Err: err}
	}
	return nil
}

// Close terminates the current session, cancels any pending reconnect, and
// waits for the dial loop to exit. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	<-c.done
}

func (c *Channel) run() {
	defer close(c.done)

	for {
		conn, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(&ChannelError{URL: c.url, Err: err}).
				Dur("retry_in", c.reconnectDelay).
				Msg("push dial failed")
			if !c.waitReconnect() {
				return
			}
			continue
		}

		connects.Inc()
		c.setConn(conn)
		c.logger.Info().Str("url", c.url).Msg("push channel open")

		err = c.readLoop(conn)
		c.setConn(nil)
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		disconnects.Inc()
		c.logger.Warn().Err(err).
			Dur("retry_in", c.reconnectDelay).
			Msg("push channel dropped")
		if !c.waitReconnect() {
			return
		}
	}
}

// waitReconnect sleeps for the fixed delay, stopping the timer early when
// the channel closes so no reconnect outlives its owner.
func (c *Channel) waitReconnect() bool {
	timer := time.NewTimer(c.reconnectDelay)
	select {
	case <-c.ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug().Int("message_type", messageType).Msg("ignoring non-text frame")
			continue
		}

		var event types.PushEvent
		if err := json.Unmarshal(data, &event); err != nil {
			decodeFailures.Inc()
			c.logger.Warn().Err(err).Msg("dropping undecodable push frame")
			continue
		}
		if event.Name == "" {
			decodeFailures.Inc()
			c.logger.Warn().Msg("dropping push frame with no event name")
			continue
		}

		eventsReceived.WithLabelValues(event.Name).Inc()
		c.handler.HandlePushEvent(event)
	}
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}
