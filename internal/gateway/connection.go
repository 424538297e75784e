package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/types"
)

const (
	opcodeContinuation = 0x0
	opcodeText         = 0x1
	opcodeBinary       = 0x2
	opcodeClose        = 0x8
	opcodePing         = 0x9
	opcodePong         = 0xA

	closeNormalClosure       = 1000
	closeGoingAway           = 1001
	closeUnsupportedData     = 1003
	closePolicyViolation     = 1008
	closeInternalServerError = 1011
	closeTryAgainLater       = 1013
)

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// ClientIdentity names one subscriber on one board.
type ClientIdentity struct {
	ClientID string
	BoardID  string
}

// Hooks are the gateway's integration points. OnEvent runs for every decoded
// inbound event; OnConnect runs after the connection is registered, before
// the first read; OnDisconnect runs exactly once when the session ends.
type Hooks struct {
	OnEvent      EventHook
	OnConnect    ConnectHook
	OnDisconnect DisconnectHook
}

// EventHook handles one inbound client event.
type EventHook func(ctx context.Context, conn *Connection, event types.PushEvent) error

// ConnectHook runs when a session opens.
type ConnectHook func(ctx context.Context, conn *Connection) error

// DisconnectHook runs when a session closes.
type DisconnectHook func(conn *Connection)

// Connection represents an upgraded WebSocket session bound to one board.
// Reads come from the hijacked buffered reader so bytes the HTTP server
// already consumed are not lost.
type Connection struct {
	conn      net.Conn
	reader    *bufio.Reader
	identity  ClientIdentity
	logger    zerolog.Logger
	send      chan outboundMessage
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// writeMu serializes wire writes between the writer goroutine and the
	// synchronous close-frame path.
	writeMu sync.Mutex

	opts connectionOptions

	lastPong atomic.Int64
	onClose  func()
}

type outboundMessage struct {
	opcode  byte
	payload []byte
}

func newConnection(netConn net.Conn, reader *bufio.Reader, id ClientIdentity, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:     netConn,
		reader:   reader,
		identity: id,
		logger:   logger,
		send:     make(chan outboundMessage, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// BoardID returns the bound board identifier.
func (c *Connection) BoardID() string { return c.identity.BoardID }

// ClientID returns the subscriber identifier.
func (c *Connection) ClientID() string { return c.identity.ClientID }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// SendEvent marshals the event as a JSON text frame and enqueues it.
func (c *Connection) SendEvent(event types.PushEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.SendText(data)
}

// SendText enqueues a text payload for the writer goroutine. A full buffer
// means the subscriber cannot keep up; the connection is closed rather than
// letting it stall every other subscriber on the board.
func (c *Connection) SendText(payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	msg := outboundMessage{opcode: opcodeText, payload: payload}
	select {
	case c.send <- msg:
		sendQueueDepth.WithLabelValues(c.identity.BoardID).Set(float64(len(c.send)))
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithFrame(closeTryAgainLater, "backpressure")
		c.Close()
		return errSendBufferFull
	}
}

// Run starts the read/write pumps until the connection is closed. Hook
// errors close the session.
func (c *Connection) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if hooks.OnConnect != nil {
		if err := hooks.OnConnect(c.ctx, c); err != nil {
			c.logger.Warn().Err(err).Msg("connect hook rejected session")
			c.closeWithFrame(closeInternalServerError, "connect failed")
			c.Close()
			wg.Wait()
			if hooks.OnDisconnect != nil {
				hooks.OnDisconnect(c)
			}
			return
		}
	}

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
}

// Close tears the session down. Safe to call more than once. The send
// channel is never closed; senders and the writer both exit through the
// cancelled context, so a late SendText cannot panic.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		opcode, payload, err := readFrame(c.reader)
		if err != nil {
			return err
		}

		switch opcode {
		case opcodeText:
			if err := c.handleText(payload, hooks); err != nil {
				c.closeWithFrame(closePolicyViolation, err.Error())
				return err
			}
		case opcodeBinary:
			c.closeWithFrame(closeUnsupportedData, "binary frames not supported")
			return fmt.Errorf("binary frames unsupported")
		case opcodeClose:
			c.closeWithFrame(closeNormalClosure, "bye")
			return nil
		case opcodePing:
			_ = c.enqueueControl(opcodePong, payload)
		case opcodePong:
			c.lastPong.Store(time.Now().UnixNano())
		case opcodeContinuation:
			return fmt.Errorf("fragmented frames not supported")
		default:
			return fmt.Errorf("unsupported opcode %d", opcode)
		}
	}
}

func (c *Connection) handleText(payload []byte, hooks Hooks) error {
	var event types.PushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if event.Name == "" {
		return errors.New("event name required")
	}

	if hooks.OnEvent != nil {
		if err := hooks.OnEvent(c.ctx, c, event); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			if err := c.writeNow(msg.opcode, msg.payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
			sendQueueDepth.WithLabelValues(c.identity.BoardID).Set(float64(len(c.send)))
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.enqueueControl(opcodePing, nil); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.closeWithFrame(closeGoingAway, "ping failed")
				c.Close()
				return
			}
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.closeWithFrame(closeGoingAway, "missed heartbeats")
					c.Close()
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// closeWithFrame writes the close frame synchronously so it reaches the
// wire before Close tears the socket down.
func (c *Connection) closeWithFrame(code int, reason string) {
	payload := encodeClosePayload(code, reason)
	if err := c.writeNow(opcodeClose, payload); err != nil {
		c.logger.Debug().Err(err).Msg("close frame write failed")
	}
}

func (c *Connection) writeNow(opcode byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, opcode, payload, c.opts.writeTimeout)
}

func (c *Connection) enqueueControl(opcode byte, payload []byte) error {
	msg := outboundMessage{opcode: opcode, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		return errSendBufferFull
	}
}

func encodeClosePayload(code int, reason string) []byte {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], []byte(reason))
	return payload
}
