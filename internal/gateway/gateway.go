// Package gateway implements the WebSocket endpoint that pushes board
// change events to subscribed clients. The handshake is handled directly on
// the hijacked connection; frames are JSON-encoded push events.
package gateway

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// websocketGUID is the fixed key-derivation constant from RFC 6455.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Authenticator resolves the identity a request subscribes as. Returning an
// error rejects the upgrade with 401.
type Authenticator interface {
	Authenticate(r *http.Request) (ClientIdentity, error)
}

// AuthFunc adapts a function to the Authenticator interface.
type AuthFunc func(r *http.Request) (ClientIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (ClientIdentity, error) { return f(r) }

// QueryAuth reads board_id and client_id from the query string. A missing
// board falls back to defaultBoard; a missing client id gets a generated
// one, since reconnecting watchers do not persist identity.
func QueryAuth(defaultBoard string) AuthFunc {
	return func(r *http.Request) (ClientIdentity, error) {
		id := ClientIdentity{
			BoardID:  r.URL.Query().Get("board_id"),
			ClientID: r.URL.Query().Get("client_id"),
		}
		if id.BoardID == "" {
			id.BoardID = defaultBoard
		}
		if id.BoardID == "" {
			return ClientIdentity{}, fmt.Errorf("board_id required")
		}
		if id.ClientID == "" {
			id.ClientID = xid.New().String()
		}
		return id, nil
	}
}

// Config tunes gateway behavior. Zero values get production defaults.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBufferSize     int
	WriteTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTolerance == 0 {
		c.HeartbeatTolerance = 3
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = 256
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Gateway upgrades HTTP requests to WebSocket sessions and runs them.
type Gateway struct {
	auth     Authenticator
	registry *Registry
	hooks    Hooks
	config   Config
	logger   zerolog.Logger
}

// New builds a gateway around the registry.
func New(auth Authenticator, registry *Registry, hooks Hooks, config Config, logger zerolog.Logger) *Gateway {
	return &Gateway{
		auth:     auth,
		registry: registry,
		hooks:    hooks,
		config:   config.withDefaults(),
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeHTTP performs the upgrade handshake and hands the connection to its
// session goroutines. It returns only after the handshake outcome is known;
// the session itself runs detached.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	_, span := tracer.Start(r.Context(), "gateway.upgrade")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !headerContainsToken(r.Header, "Connection", "upgrade") || !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		w.Header().Set("Sec-WebSocket-Version", "13")
		http.Error(w, "unsupported websocket version", http.StatusBadRequest)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	identity, err := g.auth.Authenticate(r)
	if err != nil {
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected websocket subscriber")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	span.SetAttributes(
		attribute.String("board.id", identity.BoardID),
		attribute.String("client.id", identity.ClientID),
	)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "webserver does not support hijacking", http.StatusInternalServerError)
		return
	}
	netConn, buf, err := hijacker.Hijack()
	if err != nil {
		g.logger.Error().Err(err).Msg("hijack failed")
		http.Error(w, "upgrade failed", http.StatusInternalServerError)
		return
	}

	if err := writeHandshake(netConn, buf.Writer, key); err != nil {
		g.logger.Warn().Err(err).Msg("handshake write failed")
		_ = netConn.Close()
		return
	}
	upgradeLatency.Observe(time.Since(start).Seconds())

	logger := g.logger.With().
		Str("board_id", identity.BoardID).
		Str("client_id", identity.ClientID).
		Logger()

	opts := connectionOptions{
		heartbeatInterval:  g.config.HeartbeatInterval,
		heartbeatTolerance: g.config.HeartbeatTolerance,
		sendBufferSize:     g.config.SendBufferSize,
		writeTimeout:       g.config.WriteTimeout,
	}
	var conn *Connection
	conn = newConnection(netConn, buf.Reader, identity, logger, opts, func() {
		g.registry.remove(conn)
	})
	g.registry.add(conn)

	logger.Info().Msg("websocket subscriber connected")
	go func() {
		conn.Run(g.hooks)
		logger.Info().Msg("websocket subscriber disconnected")
	}()
}

func writeHandshake(conn net.Conn, w *bufio.Writer, key string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})

	accept := computeAcceptKey(key)
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if _, err := w.WriteString(response); err != nil {
		return err
	}
	return w.Flush()
}

func computeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
