package gateway

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/types"
)

// Registry tracks live connections grouped by board so push events can be
// fanned out to every subscriber of the board they concern.
type Registry struct {
	mu     sync.RWMutex
	boards map[string]map[*Connection]struct{}
	logger zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		boards: make(map[string]map[*Connection]struct{}),
		logger: logger.With().Str("component", "gateway.registry").Logger(),
	}
}

func (r *Registry) add(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	board := conn.BoardID()
	set, ok := r.boards[board]
	if !ok {
		set = make(map[*Connection]struct{})
		r.boards[board] = set
	}
	set[conn] = struct{}{}
	gatewayConnections.WithLabelValues(board).Set(float64(len(set)))
}

func (r *Registry) remove(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	board := conn.BoardID()
	set, ok := r.boards[board]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.boards, board)
	}
	gatewayConnections.WithLabelValues(board).Set(float64(len(set)))
}

// Count reports live connections for one board.
func (r *Registry) Count(board string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.boards[board])
}

// Broadcast sends the event to every subscriber of the board, marshaling
// once. skip, when non-nil, is left out so a client does not receive an echo
// of its own action. Returns the number of subscribers reached.
func (r *Registry) Broadcast(board string, event types.PushEvent, skip *Connection) int {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event.Name).Msg("marshal push event")
		return 0
	}
	return r.BroadcastText(board, data, skip)
}

// BroadcastText fans a pre-encoded payload out to the board's subscribers.
func (r *Registry) BroadcastText(board string, payload []byte, skip *Connection) int {
	conns := r.snapshot(board)
	sent := 0
	for _, conn := range conns {
		if conn == skip {
			continue
		}
		if err := conn.SendText(payload); err != nil {
			r.logger.Debug().Err(err).Str("client_id", conn.ClientID()).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	broadcastsSent.WithLabelValues(board).Add(float64(sent))
	return sent
}

// BroadcastExcludingClient fans the payload out while skipping every
// connection owned by the named client. Used when relaying events published
// by another node: the origin client already saw its own action locally.
func (r *Registry) BroadcastExcludingClient(board string, payload []byte, clientID string) int {
	conns := r.snapshot(board)
	sent := 0
	for _, conn := range conns {
		if clientID != "" && conn.ClientID() == clientID {
			continue
		}
		if err := conn.SendText(payload); err != nil {
			r.logger.Debug().Err(err).Str("client_id", conn.ClientID()).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	broadcastsSent.WithLabelValues(board).Add(float64(sent))
	return sent
}

// CloseAll tears down every connection, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var conns []*Connection
	for _, set := range r.boards {
		for conn := range set {
			conns = append(conns, conn)
		}
	}
	r.boards = make(map[string]map[*Connection]struct{})
	r.mu.Unlock()

	for _, conn := range conns {
		conn.closeWithFrame(closeGoingAway, "server shutting down")
		conn.Close()
	}
}

func (r *Registry) snapshot(board string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.boards[board]
	conns := make([]*Connection, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	return conns
}
