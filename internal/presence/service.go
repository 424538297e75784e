// Package presence tracks which clients are watching each board. Liveness
// rides on Redis TTLs: this instance refreshes keys for its own connections,
// so a crashed instance's watchers age out on their own.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/gateway"
	"github.com/example/pipeline-board/internal/types"
)

const (
	defaultTTL           = 45 * time.Second
	defaultChannelPrefix = "watch:board:"
	scanBatchSize        = 100
)

// Presence event names. They share the push channel with the board events
// but are not part of the refresh vocabulary; routers that do not know them
// ignore them.
const (
	EventWatcherJoined = "watcher_joined"
	EventWatcherLeft   = "watcher_left"
)

// WatcherInfo describes one client watching a board.
type WatcherInfo struct {
	BoardID     string    `json:"board_id"`
	ClientID    string    `json:"client_id"`
	ConnectedAt time.Time `json:"connected_at"`
	Gone        bool      `json:"gone,omitempty"`
}

// Service mirrors watcher liveness into Redis and relays joins and leaves to
// local websocket subscribers.
type Service struct {
	client   *redis.Client
	registry *gateway.Registry
	logger   zerolog.Logger

	ttl           time.Duration
	channelPrefix string

	mu     sync.RWMutex
	roster map[string]map[string]WatcherInfo
	owned  map[string]map[string]struct{}
}

// NewService constructs a presence service backed by Redis.
func NewService(client *redis.Client, registry *gateway.Registry, logger zerolog.Logger) *Service {
	return &Service{
		client:        client,
		registry:      registry,
		logger:        logger.With().Str("component", "presence").Logger(),
		ttl:           defaultTTL,
		channelPrefix: defaultChannelPrefix,
		roster:        make(map[string]map[string]WatcherInfo),
		owned:         make(map[string]map[string]struct{}),
	}
}

// Start begins background maintenance goroutines.
func (s *Service) Start(ctx context.Context) {
	go s.subscribe(ctx)
	go s.refreshLoop(ctx)
	go s.expireLoop(ctx)
}

// Register records a freshly connected watcher and announces it.
func (s *Service) Register(ctx context.Context, boardID, clientID string) error {
	if boardID == "" || clientID == "" {
		return errors.New("presence registration missing identifiers")
	}

	info := WatcherInfo{BoardID: boardID, ClientID: clientID, ConnectedAt: time.Now().UTC()}
	if err := s.persist(ctx, info); err != nil {
		return err
	}
	s.recordLocal(info)
	s.markOwned(boardID, clientID, true)

	if err := s.publish(ctx, info); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish watcher join")
	}
	s.broadcastLocal(info, clientID)
	return nil
}

// Clear removes any cached presence for the board/client pair and notifies
// peers.
func (s *Service) Clear(ctx context.Context, boardID, clientID string) {
	if boardID == "" || clientID == "" {
		return
	}
	key := s.presenceKey(boardID, clientID)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
	}

	removal := WatcherInfo{BoardID: boardID, ClientID: clientID, Gone: true}
	s.recordLocal(removal)
	s.markOwned(boardID, clientID, false)
	if err := s.publish(ctx, removal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish watcher leave")
	}
	s.broadcastLocal(removal, clientID)
}

// SendRoster streams the current watcher set to a freshly connected client.
func (s *Service) SendRoster(ctx context.Context, conn *gateway.Connection) error {
	watchers, err := s.Roster(ctx, conn.BoardID())
	if err != nil {
		return err
	}
	for _, info := range watchers {
		if info.ClientID == conn.ClientID() {
			continue
		}
		if err := conn.SendEvent(s.event(info)); err != nil {
			return fmt.Errorf("send roster entry: %w", err)
		}
	}
	return nil
}

// Roster loads the current watcher set for a board from Redis.
func (s *Service) Roster(ctx context.Context, boardID string) ([]WatcherInfo, error) {
	iter := s.client.Scan(ctx, 0, s.presenceKey(boardID, "*"), scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}

	if len(keys) == 0 {
		s.mu.Lock()
		delete(s.roster, boardID)
		s.mu.Unlock()
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}

	var watchers []WatcherInfo
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		var info WatcherInfo
		if err := json.Unmarshal([]byte(strVal), &info); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		watchers = append(watchers, info)
	}

	s.mu.Lock()
	roster := s.ensureRoster(boardID)
	for _, info := range watchers {
		roster[info.ClientID] = info
	}
	s.mu.Unlock()

	return watchers, nil
}

// refreshLoop keeps the TTL alive for watchers connected to this instance.
func (s *Service) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshOwned(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) refreshOwned(ctx context.Context) {
	s.mu.RLock()
	var infos []WatcherInfo
	for board, clients := range s.owned {
		for client := range clients {
			if info, ok := s.roster[board][client]; ok {
				infos = append(infos, info)
			}
		}
	}
	s.mu.RUnlock()

	for _, info := range infos {
		if err := s.persist(ctx, info); err != nil {
			s.logger.Warn().Err(err).Str("client_id", info.ClientID).Msg("presence refresh failed")
		}
	}
}

func (s *Service) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pruneExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) pruneExpired(ctx context.Context) {
	s.mu.RLock()
	snapshot := make(map[string][]string, len(s.roster))
	for board, clients := range s.roster {
		ids := make([]string, 0, len(clients))
		for client := range clients {
			ids = append(ids, client)
		}
		snapshot[board] = ids
	}
	s.mu.RUnlock()

	for board, clients := range snapshot {
		for _, client := range clients {
			key := s.presenceKey(board, client)
			exists, err := s.client.Exists(ctx, key).Result()
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to check presence ttl")
				continue
			}
			if exists == 0 {
				removal := WatcherInfo{BoardID: board, ClientID: client, Gone: true}
				s.logger.Debug().Str("board", board).Str("client", client).Msg("watcher presence expired")
				s.recordLocal(removal)
				s.markOwned(board, client, false)
				if err := s.publish(ctx, removal); err != nil {
					s.logger.Warn().Err(err).Msg("failed to publish presence expiration")
				}
				s.broadcastLocal(removal, client)
			}
		}
	}
}

func (s *Service) subscribe(ctx context.Context) {
	if s.client == nil {
		return
	}
	pubsub := s.client.PSubscribe(ctx, fmt.Sprintf("%s*", s.channelPrefix))
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var info WatcherInfo
			if err := json.Unmarshal([]byte(msg.Payload), &info); err != nil {
				s.logger.Warn().Err(err).Msg("failed to decode presence broadcast")
				continue
			}
			if s.isOwned(info.BoardID, info.ClientID) {
				// Already announced to local subscribers when it happened.
				continue
			}
			s.recordLocal(info)
			s.broadcastLocal(info, info.ClientID)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) broadcastLocal(info WatcherInfo, skipClientID string) {
	payload, err := json.Marshal(s.event(info))
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal presence event")
		return
	}
	s.registry.BroadcastExcludingClient(info.BoardID, payload, skipClientID)
}

func (s *Service) recordLocal(info WatcherInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster := s.ensureRoster(info.BoardID)
	if info.Gone {
		delete(roster, info.ClientID)
		if len(roster) == 0 {
			delete(s.roster, info.BoardID)
		}
		return
	}
	roster[info.ClientID] = info
}

func (s *Service) persist(ctx context.Context, info WatcherInfo) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, s.presenceKey(info.BoardID, info.ClientID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, info WatcherInfo) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal presence update: %w", err)
	}
	return s.client.Publish(ctx, s.channel(info.BoardID), payload).Err()
}

func (s *Service) event(info WatcherInfo) types.PushEvent {
	name := EventWatcherJoined
	if info.Gone {
		name = EventWatcherLeft
	}
	return types.NewPushEvent(name,
		"board_id", info.BoardID,
		"client_id", info.ClientID,
	)
}

func (s *Service) presenceKey(boardID, clientID string) string {
	return fmt.Sprintf("%s%s:client:%s", s.channelPrefix, boardID, clientID)
}

func (s *Service) channel(boardID string) string {
	return fmt.Sprintf("%s%s", s.channelPrefix, boardID)
}

func (s *Service) ensureRoster(boardID string) map[string]WatcherInfo {
	roster, ok := s.roster[boardID]
	if !ok {
		roster = make(map[string]WatcherInfo)
		s.roster[boardID] = roster
	}
	return roster
}

func (s *Service) markOwned(boardID, clientID string, owned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.owned[boardID]
	if !ok {
		if !owned {
			return
		}
		set = make(map[string]struct{})
		s.owned[boardID] = set
	}
	if owned {
		set[clientID] = struct{}{}
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(s.owned, boardID)
	}
}

func (s *Service) isOwned(boardID, clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.owned[boardID][clientID]
	return ok
}

// WrapHooks installs presence handlers into the provided hook set, preserving
// any existing callbacks for composition.
func (s *Service) WrapHooks(base gateway.Hooks) gateway.Hooks {
	baseConnect := base.OnConnect
	base.OnConnect = func(ctx context.Context, conn *gateway.Connection) error {
		if baseConnect != nil {
			if err := baseConnect(ctx, conn); err != nil {
				return err
			}
		}
		if err := s.Register(ctx, conn.BoardID(), conn.ClientID()); err != nil {
			return err
		}
		return s.SendRoster(ctx, conn)
	}

	baseDisconnect := base.OnDisconnect
	base.OnDisconnect = func(conn *gateway.Connection) {
		if baseDisconnect != nil {
			baseDisconnect(conn)
		}
		s.Clear(context.Background(), conn.BoardID(), conn.ClientID())
	}

	return base
}
