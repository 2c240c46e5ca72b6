package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/amoylab/imgate/internal/common/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPrefix = "imgate:presence"
	defaultTopic  = "imgate:notices"
)

// RedisStore implements Store using Redis. Presence is shared by every
// node pointed at the same Redis, and notices travel over pub/sub.
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
	topic  string
	ttl    time.Duration
	pubsub *redis.PubSub
	hub    *hub
	done   chan struct{}
}

var _ Store = (*RedisStore)(nil)

// update is the pub/sub envelope
type update struct {
	Action string  `json:"action"` // "online", "offline", "notice"
	Entry  *Entry  `json:"entry,omitempty"`
	Notice *Notice `json:"notice,omitempty"`
}

// NewRedisStore creates a new Redis-based presence store
func NewRedisStore(ctx context.Context, logger *zap.Logger, cfg config.PresenceRedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	topic := cfg.Topic
	if topic == "" {
		topic = defaultTopic
	}

	logger = logger.Named("presence.store.redis")
	store := &RedisStore{
		logger: logger,
		client: client,
		prefix: prefix + ":",
		topic:  topic,
		ttl:    cfg.TTL,
		hub:    newHub(logger),
		done:   make(chan struct{}),
	}

	// wait for the subscription so nothing published after return is missed
	store.pubsub = client.Subscribe(ctx, topic)
	if _, err := store.pubsub.Receive(ctx); err != nil {
		_ = store.pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	go store.handleUpdates()

	return store, nil
}

func (s *RedisStore) userKey(userID int64) string {
	return s.prefix + "user:" + strconv.FormatInt(userID, 10)
}

func (s *RedisStore) onlineKey() string {
	return s.prefix + "online"
}

// handleUpdates relays pub/sub traffic to local subscribers
func (s *RedisStore) handleUpdates() {
	defer close(s.done)
	defer s.hub.close()

	for msg := range s.pubsub.Channel() {
		var u update
		if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
			s.logger.Error("failed to unmarshal presence update",
				zap.Error(err),
				zap.String("payload", msg.Payload))
			continue
		}

		switch u.Action {
		case "online", "offline":
			if u.Entry != nil {
				s.logger.Debug("received presence update",
					zap.String("action", u.Action),
					zap.Int64("user_id", u.Entry.UserID),
					zap.String("node", u.Entry.Node))
			}
		case "notice":
			if u.Notice != nil {
				s.hub.deliver(*u.Notice)
			}
		default:
			s.logger.Warn("unknown presence update", zap.String("action", u.Action))
		}
	}
}

// publishUpdate publishes an update to the topic
func (s *RedisStore) publishUpdate(ctx context.Context, u update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal presence update: %w", err)
	}
	return s.client.Publish(ctx, s.topic, data).Err()
}

func (s *RedisStore) Online(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal presence entry: %w", err)
	}

	key := s.userKey(entry.UserID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, entry.SessionID, data)
	pipe.SAdd(ctx, s.onlineKey(), entry.UserID)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store presence in Redis: %w", err)
	}

	if err := s.publishUpdate(ctx, update{Action: "online", Entry: &entry}); err != nil {
		s.logger.Warn("failed to publish presence update", zap.Error(err))
	}
	return nil
}

func (s *RedisStore) Offline(ctx context.Context, userID int64, sessionID string) error {
	key := s.userKey(userID)
	if err := s.client.HDel(ctx, key, sessionID).Err(); err != nil {
		return fmt.Errorf("failed to delete presence from Redis: %w", err)
	}
	remaining, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to count user sessions: %w", err)
	}
	if remaining == 0 {
		if err := s.client.SRem(ctx, s.onlineKey(), userID).Err(); err != nil {
			return fmt.Errorf("failed to remove user from online set: %w", err)
		}
	}

	entry := &Entry{UserID: userID, SessionID: sessionID}
	if err := s.publishUpdate(ctx, update{Action: "offline", Entry: entry}); err != nil {
		s.logger.Warn("failed to publish presence update", zap.Error(err))
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, userID int64) ([]Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get presence from Redis: %w", err)
	}

	entries := make([]Entry, 0, len(fields))
	for sessionID, data := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			s.logger.Error("failed to unmarshal presence entry",
				zap.Int64("user_id", userID),
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.onlineKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Publish(ctx context.Context, n Notice) error {
	if s.hub.isClosed() {
		return ErrStoreClosed
	}
	return s.publishUpdate(ctx, update{Action: "notice", Notice: &n})
}

func (s *RedisStore) Subscribe(ctx context.Context) (<-chan Notice, error) {
	return s.hub.subscribe(ctx)
}

// Close closes the Redis store
func (s *RedisStore) Close() error {
	if err := s.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub: %w", err)
	}
	<-s.done
	return s.client.Close()
}
