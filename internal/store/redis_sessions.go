package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisSessionTTL bounds how long an abandoned session key lives in Redis.
const DefaultRedisSessionTTL = time.Hour

// RedisSessionStore keeps sessions as JSON blobs under intake:session:<contact>.
// The key TTL only garbage-collects abandoned sessions; idle expiry is still decided by the engine.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore wraps an existing client. A non-positive ttl falls back to DefaultRedisSessionTTL.
func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if client == nil {
		panic("store: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultRedisSessionTTL
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

// NewRedisClient opens a client for addr and verifies connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	slog.Debug("NewRedisClient: connected", "addr", addr, "db", db)
	return client, nil
}

func sessionKey(contactID string) string {
	return fmt.Sprintf("intake:session:%s", contactID)
}

func (s *RedisSessionStore) GetSession(ctx context.Context, contactID string) (*models.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(contactID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", contactID, err)
	}
	return decodeSession(data)
}

func (s *RedisSessionStore) SaveSession(ctx context.Context, sess models.Session) error {
	payload, err := encodeSession(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, sessionKey(sess.ContactID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ContactID, err)
	}
	return nil
}

func (s *RedisSessionStore) DeleteSession(ctx context.Context, contactID string) error {
	if err := s.client.Del(ctx, sessionKey(contactID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", contactID, err)
	}
	return nil
}
