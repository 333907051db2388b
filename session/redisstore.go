package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrStoreUnavailable wraps Redis failures on writes.
var ErrStoreUnavailable = errors.New("session store unavailable")

// RedisStore keeps entries in Redis with the entry lifetime as key TTL.
// Keys are namespaced as "<prefix>:session:<sessionID>:<key>".
type RedisStore struct {
	redis     redis.UniversalClient
	prefix    string
	sessionID string
}

func NewRedisStore(redisClient redis.UniversalClient, prefix, sessionID string) *RedisStore {
	if prefix == "" {
		prefix = "cookiecms"
	}
	return &RedisStore{
		redis:     redisClient,
		prefix:    prefix,
		sessionID: sessionID,
	}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":session:" + s.sessionID + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool) {
	raw, err := s.redis.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		return "", false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("corrupt session entry")
		return "", false
	}
	return e.Value, true
}

func (s *RedisStore) Set(ctx context.Context, key, value string, opts Options) error {
	encoded, err := json.Marshal(Entry{Value: value, SameSite: opts.SameSite})
	if err != nil {
		return err
	}

	// expiry is enforced by the key TTL; zero means keep forever
	if err := s.redis.Set(ctx, s.key(key), encoded, opts.Lifetime).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
