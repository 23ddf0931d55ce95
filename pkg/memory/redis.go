package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "llmos:kv:"
	redisSessionPrefix = "llmos:kvsession:"
)

// RedisStore keeps key-value entries in Redis. TTL handling is delegated
// to Redis key expiry, so PurgeExpired is a no-op. Session membership is
// tracked in a per-session set for ListKeys.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, opts SetOptions) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialise value for key %q: %w", key, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, raw, opts.TTL).Err(); err != nil {
		return fmt.Errorf("store key %q: %w", key, err)
	}
	if opts.SessionID != "" {
		if err := s.client.SAdd(ctx, redisSessionPrefix+opts.SessionID, key).Err(); err != nil {
			return fmt.Errorf("track session key %q: %w", key, err)
		}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read key %q: %w", key, err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("decode value for key %q: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}

func (s *RedisStore) ListKeys(ctx context.Context, sessionID string) ([]string, error) {
	if sessionID != "" {
		members, err := s.client.SMembers(ctx, redisSessionPrefix+sessionID).Result()
		if err != nil {
			return nil, fmt.Errorf("list session keys: %w", err)
		}
		// Filter out members whose entries have since expired.
		live := members[:0]
		for _, key := range members {
			n, err := s.client.Exists(ctx, redisKeyPrefix+key).Result()
			if err != nil {
				return nil, fmt.Errorf("check key %q: %w", key, err)
			}
			if n > 0 {
				live = append(live, key)
			}
		}
		return live, nil
	}

	var keys []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(redisKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return keys, nil
}

// PurgeExpired is a no-op: Redis expires keys itself.
func (s *RedisStore) PurgeExpired(context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
