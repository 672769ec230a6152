package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces crewline hashes inside a shared Redis.
const redisKeyPrefix = "crewline:memory:"

// RedisStore persists memory entries as one Redis hash per namespace.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(namespace string) string {
	return redisKeyPrefix + namespace
}

// Save writes or overwrites one value.
func (s *RedisStore) Save(ctx context.Context, namespace, key string, value []byte) error {
	if err := s.client.HSet(ctx, redisKey(namespace), key, value).Err(); err != nil {
		return fmt.Errorf("saving %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Load returns the value for key, or ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, namespace, key string) ([]byte, error) {
	value, err := s.client.HGet(ctx, redisKey(namespace), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// LoadAll returns every key/value pair in the namespace.
func (s *RedisStore) LoadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	raw, err := s.client.HGetAll(ctx, redisKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading namespace %s: %w", namespace, err)
	}
	out := make(map[string][]byte, len(raw))
	for key, value := range raw {
		out[key] = []byte(value)
	}
	return out, nil
}

// Delete removes one key.
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.HDel(ctx, redisKey(namespace), key).Err(); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys lists the keys in the namespace.
func (s *RedisStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	keys, err := s.client.HKeys(ctx, redisKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing keys in %s: %w", namespace, err)
	}
	return keys, nil
}

// Clear removes the whole namespace.
func (s *RedisStore) Clear(ctx context.Context, namespace string) error {
	if err := s.client.Del(ctx, redisKey(namespace)).Err(); err != nil {
		return fmt.Errorf("clearing %s: %w", namespace, err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }
