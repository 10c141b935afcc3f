package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces session keys in a shared Redis.
const DefaultRedisPrefix = "mieapi:session:"

// redisGrace keeps a record in Redis a little past its expiry so that
// EnsureValid, not Redis, is what observes and deletes stale entries.
const redisGrace = time.Minute

// RedisStore is a Store backed by Redis, letting several processes share one
// backend session. Records are stored as JSON.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a RedisStore. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		now:    time.Now,
	}
}

// Get loads the record for key. A value that does not decode is reported as
// an error; the next Set overwrites it.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session: decoding redis record: %w", err)
	}

	return &rec, nil
}

// Set stores rec under key. The Redis expiry is ExpiresAt plus a grace
// period; records already past that are still written with the minimum
// expiry so the overwrite is visible.
func (s *RedisStore) Set(ctx context.Context, key string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encoding record: %w", err)
	}

	ttl := rec.ExpiresAt.Sub(s.now()) + redisGrace
	if ttl < redisGrace {
		ttl = redisGrace
	}

	if err := s.rdb.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}

	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("session: redis delete: %w", err)
	}

	return nil
}
