package preserve

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "dispatch:preserve:"

// RedisStore keeps preserved context in Redis so entries survive a process
// restart between preserve and restore.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. ttl bounds how long an orphaned
// entry may linger after a crash; zero means no expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Put(ctx context.Context, entry *PreservedContext) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal preserved context: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+entry.HandoffID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store preserved context: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, handoffID string) (*PreservedContext, bool, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+handoffID).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load preserved context: %w", err)
	}
	var entry PreservedContext
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal preserved context: %w", err)
	}
	return &entry, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, handoffID string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+handoffID).Err(); err != nil {
		return fmt.Errorf("delete preserved context: %w", err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (int, int64, error) {
	var count int
	var bytes int64

	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("scan preserved context: %w", err)
		}
		var entry PreservedContext
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		count++
		bytes += int64(entry.Size)
	}
	if err := iter.Err(); err != nil {
		return 0, 0, fmt.Errorf("scan preserved context: %w", err)
	}
	return count, bytes, nil
}
