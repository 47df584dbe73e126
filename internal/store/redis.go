package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	Client *redis.Client
}

func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

func (s *RedisStore) Close() error {
	if s.Client != nil {
		return s.Client.Close()
	}
	return nil
}

func webhookEventKey(eventID string) string {
	return fmt.Sprintf("webhook_event:%s", eventID)
}

// Seen reports whether a payment event id was already handled.
func (s *RedisStore) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.Client.Exists(ctx, webhookEventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event in redis: %w", err)
	}
	return n > 0, nil
}

// Remember records a handled payment event id for ttl.
func (s *RedisStore) Remember(ctx context.Context, eventID string, ttl time.Duration) error {
	err := s.Client.SetNX(ctx, webhookEventKey(eventID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to store webhook event in redis: %w", err)
	}
	return nil
}

// Allow counts one hit against key in a fixed window and reports whether the
// count is still within limit. The increment and the window expiry run in one
// MULTI block, and the expiry is only set when the key has none, so a counter
// never outlives its window.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	redisKey := fmt.Sprintf("rate_limit:%s", key)

	var incr *redis.IntCmd
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to count rate limit hit: %w", err)
	}
	return incr.Val() <= int64(limit), nil
}
