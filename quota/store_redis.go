package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "gatewarden:quota:"
	// Records outlive their day by a margin so a clock skewed reader still
	// sees them; Prune handles anything left behind.
	redisRecordTTL = 48 * time.Hour
	maxTxRetries   = 8
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps usage records in Redis as JSON strings. Increment is an
// optimistic WATCH/MULTI transaction retried on conflict.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(fp string) string {
	return s.prefix + fp
}

func (s *RedisStore) Load(ctx context.Context, fp string) (UsageRecord, bool, error) {
	data, err := s.client.Get(ctx, s.key(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return UsageRecord{}, false, nil
	}
	if err != nil {
		return UsageRecord{}, false, err
	}
	var u UsageRecord
	if err := json.Unmarshal(data, &u); err != nil {
		return UsageRecord{}, false, err
	}
	return u, true, nil
}

func (s *RedisStore) Increment(ctx context.Context, fp, day string, now time.Time) (UsageRecord, error) {
	key := s.key(fp)
	var next UsageRecord

	txf := func(tx *redis.Tx) error {
		var prev UsageRecord
		found := false
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			if json.Unmarshal(data, &prev) == nil {
				found = true
			}
		case !errors.Is(err, redis.Nil):
			return err
		}
		next = Advance(prev, found, fp, day, now)
		out, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redisRecordTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return UsageRecord{}, err
	}
	return UsageRecord{}, fmt.Errorf("incrementing usage for %s: too much contention", fp)
}

func (s *RedisStore) Prune(ctx context.Context, before string) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, err
		}
		var u UsageRecord
		if json.Unmarshal(data, &u) == nil && u.Day >= before {
			continue
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, iter.Err()
}
