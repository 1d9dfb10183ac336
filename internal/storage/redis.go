package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantumlife/knowledgebase/internal/core"
)

// RedisConfig for the redis backend
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps each partition as a hash of id -> record JSON plus a list
// holding first-insert order. A set tracks partition names.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// setRecord writes the record and appends the id to the order list only on
// first insert, atomically.
var setRecord = redis.NewScript(`
local created = redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
if created == 1 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
else
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
redis.call('SADD', KEYS[3], ARGV[3])
return created
`)

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := retryRedisOperation(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis %s: %w", core.ErrBackendUnavailable, cfg.Addr, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "kb"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) dataKey(resourceType string) string {
	return s.prefix + ":data:" + resourceType
}

func (s *RedisStore) orderKey(resourceType string) string {
	return s.prefix + ":order:" + resourceType
}

func (s *RedisStore) typesKey() string {
	return s.prefix + ":types"
}

func (s *RedisStore) Get(ctx context.Context, resourceType, resourceID string) (*core.Record, error) {
	data, err := retryRedisOperation(ctx, func() ([]byte, error) {
		return s.client.HGet(ctx, s.dataKey(resourceType), resourceID).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, resourceID, err)
	}
	return decodeRecord(data)
}

func (s *RedisStore) Set(ctx context.Context, resourceType, resourceID string, record *core.Record) error {
	if err := validateKey(resourceType, resourceID); err != nil {
		return err
	}
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	keys := []string{s.dataKey(resourceType), s.orderKey(resourceType), s.typesKey()}
	_, err = retryRedisOperation(ctx, func() (int64, error) {
		return setRecord.Run(ctx, s.client, keys, resourceID, string(data), resourceType).Int64()
	})
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

func (s *RedisStore) GetAllOfType(ctx context.Context, resourceType string) ([]core.Entry, error) {
	ids, err := retryRedisOperation(ctx, func() ([]string, error) {
		return s.client.LRange(ctx, s.orderKey(resourceType), 0, -1).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", resourceType, err)
	}
	if len(ids) == 0 {
		return []core.Entry{}, nil
	}

	values, err := retryRedisOperation(ctx, func() ([]interface{}, error) {
		return s.client.HMGet(ctx, s.dataKey(resourceType), ids...).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", resourceType, err)
	}

	entries := make([]core.Entry, 0, len(ids))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Order list can outlive a deleted hash field
			continue
		}
		record, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", resourceType, ids[i], err)
		}
		entries = append(entries, core.Entry{ID: ids[i], Record: record})
	}
	return entries, nil
}

func (s *RedisStore) GetResourceTypes(ctx context.Context) ([]string, error) {
	all, err := retryRedisOperation(ctx, func() ([]string, error) {
		return s.client.SMembers(ctx, s.typesKey()).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	sort.Strings(all)
	return visibleTypes(all), nil
}

// EnsureStoreExists only records the name; redis needs no schema.
func (s *RedisStore) EnsureStoreExists(ctx context.Context, resourceType string) error {
	if resourceType == "" {
		return fmt.Errorf("%w: resource type", core.ErrMissingRequired)
	}
	_, err := retryRedisOperation(ctx, func() (int64, error) {
		return s.client.SAdd(ctx, s.typesKey(), resourceType).Result()
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, resourceType, resourceID string) error {
	_, err := retryRedisOperation(ctx, func() ([]redis.Cmder, error) {
		return s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, s.dataKey(resourceType), resourceID)
			pipe.LRem(ctx, s.orderKey(resourceType), 0, resourceID)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// retryRedisOperation retries transient failures with exponential backoff.
// redis.Nil is an answer, not a failure, and returns immediately.
func retryRedisOperation[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	const maxRetries = 3
	const initialBackoff = 100 * time.Millisecond

	var lastErr error
	var zero T

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// 100ms, 200ms
			backoff := initialBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		result, err := operation()
		if err == nil || errors.Is(err, redis.Nil) {
			return result, err
		}
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
	}

	return zero, fmt.Errorf("redis operation failed after %d retries: %w", maxRetries, lastErr)
}
