package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const defaultLockTTL = 15 * time.Second

// RedisStateStore persists the engine's restart-survivable state: per-order
// fill watermarks and the singleton processing lock that keeps two engine
// instances from driving the same account.
type RedisStateStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStateStore(cacheDSN, keyPrefix string) (*RedisStateStore, error) {
	if cacheDSN == "" {
		return nil, fmt.Errorf("redis cache_dsn is required")
	}

	options, err := redis.ParseURL(cacheDSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis cache_dsn: %w", err)
	}

	if keyPrefix == "" {
		keyPrefix = "exchange-core"
	}

	return &RedisStateStore{
		client:    redis.NewClient(options),
		keyPrefix: keyPrefix,
	}, nil
}

func (s *RedisStateStore) watermarkKey(clientOrderID string) string {
	return fmt.Sprintf("%s:fill-watermark:%s", s.keyPrefix, clientOrderID)
}

// SaveFillWatermark records the cumulative filled quantity for the order. A
// lower value than the stored one is never written.
func (s *RedisStateStore) SaveFillWatermark(ctx context.Context, clientOrderID string, filled decimal.Decimal) error {
	key := s.watermarkKey(clientOrderID)

	script := redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or tonumber(ARGV[1]) > tonumber(current) then
    return redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
end
return 0
`)

	ttlSeconds := int64((7 * 24 * time.Hour).Seconds())
	_, err := script.Run(ctx, s.client, []string{key}, filled.String(), ttlSeconds).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	return nil
}

func (s *RedisStateStore) LoadFillWatermark(ctx context.Context, clientOrderID string) (decimal.Decimal, bool, error) {
	raw, err := s.client.Get(ctx, s.watermarkKey(clientOrderID)).Result()
	if err != nil {
		if err == redis.Nil {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}

	filled, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt fill watermark for %s: %w", clientOrderID, err)
	}

	return filled, true, nil
}

// AcquireProcessingLock claims the engine singleton lock. The owner token is
// required to release it.
func (s *RedisStateStore) AcquireProcessingLock(ctx context.Context, ttl time.Duration, owner string) (bool, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	acquired, err := s.client.SetNX(ctx, s.lockKey(), owner, ttl).Result()
	if err != nil {
		return false, err
	}

	return acquired, nil
}

// RefreshProcessingLock extends the lock TTL while the engine is alive.
func (s *RedisStateStore) RefreshProcessingLock(ctx context.Context, ttl time.Duration, owner string) (bool, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	script := redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

	res, err := script.Run(ctx, s.client, []string{s.lockKey()}, owner, ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return false, err
	}

	return res == 1, nil
}

func (s *RedisStateStore) ReleaseProcessingLock(ctx context.Context, owner string) error {
	script := redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

	_, err := script.Run(ctx, s.client, []string{s.lockKey()}, owner).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	return nil
}

func (s *RedisStateStore) lockKey() string {
	return fmt.Sprintf("%s:engine:processing-lock", s.keyPrefix)
}

func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
