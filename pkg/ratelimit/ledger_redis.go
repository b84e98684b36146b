package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisReserveScript implements the sliding window atomically.
// KEYS[1] = accepted sorted set (score = unix ms)
// KEYS[2] = rejected counter
// ARGV[1] = now (unix ms)
// ARGV[2] = window (ms)
// ARGV[3] = quota
// ARGV[4] = unique member for this attempt
var redisReserveScript = redis.NewScript(`
local accepted = KEYS[1]
local rejected = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local quota = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", accepted, "-inf", now - window)
local used = redis.call("ZCARD", accepted)

if used < quota then
    redis.call("ZADD", accepted, now, ARGV[4])
    redis.call("PEXPIRE", accepted, window)
    return {1, used + 1, 0}
end

redis.call("INCR", rejected)
local retry = 0
local oldest = redis.call("ZRANGE", accepted, 0, 0, "WITHSCORES")
if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
end
return {0, used, retry}
`)

// RedisLedger shares the ledger between gatekeeper instances.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

// NewRedisLedger creates a ledger on an existing client. Keys are namespaced
// under prefix.
func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "gatekeeper:ledger"
	}
	return &RedisLedger{client: client, prefix: prefix, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *RedisLedger) WithClock(clock func() time.Time) *RedisLedger {
	l.clock = clock
	return l
}

func (l *RedisLedger) keys(actor string) []string {
	return []string{
		fmt.Sprintf("%s:%s:accepted", l.prefix, actor),
		fmt.Sprintf("%s:%s:rejected", l.prefix, actor),
	}
}

// Reserve implements Ledger.
func (l *RedisLedger) Reserve(ctx context.Context, actor string, policy Policy) (Reservation, error) {
	if err := policy.Validate(); err != nil {
		return Reservation{}, err
	}

	now := l.clock().UnixMilli()
	res, err := redisReserveScript.Run(ctx, l.client, l.keys(actor),
		now, policy.Window.Milliseconds(), policy.Quota, uuid.NewString()).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("redis ledger reserve: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 3 {
		return Reservation{}, fmt.Errorf("redis ledger: invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	used, _ := results[1].(int64)
	retry, _ := results[2].(int64)

	return Reservation{
		Allowed:    allowed == 1,
		Used:       int(used),
		RetryAfter: time.Duration(retry) * time.Millisecond,
	}, nil
}

// Usage implements Ledger.
func (l *RedisLedger) Usage(ctx context.Context, actor string, policy Policy) (Usage, error) {
	keys := l.keys(actor)
	lower := fmt.Sprintf("(%d", l.clock().Add(-policy.Window).UnixMilli())

	accepted, err := l.client.ZCount(ctx, keys[0], lower, "+inf").Result()
	if err != nil {
		return Usage{}, fmt.Errorf("redis ledger usage: %w", err)
	}
	rejected, err := l.client.Get(ctx, keys[1]).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("redis ledger usage: %w", err)
	}
	return Usage{Accepted: int(accepted), Rejected: rejected}, nil
}
