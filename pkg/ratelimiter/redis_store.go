package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and consumes atomically. State is a hash of tokens and
// last refill time in milliseconds.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "refill")
local tokens = tonumber(state[1])
local refill = tonumber(state[2])
if tokens == nil then
	tokens = capacity
	refill = now
end

local intervals = math.floor((now - refill) / interval)
if intervals > 0 then
	tokens = math.min(tokens + intervals * rate, capacity)
	refill = now
end

local remaining = -1
if tokens >= n then
	tokens = tokens - n
	remaining = tokens
end

redis.call("HSET", KEYS[1], "tokens", tokens, "refill", refill)
redis.call("PEXPIRE", KEYS[1], interval * math.ceil(capacity / rate) * 2)
return {remaining, refill + interval}
`)

// RedisStore shares buckets across replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Take(ctx context.Context, key string, n int, cfg Config) (int, time.Time, error) {
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key},
		cfg.Capacity, cfg.RefillRate, cfg.RefillInterval.Milliseconds(), n, s.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, errors.Join(ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected script result %v", ErrStoreUnavailable, res)
	}
	return int(res[0]), time.UnixMilli(res[1]), nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}
