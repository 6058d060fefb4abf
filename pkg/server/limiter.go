package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RatePolicy bounds webhook ingress per client.
type RatePolicy struct {
	RPS   float64
	Burst int
}

// LimiterStore abstracts the storage for rate limiting buckets so a single
// node can use in-process buckets and a fleet can share Redis.
type LimiterStore interface {
	Allow(ctx context.Context, key string, cost int) (bool, error)
}

// LocalLimiterStore keeps one token bucket per key in process.
type LocalLimiterStore struct {
	mu      sync.Mutex
	policy  RatePolicy
	buckets map[string]*rate.Limiter
}

// NewLocalLimiterStore builds an in-process limiter store.
func NewLocalLimiterStore(policy RatePolicy) *LocalLimiterStore {
	if policy.RPS <= 0 {
		policy.RPS = 10
	}
	if policy.Burst <= 0 {
		policy.Burst = 20
	}
	return &LocalLimiterStore{
		policy:  policy,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow implements LimiterStore.
func (s *LocalLimiterStore) Allow(_ context.Context, key string, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.policy.RPS), s.policy.Burst)
		s.buckets[key] = lim
	}
	s.mu.Unlock()
	return lim.AllowN(time.Now(), cost), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key, ARGV = rate (tokens/sec), capacity, cost, now (sec).
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiterStore implements LimiterStore on a shared Redis instance.
type RedisLimiterStore struct {
	client *redis.Client
	policy RatePolicy
}

// NewRedisLimiterStore connects to Redis at addr.
func NewRedisLimiterStore(addr, password string, db int, policy RatePolicy) *RedisLimiterStore {
	if policy.RPS <= 0 {
		policy.RPS = 10
	}
	if policy.Burst <= 0 {
		policy.Burst = 20
	}
	return &RedisLimiterStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		policy: policy,
	}
}

// Allow implements LimiterStore via the Lua token bucket.
func (s *RedisLimiterStore) Allow(ctx context.Context, key string, cost int) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, s.client,
		[]string{"limiter:" + key}, s.policy.RPS, s.policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	return allowed == 1, nil
}
