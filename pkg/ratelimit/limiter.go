// Package ratelimit provides per-actor token buckets for the HTTP surface,
// backed by process memory or by Redis when several replicas share limits.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Policy defines limits.
type Policy struct {
	RPM   int
	Burst int
}

func (p Policy) perSecond() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// RetryAfter is the suggested backoff in whole seconds.
func (p Policy) RetryAfter() int {
	if p.RPM <= 0 {
		return 1
	}
	return (60 + p.RPM - 1) / p.RPM
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether actorID may perform an action costing cost.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// InMemoryLimiterStore for single-instance deployments and tests.
type InMemoryLimiterStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	clock    func() time.Time
	idle     time.Duration
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return NewInMemoryLimiterStoreWithClock(time.Now)
}

func NewInMemoryLimiterStoreWithClock(clock func() time.Time) *InMemoryLimiterStore {
	return &InMemoryLimiterStore{
		visitors: make(map[string]*visitor),
		clock:    clock,
		idle:     3 * time.Minute,
	}
}

func (s *InMemoryLimiterStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	v, ok := s.visitors[actorID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst())}
		s.visitors[actorID] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, cost), nil
}

// Sweep drops buckets idle for longer than three minutes.
func (s *InMemoryLimiterStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	removed := 0
	for id, v := range s.visitors {
		if now.Sub(v.lastSeen) > s.idle {
			delete(s.visitors, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets every minute until ctx is done.
func (s *InMemoryLimiterStore) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix time in seconds, microsecond precision
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
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("EXPIRE", key, 180)

return allowed
`)

// RedisLimiterStore implements LimiterStore using Redis.
type RedisLimiterStore struct {
	client redis.Scripter
	prefix string
	clock  func() time.Time
}

// NewRedisLimiterStore creates a store backed by client. Keys are namespaced
// under prefix.
func NewRedisLimiterStore(client redis.Scripter, prefix string) *RedisLimiterStore {
	return &RedisLimiterStore{client: client, prefix: prefix, clock: time.Now}
}

func (s *RedisLimiterStore) key(actorID string) string {
	return fmt.Sprintf("%s:limiter:%s", s.prefix, actorID)
}

// Allow executes the Lua script to check and update the token bucket.
func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	now := float64(s.clock().UnixMicro()) / 1e6
	allowed, err := redisTokenBucketScript.Run(ctx, s.client, []string{s.key(actorID)},
		policy.perSecond(), policy.burst(), cost, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return allowed == 1, nil
}
