// Package redisbucket stores token buckets in Redis. Refill and debit run in
// a Lua script so every take is atomic per key across gateway replicas.
package redisbucket

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flashgate/flashgate/internal/core"
)

const defaultPrefix = "flashgate:bucket:"

// takeScript refills the bucket and debits ARGV[3] tokens when available.
// A negative cost gives tokens back. Buckets are stored as a hash and expire
// after the idle TTL.
var takeScript = redis.NewScript(`
-- KEYS[1]: bucket key
-- ARGV[1]: capacity
-- ARGV[2]: refill rate (tokens per second)
-- ARGV[3]: cost (negative to refund)
-- ARGV[4]: now (unix microseconds)
-- ARGV[5]: idle ttl (milliseconds)

local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = capacity
local last = now
local state = redis.call('HMGET', key, 'tokens', 'last')
if state[1] then
    tokens = tonumber(state[1])
    last = tonumber(state[2])
end

local elapsed = (now - last) / 1000000
if elapsed < 0 then
    elapsed = 0
else
    last = now
end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if cost < 0 then
    tokens = math.min(capacity, tokens - cost)
    allowed = 1
elseif tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call('HSET', key, 'tokens', string.format('%.9f', tokens), 'last', string.format('%.0f', last))
redis.call('PEXPIRE', key, ttl)

return {allowed, string.format('%.9f', tokens)}
`)

// Store is a core bucket backend on Redis.
type Store struct {
	rdb     redis.UniversalClient
	prefix  string
	idleTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces bucket keys.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithIdleTTL sets how long an untouched bucket survives in Redis.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.idleTTL = d
		}
	}
}

// New wraps a Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: defaultPrefix, idleTTL: 15 * time.Minute}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Take runs the bucket script for key.
func (s *Store) Take(ctx context.Context, key string, policy core.BucketPolicy, cost float64, now time.Time) (core.BucketTake, error) {
	allowed, tokens, err := s.run(ctx, key, policy, cost, now)
	if err != nil {
		return core.BucketTake{}, err
	}

	res := core.BucketTake{Allowed: allowed, Tokens: tokens}
	if allowed {
		res.Undo = func(ctx context.Context) error {
			_, _, err := s.run(ctx, key, policy, -cost, now)
			return err
		}
	}
	return res, nil
}

// Reset deletes the bucket for key.
func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset bucket: %w", err)
	}
	return nil
}

// Ping checks connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) run(ctx context.Context, key string, policy core.BucketPolicy, cost float64, now time.Time) (bool, float64, error) {
	if s == nil || s.rdb == nil {
		return false, 0, errors.New("redis bucket store is not initialized")
	}

	out, err := takeScript.Run(ctx, s.rdb, []string{s.prefix + key},
		policy.Capacity,
		policy.RefillRatePerSecond,
		cost,
		now.UnixMicro(),
		s.idleTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis take bucket: %w", err)
	}
	return parseResult(out)
}

func parseResult(out []any) (bool, float64, error) {
	if len(out) != 2 {
		return false, 0, fmt.Errorf("redis take bucket: unexpected reply %v", out)
	}
	allowed, ok := out[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("redis take bucket: unexpected allowed %T", out[0])
	}
	raw, ok := out[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("redis take bucket: unexpected tokens %T", out[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("redis take bucket: %w", err)
	}
	return allowed == 1, tokens, nil
}
