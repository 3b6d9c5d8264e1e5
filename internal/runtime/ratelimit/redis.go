package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript runs the admission algorithm inside Redis so every gateway node
// shares one budget per key. Times are unix milliseconds supplied by the
// caller; the record expires once neither its window nor its block is live.
var takeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local block = tonumber(ARGV[4])

local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local reset_at = tonumber(redis.call('HGET', KEYS[1], 'window_reset_at') or '0')
local blocked_until = tonumber(redis.call('HGET', KEYS[1], 'blocked_until') or '0')

if blocked_until > now then
  return {0, count, reset_at, blocked_until, 0}
end

if reset_at <= now then
  count = 0
  reset_at = now + window
  blocked_until = 0
end

count = count + 1
local allowed = 1
local tripped = 0
if count > capacity then
  blocked_until = now + block
  allowed = 0
  tripped = 1
end

redis.call('HSET', KEYS[1], 'count', count, 'window_reset_at', reset_at, 'blocked_until', blocked_until)
local expire_at = reset_at
if blocked_until > expire_at then
  expire_at = blocked_until
end
redis.call('PEXPIRE', KEYS[1], math.max(expire_at - now, 1))

return {allowed, count, reset_at, blocked_until, tripped}
`)

// RedisStore keeps records in Redis hashes. Redis key expiry replaces the
// sweep.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using rdb. prefix namespaces every key.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Take(ctx context.Context, key string, policy Policy, now time.Time) (Decision, error) {
	if s.rdb == nil {
		return Decision{}, fmt.Errorf("redis client is nil")
	}
	res, err := takeScript.Run(ctx, s.rdb, []string{s.key(key)},
		now.UnixMilli(),
		policy.Window.Milliseconds(),
		policy.Capacity,
		policy.BlockDuration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to take rate limit slot: %w", err)
	}
	if len(res) != 5 {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}

	rec := Record{
		Count:         int(res[1]),
		WindowResetAt: time.UnixMilli(res[2]),
	}
	if res[3] > 0 {
		rec.BlockedUntil = time.UnixMilli(res[3])
	}
	decision := Decision{Allowed: res[0] == 1, Record: rec, Tripped: res[4] == 1}
	switch {
	case decision.Tripped:
		decision.RetryAfter = policy.BlockDuration
	case !decision.Allowed:
		decision.RetryAfter = rec.BlockedUntil.Sub(now)
	}
	return decision, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if s.rdb == nil {
		return Record{}, false, fmt.Errorf("redis client is nil")
	}
	fields, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to get rate limit record: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}

	count, err := parseField(fields, "count")
	if err != nil {
		return Record{}, false, err
	}
	resetAt, err := parseField(fields, "window_reset_at")
	if err != nil {
		return Record{}, false, err
	}
	blockedUntil, err := parseField(fields, "blocked_until")
	if err != nil {
		return Record{}, false, err
	}

	rec := Record{Count: int(count), WindowResetAt: time.UnixMilli(resetAt)}
	if blockedUntil > 0 {
		rec.BlockedUntil = time.UnixMilli(blockedUntil)
	}
	return rec, true, nil
}

func parseField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse rate limit %s: %w", name, err)
	}
	return v, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if s.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete rate limit record: %w", err)
	}
	return nil
}

// Sweep is a no-op: records carry a TTL covering their window and block.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
