package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// checkScript removes aged-out attempts, counts what remains and records the
// new attempt only when the count is under the limit. Running it as a single
// script keeps count-and-append atomic across processes.
//
// KEYS[1] window key, ARGV[1] cutoff (ns), ARGV[2] now (ns), ARGV[3] max,
// ARGV[4] key TTL (ms), ARGV[5] member. The member carries a unique suffix
// so that two processes admitting at the same nanosecond store two entries
// instead of collapsing into one. Returns {1} when admitted,
// {0, oldest-score} when not.
var checkScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	return {0, oldest[2]}
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1}
`)

// RedisLimiter is the cross-process variant of Limiter, backed by Redis
// sorted sets keyed per (actor, kind). It is opt-in: single-instance
// deployments keep the in-memory limiter.
type RedisLimiter struct {
	rdb    *redis.Client
	limits map[string]Limit
	prefix string
	logger *zap.Logger
}

// NewRedisLimiter connects to Redis and returns a limiter sharing window
// state with every other process pointed at the same instance.
func NewRedisLimiter(redisURL string, limits map[string]Limit, logger *zap.Logger) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if limits == nil {
		limits = DefaultLimits()
	}
	return &RedisLimiter{
		rdb:    rdb,
		limits: limits,
		prefix: "minibook:ratelimit:",
		logger: logger,
	}, nil
}

func (l *RedisLimiter) key(actorID, kind string) string {
	return l.prefix + actorID + ":" + kind
}

// Check admits or rejects one action, recording admitted actions in Redis.
func (l *RedisLimiter) Check(ctx context.Context, actorID, kind string) error {
	lim, ok := l.limits[kind]
	if !ok {
		return nil
	}

	now := time.Now()
	cutoff := now.Add(-lim.Window).UnixNano()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	res, err := checkScript.Run(ctx, l.rdb, []string{l.key(actorID, kind)},
		cutoff, now.UnixNano(), lim.Max, lim.Window.Milliseconds(), member).Int64Slice()
	if err != nil {
		return fmt.Errorf("rate limit check %s/%s: %w", actorID, kind, err)
	}

	if res[0] == 1 {
		return nil
	}

	retry := lim.Window
	if len(res) > 1 {
		oldest := time.Unix(0, res[1])
		retry = oldest.Add(lim.Window).Sub(now)
	}
	return &LimitExceededError{
		Kind:       kind,
		Max:        lim.Max,
		Window:     lim.Window,
		RetryAfter: retry,
	}
}

// Stats reports current usage for every configured kind.
func (l *RedisLimiter) Stats(ctx context.Context, actorID string) (map[string]Usage, error) {
	now := time.Now()
	out := make(map[string]Usage, len(l.limits))

	for kind, lim := range l.limits {
		cutoff := now.Add(-lim.Window).UnixNano()
		count, err := l.rdb.ZCount(ctx, l.key(actorID, kind),
			fmt.Sprintf("(%d", cutoff), "+inf").Result()
		if err != nil {
			return nil, fmt.Errorf("rate limit stats %s/%s: %w", actorID, kind, err)
		}
		used := int(count)
		remaining := lim.Max - used
		if remaining < 0 {
			remaining = 0
		}
		out[kind] = Usage{
			Used:          used,
			Limit:         lim.Max,
			WindowSeconds: int(lim.Window.Seconds()),
			Remaining:     remaining,
		}
	}
	return out, nil
}

// Close shuts down the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.rdb.Close()
}
