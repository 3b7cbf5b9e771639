package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quorumgate/fabric/pkg/fabricerr"
)

// slidingWindowScript performs check (and optionally record) for the tenant
// and user windows in one atomic round trip. Windows are sorted sets of
// microsecond timestamps.
//
// KEYS[1] = tenant window key
// KEYS[2] = user window key
// ARGV[1] = tenant limit
// ARGV[2] = user limit
// ARGV[3] = window length in microseconds
// ARGV[4] = now in microseconds
// ARGV[5] = 1 to record on allow, 0 to check only
//
// Returns {allowed, current, limit, oldest} for the more restrictive window.
var slidingWindowScript = redis.NewScript(`
local tenant_key = KEYS[1]
local user_key = KEYS[2]
local tenant_limit = tonumber(ARGV[1])
local user_limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local record = tonumber(ARGV[5])
local cutoff = now - window

redis.call("ZREMRANGEBYSCORE", tenant_key, "-inf", cutoff)
redis.call("ZREMRANGEBYSCORE", user_key, "-inf", cutoff)

local tenant_count = redis.call("ZCARD", tenant_key)
local user_count = redis.call("ZCARD", user_key)

local allowed = 1
if tenant_count >= tenant_limit or user_count >= user_limit then
    allowed = 0
end

local current = tenant_count
local limit = tenant_limit
local key = tenant_key
if (user_limit - user_count) < (tenant_limit - tenant_count) then
    current = user_count
    limit = user_limit
    key = user_key
end

if allowed == 1 and record == 1 then
    redis.call("ZADD", tenant_key, now, now .. "-t")
    redis.call("ZADD", user_key, now, now .. "-u")
    current = current + 1
end

redis.call("PEXPIRE", tenant_key, math.ceil(window / 1000))
redis.call("PEXPIRE", user_key, math.ceil(window / 1000))

local oldest = now
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if first[2] then
    oldest = tonumber(first[2])
end

return {allowed, current, limit, oldest}
`)

// RedisLimiter implements Limiter on a shared Redis, for deployments with
// more than one fabric replica.
type RedisLimiter struct {
	cfg    Config
	client *redis.Client
}

// NewRedisLimiter connects to Redis at addr.
func NewRedisLimiter(cfg Config, addr, password string, db int) *RedisLimiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &RedisLimiter{
		cfg: cfg,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Close releases the client.
func (l *RedisLimiter) Close() error { return l.client.Close() }

func (l *RedisLimiter) keys(tenant, user string) []string {
	return []string{
		fmt.Sprintf("fabric:rl:t:%s", tenant),
		fmt.Sprintf("fabric:rl:u:%s:%s", tenant, user),
	}
}

func (l *RedisLimiter) run(ctx context.Context, tenant, user string, record bool) (Decision, error) {
	now := time.Now()
	rec := 0
	if record {
		rec = 1
	}
	res, err := slidingWindowScript.Run(ctx, l.client, l.keys(tenant, user),
		l.cfg.TenantLimitPerWindow,
		l.cfg.UserLimitPerWindow,
		l.cfg.Window.Microseconds(),
		now.UnixMicro(),
		rec,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	if len(res) != 4 {
		return Decision{}, fmt.Errorf("ratelimit: redis script returned %d values", len(res))
	}

	oldest := time.UnixMicro(res[3])
	d := Decision{
		Allowed:   res[0] == 1,
		Current:   int(res[1]),
		Limit:     int(res[2]),
		Remaining: int(res[2] - res[1]),
		ResetAt:   oldest.Add(l.cfg.Window),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = retryAfter(d.ResetAt, now)
	}
	return d, nil
}

// Check inspects both windows without recording.
func (l *RedisLimiter) Check(ctx context.Context, tenant, user string) (Decision, error) {
	return l.run(ctx, tenant, user, false)
}

// Record appends to both windows, ignoring limits.
func (l *RedisLimiter) Record(ctx context.Context, tenant, user string) error {
	now := time.Now()
	pipe := l.client.TxPipeline()
	keys := l.keys(tenant, user)
	member := fmt.Sprintf("%d", now.UnixMicro())
	pipe.ZAdd(ctx, keys[0], redis.Z{Score: float64(now.UnixMicro()), Member: member + "-t"})
	pipe.ZAdd(ctx, keys[1], redis.Z{Score: float64(now.UnixMicro()), Member: member + "-u"})
	pipe.PExpire(ctx, keys[0], l.cfg.Window)
	pipe.PExpire(ctx, keys[1], l.cfg.Window)
	_, err := pipe.Exec(ctx)
	return err
}

// Acquire is the atomic check+record.
func (l *RedisLimiter) Acquire(ctx context.Context, tenant, user string) (Decision, error) {
	d, err := l.run(ctx, tenant, user, true)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, fabricerr.RateLimited(d.RetryAfter)
	}
	return d, nil
}
