package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowLua - атомарная проверка окна на sorted set.
// KEYS: окно, флаг блокировки, счетчик нарушений.
// ARGV: now_ms, window_ms, limit, member, base_backoff_ms, max_backoff_ms.
// Возвращает {allowed, remaining, retry_after_ms}.
const slidingWindowLua = `
local blocked = redis.call('PTTL', KEYS[2])
if blocked > 0 then
  return {0, 0, blocked}
end

local now = tonumber(ARGV[1])
local win = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - win)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], win)
  redis.call('DEL', KEYS[3])
  return {1, limit - count - 1, 0}
end

local v = redis.call('INCR', KEYS[3])
redis.call('PEXPIRE', KEYS[3], tonumber(ARGV[6]) * 2)
local backoff = tonumber(ARGV[5]) * math.pow(2, v - 1)
if backoff > tonumber(ARGV[6]) then
  backoff = tonumber(ARGV[6])
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] then
  local freed = tonumber(oldest[2]) + win - now
  if freed > backoff then
    backoff = freed
  end
end
backoff = math.floor(backoff)
redis.call('SET', KEYS[2], 1, 'PX', backoff)
return {0, 0, backoff}
`

// RedisDetector - скользящее окно в Redis, общее для всех инстансов сервиса
type RedisDetector struct {
	rdb    redis.Cmdable
	script *redis.Script
	cfg    WindowConfig
	prefix string
}

func NewRedisDetector(rdb redis.Cmdable, cfg WindowConfig) *RedisDetector {
	return &RedisDetector{
		rdb:    rdb,
		script: redis.NewScript(slidingWindowLua),
		cfg:    cfg.withDefaults(),
		prefix: "ratelimit:",
	}
}

func (d *RedisDetector) Check(ctx context.Context, key string) (Decision, error) {
	base := d.prefix + key
	res, err := d.script.Run(ctx, d.rdb,
		[]string{base, base + ":blocked", base + ":violations"},
		time.Now().UnixMilli(),
		d.cfg.Window.Milliseconds(),
		d.cfg.MaxRequests,
		uuid.NewString(),
		d.cfg.BaseBackoff.Milliseconds(),
		d.cfg.MaxBackoff.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis: rate limit check %s: %w", key, err)
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("redis: rate limit check %s: unexpected result length %d", key, len(res))
	}

	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// FailoverLimiter пробует primary и при ошибке переходит на fallback.
// Redis недоступен - лимит продолжает работать в памяти процесса.
type FailoverLimiter struct {
	primary  Limiter
	fallback Limiter
	onError  func(error)
}

func NewFailoverLimiter(primary, fallback Limiter, onError func(error)) *FailoverLimiter {
	return &FailoverLimiter{primary: primary, fallback: fallback, onError: onError}
}

func (f *FailoverLimiter) Check(ctx context.Context, key string) (Decision, error) {
	dec, err := f.primary.Check(ctx, key)
	if err == nil {
		return dec, nil
	}
	if f.onError != nil {
		f.onError(err)
	}
	return f.fallback.Check(ctx, key)
}

var (
	_ Limiter = (*RedisDetector)(nil)
	_ Limiter = (*FailoverLimiter)(nil)
)
