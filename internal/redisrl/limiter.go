// Package redisrl is a token bucket limiter shared across relay instances
// through Redis.
package redisrl

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rl:"

// The bucket state is one hash per key; refill is computed from the last
// timestamp so no background process is needed.
var bucket = redis.NewScript(`
local rl = KEYS[1]
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local rps = tonumber(ARGV[3])

local t = redis.call('HMGET', rl, 'tokens', 'ts')
local tokens = tonumber(t[1]) or burst
local ts = tonumber(t[2]) or now
local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + delta * rps / 1000.0)

local allowed = 0
local wait_ms = 0
if tokens >= 1.0 then
  tokens = tokens - 1.0
  allowed = 1
else
  wait_ms = math.ceil(1000.0 * (1.0 - tokens) / rps)
end
redis.call('HMSET', rl, 'tokens', tostring(tokens), 'ts', ARGV[1])
redis.call('PEXPIRE', rl, 60000)
return {allowed, wait_ms}
`)

type Limiter struct {
	rdb   redis.Scripter
	burst int
	rps   float64
	now   func() time.Time
}

// New returns a limiter refilling rps tokens per second up to burst.
func New(rdb redis.Scripter, rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{rdb: rdb, burst: burst, rps: rps, now: time.Now}
}

// Allow consumes a token for key. When denied, wait is how long until the
// next token is available.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.rps <= 0 {
		return true, 0, nil
	}
	res, err := bucket.Run(ctx, l.rdb, []string{keyPrefix + key}, l.now().UnixMilli(), l.burst, l.rps).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}
