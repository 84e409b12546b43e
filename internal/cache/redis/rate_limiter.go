package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/routecache/internal/domain"
	"github.com/redis/go-redis/v9"
)

// fixedWindowLua counts one request in the current window and reports whether
// the count is still within the limit. The window key expires with the window.
const fixedWindowLua = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
if n > tonumber(ARGV[2]) then
    return 0
end
return 1
`

// RateLimiter implements domain.RateLimiter with a fixed window counter kept
// in Redis, so the limit holds across every instance behind a balancer.
type RateLimiter struct {
	c      *Client
	script *redis.Script
	now    func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		c:      c,
		script: redis.NewScript(fixedWindowLua),
		now:    time.Now,
	}
}

func (rl *RateLimiter) windowKey(key string, window time.Duration) string {
	slot := rl.now().UnixMilli() / window.Milliseconds()
	return rl.c.key(fmt.Sprintf("ratelimit:%s:%d", key, slot))
}

// Allow counts one request for key and reports whether it is within limit
// requests per window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if window < time.Millisecond {
		window = time.Millisecond
	}
	res, err := rl.script.Run(ctx, rl.c.rdb,
		[]string{rl.windowKey(key, window)},
		window.Milliseconds(),
		limit,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	return res == 1, nil
}

// Compile-time interface check.
var _ domain.RateLimiter = (*RateLimiter)(nil)
