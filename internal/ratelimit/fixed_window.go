// Package ratelimit caps how often a client may use an expensive endpoint.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiry counts a hit and arms the window expiry on the first one.
var incrWithExpiry = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindow allows up to limit hits per key in each window. Counters live
// in Redis so every replica shares them.
type FixedWindow struct {
	limit  int
	window time.Duration
	prefix string
	client *redis.Client
	now    func() time.Time
}

// NewFixedWindow builds a Redis-backed limiter.
func NewFixedWindow(addr, password, prefix string, limit int, window time.Duration) (*FixedWindow, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "daily_log:ratelimit"
	}
	return &FixedWindow{
		limit:  limit,
		window: window,
		prefix: prefix,
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		now:    time.Now,
	}, nil
}

// Allow reports whether key is within quota. Redis errors deny the hit.
func (l *FixedWindow) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := incrWithExpiry.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false
	}
	return count <= int64(l.limit)
}

// RetryAfter is the longest a denied caller has to wait.
func (l *FixedWindow) RetryAfter() time.Duration {
	return l.window
}

// Close releases the Redis connection pool.
func (l *FixedWindow) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
