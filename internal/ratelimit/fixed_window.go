// Package ratelimit caps how often the generation endpoints may call the
// model API.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "grokbud:ratelimit"

// Limiter reports whether one more request for key fits the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

func validate(limit int, window time.Duration) error {
	if limit <= 0 || window <= 0 {
		return errors.New("rate limiter requires positive limit and window")
	}
	return nil
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}

// RedisFixedWindow shares its counters through Redis so several studio
// processes on one machine draw from the same quota.
type RedisFixedWindow struct {
	limit  int
	window time.Duration
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisFixedWindow(addr, password, prefix string, limit int, window time.Duration) (*RedisFixedWindow, error) {
	if err := validate(limit, window); err != nil {
		return nil, err
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisFixedWindow{
		limit:  limit,
		window: window,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Allow fails closed when Redis is unreachable.
func (l *RedisFixedWindow) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, normalizeKey(key), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false
	}
	return n <= int64(l.limit)
}

func (l *RedisFixedWindow) Close() error {
	return l.client.Close()
}

// MemoryFixedWindow keeps counters in-process.
type MemoryFixedWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	slot   int64
	counts map[string]int
}

func NewMemoryFixedWindow(limit int, window time.Duration) (*MemoryFixedWindow, error) {
	if err := validate(limit, window); err != nil {
		return nil, err
	}
	return &MemoryFixedWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		counts: make(map[string]int),
	}, nil
}

func (l *MemoryFixedWindow) Allow(_ context.Context, key string) bool {
	if l == nil {
		return false
	}
	slot := l.now().UTC().UnixMilli() / l.window.Milliseconds()
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot != l.slot {
		l.slot = slot
		clear(l.counts)
	}
	key = normalizeKey(key)
	l.counts[key]++
	return l.counts[key] <= l.limit
}
