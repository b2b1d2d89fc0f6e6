package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// rateLimiter is a token bucket. Each WebSocket connection owns one; the local
// send limiter keeps one per client address.
type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	rate := float64(capacity) / interval.Seconds()
	if rate <= 0 {
		rate = float64(capacity)
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      rate,
		lastCheck: time.Now(),
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastCheck).Seconds()
	rl.lastCheck = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}

func (rl *rateLimiter) idleSince(t time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.lastCheck.Before(t)
}

// SendLimiter throttles the HTTP send operation per client key.
type SendLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// LocalLimiter keeps one token bucket per key in process memory.
type LocalLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*rateLimiter
	burst     int
	interval  time.Duration
	lastSweep time.Time
}

// NewLocalLimiter allows burst sends per interval for every key.
func NewLocalLimiter(burst int, interval time.Duration) *LocalLimiter {
	if interval <= 0 {
		interval = time.Second
	}
	return &LocalLimiter{
		buckets:   make(map[string]*rateLimiter),
		burst:     burst,
		interval:  interval,
		lastSweep: time.Now(),
	}
}

// Allow takes a token from key's bucket.
func (l *LocalLimiter) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	l.sweep()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = newRateLimiter(l.burst, l.interval)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	return bucket.allow()
}

// sweep drops buckets that have been idle long enough to be full again.
// Callers hold l.mu.
func (l *LocalLimiter) sweep() {
	idle := 10 * l.interval
	now := time.Now()
	if now.Sub(l.lastSweep) < idle {
		return
	}
	l.lastSweep = now

	cutoff := now.Add(-idle)
	for key, bucket := range l.buckets {
		if bucket.idleSince(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// RedisLimiter is a sliding-window limiter shared by every instance that
// points at the same Redis.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger zerolog.Logger
}

// NewRedisLimiter allows limit sends per window for every key.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, logger zerolog.Logger) *RedisLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{client: client, limit: limit, window: window, logger: logger}
}

// Allow records the attempt and reports whether it is within the window. A
// Redis failure allows the request.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) bool {
	now := time.Now()
	windowStart := now.Add(-rl.window)
	redisKey := "ratelimit:send:" + key

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(windowStart.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, redisKey, rl.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed; allowing request")
		return true
	}

	return countCmd.Val() < int64(rl.limit)
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// clientKey strips the port from a remote address.
func clientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
