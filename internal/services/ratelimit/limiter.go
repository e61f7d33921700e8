package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RPMWindow is the evaluation window for per-team request rates. Team
// limits are expressed as requests per minute, so every limiter call
// for a team uses this window.
const RPMWindow = time.Minute

// TeamKey returns the limiter key for a team's request-rate bucket.
func TeamKey(teamID uuid.UUID) string {
	return "tokengate:rpm:team:" + teamID.String()
}

// Limiter answers whether a keyed caller may perform n more requests
// within the window. Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	AllowN(ctx context.Context, key string, n int, limit int, window time.Duration) (bool, error)
	Reset(ctx context.Context, key string) error
	GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// RedisLimiter implements a sliding window over a Redis sorted set, so
// limits hold across every gateway replica sharing the Redis instance.
type RedisLimiter struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisLimiter(client *redis.Client, log *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		log:    log,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return r.AllowN(ctx, key, 1, limit, window)
}

func (r *RedisLimiter) AllowN(ctx context.Context, key string, n int, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - window.Nanoseconds()

	// Trim entries that slid out of the window, then count what is left.
	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	inWindow, err := count.Result()
	if err != nil {
		return false, fmt.Errorf("rate limit count failed: %w", err)
	}
	if inWindow+int64(n) > int64(limit) {
		return false, nil
	}

	members := make([]redis.Z, n)
	for i := 0; i < n; i++ {
		// Nanosecond offsets keep members unique within one call.
		members[i] = redis.Z{
			Score:  float64(now + int64(i)),
			Member: fmt.Sprintf("%d-%d", now, i),
		}
	}
	if err := r.client.ZAdd(ctx, key, members...).Err(); err != nil {
		return false, fmt.Errorf("rate limit record failed: %w", err)
	}
	r.client.Expire(ctx, key, window)

	return true, nil
}

func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisLimiter) GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	now := time.Now().UnixNano()
	windowStart := now - window.Nanoseconds()

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rate limit remaining failed: %w", err)
	}

	inWindow, err := count.Result()
	if err != nil {
		return 0, err
	}

	remaining := limit - int(inWindow)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// MemoryLimiter is the single-process fallback used when no Redis is
// configured. Each key gets a token bucket refilled at limit/window.
type MemoryLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	log     *zap.Logger
	done    chan struct{}
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// staleAfter is how long an untouched bucket survives before the
// sweeper drops it.
const staleAfter = time.Hour

func NewMemoryLimiter(log *zap.Logger, sweepInterval time.Duration) *MemoryLimiter {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	l := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		log:     log,
		done:    make(chan struct{}),
	}
	go l.sweep(sweepInterval)
	return l
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return l.AllowN(ctx, key, 1, limit, window)
}

func (l *MemoryLimiter) AllowN(_ context.Context, key string, n int, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:     float64(limit),
			lastRefill: time.Now(),
		}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(limit, window)
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true, nil
	}
	return false, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
	return nil
}

func (l *MemoryLimiter) GetRemaining(_ context.Context, key string, limit int, window time.Duration) (int, error) {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok {
		return limit, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(limit, window)
	return int(b.tokens), nil
}

// Close stops the background sweeper.
func (l *MemoryLimiter) Close() {
	close(l.done)
}

func (b *bucket) refill(limit int, window time.Duration) {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	rate := float64(limit) / window.Seconds()
	b.tokens = min(float64(limit), b.tokens+elapsed.Seconds()*rate)
	b.lastRefill = now
}

func (l *MemoryLimiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for key, b := range l.buckets {
				b.mu.Lock()
				stale := now.Sub(b.lastRefill) > staleAfter
				b.mu.Unlock()
				if stale {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
