package syscall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter throttles syscall dispatch per caller key (pid or tenant).
type Limiter interface {
	Allow(ctx context.Context, caller string) (bool, error)
}

// LocalLimiter enforces a token-bucket limit per caller in process memory.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewLocalLimiter allows rps sustained calls per caller with the given
// burst.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(rps),
		burst:   burst,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, caller string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[caller]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[caller] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}

// RedisLimiter enforces a fixed-window limit shared across nodes. Counter
// keys roll over each window via expiry.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	window time.Duration
	max    int64
}

// NewRedisLimiter allows max calls per caller per window.
func NewRedisLimiter(client *redis.Client, prefix string, window time.Duration, max int64) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, window: window, max: max}
}

func (l *RedisLimiter) Allow(ctx context.Context, caller string) (bool, error) {
	key := fmt.Sprintf("%s:%s", l.prefix, caller)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limiter incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("rate limiter expire: %w", err)
		}
	}
	return count <= l.max, nil
}
