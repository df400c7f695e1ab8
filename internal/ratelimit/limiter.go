// Package ratelimit throttles issue moves per caller.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Counter is the window counter RedisLimiter needs; cache.RedisStore provides it.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisLimiter allows perWindow requests per key in fixed windows shared by every
// API replica.
type RedisLimiter struct {
	counter   Counter
	perWindow int64
	window    time.Duration
}

func NewRedisLimiter(counter Counter, perWindow int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{counter: counter, perWindow: int64(perWindow), window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.counter.Incr(ctx, "ratelimit:"+key, l.window)
	if err != nil {
		return false, err
	}
	return count <= l.perWindow, nil
}

// LocalLimiter keeps one token bucket per key in process memory. A bucket idle
// for a whole window is full again and gets dropped.
type LocalLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter allows perWindow requests per window on average with bursts of
// up to perWindow.
func NewLocalLimiter(perWindow int, window time.Duration) *LocalLimiter {
	if perWindow < 1 {
		perWindow = 1
	}
	return &LocalLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(window / time.Duration(perWindow)),
		burst:   perWindow,
		idle:    window,
		now:     time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

func (l *LocalLimiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

// Unlimited never throttles.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
