package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter 定义限流器接口
type RateLimiter interface {
	// Allow 检查key对应的请求是否允许通过
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalRateLimiter 进程内令牌桶，每个key一个桶
type LocalRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalRateLimiter 创建进程内限流器，perSecond为每秒补充的令牌数
func NewLocalRateLimiter(perSecond float64, burst int) *LocalRateLimiter {
	return &LocalRateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// Allow 检查请求是否允许通过
func (l *LocalRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		l.sweep(now)
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1), nil
}

// sweep 清理长时间未访问的桶
func (l *LocalRateLimiter) sweep(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.idle {
			delete(l.limiters, k)
		}
	}
}
