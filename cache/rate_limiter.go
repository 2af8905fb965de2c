package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 令牌桶算法的Lua脚本
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

-- 获取当前桶中的令牌数和上次更新时间
local tokens_key = key .. ":tokens"
local timestamp_key = key .. ":ts"

local tokens = tonumber(redis.call("get", tokens_key) or burst)
local last_update = tonumber(redis.call("get", timestamp_key) or now)

-- 计算距离上次更新经过的时间，添加相应的令牌
local elapsed = math.max(0, now - last_update)
local new_tokens = math.min(burst, tokens + elapsed * rate)

-- 判断是否有足够的令牌
if new_tokens < 1 then
	return 0
end

-- 消耗一个令牌
new_tokens = new_tokens - 1

-- 更新令牌数和时间戳
redis.call("setex", tokens_key, ttl, new_tokens)
redis.call("setex", timestamp_key, ttl, now)

return 1
`)

// TokenBucketRateLimiter 基于Redis的令牌桶限流器，每个key一个桶，多实例共享
type TokenBucketRateLimiter struct {
	client redis.Scripter
	prefix string
	rate   int // 每秒生成的令牌数量
	burst  int // 令牌桶最大容量
}

// NewTokenBucketRateLimiter 创建新的令牌桶限流器
func NewTokenBucketRateLimiter(client redis.Scripter, prefix string, rate, burst int) *TokenBucketRateLimiter {
	return &TokenBucketRateLimiter{
		client: client,
		prefix: fmt.Sprintf("rate_limit:%s", prefix),
		rate:   rate,
		burst:  burst,
	}
}

// Allow 判断key对应的请求是否允许通过
func (l *TokenBucketRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.client == nil {
		return false, ErrRedisNotAvailable
	}

	ttl := 2
	if l.rate > 0 {
		// 桶从空到满所需的时间
		ttl += l.burst / l.rate
	} else {
		ttl = int((24 * time.Hour).Seconds())
	}

	now := time.Now().Unix()
	result, err := tokenBucketScript.Run(ctx, l.client,
		[]string{l.prefix + ":" + key},
		now, l.rate, l.burst, ttl,
	).Int64()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}
