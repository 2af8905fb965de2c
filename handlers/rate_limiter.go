package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kiralightyagami/polling/service"
)

// RateLimiterStats 限流器统计信息
type RateLimiterStats struct {
	TotalRequests    int64 `json:"totalRequests"`
	AllowedRequests  int64 `json:"allowedRequests"`
	RejectedRequests int64 `json:"rejectedRequests"`
	LimiterErrors    int64 `json:"limiterErrors"`
}

// RateLimit 按调用者限流的中间件及其统计
type RateLimit struct {
	limiter service.RateLimiter

	mu    sync.RWMutex
	stats RateLimiterStats
}

// NewRateLimit 创建限流中间件，limiter为nil时不限流
func NewRateLimit(limiter service.RateLimiter) *RateLimit {
	return &RateLimit{limiter: limiter}
}

// rateLimitKey 身份中间件验证过的调用者按身份限流，其余按客户端IP限流
//
// 未验证的身份头不参与计算，否则每次换一个头就能拿到新的令牌桶。
func rateLimitKey(c *gin.Context) string {
	if id, ok := CallerIdentity(c); ok {
		return "id:" + id.String()
	}
	return "ip:" + c.ClientIP()
}

// Middleware 限流中间件
func (r *RateLimit) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 如果限流未启用，直接通过
		if r.limiter == nil {
			c.Next()
			return
		}

		allowed, err := r.limiter.Allow(c.Request.Context(), rateLimitKey(c))

		r.mu.Lock()
		r.stats.TotalRequests++
		switch {
		case err != nil:
			// 限流器故障时放行
			r.stats.LimiterErrors++
			r.stats.AllowedRequests++
		case allowed:
			r.stats.AllowedRequests++
		default:
			r.stats.RejectedRequests++
		}
		r.mu.Unlock()

		if err != nil {
			log.Warn().Err(err).Msg("限流检查失败，放行请求")
		} else if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "请求频率过高，请稍后再试",
				"code":  "RateLimited",
			})
			return
		}

		c.Next()
	}
}

// Stats 获取统计信息副本
func (r *RateLimit) Stats() RateLimiterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// GetRateLimiterStats 获取限流器状态
func (r *RateLimit) GetRateLimiterStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled": r.limiter != nil,
		"stats":   r.Stats(),
	})
}
