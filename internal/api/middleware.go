// internal/api/middleware.go
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/narrforge/narrforge/internal/utils"
)

// RateLimiter 基于固定窗口的简单限流器
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.RWMutex
}

// Visitor 记录单个客户端的限流窗口
type Visitor struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*Visitor),
	}
	go rl.cleanup()
	return rl
}

// cleanup 定期清理过期窗口
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, visitor := range rl.visitors {
			if now.After(visitor.Reset) {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow 判断该客户端本窗口内是否还有配额
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	visitor, exists := rl.visitors[key]

	if !exists || now.After(visitor.Reset) {
		rl.visitors[key] = &Visitor{
			Limit:     limit,
			Remaining: limit - 1,
			Reset:     now.Add(window),
		}
		return true
	}

	if visitor.Remaining <= 0 {
		return false
	}
	visitor.Remaining--
	return true
}

var rateLimiter = NewRateLimiter()

// RateLimitMiddleware 按key限流
func RateLimitMiddleware(limit int, window time.Duration, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFunc(c)

		if !rateLimiter.Allow(key, limit, window) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":   false,
				"error":     "请求过于频繁",
				"code":      "RATE_LIMIT_EXCEEDED",
				"timestamp": time.Now().Format(time.RFC3339),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// DefaultRateLimit 普通接口按IP限流
func DefaultRateLimit() gin.HandlerFunc {
	return RateLimitMiddleware(100, time.Minute, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// GenerationRateLimit 续写接口的限流更严格
func GenerationRateLimit() gin.HandlerFunc {
	return RateLimitMiddleware(30, time.Minute, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// RequestIDMiddleware 为每个请求分配request_id
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// MetricsMiddleware 记录请求耗时与状态
func MetricsMiddleware(metrics *utils.AppMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		metrics.RecordAPIRequest(c.FullPath(), c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// corsMiddleware 启用跨域访问
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
