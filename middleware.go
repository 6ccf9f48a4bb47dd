package chainsense

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

// requestID 为每个请求分配ID, 客户端传入的ID会被沿用
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("RequestID", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog 记录请求, 不记录请求体
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info(
			"HTTP请求",
			zap.String("RequestID", c.GetString("RequestID")),
			zap.String("Method", c.Request.Method),
			zap.String("Path", c.FullPath()),
			zap.Int("Status", c.Writer.Status()),
			zap.String("ClientIP", c.ClientIP()),
			zap.Duration("Latency", time.Since(start)),
		)
	}
}

// 空闲超过这个时长的客户端令牌桶会被回收
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter 为每个客户端IP维护一个令牌桶
type clientLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	lastSweep time.Time
	limiters  map[string]*limiterEntry
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		idleTTL:   limiterIdleTTL,
		now:       time.Now,
		lastSweep: time.Now(),
		limiters:  make(map[string]*limiterEntry),
	}
}

func (l *clientLimiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	entry, ok := l.limiters[client]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[client] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

// sweep 每过 idleTTL 清理一次空闲的令牌桶, 调用方持有锁
func (l *clientLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	for client, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= l.idleTTL {
			delete(l.limiters, client)
		}
	}
	l.lastSweep = now
}

func rateLimit(l *clientLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests", "retryable": true})
			return
		}
		c.Next()
	}
}
