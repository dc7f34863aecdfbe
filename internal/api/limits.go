package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	mu     sync.Mutex
	limits map[string]*rate.Limiter
	rps    rate.Limit
	burst  int
	maxIPs int
}

// newIPRateLimiter allows rps requests per second per IP with the given burst.
func newIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &IPRateLimiter{
		limits: make(map[string]*rate.Limiter),
		rps:    rate.Limit(rps),
		burst:  burst,
		maxIPs: 1024,
	}
}

func (l *IPRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limits[ip]
	if !ok {
		// A local API sees few clients; drop every bucket rather than track age.
		if len(l.limits) >= l.maxIPs {
			l.limits = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limits[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *IPRateLimiter) retryAfter() time.Duration {
	if l.rps <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / float64(l.rps))
}

// rateLimitMiddleware answers 429 once a client IP runs out of tokens.
func rateLimitMiddleware(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"message":     "Too many requests. Please try again later.",
				"retry_after": limiter.retryAfter().String(),
			})
			return
		}
		c.Next()
	}
}

// bodyLimitMiddleware caps request bodies at maxSize bytes.
func bodyLimitMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":    "request body too large",
				"message":  "Request body exceeds maximum allowed size.",
				"max_size": maxSize,
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}
