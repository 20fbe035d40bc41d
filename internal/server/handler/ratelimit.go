package handler

import (
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// producers burst when a backlog drains, so buckets are keyed per client IP
// rather than globally. Entries idle past this window are dropped.
const bucketIdleTimeout = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns a Gin middleware enforcing a per-client token bucket:
// rps sustained requests per second with the given burst headroom. Refused
// requests get a 429 with Retry-After. The idle-bucket sweeper stops when
// quit is signalled, alongside the rest of the server's background work.
func RateLimiter(rps, burst int, quit <-chan os.Signal) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*clientBucket)

	go func() {
		ticker := time.NewTicker(bucketIdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				for ip, b := range buckets {
					if time.Since(b.lastSeen) > bucketIdleTimeout {
						delete(buckets, ip)
					}
				}
				mu.Unlock()
			case <-quit:
				return
			}
		}
	}()

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		b, ok := buckets[ip]
		if !ok {
			b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			buckets[ip] = b
		}
		b.lastSeen = time.Now()
		mu.Unlock()

		if !b.limiter.Allow() {
			path := c.FullPath()
			if path == "" {
				path = c.Request.URL.Path
			}
			rateLimitedTotal.WithLabelValues(path).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
