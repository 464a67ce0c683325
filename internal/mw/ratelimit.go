package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPRateLimiter keeps one token bucket per client IP. Buckets idle for
// longer than idleAfter are dropped on the next sweep.
type IPRateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*client
	r         rate.Limit
	b         int
	idleAfter time.Duration
	now       func() time.Time
	lastSweep time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a limiter allowing r requests per second with
// burst b for every IP.
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		clients:   make(map[string]*client),
		r:         r,
		b:         b,
		idleAfter: 10 * time.Minute,
		now:       time.Now,
	}
}

// Limiter returns the bucket for ip, creating it on first use.
func (l *IPRateLimiter) Limiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.idleAfter {
		for key, c := range l.clients {
			if now.Sub(c.lastSeen) > l.idleAfter {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.r, l.b)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// RateLimit rejects requests beyond the per-IP budget with 429.
func RateLimit(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Limiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
