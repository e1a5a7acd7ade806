package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mossy-p/sfu-signaling/config"
	"github.com/mossy-p/sfu-signaling/internal/models"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client.
type RateLimiter struct {
	enabled        bool
	requestsPerMin int
	burstSize      int
	expirationTime time.Duration

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine. Call
// Stop to end it.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		enabled:        cfg.Enabled && cfg.RequestsPerMin > 0,
		requestsPerMin: cfg.RequestsPerMin,
		burstSize:      cfg.BurstSize,
		expirationTime: cfg.ExpirationTime,
		clients:        make(map[string]*clientLimiter),
		stopCleanup:    make(chan struct{}),
	}
	if rl.burstSize < 1 {
		rl.burstSize = 1
	}
	if rl.expirationTime <= 0 {
		rl.expirationTime = 10 * time.Minute
	}

	go rl.cleanup()
	return rl
}

// Allow reports whether clientID may make another request now.
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.enabled {
		return true
	}

	rl.mu.Lock()
	cl, ok := rl.clients[clientID]
	if !ok {
		rps := float64(rl.requestsPerMin) / 60.0
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), rl.burstSize)}
		rl.clients[clientID] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

// remaining returns the whole tokens left for clientID.
func (rl *RateLimiter) remaining(clientID string) int {
	rl.mu.Lock()
	cl, ok := rl.clients[clientID]
	rl.mu.Unlock()
	if !ok {
		return rl.burstSize
	}
	tokens := int(cl.limiter.Tokens())
	if tokens < 0 {
		return 0
	}
	return tokens
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.expirationTime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.removeExpired(time.Now())
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) removeExpired(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for id, cl := range rl.clients {
		if now.Sub(cl.lastSeen) > rl.expirationTime {
			delete(rl.clients, id)
		}
	}
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Middleware limits requests per client IP and answers 429 when the bucket
// is empty.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.enabled {
			c.Next()
			return
		}

		clientID := c.ClientIP()
		allowed := rl.Allow(clientID)
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(rl.remaining(clientID)))
		if !allowed {
			c.Header("Retry-After", "60")
			abort(c, models.ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
