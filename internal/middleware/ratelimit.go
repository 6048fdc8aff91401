package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

const (
	APIKeyHeader = "x-api-key"

	limiterIdleTTL = 5 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per device key, or per client IP for
// requests without a key, with a token bucket per caller.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewRateLimiter allows perSecond requests per second per caller with an
// equal burst. perSecond <= 0 disables limiting.
func NewRateLimiter(perSecond int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Inf,
		burst:    perSecond,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if perSecond > 0 {
		rl.limit = rate.Limit(perSecond)
	}
	return rl
}

// Handler returns the Fiber middleware
func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.limit == rate.Inf {
			return c.Next()
		}

		if !rl.allow(callerKey(c)) {
			c.Set("Retry-After", "1")
			c.Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
			c.Set("X-RateLimit-Remaining", "0")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"error":   "too many requests",
			})
		}
		return c.Next()
	}
}

func callerKey(c *fiber.Ctx) string {
	if key := c.Get(APIKeyHeader); key != "" {
		return "key:" + key
	}
	return "ip:" + c.IP()
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = rl.now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// StartCleanup drops limiters idle for longer than five minutes, every interval
func (rl *RateLimiter) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rl.stop:
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()
}

func (rl *RateLimiter) cleanup() {
	cutoff := rl.now().Add(-limiterIdleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// Len returns the number of tracked callers
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}
