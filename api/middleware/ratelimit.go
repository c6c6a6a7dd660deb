package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/use-agent/proofshot/config"
	"github.com/use-agent/proofshot/models"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit returns per-identity (API key or IP) token-bucket rate limiting
// middleware powered by golang.org/x/time/rate. Rejected requests get a
// Retry-After header.
//
// Entries unused for 1 hour are evicted every 5 minutes until stop is
// closed.
func RateLimit(cfg config.RateLimitConfig, stop <-chan struct{}) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*limiterEntry)

	getLimiter := func(identity string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		entry, ok := limiters[identity]
		if !ok {
			entry = &limiterEntry{
				limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, cfg.Burst)),
			}
			limiters[identity] = entry
		}
		entry.lastSeen = time.Now()
		return entry.limiter
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			cutoff := time.Now().Add(-1 * time.Hour)
			mu.Lock()
			for id, entry := range limiters {
				if entry.lastSeen.Before(cutoff) {
					delete(limiters, id)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		// Prefer API key as identity (set by auth middleware); fall back to IP.
		identity := c.GetString(IdentityKey)
		if identity == "" {
			identity = c.ClientIP()
		}

		lim := getLimiter(identity)
		now := time.Now()
		res := lim.ReserveN(now, 1)
		if !res.OK() {
			abort(c, http.StatusTooManyRequests, models.KindRateLimited, "rate limit exceeded, please slow down")
			return
		}
		if wait := res.DelayFrom(now); wait > 0 {
			res.CancelAt(now)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			abort(c, http.StatusTooManyRequests, models.KindRateLimited, "rate limit exceeded, please slow down")
			return
		}

		c.Next()
	}
}
