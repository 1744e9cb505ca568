// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory token-bucket rate limiter with one bucket
// per caller. Every generation request costs an image model call, so the
// limiter is the first line of cost protection in front of the service.
//
//   - Per-key buckets using golang.org/x/time/rate
//   - Pluggable identity (verified uid, else client IP)
//   - Per-route cost, so one image edit weighs more than a record read
//   - Idle buckets are evicted opportunistically to bound memory
//   - Idempotent replays and Skip-matched requests (health checks, event
//     streams) never consume tokens
//
// The limiter is process-local. It is abuse control, not authorization.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var rateLimited = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "adgen",
		Name:      "http_rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	},
	[]string{"path"},
)

func init() {
	prometheus.MustRegister(rateLimited)
}

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys on the verified uid set by Auth and falls back to the
// client IP. Keys are prefixed so the namespaces cannot collide.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid, ok := AuthenticatedUser(c); ok {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter. Safe for concurrent use.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	keyFn    keyFunc
	skip     func(*gin.Context) bool
	cost     func(*gin.Context) int
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter builds a limiter refilling rps tokens per second with the
// given burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// Skip exempts requests matching fn from limiting.
func (rl *RateLimiter) Skip(fn func(*gin.Context) bool) *RateLimiter {
	rl.skip = fn
	return rl
}

// Cost charges fn(c) tokens per request instead of one. Image model routes
// are far more expensive than record reads. Costs are clamped to [1, burst]
// so a single request can always eventually pass.
func (rl *RateLimiter) Cost(fn func(*gin.Context) int) *RateLimiter {
	rl.cost = fn
	return rl
}

func (rl *RateLimiter) costOf(c *gin.Context) int {
	if rl.cost == nil {
		return 1
	}
	n := rl.cost(c)
	if n < 1 {
		return 1
	}
	if n > rl.burst {
		return rl.burst
	}
	return n
}

// getVisitor returns the limiter for key, creating it if absent. Every 5000
// lookups idle buckets are evicted first, so a stale bucket for key itself
// can be dropped.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether Idempotency marked this request as a replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the limiting middleware. Rejected requests get 429 with
// Retry-After: 1 and the standard error envelope.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || (rl.skip != nil && rl.skip(c)) {
			c.Next()
			return
		}
		if rl.getVisitor(rl.keyFn(c)).AllowN(time.Now(), rl.costOf(c)) {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		rateLimited.WithLabelValues(path).Inc()

		const msg = "Too many requests. Please wait a moment and try again."
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    msg,
			"data":       gin.H{"error": msg},
		})
	}
}
