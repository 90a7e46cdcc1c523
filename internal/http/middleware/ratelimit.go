package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request draws from.
type KeyFunc func(*gin.Context) string

// KeyByPrincipalOrIP buckets authenticated callers by identity and everyone
// else by client IP. X-Admin-ID is client controlled and is ignored here, so
// rotating it neither escapes the IP bucket nor mints new buckets.
func KeyByPrincipalOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if pid := AuthenticatedID(c); pid != "" {
			return "op:" + pid
		}
		return "ip:" + c.ClientIP()
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a process-local token bucket per key. Buckets idle for
// longer than idleTTL are dropped during lookups.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	keyFn   KeyFunc
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// NewRateLimiter refills rps tokens per second up to burst; a burst below
// one is raised to one.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (rl *RateLimiter) limiterFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rl.idleTTL {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.idleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Len reports the number of live buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Handler enforces the limit. Admitted requests carry X-RateLimit-Limit and
// X-RateLimit-Remaining; refused ones get 429 with Retry-After set to the
// whole seconds until a token is available.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsReplay(c) {
			c.Next()
			return
		}

		now := rl.now()
		lim := rl.limiterFor(rl.keyFn(c), now)
		res := lim.ReserveN(now, 1)
		delay := res.DelayFrom(now)
		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))

		if res.OK() && delay == 0 {
			h.Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Max(0, lim.TokensAt(now)))))
			c.Next()
			return
		}

		retry := 1
		if res.OK() {
			res.CancelAt(now)
			retry = int(math.Ceil(delay.Seconds()))
		}
		h.Set("Retry-After", strconv.Itoa(retry))
		httpRejected.WithLabelValues(rejectRateLimited).Inc()
		h.Set("X-RateLimit-Remaining", "0")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": RequestIDFrom(c),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
