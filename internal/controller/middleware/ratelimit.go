package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles ops API callers, one token bucket per client.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	key   func(*http.Request) string

	limiters sync.Map // client key -> *cachedLimiter
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithTTL sets how long an idle client's bucket is kept.
func WithTTL(ttl time.Duration) RateLimitOption {
	return func(l *RateLimiter) { l.ttl = ttl }
}

// WithLimit sets the sustained rate and burst per client. A zero limit means unlimited.
func WithLimit(limit float64, burst int) RateLimitOption {
	return func(l *RateLimiter) {
		l.limit = rate.Limit(limit)
		l.burst = burst
	}
}

// WithKeyFunc overrides how requests are attributed to clients.
func WithKeyFunc(key func(*http.Request) string) RateLimitOption {
	return func(l *RateLimiter) { l.key = key }
}

// NewRateLimiter creates a limiter allowing 5 requests per second with a
// burst of 10 per client IP unless configured otherwise.
func NewRateLimiter(opts ...RateLimitOption) *RateLimiter {
	l := &RateLimiter{
		limit: 5,
		burst: 10,
		ttl:   5 * time.Minute,
		key:   clientIP,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Middleware rejects requests over the client's budget with 429.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// limit=0 means unlimited
			if l.limit > 0 && !l.get(l.key(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	if limiter, ok := l.limiters.Load(key); ok {
		cached := limiter.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: time.Now().Add(l.ttl),
	})
	return limiter
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
