package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client. Clients are identified by
// the id BearerAuth stored in the context, or by remote address.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	ttl      time.Duration
	limiters sync.Map // client -> *cachedLimiter
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithTTL sets how long an idle client's bucket is kept.
func WithTTL(ttl time.Duration) Option {
	return func(rl *RateLimiter) { rl.ttl = ttl }
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int, opts ...Option) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{rps: rate.Limit(rps), burst: burst, ttl: 5 * time.Minute}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware returns the HTTP middleware.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl.rps <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.limiter(clientKeyFor(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (rl *RateLimiter) limiter(client string) *rate.Limiter {
	now := time.Now()
	if v, ok := rl.limiters.Load(client); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(rl.rps, rl.burst)
	rl.limiters.Store(client, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(rl.ttl),
	})
	return limiter
}

func clientKeyFor(r *http.Request) string {
	if id, ok := ClientFromContext(r.Context()); ok {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
