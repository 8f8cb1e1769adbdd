package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-client token bucket limiter.
type RateLimitConfig struct {
	// RPS is the sustained request rate per key. Zero disables limiting.
	RPS float64 `default:"20"`
	// Burst is the bucket size.
	Burst int `default:"40"`
	// IdleTTL evicts limiters that have not been used for this long.
	IdleTTL time.Duration `default:"10m"`
}

// KeyFunc extracts the rate limit key from a request.
type KeyFunc func(*http.Request) string

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

type rateLimiter struct {
	cfg     RateLimitConfig
	key     KeyFunc
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newRateLimiter(cfg RateLimitConfig, key KeyFunc) *rateLimiter {
	if key == nil {
		key = ClientIP
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(math.Ceil(cfg.RPS)))
	}
	return &rateLimiter{
		cfg:     cfg,
		key:     key,
		entries: make(map[string]*limiterEntry),
	}
}

// reserve takes one token for key. It returns the tokens left and the delay
// until the next token when the request is rejected.
func (rl *rateLimiter) reserve(key string, now time.Time) (remaining int, retryAfter time.Duration, allowed bool) {
	rl.mu.Lock()
	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(rl.cfg.RPS), rl.cfg.Burst)}
		rl.entries[key] = e
	}
	e.seen = now
	rl.mu.Unlock()

	r := e.lim.ReserveN(now, 1)
	if !r.OK() {
		return 0, time.Second, false
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return 0, d, false
	}
	return max(0, int(e.lim.TokensAt(now))), 0, true
}

// cleanup drops limiters idle for longer than IdleTTL.
func (rl *rateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, e := range rl.entries {
		if now.Sub(e.seen) >= rl.cfg.IdleTTL {
			delete(rl.entries, key)
		}
	}
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

func (rl *rateLimiter) startCleanup(ctx context.Context) {
	interval := rl.cfg.IdleTTL
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.cleanup(now)
			}
		}
	}()
}

// RateLimit returns a middleware that enforces a token bucket per client IP.
// Rejected requests get 429 with Retry-After. Every response carries
// X-RateLimit-Limit and X-RateLimit-Remaining.
func RateLimit(cfg RateLimitConfig) Middleware {
	return RateLimitBy(cfg, nil)
}

// RateLimitBy is like RateLimit with a custom key. A nil key uses ClientIP.
func RateLimitBy(cfg RateLimitConfig, key KeyFunc) Middleware {
	return rateLimitMiddleware(newRateLimiter(cfg, key))
}

// RateLimitWithCleanup is like RateLimit but evicts idle limiters every
// IdleTTL until ctx is cancelled.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	rl := newRateLimiter(cfg, nil)
	rl.startCleanup(ctx)
	return rateLimitMiddleware(rl)
}

func rateLimitMiddleware(rl *rateLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		if rl.cfg.RPS <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, retryAfter, allowed := rl.reserve(rl.key(r), time.Now())

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP, checking X-Forwarded-For first,
// then X-Real-IP, then falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
