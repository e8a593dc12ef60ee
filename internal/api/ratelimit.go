package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mattjoyce/studiobridge/internal/auth"
)

// idleLimiterTTL is how long an unused per-key bucket is kept.
const idleLimiterTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyLimiter holds one token bucket per API key. A nil keyLimiter allows
// everything.
type keyLimiter struct {
	perMinute int
	burst     int

	mu       sync.Mutex
	buckets  map[string]*limiterEntry
	lastScan time.Time
	now      func() time.Time
}

func newKeyLimiter(perMinute, burst int) *keyLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &keyLimiter{
		perMinute: perMinute,
		burst:     burst,
		buckets:   make(map[string]*limiterEntry),
		now:       time.Now,
	}
}

// reserve takes one token for key. When none is available it reports how long
// until one is.
func (l *keyLimiter) reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastScan) > idleLimiterTTL {
		for k, e := range l.buckets {
			if now.Sub(e.lastSeen) > idleLimiterTTL {
				delete(l.buckets, k)
			}
		}
		l.lastScan = now
	}

	e, ok := l.buckets[key]
	if !ok {
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.burst),
		}
		l.buckets[key] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := r.RemoteAddr
		if p, ok := auth.PrincipalFromContext(r.Context()); ok && s.authEnabled() {
			key = p.ID()
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.perMinute))
		allowed, wait := s.limiter.reserve(key)
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			s.writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
