package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"routerd/pkg/config"
	rerrors "routerd/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore keeps one token bucket per client key. Buckets idle for
// longer than limiterIdleTTL are evicted on the next sweep.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		now:       time.Now,
	}
}

func (s *rateLimiterStore) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > limiterIdleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	e, ok := s.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// clientIP prefers the first X-Forwarded-For hop, then the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func passThrough(c *gin.Context) { c.Next() }

// semaphore returns nil for n <= 0, meaning unlimited.
func semaphore(n int) chan struct{} {
	if n <= 0 {
		return nil
	}
	return make(chan struct{}, n)
}

// NewHTTPRateLimitMiddleware applies per-IP request rate limiting and a
// global bound on in-flight requests to the admin API.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)
	inflight := semaphore(cfg.RateLimiting.HTTP.MaxConcurrent)

	return func(c *gin.Context) {
		if inflight != nil {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				abortWith(c, http.StatusServiceUnavailable, rerrors.CodeHostUnavailable, "too many concurrent requests")
				return
			}
		}

		if !store.allow(clientIP(c.Request)) {
			c.Header("Retry-After", "1")
			abortWith(c, http.StatusTooManyRequests, rerrors.CodeAccessDenied, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// NewWebSocketAdmissionMiddleware limits how fast one IP may open signaling
// connections and how many may be open at once. The concurrency slot is
// held until the wrapped handler returns, which for the signaling endpoint
// is the lifetime of the connection.
func NewWebSocketAdmissionMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	ws := cfg.RateLimiting.WebSocket
	store := newRateLimiterStore(rate.Limit(float64(ws.ConnectionsPerMinute)/60), ws.Burst)
	open := semaphore(ws.MaxConcurrent)

	return func(c *gin.Context) {
		if !store.allow(clientIP(c.Request)) {
			c.Header("Retry-After", "60")
			abortWith(c, http.StatusTooManyRequests, rerrors.CodeAccessDenied, "connection rate exceeded")
			return
		}

		if open != nil {
			select {
			case open <- struct{}{}:
				defer func() { <-open }()
			default:
				abortWith(c, http.StatusServiceUnavailable, rerrors.CodeHostUnavailable, "connection limit reached")
				return
			}
		}
		c.Next()
	}
}
