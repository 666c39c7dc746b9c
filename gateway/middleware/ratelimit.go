package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimit struct {
	RatePerSecond float64
	Burst         int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets to named route groups. Clients
// are identified by source IP.
type RateLimiter struct {
	logger     *slog.Logger
	limits     map[string]RateLimit
	mu         sync.Mutex
	visitors   map[string]*rateEntry
	clockNow   func() time.Time
	idleTTL    time.Duration
	lastSweep  time.Time
	onThrottle func(group string)
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
		idleTTL:  5 * time.Minute,
	}
}

// OnThrottle registers a callback invoked whenever a request is rejected.
func (r *RateLimiter) OnThrottle(fn func(group string)) { r.onThrottle = fn }

func (r *RateLimiter) Middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[group]
			if !ok || limit.RatePerSecond <= 0 {
				next.ServeHTTP(w, req)
				return
			}
			identifier := clientID(req)
			limiter := r.obtainLimiter(group+"|"+identifier, limit)
			if !limiter.AllowN(r.clockNow(), 1) {
				r.logger.Debug("rate limit exceeded", slog.String("group", group), slog.String("client", identifier))
				if r.onThrottle != nil {
					r.onThrottle(group)
				}
				retry := int(math.Ceil(1 / limit.RatePerSecond))
				w.Header().Set("Retry-After", fmt.Sprint(retry))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(key string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	r.sweepLocked(now)
	entry, ok := r.visitors[key]
	if ok {
		entry.lastSeen = now
		return entry.limiter
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	r.visitors[key] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.idleTTL {
		return
	}
	r.lastSweep = now
	for key, entry := range r.visitors {
		if now.Sub(entry.lastSeen) >= r.idleTTL {
			delete(r.visitors, key)
		}
	}
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
