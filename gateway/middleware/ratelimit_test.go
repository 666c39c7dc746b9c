package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"verify": {RatePerSecond: 1, Burst: 1},
	}, nil)
	throttled := 0
	limiter.OnThrottle(func(string) { throttled++ })

	handler := limiter.Middleware("verify")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", res.Header().Get("Retry-After"))
	}
	if throttled != 1 {
		t.Fatalf("expected throttle callback, got %d", throttled)
	}
}

func TestRateLimiterSeparatesGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"verify": {RatePerSecond: 1, Burst: 1},
		"paid":   {RatePerSecond: 1, Burst: 1},
	}, nil)

	free := limiter.Middleware("verify")(okHandler())
	paid := limiter.Middleware("paid")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	res := httptest.NewRecorder()
	free.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected free request to succeed, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	paid.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected paid request to have its own bucket, got %d", res.Code)
	}
}

func TestRateLimiterIgnoresClientSuppliedKeys(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"verify": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("verify")(okHandler())

	allowed := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/verify", nil)
		req.Header.Set("X-API-Key", fmt.Sprintf("k%d", i))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code == http.StatusOK {
			allowed++
		}
	}
	if allowed != 1 {
		t.Fatalf("rotating X-API-Key let %d/20 requests through", allowed)
	}
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected a single visitor entry, have %d", len(limiter.visitors))
	}
}

func TestRateLimiterUnknownGroupPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("none")(okHandler())
	for i := 0; i < 3; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("expected pass-through, got %d", res.Code)
		}
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"verify": {RatePerSecond: 1, Burst: 1}}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("verify")(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected one visitor")
	}
	now = now.Add(10 * time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.9:4000"
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected idle visitor to be evicted, have %d", len(limiter.visitors))
	}
}

func TestClientIDForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientID(req); got != "203.0.113.7" {
		t.Fatalf("unexpected client id %s", got)
	}
}
