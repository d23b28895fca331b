package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func limited(rate float64, burst int) http.Handler {
	return NewRateLimiter(rate, burst).Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
}

func hit(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", http.NoBody)
	req.RemoteAddr = ip + ":40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterBurst(t *testing.T) {
	h := limited(10, 5)

	for i := range 5 {
		rec := hit(h, "192.168.1.1")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i+1, rec.Code)
		}
		if got, want := rec.Header().Get("X-RateLimit-Remaining"), strconv.Itoa(4-i); got != want {
			t.Errorf("request %d: remaining = %s, want %s", i+1, got, want)
		}
		if rec.Header().Get("X-RateLimit-Reset") == "" {
			t.Errorf("request %d: missing X-RateLimit-Reset", i+1)
		}
	}

	rec := hit(h, "192.168.1.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
	if !strings.Contains(rec.Body.String(), "rate limit exceeded") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	h := limited(10, 2)
	hit(h, "10.0.0.1")
	hit(h, "10.0.0.1")

	if rec := hit(h, "10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("10.0.0.1: expected 429, got %d", rec.Code)
	}
	if rec := hit(h, "10.0.0.2"); rec.Code != http.StatusAccepted {
		t.Errorf("10.0.0.2: expected 202, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := map[string]string{
		"10.0.0.1:1234":   "10.0.0.1",
		"[::1]:8080":      "::1",
		"no-port-address": "no-port-address",
	}
	for addr, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.RemoteAddr = addr
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		if got := clientIP(req); got != want {
			t.Errorf("clientIP(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestRateLimiterClientCap(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	rl.maxClients = 1

	if _, _, ok := rl.take("10.0.0.1"); !ok {
		t.Fatal("first client should pass")
	}
	if _, _, ok := rl.take("10.0.0.2"); ok {
		t.Fatal("new client beyond the cap should be limited")
	}
	if _, _, ok := rl.take("10.0.0.1"); !ok {
		t.Fatal("known client should still pass")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(2, 1)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	if _, _, ok := rl.take("10.0.0.1"); !ok {
		t.Fatal("first request should pass")
	}
	_, wait, ok := rl.take("10.0.0.1")
	if ok {
		t.Fatal("second request should be limited")
	}
	if wait != 500*time.Millisecond {
		t.Fatalf("wait = %v, want 500ms", wait)
	}

	now = now.Add(500 * time.Millisecond)
	if _, _, ok := rl.take("10.0.0.1"); !ok {
		t.Fatal("request after refill should pass")
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.take("10.0.0.1")
	now = now.Add(time.Minute)
	rl.take("10.0.0.2")

	rl.forgetIdle(30 * time.Second)
	if rl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", rl.Len())
	}
}
