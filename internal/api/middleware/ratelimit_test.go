// Package middleware provides HTTP middleware components for the telemetry API.
package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInMemoryRateLimiter_Allow(t *testing.T) {
	t.Run("enforces limit per client IP", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(&Config{RPM: 600}) // 10 rps, burst 21
		defer rl.Close()

		successCount := 0

		for i := 0; i < 25; i++ {
			if rl.Allow("10.0.0.1") {
				successCount++
			}
		}

		if successCount == 0 || successCount >= 25 {
			t.Errorf("expected burst-limited success count, got %d", successCount)
		}
	})

	t.Run("tracks client IPs independently", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(&Config{RPM: 60}) // 1 rps, burst 3
		defer rl.Close()

		for i := 0; i < 3; i++ {
			if !rl.Allow("10.0.0.1") {
				t.Fatalf("expected burst request %d for 10.0.0.1 to succeed", i)
			}
		}

		if !rl.Allow("10.0.0.2") {
			t.Error("expected a different client IP to have its own budget")
		}
	})

	t.Run("cleanup evicts idle clients", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(&Config{
			RPM:             60,
			CleanupInterval: time.Millisecond,
			IdleTimeout:     time.Millisecond,
		})
		defer rl.Close()

		rl.Allow("10.0.0.1")
		time.Sleep(10 * time.Millisecond)
		rl.cleanup()

		rl.mu.RLock()
		_, stillTracked := rl.perIP["10.0.0.1"]
		rl.mu.RUnlock()

		if stillTracked {
			t.Error("expected idle client IP to be evicted by cleanup")
		}
	})
}

func TestRateLimit(t *testing.T) {
	logger := slog.Default()
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("returns 429 with Retry-After once limit is exceeded", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(&Config{RPM: 60}) // burst 3
		defer rl.Close()

		handler := RateLimit(rl, logger)(next)

		var last *httptest.ResponseRecorder

		for i := 0; i < 4; i++ {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
			req.RemoteAddr = "10.0.0.5:1234"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			last = rec
		}

		if last.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429 on exhausted burst, got %d", last.Code)
		}

		if last.Header().Get("Retry-After") != "60" {
			t.Errorf("expected Retry-After: 60, got %q", last.Header().Get("Retry-After"))
		}
	})

	t.Run("exempts /health", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(&Config{RPM: 1})
		defer rl.Close()

		handler := RateLimit(rl, logger)(next)

		for i := 0; i < 5; i++ {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.RemoteAddr = "10.0.0.6:1234"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected /health to always be allowed, got %d on request %d", rec.Code, i)
			}
		}
	})
}

func TestClientIP(t *testing.T) {
	t.Run("prefers X-Forwarded-For", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
		req.RemoteAddr = "10.0.0.1:5555"

		if ip := clientIP(req); ip != "203.0.113.5" {
			t.Errorf("expected 203.0.113.5, got %q", ip)
		}
	})

	t.Run("falls back to RemoteAddr", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "10.0.0.1:5555"

		if ip := clientIP(req); ip != "10.0.0.1" {
			t.Errorf("expected 10.0.0.1, got %q", ip)
		}
	})
}
