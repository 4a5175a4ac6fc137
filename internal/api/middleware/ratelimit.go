// Package middleware provides HTTP middleware components for the telemetry API.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int = 2
	defaultRPM                 int = 60
	rateLimiterCleanupInterval     = 5 * time.Minute
	rateLimiterIdleTimeout         = 1 * time.Hour
	secondsPerMinute           int = 60
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// Implementations may use in-memory token buckets (single-node
	// deployment) or distributed stores for multi-node deployments.
	RateLimiter interface {
		// Allow checks if a request from clientIP should be allowed.
		// Returns true if allowed, false if rate limited.
		Allow(clientIP string) bool
		// Limit returns the configured requests-per-minute ceiling, used
		// to populate the X-RateLimit-Limit response header.
		Limit() int
	}

	// InMemoryRateLimiter implements RateLimiter with a token bucket per
	// client IP, using golang.org/x/time/rate.
	//
	// Memory cleanup runs periodically to prevent unbounded growth from
	// one-off or spoofed client IPs.
	InMemoryRateLimiter struct {
		perIP         map[string]*ipLimiter
		mu            sync.RWMutex
		cleanupTicker *time.Ticker
		done          chan struct{}

		rpm             int
		rps             float64
		burst           int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
	}

	// ipLimiter tracks rate limit state for a single client IP, including
	// last access time for memory cleanup.
	ipLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates an in-memory, per-client-IP rate limiter.
//
// Burst capacity is computed as 2 × the per-minute rate converted to a
// per-second rate (truncated), plus one. Cleanup runs periodically to evict
// idle client IPs.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	rps := float64(config.RPM) / float64(secondsPerMinute)
	burst := int(rps*float64(burstCapacityMultiplier)) + 1

	rl := &InMemoryRateLimiter{
		perIP:           make(map[string]*ipLimiter),
		done:            make(chan struct{}),
		rpm:             config.RPM,
		rps:             rps,
		burst:           burst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
	}

	rl.startCleanup()

	return rl
}

// Limit returns the configured requests-per-minute ceiling.
func (rl *InMemoryRateLimiter) Limit() int {
	return rl.rpm
}

// Allow checks if a request from clientIP should be allowed, lazily
// creating a limiter for IPs seen for the first time.
func (rl *InMemoryRateLimiter) Allow(clientIP string) bool {
	rl.mu.RLock()
	il, ok := rl.perIP[clientIP]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		// Double-check after acquiring write lock (avoid race)
		if il, ok = rl.perIP[clientIP]; !ok {
			il = &ipLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.rps), rl.burst),
				lastAccess: time.Now(),
			}

			rl.perIP[clientIP] = il
		}

		rl.mu.Unlock()
	}

	il.mu.Lock()
	il.lastAccess = time.Now()
	il.mu.Unlock()

	return il.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources. Must be called
// when the InMemoryRateLimiter is no longer needed.
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

// startCleanup starts a background goroutine that periodically removes
// stale per-IP limiters to prevent memory leaks.
func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes per-IP limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for clientIP, il := range rl.perIP {
		il.mu.Lock()
		lastAccess := il.lastAccess
		il.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perIP, clientIP)
		}
	}
}

// clientIP extracts the request's client IP, preferring the first hop of
// X-Forwarded-For (set by a trusted reverse proxy) and falling back to
// RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// RateLimit returns a middleware that enforces a per-client-IP rate limit.
// /health is always exempt. Requests that exceed the limit receive a 429
// with a Retry-After header and RFC 7807 error body.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)

				return
			}

			ip := clientIP(r)

			if !limiter.Allow(ip) {
				correlationID := GetCorrelationID(r.Context())

				w.Header().Set("Retry-After", "60")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
				w.Header().Set("X-RateLimit-Remaining", "0")

				detail := "rate limit exceeded, retry after 60 seconds"
				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write rate limit error response",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.Any("error", err),
					)

					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
