package api

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Enabled determines if rate limiting is active.
	Enabled bool
	// RequestsPerSecond is the rate limit per client.
	RequestsPerSecond float64
	// BurstSize is the maximum burst allowed.
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten.
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns the default rate limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 100,
		BurstSize:         200,
		CleanupInterval:   time.Minute,
	}
}

// EndpointRateLimitConfig holds rate limiting configuration for specific endpoints.
type EndpointRateLimitConfig struct {
	// Pattern is the URL pattern to match (e.g., "/api/v1/executions/*/cancel")
	Pattern string
	// RequestsPerSecond is the rate limit per client for this endpoint.
	RequestsPerSecond float64
	// BurstSize is the maximum burst allowed for this endpoint.
	BurstSize int
}

// SubmitEndpointLimit limits replay submissions per client.
func SubmitEndpointLimit(rps float64, burst int) EndpointRateLimitConfig {
	return EndpointRateLimitConfig{
		Pattern:           "/api/v1/replays",
		RequestsPerSecond: rps,
		BurstSize:         burst,
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client, and one per client and
// endpoint for endpoints with their own limit.
type RateLimiter struct {
	config         RateLimitConfig
	endpointLimits []EndpointRateLimitConfig
	clients        map[string]*client
	mu             sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		clients: make(map[string]*client),
		stopCh:  make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go rl.cleanup()
	}

	return rl
}

// WithEndpointLimits adds endpoint-specific rate limits.
func (rl *RateLimiter) WithEndpointLimits(limits []EndpointRateLimitConfig) *RateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.endpointLimits = limits
	return rl
}

func (rl *RateLimiter) limiter(key string, rps float64, burst int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		rl.clients[key] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// Allow checks if a request from the given client is allowed.
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.config.Enabled {
		return true
	}
	return rl.limiter(clientID, rl.config.RequestsPerSecond, rl.config.BurstSize).Allow()
}

// AllowEndpoint checks if a request from the given client is allowed for a specific endpoint.
// Returns the rate limit that was applied.
func (rl *RateLimiter) AllowEndpoint(clientID, path string) (allowed bool, rateLimit float64) {
	if !rl.config.Enabled {
		return true, 0
	}

	rl.mu.Lock()
	limits := rl.endpointLimits
	rl.mu.Unlock()

	for _, limit := range limits {
		if matchEndpointPattern(limit.Pattern, path) {
			l := rl.limiter(limit.Pattern+"|"+clientID, limit.RequestsPerSecond, limit.BurstSize)
			return l.Allow(), limit.RequestsPerSecond
		}
	}

	return rl.Allow(clientID), rl.config.RequestsPerSecond
}

// matchEndpointPattern checks if a path matches a pattern with wildcard support.
// Patterns use * for single segment wildcards (e.g., "/api/v1/executions/*/cancel")
func matchEndpointPattern(pattern, path string) bool {
	patternParts := splitPath(pattern)
	pathParts := splitPath(path)

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i, pp := range patternParts {
		if pp == "*" {
			continue
		}
		if pp != pathParts[i] {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// cleanup periodically forgets clients idle for two intervals.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.prune(time.Now().Add(-rl.config.CleanupInterval * 2))
		}
	}
}

func (rl *RateLimiter) prune(threshold time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, c := range rl.clients {
		if c.lastSeen.Before(threshold) {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}

// Stop stops the rate limiter cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// NewRateLimitMiddleware creates a rate limiting middleware.
func NewRateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || !limiter.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			allowed, rateLimit := limiter.AllowEndpoint(getClientID(r), r.URL.Path)
			if !allowed {
				retry := 1
				if rateLimit > 0 {
					retry = int(math.Ceil(1 / rateLimit))
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", max(retry, 1)))
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", rateLimit))
				writeMiddlewareError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientID extracts the client identifier from the request.
func getClientID(r *http.Request) string {
	if apiKey := extractAPIKey(r); apiKey != "" {
		return "key:" + keyID(apiKey)
	}

	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}
