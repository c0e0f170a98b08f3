package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Failed-authentication limits applied to the ingest endpoint.
const (
	DefaultMaxFailedAttempts = 5
	DefaultRateLimitWindow   = 15 * time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	MaxFailedAttempts int
	Window            time.Duration
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig returns the default rate limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		Window:            DefaultRateLimitWindow,
		CleanupInterval:   DefaultCleanupInterval,
	}
}

// failureWindow counts failures since the first one in the current window.
type failureWindow struct {
	count  int
	opened time.Time
}

// RateLimiter refuses callers that keep presenting bad service tokens.
// Callers are keyed by client address.
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*failureWindow
	config   RateLimiterConfig
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a RateLimiter and starts its cleanup loop. Zero
// fields of config take their defaults.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if config.MaxFailedAttempts <= 0 {
		config.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	rl := &RateLimiter{
		failures: make(map[string]*failureWindow),
		config:   config,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.removeExpired()
		}
	}
}

func (rl *RateLimiter) removeExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, fw := range rl.failures {
		if !rl.open(fw, now) {
			delete(rl.failures, key)
		}
	}
}

func (rl *RateLimiter) open(fw *failureWindow, now time.Time) bool {
	return now.Sub(fw.opened) <= rl.config.Window
}

// Stop ends the sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

// RetryAfter returns how long key stays refused, or zero when it may try.
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	fw, ok := rl.failures[key]
	now := rl.now()
	if !ok || !rl.open(fw, now) || fw.count < rl.config.MaxFailedAttempts {
		return 0
	}
	return fw.opened.Add(rl.config.Window).Sub(now)
}

// IsLimited reports whether key has used up its failed attempts.
func (rl *RateLimiter) IsLimited(key string) bool {
	return rl.RetryAfter(key) > 0
}

// RecordFailure counts a rejected token for key.
func (rl *RateLimiter) RecordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if fw, ok := rl.failures[key]; ok && rl.open(fw, now) {
		fw.count++
		return
	}
	rl.failures[key] = &failureWindow{count: 1, opened: now}
}

// Reset forgets key's failures after a good token.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, key)
}

// GetClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then
// the host part of RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
