// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits requests per client IP address.
type IPRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is requests per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	return l.AllowHost(extractIP(addr))
}

// AllowHost reports whether a request from host may proceed. Requests whose
// origin is unknown are allowed.
func (l *IPRateLimiter) AllowHost(host string) bool {
	if host == "" {
		return true
	}

	l.mu.Lock()
	e, exists := l.limiters[host]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[host] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked hosts.
func (l *IPRateLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-l.cleanup * 2))
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for host, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, host)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// StreamRateLimiter limits appends per stream so one hot producer cannot
// flood a shared backend.
type StreamRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewStreamRateLimiter creates a per-stream limiter.
func NewStreamRateLimiter(r float64, burst int) *StreamRateLimiter {
	return &StreamRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether one more append to name may proceed.
func (l *StreamRateLimiter) Allow(name string) bool {
	l.mu.Lock()
	limiter, exists := l.limiters[name]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[name] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		return hostOf(addr.String())
	}
}

func hostOf(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Request RequestConfig `yaml:"request"`
	Append  AppendConfig  `yaml:"append"`
}

// RequestConfig holds per-IP request rate limiting settings.
type RequestConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // requests per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// AppendConfig holds per-stream append rate limiting settings.
type AppendConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // appends per second per stream
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Request: RequestConfig{
			Enabled:         true,
			Rate:            200,
			Burst:           100,
			CleanupInterval: 5 * time.Minute,
		},
		Append: AppendConfig{
			Enabled: true,
			Rate:    5000,
			Burst:   500,
		},
	}
}

// Manager coordinates all rate limiters.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	streams  *StreamRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	m := &Manager{config: cfg}
	if cfg.Request.Enabled {
		m.ip = NewIPRateLimiter(cfg.Request.Rate, cfg.Request.Burst, cfg.Request.CleanupInterval)
	}
	if cfg.Append.Enabled {
		m.streams = NewStreamRateLimiter(cfg.Append.Rate, cfg.Append.Burst)
	}
	return m
}

// AllowRequest checks a request by its RemoteAddr ("host:port").
func (m *Manager) AllowRequest(remoteAddr string) bool {
	if m.disabled || m.ip == nil {
		return true
	}
	return m.ip.AllowHost(hostOf(remoteAddr))
}

// AllowAppend checks an append to the named stream.
func (m *Manager) AllowAppend(name string) bool {
	if m.disabled || m.streams == nil {
		return true
	}
	return m.streams.Allow(name)
}

// Middleware passes requests over the per-IP limit to reject instead of next.
// A nil reject answers with a plain 429.
func (m *Manager) Middleware(next http.Handler, reject http.HandlerFunc) http.Handler {
	if reject == nil {
		reject = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.AllowRequest(r.RemoteAddr) {
			reject(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
}
