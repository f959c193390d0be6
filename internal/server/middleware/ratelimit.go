// Package middleware holds HTTP middleware of the dev server.
package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimit configures per-client request limits. A zero RequestsPerMinute
// disables limiting.
type RateLimit struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	BurstLimit        int `mapstructure:"burst" yaml:"burst"`
}

// Enabled reports whether the limit applies.
func (r RateLimit) Enabled() bool {
	return r.RequestsPerMinute > 0
}

// RateLimiter is a token bucket per client IP.
type RateLimiter struct {
	config  RateLimit
	buckets map[string]*tokenBucket
	mutex   sync.Mutex
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
}

// NewRateLimiter creates a limiter and starts the goroutine that forgets
// idle clients. Stop must be called to release it.
func NewRateLimiter(config RateLimit) *RateLimiter {
	if config.BurstLimit <= 0 {
		config.BurstLimit = config.RequestsPerMinute
	}
	rl := &RateLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.cleanup(5*time.Minute, 10*time.Minute)
	return rl
}

// Handler rejects requests over the limit with 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow takes one token from ip's bucket.
func (rl *RateLimiter) Allow(ip string) bool {
	if !rl.config.Enabled() {
		return true
	}
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &tokenBucket{tokens: rl.config.BurstLimit, lastRefill: now}
		rl.buckets[ip] = b
	}
	b.lastSeen = now

	interval := time.Minute / time.Duration(rl.config.RequestsPerMinute)
	if refill := int(now.Sub(b.lastRefill) / interval); refill > 0 {
		b.tokens = min(rl.config.BurstLimit, b.tokens+refill)
		b.lastRefill = b.lastRefill.Add(time.Duration(refill) * interval)
	}
	if b.tokens == 0 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) cleanup(every, idle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.forgetIdle(idle)
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) forgetIdle(idle time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	cutoff := rl.now().Add(-idle)
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// ClientIP returns the first forwarded address, X-Real-IP, or the remote
// host, in that order.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
