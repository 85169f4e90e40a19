package websocket

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-IP and per-connection message rate limits
type RateLimitConfig struct {
	// PerIP enables upgrade rate limiting by client IP
	PerIP bool `mapstructure:"per_ip"`
	// PerIPRate is the sustained upgrades per second allowed per IP
	PerIPRate float64 `mapstructure:"per_ip_rate"`
	// PerIPBurst is the upgrade burst allowed per IP
	PerIPBurst int `mapstructure:"per_ip_burst"`
	// MessageRate is the sustained messages per second per connection
	MessageRate float64 `mapstructure:"message_rate"`
	// MessageBurst is the message burst per connection
	MessageBurst int `mapstructure:"message_burst"`
}

// DefaultRateLimitConfig returns the default rate limits
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerIP:        true,
		PerIPRate:    5,
		PerIPBurst:   10,
		MessageRate:  50,
		MessageBurst: 100,
	}
}

// IPRateLimiter limits websocket upgrades per client IP
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	rate     rate.Limit
	burst    int
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates an IP rate limiter from the config
func NewIPRateLimiter(config *RateLimitConfig) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipLimiterEntry),
		rate:     rate.Limit(config.PerIPRate),
		burst:    config.PerIPBurst,
	}
	go l.cleanup()
	return l
}

// Allow reports whether the IP may attempt an upgrade now
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// cleanup evicts limiters for IPs not seen recently
func (l *IPRateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for ip, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}
