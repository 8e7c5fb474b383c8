// Package connlimit provides upgrade-time connection-attempt rate limiting,
// an ambient DoS guard supplementing the per-user message admission
// controller in internal/ratelimit.
package connlimit

import (
	"sync"
	"time"

	"github.com/daikichidaze/simple-chatapp/internal/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limiter gates WebSocket upgrade attempts with a per-IP and a global token
// bucket, rejecting floods before they reach the authenticator.
type Limiter struct {
	ipLimiters map[string]*ipEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	global *rate.Limiter

	metrics *monitoring.Metrics
	logger  zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Config configures the two-tier limiter.
type Config struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

// New starts a connection rate limiter, including its stale-IP cleanup loop.
func New(cfg Config, metrics *monitoring.Metrics, logger zerolog.Logger) *Limiter {
	l := &Limiter{
		ipLimiters:  make(map[string]*ipEntry),
		ipBurst:     cfg.IPBurst,
		ipRate:      cfg.IPRate,
		ipTTL:       cfg.IPTTL,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		metrics:     metrics,
		logger:      logger.With().Str("component", "connlimit").Logger(),
		stopCleanup: make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a connection attempt from ip may proceed.
func (l *Limiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.metrics.ConnRateLimited.WithLabelValues("global").Inc()
		return false
	}

	if !l.ipLimiter(ip).Allow() {
		l.metrics.ConnRateLimited.WithLabelValues("per_ip").Inc()
		return false
	}

	return true
}

func (l *Limiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.RLock()
	entry, ok := l.ipLimiters[ip]
	l.ipMu.RUnlock()
	if ok {
		l.ipMu.Lock()
		entry.lastAccess = time.Now()
		l.ipMu.Unlock()
		return entry.limiter
	}

	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)
	l.ipLimiters[ip] = &ipEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
		}
	}
}

// Stop halts the cleanup goroutine. Call once at shutdown.
func (l *Limiter) Stop() {
	close(l.stopCleanup)
}
