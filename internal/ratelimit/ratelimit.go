// Package ratelimit guards the connection node's WebSocket upgrade endpoint
// against connection floods: a global token bucket plus one per-source-IP
// bucket, both backed by golang.org/x/time/rate. Adapted from the teacher's
// ConnectionRateLimiter
// (internal/shared/limits/connection_rate_limiter.go), trimmed to the two
// checks the connection node actually needs at admission time.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config mirrors the AUTOCONNECT__CONN_RATE_LIMIT_* settings.
type Config struct {
	IPRate       float64
	IPBurst      int
	GlobalRate   float64
	GlobalBurst  int
	IPTTL        time.Duration // default 5m if zero
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter is the connection-admission rate limiter.
type Limiter struct {
	cfg    Config
	global *rate.Limiter

	mu  sync.Mutex
	ips map[string]*ipEntry

	log zerolog.Logger

	stop chan struct{}
	once sync.Once
}

// New builds a Limiter and starts its background IP-cache eviction loop.
func New(cfg Config, log zerolog.Logger) *Limiter {
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	l := &Limiter{
		cfg:    cfg,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		ips:    make(map[string]*ipEntry),
		log:    log.With().Str("component", "ratelimit").Logger(),
		stop:   make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow reports whether a new connection attempt from ip should be
// admitted: the global bucket is checked first (cheap, no map lookup), then
// the per-IP bucket.
func (l *Limiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.log.Debug().Str("ip", ip).Msg("connection rejected: global rate limit")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.log.Debug().Str("ip", ip).Msg("connection rejected: per-ip rate limit")
		return false
	}
	return true
}

func (l *Limiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.ips[ip]; ok {
		e.lastAccess = time.Now()
		return e.limiter
	}
	e := &ipEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.cfg.IPRate), l.cfg.IPBurst),
		lastAccess: time.Now(),
	}
	l.ips[ip] = e
	return e.limiter
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evict()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for ip, e := range l.ips {
		if now.Sub(e.lastAccess) > l.cfg.IPTTL {
			delete(l.ips, ip)
		}
	}
}

// Stop ends the eviction loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}
