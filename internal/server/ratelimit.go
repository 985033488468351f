package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedIPs bounds the limiter map; stale entries are pruned
	// when it fills.
	maxTrackedIPs = 4096
	limiterIdle   = 10 * time.Minute
)

// ipLimiter rate limits websocket upgrade attempts per client IP.
type ipLimiter struct {
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		rate:     r,
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
	}
}

// allow reports whether an upgrade attempt from ip may proceed.
func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= maxTrackedIPs {
			l.pruneLocked(now)
		}
		entry = &limiterEntry{lim: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.lim.Allow()
}

// pruneLocked drops entries idle past limiterIdle. Caller holds the lock.
func (l *ipLimiter) pruneLocked(now time.Time) {
	for ip, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > limiterIdle {
			delete(l.limiters, ip)
		}
	}
}

func (l *ipLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
