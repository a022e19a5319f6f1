package storeserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = time.Minute
	limiterSweepSize = 1024
)

// clientLimiter keeps one token bucket per client key.
type clientLimiter struct {
	perSecond int
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perSecond int, now func() time.Time) *clientLimiter {
	if now == nil {
		now = time.Now
	}
	return &clientLimiter{
		perSecond: perSecond,
		now:       now,
		clients:   make(map[string]*limiterEntry),
	}
}

func (l *clientLimiter) allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.clients[key]
	if e == nil {
		if len(l.clients) >= limiterSweepSize {
			l.sweepLocked(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(l.perSecond), l.perSecond)}
		l.clients[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

func (l *clientLimiter) sweepLocked(now time.Time) {
	for key, e := range l.clients {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.clients, key)
		}
	}
}
