package signaling

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedIPs bounds the per-IP limiter table. When exceeded the table is
// reset, which at worst grants a fresh burst to known addresses.
const maxTrackedIPs = 10000

type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Allow reports whether ip may proceed. A non-positive limit disables limiting.
func (l *ipLimiter) Allow(ip string) bool {
	if l == nil || l.limit <= 0 || ip == "" {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= maxTrackedIPs {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

type connLimiter struct {
	mu    sync.Mutex
	limit int
	inUse int
}

func newConnLimiter(limit int) *connLimiter {
	return &connLimiter{limit: limit}
}

func (l *connLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.inUse >= l.limit {
		return false
	}
	l.inUse++
	return true
}

func (l *connLimiter) Release() {
	l.mu.Lock()
	if l.inUse > 0 {
		l.inUse--
	}
	l.mu.Unlock()
}

// expiryScheduler runs one timer per session with a lifetime.
type expiryScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newExpiryScheduler() *expiryScheduler {
	return &expiryScheduler{timers: make(map[string]*time.Timer)}
}

func (m *expiryScheduler) schedule(id string, ttl time.Duration, fn func()) {
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.timers[id]; existing != nil {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(ttl, func() {
		m.mu.Lock()
		if m.timers[id] == timer {
			delete(m.timers, id)
		}
		m.mu.Unlock()
		fn()
	})
	m.timers[id] = timer
}

func (m *expiryScheduler) cancel(id string) {
	m.mu.Lock()
	if timer := m.timers[id]; timer != nil {
		timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}

func (m *expiryScheduler) stopAll() {
	m.mu.Lock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
