package httpserver

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	idleLimiterExpiry = 10 * time.Minute
	limiterSweepEvery = 5 * time.Minute
)

// LimitReason describes why an overlay connection was refused.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectionLimits admits long-lived overlay connections. It enforces an instance-wide cap,
// a per-IP cap on open connections and a per-IP token bucket on new ones.
type ConnectionLimits struct {
	clock     clockwork.Clock
	globalMax int
	perIPMax  int
	rate      rate.Limit
	burst     int

	mu        sync.Mutex
	total     int
	perIP     map[string]int
	buckets   map[string]*ipBucket
	nextSweep time.Time
}

func NewConnectionLimits(clock clockwork.Clock, globalMax, perIPMax int, perSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		clock:     clock,
		globalMax: globalMax,
		perIPMax:  perIPMax,
		rate:      rate.Limit(perSecond),
		burst:     burst,
		perIP:     make(map[string]int),
		buckets:   make(map[string]*ipBucket),
		nextSweep: clock.Now().Add(limiterSweepEvery),
	}
}

// Acquire takes a slot for ip. Every successful Acquire must be paired with Release.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.nextSweep) {
		l.sweep(now)
		l.nextSweep = now.Add(limiterSweepEvery)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	if !b.limiter.AllowN(now, 1) {
		return false, LimitReasonRate
	}

	if l.total >= l.globalMax {
		return false, LimitReasonGlobal
	}
	if l.perIP[ip] >= l.perIPMax {
		return false, LimitReasonPerIP
	}

	l.total++
	l.perIP[ip]++
	return true, ""
}

func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, ok := l.perIP[ip]
	if !ok {
		return
	}
	if count <= 1 {
		delete(l.perIP, ip)
	} else {
		l.perIP[ip] = count - 1
	}
	l.total--
}

// Current returns the number of open connections.
func (l *ConnectionLimits) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *ConnectionLimits) CountFor(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}

// sweep drops buckets of IPs not seen for a while. Must be called with mu held.
func (l *ConnectionLimits) sweep(now time.Time) {
	cutoff := now.Add(-idleLimiterExpiry)
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) && l.perIP[ip] == 0 {
			delete(l.buckets, ip)
		}
	}
}
