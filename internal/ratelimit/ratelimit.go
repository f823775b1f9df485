// Package ratelimit provides the per-client token bucket guarding the
// deliberation endpoints. A full council run fans out to every member
// model, so one careless client loop can burn a whole provider quota;
// the limiter caps how many runs a single address can start per window.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Limiter tracks one token bucket per client address. Buckets are
// evicted least-recently-seen once maxKeys is reached; a background
// sweeper drops idle ones.
type Limiter struct {
	rate     int           // tokens added per interval
	burst    int           // bucket capacity
	interval time.Duration // refill interval
	maxKeys  int
	counter  prometheus.Counter // optional: incremented on each 429
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
}

type bucket struct {
	tokens   int
	lastFill time.Time
	lastSeen time.Time
}

// refill tops the bucket up with whole elapsed intervals of tokens.
func (b *bucket) refill(now time.Time, interval time.Duration, rate, burst int) {
	intervals := int(now.Sub(b.lastFill) / interval)
	if intervals <= 0 {
		return
	}
	b.tokens = min(b.tokens+intervals*rate, burst)
	b.lastFill = now
}

// New creates a limiter granting rate tokens per interval with the given
// burst capacity. The caller owns the lifecycle: Stop releases the
// background sweeper.
func New(rate, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		rate:     rate,
		burst:    burst,
		interval: interval,
		maxKeys:  100000,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.sweep()
	return l
}

// An Option adjusts a Limiter at construction time.
type Option func(*Limiter)

// WithCounter registers a Prometheus counter bumped on every 429.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithMaxKeys caps how many client buckets are tracked before the
// least-recently-seen one is evicted.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) { l.maxKeys = n }
}

// Middleware enforces the limit per client address. RemoteAddr is
// already client-accurate here: the router mounts chi's RealIP ahead of
// this, so proxy headers have been folded in.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := l.allow(clientKey(r))
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		if l.counter != nil {
			l.counter.Inc()
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	}
	return http.HandlerFunc(fn)
}

// clientKey strips the ephemeral port so one client maps to one bucket.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allow takes one token from key's bucket. When denied it reports how
// long until the next refill so the 429 can carry an honest Retry-After.
func (l *Limiter) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictStalest()
		}
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
	}
	b.lastSeen = now
	b.refill(now, l.interval, l.rate, l.burst)

	if b.tokens <= 0 {
		return false, l.interval - now.Sub(b.lastFill)
	}
	b.tokens--
	return true, 0
}

// evictStalest drops the bucket that has gone longest without a request.
// Must be called with l.mu held.
func (l *Limiter) evictStalest() {
	if len(l.buckets) == 0 {
		return
	}
	victim, when := "", time.Time{}
	for k, b := range l.buckets {
		if when.IsZero() || b.lastSeen.Before(when) {
			victim, when = k, b.lastSeen
		}
	}
	delete(l.buckets, victim)
}

// dropIdle removes buckets that have not been touched since cutoff.
func (l *Limiter) dropIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Stop terminates the background sweeper.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.dropIdle(l.now().Add(-10 * time.Minute))
		case <-l.stop:
			return
		}
	}
}
