// Package circuitbreaker guards the web-search reader fetches. After too
// many consecutive reader failures the breaker opens and enrichment is
// skipped (results keep their summaries); once the cooldown passes a
// single probe fetch decides whether to close again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is a point-in-time view of the breaker, derived for callers that
// want to report it. Transitions happen inside Allow and the Record calls.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

// Breaker counts consecutive failures and blocks fetches for a cooldown
// once the threshold is hit. Safe for concurrent use.
//
// Internally the open state is the pair (openUntil, probing): a zero
// openUntil means closed, a future one means open, and probing marks the
// single half-open trial fetch that is in flight after the cooldown.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	notify    func(from, to State)
	clock     func() time.Time

	mu        sync.Mutex
	strikes   int
	openUntil time.Time
	probing   bool
}

// An Option adjusts a Breaker at construction time.
type Option func(*Breaker)

func noop(*Breaker) {}

// WithThreshold sets how many consecutive failures trip the breaker.
// Non-positive values keep the default.
func WithThreshold(n int) Option {
	if n <= 0 {
		return noop
	}
	return func(b *Breaker) { b.threshold = n }
}

// WithCooldown sets how long fetches stay blocked after a trip.
// Non-positive values keep the default.
func WithCooldown(d time.Duration) Option {
	if d <= 0 {
		return noop
	}
	return func(b *Breaker) { b.cooldown = d }
}

// WithOnStateChange registers a transition callback. It runs with the
// breaker lock held and must not call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.notify = fn }
}

// New returns a closed Breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{threshold: defaultThreshold, cooldown: defaultCooldown, clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether the next fetch may proceed. While closed it is
// always true. While open it stays false until the cooldown elapses, then
// admits exactly one probe; further calls are false until that probe is
// recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return true
	}
	if b.probing || b.clock().Before(b.openUntil) {
		return false
	}
	b.probing = true
	b.fire(Open, HalfOpen)
	return true
}

// RecordSuccess clears the strike count. A successful probe closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.strikes = 0
	if b.probing {
		b.probing = false
		b.openUntil = time.Time{}
		b.fire(HalfOpen, Closed)
	}
}

// RecordFailure adds a strike. Reaching the threshold while closed trips
// the breaker; a failed probe reopens it for another cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.probing {
		b.probing = false
		b.openUntil = b.clock().Add(b.cooldown)
		b.fire(HalfOpen, Open)
		return
	}
	b.strikes++
	if b.openUntil.IsZero() && b.strikes >= b.threshold {
		b.openUntil = b.clock().Add(b.cooldown)
		b.fire(Closed, Open)
	}
}

// CurrentState derives the state for reporting. An open breaker reports
// Open until Allow admits the probe, even after the cooldown has passed.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.openUntil.IsZero():
		return Closed
	case b.probing:
		return HalfOpen
	default:
		return Open
	}
}

func (b *Breaker) fire(from, to State) {
	if b.notify != nil && from != to {
		b.notify(from, to)
	}
}
