package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests step time manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(opts ...Option) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(opts...)
	b.clock = clk.Now
	return b, clk
}

func TestFetchLifecycle(t *testing.T) {
	b, clk := newTestBreaker(WithThreshold(2), WithCooldown(10*time.Second))

	if !b.Allow() {
		t.Fatal("new breaker must allow fetches")
	}
	if got := b.CurrentState(); got != Closed {
		t.Fatalf("expected closed, got %v", got)
	}

	b.RecordFailure()
	if !b.Allow() {
		t.Error("one failure below threshold must not block")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Error("threshold reached, fetches must be blocked")
	}
	if got := b.CurrentState(); got != Open {
		t.Errorf("expected open, got %v", got)
	}

	// Cooldown not yet over.
	clk.Advance(9 * time.Second)
	if b.Allow() {
		t.Error("cooldown still running, fetch must be blocked")
	}

	clk.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("cooldown elapsed, probe must be admitted")
	}
	if got := b.CurrentState(); got != HalfOpen {
		t.Errorf("expected half-open during probe, got %v", got)
	}
	if b.Allow() {
		t.Error("only one probe at a time")
	}

	b.RecordSuccess()
	if got := b.CurrentState(); got != Closed {
		t.Errorf("successful probe must close, got %v", got)
	}
	if !b.Allow() {
		t.Error("closed breaker must allow fetches again")
	}
}

func TestProbeFailureStartsNewCooldown(t *testing.T) {
	b, clk := newTestBreaker(WithThreshold(1), WithCooldown(time.Minute))

	b.RecordFailure()
	clk.Advance(61 * time.Second)
	if !b.Allow() {
		t.Fatal("probe must be admitted after cooldown")
	}
	b.RecordFailure()

	if b.Allow() {
		t.Error("failed probe must reopen immediately")
	}
	clk.Advance(59 * time.Second)
	if b.Allow() {
		t.Error("second cooldown must run in full")
	}
	clk.Advance(2 * time.Second)
	if !b.Allow() {
		t.Error("second probe must be admitted after the new cooldown")
	}
}

func TestSuccessResetsStrikes(t *testing.T) {
	b, _ := newTestBreaker(WithThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if !b.Allow() {
		t.Error("strikes must restart from zero after a success")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Error("third consecutive failure must trip")
	}
}

func TestStragglerFailureDoesNotExtendCooldown(t *testing.T) {
	b, clk := newTestBreaker(WithThreshold(1), WithCooldown(20*time.Second))

	b.RecordFailure()
	clk.Advance(10 * time.Second)
	// A fetch that was already in flight when the breaker tripped.
	b.RecordFailure()

	clk.Advance(11 * time.Second)
	if !b.Allow() {
		t.Error("late failure while open must not restart the cooldown")
	}
}

func TestTransitionCallback(t *testing.T) {
	type hop struct{ from, to State }
	var hops []hop
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := New(
		WithThreshold(1),
		WithCooldown(time.Second),
		WithOnStateChange(func(from, to State) { hops = append(hops, hop{from, to}) }),
	)
	b.clock = clk.Now

	b.RecordFailure()
	clk.Advance(2 * time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []hop{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Closed}}
	if len(hops) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(hops), hops)
	}
	for i, w := range want {
		if hops[i] != w {
			t.Errorf("transition %d: expected %v->%v, got %v->%v", i, w.from, w.to, hops[i].from, hops[i].to)
		}
	}
}

func TestOptionGuards(t *testing.T) {
	b := New(WithThreshold(0), WithCooldown(-time.Second))
	if b.threshold != defaultThreshold {
		t.Errorf("non-positive threshold must keep default, got %d", b.threshold)
	}
	if b.cooldown != defaultCooldown {
		t.Errorf("non-positive cooldown must keep default, got %v", b.cooldown)
	}
}

func TestStateString(t *testing.T) {
	for _, tc := range []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(42), "unknown"},
	} {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestConcurrentUse(t *testing.T) {
	b, _ := newTestBreaker(WithThreshold(5), WithCooldown(time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if b.Allow() {
					if (n+j)%3 == 0 {
						b.RecordFailure()
					} else {
						b.RecordSuccess()
					}
				}
			}
		}(i)
	}
	wg.Wait()
	// The race detector is the real assertion here.
	_ = b.CurrentState()
}
