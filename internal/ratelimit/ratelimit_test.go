package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

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

func newTestLimiter(t *testing.T, rate, burst int, interval time.Duration, opts ...Option) (*Limiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	l := New(rate, burst, interval, opts...)
	l.now = clk.Now
	t.Cleanup(l.Stop)
	return l, clk
}

func TestBurstThenDeny(t *testing.T) {
	l, _ := newTestLimiter(t, 5, 5, time.Minute)

	for i := 0; i < 5; i++ {
		if ok, _ := l.allow("client"); !ok {
			t.Fatalf("request %d inside the burst was denied", i+1)
		}
	}

	ok, retryAfter := l.allow("client")
	if ok {
		t.Fatal("request past the burst was allowed")
	}
	if retryAfter != time.Minute {
		t.Errorf("retry-after = %v, want the full interval with a frozen clock", retryAfter)
	}
}

func TestRefillAfterInterval(t *testing.T) {
	l, clk := newTestLimiter(t, 2, 4, time.Minute)

	for i := 0; i < 4; i++ {
		l.allow("client")
	}
	if ok, _ := l.allow("client"); ok {
		t.Fatal("exhausted bucket still allowed a request")
	}

	clk.Advance(time.Minute)
	// One interval passed: two tokens back.
	for i := 0; i < 2; i++ {
		if ok, _ := l.allow("client"); !ok {
			t.Fatalf("refilled token %d was denied", i+1)
		}
	}
	if ok, _ := l.allow("client"); ok {
		t.Fatal("third request after a single refill was allowed")
	}
}

func TestRefillCapsAtBurst(t *testing.T) {
	l, clk := newTestLimiter(t, 10, 3, time.Minute)

	l.allow("client")
	clk.Advance(time.Hour)

	// However long the idle gap, only burst tokens are available.
	for i := 0; i < 3; i++ {
		if ok, _ := l.allow("client"); !ok {
			t.Fatalf("token %d after long idle was denied", i+1)
		}
	}
	if ok, _ := l.allow("client"); ok {
		t.Fatal("bucket exceeded its burst capacity")
	}
}

func TestClientsAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 1, time.Minute)

	l.allow("a")
	if ok, _ := l.allow("a"); ok {
		t.Fatal("client a should be exhausted")
	}
	if ok, _ := l.allow("b"); !ok {
		t.Fatal("client b should have its own bucket")
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	rejected := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_rejected_total"})
	l, _ := newTestLimiter(t, 1, 1, time.Minute, WithCounter(rejected))

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/conversations/x/message", nil)
		req.RemoteAddr = "10.0.0.1:40001"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first request: status %d", rec.Code)
	}

	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "61" {
		t.Errorf("Retry-After = %q, want 61 (full interval, rounded up)", got)
	}
	if got := testutil.ToFloat64(rejected); got != 1 {
		t.Errorf("rejection counter = %v, want 1", got)
	}
}

func TestOneBucketPerHost(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 1, time.Minute)

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func(addr string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// Same host, different ephemeral ports: one bucket.
	if code := send("10.0.0.1:1111"); code != http.StatusOK {
		t.Fatalf("first request: status %d", code)
	}
	if code := send("10.0.0.1:2222"); code != http.StatusTooManyRequests {
		t.Errorf("same host on a new port was not limited: status %d", code)
	}
	if code := send("10.0.0.2:1111"); code != http.StatusOK {
		t.Errorf("different host was limited: status %d", code)
	}
}

func TestEvictsLeastRecentlySeen(t *testing.T) {
	l, clk := newTestLimiter(t, 1, 1, time.Minute, WithMaxKeys(2))

	l.allow("first")
	clk.Advance(time.Second)
	l.allow("second")
	clk.Advance(time.Second)
	l.allow("third")

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) != 2 {
		t.Fatalf("bucket count = %d, want 2", len(l.buckets))
	}
	if _, ok := l.buckets["first"]; ok {
		t.Error("stalest bucket should have been evicted")
	}
	for _, key := range []string{"second", "third"} {
		if _, ok := l.buckets[key]; !ok {
			t.Errorf("bucket %q missing", key)
		}
	}
}

func TestDropIdleBuckets(t *testing.T) {
	l, clk := newTestLimiter(t, 1, 1, time.Minute)

	l.allow("idle")
	clk.Advance(11 * time.Minute)
	l.allow("active")

	l.dropIdle(clk.Now().Add(-10 * time.Minute))

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets["idle"]; ok {
		t.Error("idle bucket survived the sweep")
	}
	if _, ok := l.buckets["active"]; !ok {
		t.Error("active bucket was swept")
	}
}
