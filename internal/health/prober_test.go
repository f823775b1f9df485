package health

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// gauge tracks peak concurrent entries across targets.
type gauge struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *gauge) exit() { g.cur.Add(-1) }

type fakeTarget struct {
	id     string
	err    error
	delay  time.Duration
	load   *gauge
	probes atomic.Int64
}

func (f *fakeTarget) ID() string { return f.id }

func (f *fakeTarget) ValidateKey(ctx context.Context) error {
	f.probes.Add(1)
	if f.load != nil {
		f.load.enter()
		defer f.load.exit()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestProbeRecordsBothOutcomes(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	prober := NewProber(DefaultProberConfig(), tracker, []Probeable{
		&fakeTarget{id: "openai"},
		&fakeTarget{id: "google", err: errors.New("quota exceeded")},
	}, quietLogger())

	results := prober.Probe(context.Background())
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	// Results come back sorted by provider ID.
	if results[0].ProviderID != "google" || results[1].ProviderID != "openai" {
		t.Fatalf("result order = %s, %s", results[0].ProviderID, results[1].ProviderID)
	}
	if results[0].OK || results[0].Error != "quota exceeded" {
		t.Errorf("google result = %+v", results[0])
	}
	if !results[1].OK || results[1].Error != "" {
		t.Errorf("openai result = %+v", results[1])
	}

	// Both outcomes landed in the tracker.
	if s := tracker.GetStats("openai"); s.TotalQueries != 1 || s.TotalErrors != 0 {
		t.Errorf("openai tracker stats = %+v", s)
	}
	s := tracker.GetStats("google")
	if s.TotalErrors != 1 {
		t.Errorf("google tracker stats = %+v", s)
	}
	if s.LastError != "probe: quota exceeded" {
		t.Errorf("google last error = %q", s.LastError)
	}
}

func TestProbeTimeout(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	prober := NewProber(ProberConfig{
		Interval:     time.Hour,
		ProbeTimeout: 30 * time.Millisecond,
	}, tracker, []Probeable{
		&fakeTarget{id: "slow", delay: 5 * time.Second},
	}, quietLogger())

	results := prober.Probe(context.Background())
	if len(results) != 1 || results[0].OK {
		t.Fatalf("results = %+v, want one failed probe", results)
	}
	if !strings.Contains(results[0].Error, "deadline exceeded") {
		t.Errorf("error = %q, want a deadline error", results[0].Error)
	}
}

func TestProbeConcurrencyBound(t *testing.T) {
	load := &gauge{}
	var targets []Probeable
	for _, id := range []string{"a", "b", "c", "d"} {
		targets = append(targets, &fakeTarget{id: id, delay: 10 * time.Millisecond, load: load})
	}

	tracker := NewTracker(DefaultConfig())
	prober := NewProber(ProberConfig{
		Interval:      time.Hour,
		ProbeTimeout:  time.Second,
		MaxConcurrent: 1,
	}, tracker, targets, quietLogger())

	prober.Probe(context.Background())
	if got := load.peak.Load(); got != 1 {
		t.Errorf("peak concurrent probes = %d, want 1", got)
	}
}

func TestStartProbesImmediately(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	target := &fakeTarget{id: "openrouter"}
	prober := NewProber(ProberConfig{
		Interval:     time.Hour, // only the startup probe fires
		ProbeTimeout: time.Second,
	}, tracker, []Probeable{target}, quietLogger())

	prober.Start()
	deadline := time.Now().Add(2 * time.Second)
	for target.probes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	prober.Stop()

	if target.probes.Load() == 0 {
		t.Fatal("no startup probe within 2s")
	}
	if s := tracker.GetStats("openrouter"); s.State != StateHealthy || s.TotalQueries == 0 {
		t.Errorf("tracker stats = %+v", s)
	}
}

func TestPeriodicProbesStopCleanly(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	target := &fakeTarget{id: "p1"}
	prober := NewProber(ProberConfig{
		Interval:     25 * time.Millisecond,
		ProbeTimeout: time.Second,
	}, tracker, []Probeable{target}, quietLogger())

	prober.Start()
	time.Sleep(90 * time.Millisecond)
	prober.Stop()

	after := target.probes.Load()
	if after < 2 {
		t.Errorf("probes before stop = %d, want the startup probe plus ticks", after)
	}
	time.Sleep(60 * time.Millisecond)
	if got := target.probes.Load(); got != after {
		t.Errorf("probes continued after Stop: %d -> %d", after, got)
	}
}

func TestSetTargetsSwapsLive(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	old := &fakeTarget{id: "old"}
	prober := NewProber(DefaultProberConfig(), tracker, []Probeable{old}, quietLogger())

	prober.SetTargets([]Probeable{&fakeTarget{id: "new"}})

	results := prober.Probe(context.Background())
	if len(results) != 1 || results[0].ProviderID != "new" {
		t.Fatalf("results = %+v, want only the replacement", results)
	}
	if old.probes.Load() != 0 {
		t.Error("replaced target was still probed")
	}
}
