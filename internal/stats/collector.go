// Package stats aggregates per-query observations into rolling windows
// for the stats endpoint. Everything lives in memory; the collector is
// reseeded from the persisted history on startup.
package stats

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is a single data point recorded for a model query.
type Snapshot struct {
	Timestamp  time.Time
	ModelID    string
	ProviderID string
	LatencyMs  float64
	Success    bool
	ErrorKind  string
}

// A Window names one rolling span of history.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows is the ladder of spans the stats endpoint reports.
func DefaultWindows() []Window {
	return []Window{
		{"1m", time.Minute},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"24h", 24 * time.Hour},
	}
}

// Aggregate is one window's worth of reduced observations.
type Aggregate struct {
	Window       string  `json:"window"`
	ModelID      string  `json:"model_id,omitempty"`
	ProviderID   string  `json:"provider_id,omitempty"`
	QueryCount   int     `json:"query_count"`
	ErrorCount   int     `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// Collector maintains rolling snapshots for stats aggregation.
type Collector struct {
	now func() time.Time

	mu      sync.RWMutex
	history []Snapshot

	windows []Window
	maxAge  time.Duration
}

// NewCollector creates a new stats collector covering the default
// windows. Snapshots are retained one hour past the widest window.
func NewCollector() *Collector {
	return &Collector{
		now:     time.Now,
		windows: DefaultWindows(),
		maxAge:  25 * time.Hour,
	}
}

// Record adds a new snapshot, stamping it if the timestamp is unset.
func (c *Collector) Record(s Snapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, s)
}

// Seed bulk-loads historical snapshots, typically replayed from the
// database on startup so the stats page is not blank after a restart.
func (c *Collector) Seed(snapshots []Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, snapshots...)
}

// Prune removes snapshots older than the retention horizon.
func (c *Collector) Prune() {
	c.mu.Lock()
	c.dropExpired()
	c.mu.Unlock()
}

// dropExpired filters out snapshots past maxAge in place. Caller holds
// the write lock. Does not assume chronological order.
func (c *Collector) dropExpired() {
	cutoff := c.now().Add(-c.maxAge)
	kept := c.history[:0]
	for _, s := range c.history {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	c.history = kept
}

// working prunes and copies the data set under one write lock, so a
// concurrent Record cannot slip between the two steps.
func (c *Collector) working() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropExpired()
	return append([]Snapshot(nil), c.history...)
}

// Summary returns aggregated stats for all windows grouped by model.
func (c *Collector) Summary() map[string][]Aggregate {
	return c.grouped(
		func(s Snapshot) string { return s.ModelID },
		func(a *Aggregate, key string) { a.ModelID = key },
	)
}

// SummaryByProvider returns aggregated stats for all windows grouped by
// provider.
func (c *Collector) SummaryByProvider() map[string][]Aggregate {
	return c.grouped(
		func(s Snapshot) string { return s.ProviderID },
		func(a *Aggregate, key string) { a.ProviderID = key },
	)
}

// grouped buckets each window's snapshots by the given key and reduces
// every bucket to one aggregate, labelled through setKey.
func (c *Collector) grouped(key func(Snapshot) string, setKey func(*Aggregate, string)) map[string][]Aggregate {
	data := c.working()
	now := c.now()

	out := make(map[string][]Aggregate)
	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		buckets := make(map[string][]Snapshot)
		for _, s := range data {
			if s.Timestamp.After(cutoff) {
				k := key(s)
				buckets[k] = append(buckets[k], s)
			}
		}
		for k, snaps := range buckets {
			a := summarize(w.Name, snaps)
			setKey(&a, k)
			out[w.Name] = append(out[w.Name], a)
		}
	}
	return out
}

// Global returns aggregate stats across all models and providers.
// Windows with no data are omitted.
func (c *Collector) Global() []Aggregate {
	data := c.working()
	now := c.now()

	var out []Aggregate
	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		var in []Snapshot
		for _, s := range data {
			if s.Timestamp.After(cutoff) {
				in = append(in, s)
			}
		}
		if len(in) > 0 {
			out = append(out, summarize(w.Name, in))
		}
	}
	return out
}

// SnapshotCount reports how many snapshots are currently held.
func (c *Collector) SnapshotCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.history)
}

// summarize reduces one bucket of snapshots to a single aggregate.
func summarize(window string, snaps []Snapshot) Aggregate {
	a := Aggregate{Window: window, QueryCount: len(snaps)}
	if len(snaps) == 0 {
		return a
	}

	latencies := make([]float64, len(snaps))
	var sum float64
	for i, s := range snaps {
		latencies[i] = s.LatencyMs
		sum += s.LatencyMs
		if !s.Success {
			a.ErrorCount++
		}
	}
	a.AvgLatencyMs = sum / float64(len(snaps))
	a.ErrorRate = float64(a.ErrorCount) / float64(len(snaps))

	sort.Float64s(latencies)
	idx := int(float64(len(latencies)) * 0.95)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	a.P95LatencyMs = latencies[idx]
	return a
}
