// Package health tracks the runtime availability of model providers and
// probes them on demand. The tracker is fed passively from observed query
// outcomes; the prober validates credentials actively when asked.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/councilhub/internal/events"
)

// State is the availability rung a provider currently sits on.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats is the per-provider health record the tracker maintains.
type Stats struct {
	ProviderID    string    `json:"provider_id"`
	State         State     `json:"state"`
	TotalQueries  int64     `json:"total_queries"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// TrackerConfig sets the error thresholds for the degraded and down
// states and how long a down provider is held out.
type TrackerConfig struct {
	ConsecErrorsForDegraded int
	ConsecErrorsForDown     int
	CooldownDuration        time.Duration
}

// DefaultConfig is the threshold ladder used when nothing is configured.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker derives a per-provider state from the stream of query outcomes.
// Consecutive errors walk a provider down the healthy/degraded/down
// ladder; any success puts it straight back to healthy.
type Tracker struct {
	cfg      TrackerConfig
	bus      *events.Bus
	onUpdate func(providerID string, state State)
	now      func() time.Time

	mu    sync.RWMutex
	stats map[string]*Stats
}

// A TrackerOption wires optional collaborators into a Tracker.
type TrackerOption func(*Tracker)

// WithEventBus publishes a health_change event on every state transition.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) { t.bus = bus }
}

// WithOnUpdate registers a callback invoked after every recorded outcome,
// transition or not. Used to keep external gauges current.
func WithOnUpdate(fn func(providerID string, state State)) TrackerOption {
	return func(t *Tracker) { t.onUpdate = fn }
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{cfg: cfg, now: time.Now, stats: make(map[string]*Stats)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful query against a provider.
func (t *Tracker) RecordSuccess(providerID string, latencyMs float64) {
	t.mutate(providerID, "success recorded", func(s *Stats) {
		s.TotalQueries++
		s.ConsecErrors = 0
		s.LastSuccessAt = t.now()
		s.CooldownUntil = time.Time{}
		s.State = StateHealthy

		// Exponentially weighted average; the first sample seeds it.
		if s.TotalQueries == 1 {
			s.AvgLatencyMs = latencyMs
		} else {
			s.AvgLatencyMs = 0.9*s.AvgLatencyMs + 0.1*latencyMs
		}
	})
}

// RecordError records a failed query against a provider.
func (t *Tracker) RecordError(providerID string, errMsg string) {
	t.mutate(providerID, errMsg, func(s *Stats) {
		s.TotalQueries++
		s.TotalErrors++
		s.ConsecErrors++
		s.LastError = errMsg
		s.LastErrorTime = t.now()

		switch {
		case s.ConsecErrors >= t.cfg.ConsecErrorsForDown:
			s.State = StateDown
			s.CooldownUntil = t.now().Add(t.cfg.CooldownDuration)
		case s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded:
			s.State = StateDegraded
		}
	})
}

// mutate applies one outcome under the lock, then notifies the update
// hook and, on a transition, the event bus. Notifications run unlocked
// so subscribers may call back into the tracker.
func (t *Tracker) mutate(providerID, reason string, apply func(*Stats)) {
	t.mu.Lock()
	s, ok := t.stats[providerID]
	if !ok {
		s = &Stats{ProviderID: providerID, State: StateHealthy}
		t.stats[providerID] = s
	}
	before := s.State
	apply(s)
	after := s.State
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(providerID, after)
	}
	if before != after && t.bus != nil {
		t.bus.Publish(events.Event{
			Type:       events.EventHealthChange,
			ProviderID: providerID,
			OldState:   string(before),
			NewState:   string(after),
			Reason:     reason,
		})
	}
}

// IsAvailable reports whether a provider should receive queries. Unknown
// providers are assumed available; a down provider becomes available
// again once its cooldown expires.
func (t *Tracker) IsAvailable(providerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[providerID]
	if !ok || s.State != StateDown {
		return true
	}
	return !t.now().Before(s.CooldownUntil)
}

// GetStats returns a snapshot of one provider's record. Providers the
// tracker has never seen report healthy.
func (t *Tracker) GetStats(providerID string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[providerID]; ok {
		cp := *s
		return &cp
	}
	return &Stats{ProviderID: providerID, State: StateHealthy}
}

// AllStats returns a copy of every provider's stats, sorted by provider
// ID for stable output.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	out := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}
