package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Probeable is the slice of the provider adapter contract the prober
// needs: a stable ID and a credential check. Satisfied by every adapter.
type Probeable interface {
	ID() string
	ValidateKey(ctx context.Context) error
}

// ProbeResult is the outcome of one on-demand probe.
type ProbeResult struct {
	ProviderID string  `json:"provider_id"`
	OK         bool    `json:"ok"`
	LatencyMs  float64 `json:"latency_ms"`
	Error      string  `json:"error,omitempty"`
}

// ProberConfig sets the probing cadence and bounds.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// MaxConcurrent bounds how many providers are probed at once.
	MaxConcurrent int
}

// DefaultProberConfig returns the stock probing cadence.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:      5 * time.Minute,
		ProbeTimeout:  10 * time.Second,
		MaxConcurrent: 4,
	}
}

// Prober checks provider credentials, periodically and on demand, and
// feeds results into the health Tracker.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	targets map[string]Probeable // keyed by provider ID
}

func indexTargets(targets []Probeable) map[string]Probeable {
	m := make(map[string]Probeable, len(targets))
	for _, t := range targets {
		m[t.ID()] = t
	}
	return m
}

// NewProber creates a health check prober.
func NewProber(cfg ProberConfig, tracker *Tracker, targets []Probeable, logger *slog.Logger) *Prober {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultProberConfig().MaxConcurrent
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger,
		targets: indexTargets(targets),
		done:    make(chan struct{}),
	}
}

// SetTargets replaces the probe target set. Called on settings reload,
// safe while the prober is running.
func (p *Prober) SetTargets(targets []Probeable) {
	m := indexTargets(targets)
	p.mu.Lock()
	p.targets = m
	p.mu.Unlock()
	p.logger.Info("health prober: targets replaced", slog.Int("count", len(m)))
}

// Start launches the periodic loop. Stop cancels it and waits, aborting
// any probe still in flight.
func (p *Prober) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
}

// Stop ends the loop started by Start.
func (p *Prober) Stop() {
	p.cancel()
	<-p.done
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// First pass runs right away, then the ticker takes over.
	for {
		p.Probe(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) snapshotTargets() []Probeable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Probeable, 0, len(p.targets))
	for _, t := range p.targets {
		out = append(out, t)
	}
	return out
}

// Probe checks every registered provider concurrently and returns the
// per-provider outcomes sorted by provider ID. Results also land in the
// tracker, so passive stats and probe results stay in one place.
func (p *Prober) Probe(ctx context.Context) []ProbeResult {
	targets := p.snapshotTargets()

	results := make([]ProbeResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrent)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = p.probe(gctx, t)
			return nil
		})
	}
	_ = g.Wait() // probe failures are per-provider results, not errors

	sort.Slice(results, func(i, j int) bool { return results[i].ProviderID < results[j].ProviderID })
	return results
}

func (p *Prober) probe(ctx context.Context, target Probeable) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := target.ValidateKey(ctx)
	res := ProbeResult{
		ProviderID: target.ID(),
		OK:         err == nil,
		LatencyMs:  float64(time.Since(start).Milliseconds()),
	}

	if err != nil {
		res.Error = err.Error()
		p.tracker.RecordError(res.ProviderID, "probe: "+res.Error)
		p.logger.Warn("health probe failed",
			slog.String("provider", res.ProviderID),
			slog.String("error", res.Error),
		)
		return res
	}

	p.tracker.RecordSuccess(res.ProviderID, res.LatencyMs)
	p.logger.Debug("health probe ok",
		slog.String("provider", res.ProviderID),
		slog.Float64("latency_ms", res.LatencyMs),
	)
	return res
}
