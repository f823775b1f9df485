// Package app wires the service together: configuration, settings,
// store, vault, provider registry, council engine, and the HTTP router.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jordanhubbard/councilhub/internal/circuitbreaker"
	"github.com/jordanhubbard/councilhub/internal/council"
	"github.com/jordanhubbard/councilhub/internal/events"
	"github.com/jordanhubbard/councilhub/internal/health"
	"github.com/jordanhubbard/councilhub/internal/httpapi"
	"github.com/jordanhubbard/councilhub/internal/idempotency"
	"github.com/jordanhubbard/councilhub/internal/logging"
	"github.com/jordanhubbard/councilhub/internal/metrics"
	"github.com/jordanhubbard/councilhub/internal/providers"
	"github.com/jordanhubbard/councilhub/internal/providers/anthropic"
	"github.com/jordanhubbard/councilhub/internal/providers/deepseek"
	"github.com/jordanhubbard/councilhub/internal/providers/google"
	"github.com/jordanhubbard/councilhub/internal/providers/mistral"
	"github.com/jordanhubbard/councilhub/internal/providers/ollama"
	"github.com/jordanhubbard/councilhub/internal/providers/openai"
	"github.com/jordanhubbard/councilhub/internal/providers/openrouter"
	"github.com/jordanhubbard/councilhub/internal/ratelimit"
	"github.com/jordanhubbard/councilhub/internal/search"
	"github.com/jordanhubbard/councilhub/internal/stats"
	"github.com/jordanhubbard/councilhub/internal/store"
	"github.com/jordanhubbard/councilhub/internal/tracing"
	"github.com/jordanhubbard/councilhub/internal/tsdb"
	"github.com/jordanhubbard/councilhub/internal/vault"
)

// runtime is the rebuildable half of the server: everything derived
// from the settings snapshot. Swapped wholesale on settings changes so
// in-flight requests keep the bundle they started with.
type runtime struct {
	settings Settings
	registry *providers.Registry
	engine   *council.Engine
}

type Server struct {
	cfg Config

	r *chi.Mux

	logger        *slog.Logger
	store         *store.SQLiteStore
	vault         *vault.Vault
	settings      *SettingsManager
	bus           *events.Bus
	metrics       *metrics.Registry
	tracker       *health.Tracker
	prober        *health.Prober
	stats         *stats.Collector
	history       *tsdb.Store
	limiter       *ratelimit.Limiter
	idemCache     *idempotency.Cache
	readerBreaker *circuitbreaker.Breaker

	traceShutdown func(context.Context) error

	mu sync.RWMutex
	rt *runtime

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "councilhub",
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("database ready", slog.String("dsn", cfg.DBDSN))

	v, err := openVault(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	history, err := tsdb.New(db.DB())
	if err != nil {
		db.Close()
		return nil, err
	}

	m := metrics.New()
	bus := events.NewBus()
	collector := stats.NewCollector()
	seedCollector(collector, history, logger)

	tracker := health.NewTracker(health.DefaultConfig(),
		health.WithEventBus(bus),
		health.WithOnUpdate(func(providerID string, state health.State) {
			m.ProviderHealth.WithLabelValues(providerID).Set(healthGaugeValue(state))
		}))

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		store:         db,
		vault:         v,
		bus:           bus,
		metrics:       m,
		tracker:       tracker,
		stats:         collector,
		history:       history,
		readerBreaker: circuitbreaker.New(),
		traceShutdown: traceShutdown,
		stop:          make(chan struct{}),
	}

	s.settings = NewSettingsManager(db, v, cfg.Defaults, logger)
	if err := s.settings.Load(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	s.rt = s.buildRuntime(s.settings.Current())

	s.prober = health.NewProber(health.DefaultProberConfig(), tracker, s.probeTargets(s.rt), logger)
	s.prober.Start()

	s.idemCache = idempotency.New(10*time.Minute, 1000)
	if cfg.RateRPM > 0 {
		rejected := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "councilhub_rate_limited_total",
			Help: "Requests rejected by the message-endpoint rate limiter",
		})
		m.MustRegister(rejected)
		s.limiter = ratelimit.New(cfg.RateRPM, cfg.RateBurst, time.Minute, ratelimit.WithCounter(rejected))
	}

	s.r = s.buildRouter()
	s.startBackground()

	logger.Info("server ready",
		slog.String("addr", cfg.ListenAddr),
		slog.String("llm_provider", s.rt.settings.LLMProvider),
		slog.Int("council_size", len(s.rt.settings.CouncilModels)))
	return s, nil
}

// openVault loads or creates the persisted salt and derives the sealing
// key from the master key.
func openVault(cfg Config, db *store.SQLiteStore, logger *slog.Logger) (*vault.Vault, error) {
	if cfg.MasterKey == "" {
		logger.Warn("COUNCILHUB_MASTER_KEY not set, API keys will be stored unencrypted")
		return vault.New("", nil)
	}
	ctx := context.Background()
	salt, err := db.LoadVaultSalt(ctx)
	if err != nil {
		return nil, err
	}
	if salt == nil {
		salt, err = vault.NewSalt()
		if err != nil {
			return nil, err
		}
		if err := db.SaveVaultSalt(ctx, salt); err != nil {
			return nil, err
		}
		logger.Info("generated new vault salt")
	}
	return vault.New(cfg.MasterKey, salt)
}

// seedCollector repopulates the rolling windows from persisted history
// so a restart does not blank the stats page.
func seedCollector(collector *stats.Collector, history *tsdb.Store, logger *slog.Logger) {
	samples, err := history.Recent(context.Background(), time.Now().Add(-25*time.Hour), 10000)
	if err != nil {
		logger.Warn("cannot seed stats from history", "error", err)
		return
	}
	if len(samples) == 0 {
		return
	}
	snapshots := make([]stats.Snapshot, len(samples))
	for i, sm := range samples {
		snapshots[i] = stats.Snapshot{
			Timestamp:  sm.Timestamp,
			ModelID:    sm.Model,
			ProviderID: sm.Provider,
			LatencyMs:  sm.LatencyMs,
			Success:    sm.Success,
		}
	}
	collector.Seed(snapshots)
	logger.Info("seeded stats from history", slog.Int("samples", len(samples)))
}

func healthGaugeValue(state health.State) float64 {
	switch state {
	case health.StateDegraded:
		return 1
	case health.StateDown:
		return 2
	default:
		return 0
	}
}

// buildRuntime derives the registry and engine from one settings
// snapshot. All seven adapters are always registered; keyless ones
// answer queries with their missing-key message.
func (s *Server) buildRuntime(st Settings) *runtime {
	adapters := map[string]providers.Adapter{
		"openai":     openai.New("openai", st.OpenAIAPIKey, ""),
		"anthropic":  anthropic.New("anthropic", st.AnthropicAPIKey, ""),
		"google":     google.New("google", st.GoogleAPIKey, ""),
		"mistral":    mistral.New("mistral", st.MistralAPIKey, ""),
		"deepseek":   deepseek.New("deepseek", st.DeepSeekAPIKey, ""),
		"openrouter": openrouter.New("openrouter", st.OpenRouterAPIKey, ""),
		"ollama":     ollama.New("ollama", st.OllamaBaseURL),
	}
	registry := providers.NewRegistry(adapters, st.LLMProvider, s.recordQuery)

	searcher := search.New(st.SearchConfig(), s.logger,
		search.WithReaderBreaker(s.readerBreaker))
	engine := council.NewEngine(registry, s.logger, council.WithSearcher(searcher))

	return &runtime{settings: st, registry: registry, engine: engine}
}

// probeTargets selects the adapters worth probing: providers with a key
// configured, plus Ollama when the active mode can route to it.
func (s *Server) probeTargets(rt *runtime) []health.Probeable {
	st := rt.settings
	keyed := map[string]string{
		"openai":     st.OpenAIAPIKey,
		"anthropic":  st.AnthropicAPIKey,
		"google":     st.GoogleAPIKey,
		"mistral":    st.MistralAPIKey,
		"deepseek":   st.DeepSeekAPIKey,
		"openrouter": st.OpenRouterAPIKey,
	}
	var targets []health.Probeable
	for tag, key := range keyed {
		if key == "" {
			continue
		}
		if a, ok := rt.registry.Adapter(tag); ok {
			targets = append(targets, a)
		}
	}
	if st.LLMProvider == "ollama" || st.LLMProvider == "hybrid" {
		if a, ok := rt.registry.Adapter("ollama"); ok {
			targets = append(targets, a)
		}
	}
	return targets
}

// recordQuery is the single observation choke point: every provider
// query outcome feeds health, stats, metrics, history and the bus from
// here.
func (s *Server) recordQuery(obs providers.Observation) {
	latencyMs := float64(obs.Latency.Milliseconds())
	status := "success"
	if obs.Success {
		s.tracker.RecordSuccess(obs.Provider, latencyMs)
	} else {
		status = string(obs.Kind)
		s.tracker.RecordError(obs.Provider, status)
		s.bus.Publish(events.Event{
			Type:       events.EventQueryFailure,
			ModelID:    obs.Model,
			ProviderID: obs.Provider,
			ErrorClass: status,
		})
	}
	s.stats.Record(stats.Snapshot{
		ModelID:    obs.Model,
		ProviderID: obs.Provider,
		LatencyMs:  latencyMs,
		Success:    obs.Success,
		ErrorKind:  string(obs.Kind),
	})
	s.metrics.ModelQueriesTotal.WithLabelValues(obs.Provider, status).Inc()
	s.metrics.QueryLatency.WithLabelValues(obs.Provider).Observe(obs.Latency.Seconds())
	s.history.Record(tsdb.Sample{
		Model:     obs.Model,
		Provider:  obs.Provider,
		LatencyMs: latencyMs,
		Success:   obs.Success,
	})
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	deps := httpapi.Dependencies{
		Logger:     s.logger,
		Store:      s.store,
		Metrics:    s.metrics,
		Bus:        s.bus,
		Health:     s.tracker,
		Prober:     s.prober,
		Stats:      s.stats,
		History:    s.history,
		Settings:   s,
		Runtime:    s.Runtime,
		AdminToken: s.cfg.AdminToken,
	}
	if s.limiter != nil {
		deps.RateLimit = s.limiter.Middleware
	}
	deps.Idempotency = idempotency.Middleware(s.idemCache)

	httpapi.MountRoutes(r, deps)
	return r
}

// Runtime returns the current request bundle. Handlers grab it once and
// use the same snapshot for the whole request.
func (s *Server) Runtime() httpapi.Runtime {
	s.mu.RLock()
	rt := s.rt
	s.mu.RUnlock()

	st := rt.settings
	directKeyed := make([]string, 0, 5)
	for _, p := range []struct{ tag, key string }{
		{"openai", st.OpenAIAPIKey},
		{"anthropic", st.AnthropicAPIKey},
		{"google", st.GoogleAPIKey},
		{"mistral", st.MistralAPIKey},
		{"deepseek", st.DeepSeekAPIKey},
	} {
		if p.key != "" {
			directKeyed = append(directKeyed, p.tag)
		}
	}
	return httpapi.Runtime{
		Engine:           rt.engine,
		Council:          st.CouncilConfig(time.Duration(s.cfg.QueryTimeoutSecs) * time.Second),
		Registry:         rt.registry,
		SearchProvider:   st.SearchProvider,
		OllamaBaseURL:    st.OllamaBaseURL,
		OpenRouterKeySet: st.OpenRouterAPIKey != "",
		DirectKeyed:      directKeyed,
	}
}

// Current implements httpapi.SettingsAccess.
func (s *Server) Current() any { return s.settings.Current() }

// Defaults implements httpapi.SettingsAccess.
func (s *Server) Defaults() any { return s.settings.Defaults() }

// Apply implements httpapi.SettingsAccess: persist the patch, then swap
// in a runtime built from the new snapshot.
func (s *Server) Apply(ctx context.Context, patch map[string]json.RawMessage) (any, error) {
	updated, err := s.settings.Apply(ctx, patch)
	if err != nil {
		return nil, err
	}
	s.reload(updated)
	s.bus.Publish(events.Event{Type: events.EventSettingsUpdated})
	return updated, nil
}

func (s *Server) reload(st Settings) {
	rt := s.buildRuntime(st)
	s.mu.Lock()
	s.rt = rt
	s.mu.Unlock()
	s.prober.SetTargets(s.probeTargets(rt))
	s.logger.Info("settings applied",
		slog.String("llm_provider", st.LLMProvider),
		slog.String("search_provider", st.SearchProvider))
}

// Reload re-merges settings from the store, for SIGHUP.
func (s *Server) Reload(ctx context.Context) error {
	if err := s.settings.Load(ctx); err != nil {
		return err
	}
	s.reload(s.settings.Current())
	return nil
}

func (s *Server) Router() http.Handler { return s.r }

// startBackground runs the periodic maintenance loops: history flush
// and prune, stats window prune.
func (s *Server) startBackground() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		flush := time.NewTicker(30 * time.Second)
		prune := time.NewTicker(time.Hour)
		defer flush.Stop()
		defer prune.Stop()
		for {
			select {
			case <-flush.C:
				s.history.Flush()
			case <-prune.C:
				s.stats.Prune()
				if n, err := s.history.Prune(context.Background()); err != nil {
					s.logger.Warn("history prune failed", "error", err)
				} else if n > 0 {
					s.logger.Debug("pruned history", slog.Int64("rows", n))
				}
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Server) Close() error {
	close(s.stop)
	s.wg.Wait()
	s.prober.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.idemCache.Stop()
	s.history.Flush()
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace shutdown failed", "error", err)
		}
	}
	return s.store.Close()
}

// LogConfig re-logs the effective configuration, for SIGHUP.
func (s *Server) LogConfig() {
	st := s.settings.Current()
	models, chairman := st.EffectiveCouncil()
	s.logger.Info("effective configuration",
		slog.String("listen_addr", s.cfg.ListenAddr),
		slog.String("log_level", s.cfg.LogLevel),
		slog.String("llm_provider", st.LLMProvider),
		slog.String("search_provider", st.SearchProvider),
		slog.String("council", strings.Join(models, ",")),
		slog.String("chairman", chairman),
		slog.Bool("vault", s.vault.Enabled()))
}
