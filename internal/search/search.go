// Package search acquires web context for deliberations. One provider is
// active per request (DuckDuckGo, Tavily, or Brave); top hits are optionally
// enriched with full article text through a reader proxy, all under a single
// wall-clock budget. Search never fails hard: every error path degrades to a
// bracketed system note the council models can read and work around.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jordanhubbard/councilhub/internal/circuitbreaker"
	"github.com/jordanhubbard/councilhub/internal/providers"
)

// Provider names accepted in configuration.
const (
	ProviderDuckDuckGo = "duckduckgo"
	ProviderTavily     = "tavily"
	ProviderBrave      = "brave"
)

const (
	// DefaultMaxResults is how many hits a search returns.
	DefaultMaxResults = 5
	// DefaultFullContentResults is how many top hits get full-text
	// enrichment. Zero disables enrichment.
	DefaultFullContentResults = 3

	// TimeBudget bounds one whole search, reader fetches included.
	TimeBudget = 60 * time.Second

	// readerFloor is the minimum budget left for a reader fetch to be
	// worth starting; readerCap bounds any single fetch.
	readerFloor = 5 * time.Second
	readerCap   = 25 * time.Second

	maxRetries        = 2
	defaultRetryDelay = 2 * time.Second

	// Enriched bodies shorter than this are likely paywalls or cookie
	// walls; the original summary is appended so some signal survives.
	limitedContentThreshold = 500
	contentTruncateLen      = 2000
)

// System notes returned in place of results so stage 1 can proceed
// without search context.
const (
	noteSearchFailed = "[System Note: Web search was attempted but failed. Please answer based on your internal knowledge.]"
	noteTavilyNoKey  = "[System Note: Tavily API key not configured. Please add TAVILY_API_KEY to your environment.]"
	noteTavilyBadKey = "[System Note: Tavily search failed. Please check your API key.]"
	noteTavilyFailed = "[System Note: Tavily search failed. Please try again.]"
	noteBraveNoKey   = "[System Note: Brave API key not configured. Please add your Brave API key in settings.]"
	noteBraveBadKey  = "[System Note: Brave search failed. Please check your API key.]"
	noteBraveFailed  = "[System Note: Brave search failed. Please try again.]"
	noteLimitedText  = "[System Note: Full content fetch yielded limited text. Appending original summary.]"
	noteNoResults    = "No web search results found."
)

// Result is one search hit. Content holds the enriched full text when a
// reader fetch succeeded; the formatter falls back to Summary otherwise.
type Result struct {
	Index   int
	Title   string
	URL     string
	Source  string
	Summary string
	Content string
}

// Config selects the active provider and its credentials.
type Config struct {
	Provider           string
	TavilyKey          string
	BraveKey           string
	MaxResults         int
	FullContentResults int
}

// Endpoints points the service at the external search APIs. Zero-value
// fields resolve to the real services.
type Endpoints struct {
	DuckDuckGo string
	Tavily     string
	Brave      string
	Reader     string
}

func (e Endpoints) withDefaults() Endpoints {
	if e.DuckDuckGo == "" {
		e.DuckDuckGo = "https://duckduckgo.com"
	}
	if e.Tavily == "" {
		e.Tavily = "https://api.tavily.com/search"
	}
	if e.Brave == "" {
		e.Brave = "https://api.search.brave.com/res/v1/web/search"
	}
	if e.Reader == "" {
		e.Reader = "https://r.jina.ai"
	}
	return e
}

// Service runs web searches for the council engine. Cheap to construct;
// the app layer rebuilds one whenever settings change so key changes take
// effect immediately. The reader breaker is shared across rebuilds so a
// degraded reader stays skipped between searches.
type Service struct {
	cfg        Config
	endpoints  Endpoints
	client     *http.Client
	logger     *slog.Logger
	budget     time.Duration
	retryDelay time.Duration
	breaker    *circuitbreaker.Breaker
}

// Option configures a Service.
type Option func(*Service)

// WithClient overrides the HTTP client.
func WithClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithEndpoints redirects the external services (tests).
func WithEndpoints(e Endpoints) Option {
	return func(s *Service) { s.endpoints = e }
}

// WithReaderBreaker guards content enrichment with a circuit breaker:
// while it is open, hits keep their summaries instead of waiting on a
// reader that is already failing.
func WithReaderBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// New creates a search Service for the given provider configuration.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.FullContentResults < 0 {
		cfg.FullContentResults = 0
	}
	s := &Service{
		cfg:        cfg,
		client:     providers.SharedClient(),
		logger:     logger,
		budget:     TimeBudget,
		retryDelay: defaultRetryDelay,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.endpoints = s.endpoints.withDefaults()
	return s
}

// Search runs one web search and renders the hits as a text block for
// stage-1 prompts. The whole call, reader fetches included, finishes
// within TimeBudget.
func (s *Service) Search(ctx context.Context, query string) string {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	log := s.logger.With("provider", s.cfg.Provider)
	log.Debug("web search started", "query", query)

	switch s.cfg.Provider {
	case ProviderTavily:
		if s.cfg.TavilyKey == "" {
			log.Error("tavily api key not configured")
			return noteTavilyNoKey
		}
		results, err := s.searchTavily(ctx, query)
		if err != nil {
			var statusErr *providers.StatusError
			if errors.As(err, &statusErr) {
				log.Error("tavily search failed", "status", statusErr.StatusCode, "body", statusErr.Body)
				return noteTavilyBadKey
			}
			log.Error("tavily search failed", "error", err)
			return noteTavilyFailed
		}
		return formatResults(results)

	case ProviderBrave:
		if s.cfg.BraveKey == "" {
			log.Error("brave api key not configured")
			return noteBraveNoKey
		}
		results, err := s.searchBrave(ctx, query)
		if err != nil {
			var statusErr *providers.StatusError
			if errors.As(err, &statusErr) {
				log.Error("brave search failed", "status", statusErr.StatusCode, "body", statusErr.Body)
				return noteBraveBadKey
			}
			log.Error("brave search failed", "error", err)
			return noteBraveFailed
		}
		s.enrich(ctx, start, results)
		return formatResults(results)

	default:
		results, err := s.searchDuckDuckGo(ctx, query)
		if err != nil {
			log.Error("web search failed", "error", err)
			return noteSearchFailed
		}
		s.enrich(ctx, start, results)
		return formatResults(results)
	}
}

// Validate runs one minimal query against the configured provider to
// check that its credentials work. Used by the settings test endpoints
// with a throwaway single-result Service; DuckDuckGo needs no key and
// always validates.
func (s *Service) Validate(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch s.cfg.Provider {
	case ProviderTavily:
		if s.cfg.TavilyKey == "" {
			return errors.New("tavily api key not configured")
		}
		_, err := s.searchTavily(ctx, query)
		return err
	case ProviderBrave:
		if s.cfg.BraveKey == "" {
			return errors.New("brave api key not configured")
		}
		_, err := s.searchBrave(ctx, query)
		return err
	default:
		return nil
	}
}

// enrich replaces the summaries of the top hits with full article text,
// spending no more than what is left of the budget. Failed fetches leave
// the summary in place; enough of them trip the breaker and later hits
// skip the reader entirely until it recovers.
func (s *Service) enrich(ctx context.Context, start time.Time, results []Result) {
	if s.cfg.FullContentResults <= 0 {
		return
	}
	for i := range results {
		if i >= s.cfg.FullContentResults {
			break
		}
		r := &results[i]
		if r.URL == "" || r.URL == "#" {
			continue
		}

		remaining := s.budget - time.Since(start)
		if remaining <= readerFloor {
			s.logger.Warn("search budget exhausted, skipping remaining content fetches")
			break
		}
		if s.breaker != nil && !s.breaker.Allow() {
			s.logger.Warn("reader breaker open, skipping content fetches")
			break
		}

		content, err := s.fetchReader(ctx, r.URL, min(remaining, readerCap))
		if s.breaker != nil {
			if err != nil {
				s.breaker.RecordFailure()
			} else {
				s.breaker.RecordSuccess()
			}
		}
		if err != nil || content == "" {
			continue
		}
		if utf8.RuneCountInString(content) < limitedContentThreshold {
			content += "\n\n" + noteLimitedText + "\nOriginal Summary: " + r.Summary
		}
		r.Content = content
	}
}

func formatResults(results []Result) string {
	if len(results) == 0 {
		return noteNoResults
	}
	sections := make([]string, len(results))
	for i, r := range results {
		var b strings.Builder
		fmt.Fprintf(&b, "Result %d:\nTitle: %s\nURL: %s", r.Index, r.Title, r.URL)
		if r.Source != "" {
			fmt.Fprintf(&b, "\nSource: %s", r.Source)
		}
		if r.Content != "" {
			fmt.Fprintf(&b, "\nContent:\n%s", truncate(r.Content, contentTruncateLen))
		} else {
			fmt.Fprintf(&b, "\nSummary: %s", r.Summary)
		}
		sections[i] = b.String()
	}
	return strings.Join(sections, "\n\n")
}

// truncate caps s at n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
