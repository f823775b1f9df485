package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/councilhub/internal/providers"
)

// ErrCanceled terminates a deliberation when the caller goes away.
var ErrCanceled = errors.New("deliberation canceled")

// SearchQueryTimeout bounds the dedicated search-term extraction call.
const SearchQueryTimeout = 15 * time.Second

// Querier dispatches one chat request to whichever provider serves the
// model. Implemented by providers.Registry.
type Querier interface {
	Query(ctx context.Context, model string, req providers.ChatRequest, timeout time.Duration) providers.Outcome
}

// Searcher acquires web context for a query. Implementations never fail
// hard: errors come back as a bracketed system note the models can read.
type Searcher interface {
	Search(ctx context.Context, query string) string
}

// Engine runs deliberations. Safe for concurrent use; all deliberation
// state is request-scoped.
type Engine struct {
	registry Querier
	searcher Searcher
	logger   *slog.Logger
	tick     time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithSearcher wires the web-search subsystem. Without one, requests that
// ask for search proceed with empty context.
func WithSearcher(s Searcher) Option {
	return func(e *Engine) { e.searcher = s }
}

// WithTick overrides the disconnect-poll interval (tests).
func WithTick(d time.Duration) Option {
	return func(e *Engine) { e.tick = d }
}

// NewEngine creates an Engine over the given dispatcher.
func NewEngine(registry Querier, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		logger:   logger,
		tick:     time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Deliberate runs the full council protocol and returns its progress
// stream. The channel is unbuffered, so emission is pull-driven: the
// engine does not advance past an event until the caller has consumed it.
// The channel closes after the terminal event (stage3 done, or an error
// event on cancellation); callers must drain until close.
func (e *Engine) Deliberate(ctx context.Context, cfg Config, req Request) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		e.run(ctx, cfg, req, out)
	}()
	return out
}

// Deliberation bundles everything a finished deliberation produced.
type Deliberation struct {
	SearchQuery   string
	SearchContext string
	Stage1        []Stage1Result
	Stage2        []Stage2Result
	LabelToModel  map[string]string
	Aggregate     []AggregateRank
	Stage3        *Stage3Result
}

// Run executes a deliberation and collects the full outcome, for callers
// that do not need incremental progress.
func (e *Engine) Run(ctx context.Context, cfg Config, req Request) (*Deliberation, error) {
	d := &Deliberation{}
	for ev := range e.Deliberate(ctx, cfg, req) {
		switch {
		case ev.Kind == KindError:
			return nil, ErrCanceled
		case ev.Stage == StageSearch && ev.Kind == KindDone:
			d.SearchQuery, d.SearchContext = ev.SearchQuery, ev.SearchContext
		case ev.Stage == Stage1 && ev.Kind == KindDone:
			d.Stage1 = ev.Stage1All
		case ev.Stage == Stage2 && ev.Kind == KindDone:
			d.Stage2, d.LabelToModel, d.Aggregate = ev.Stage2All, ev.LabelToModel, ev.Aggregate
		case ev.Stage == Stage3 && ev.Kind == KindResult:
			d.Stage3 = ev.Stage3
		}
	}
	if d.Stage3 == nil {
		return nil, ErrCanceled
	}
	return d, nil
}

func (e *Engine) run(ctx context.Context, cfg Config, req Request, out chan<- Event) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	log := e.logger.With("council_size", len(cfg.CouncilModels), "chairman", cfg.ChairmanModel)
	log.Info("deliberation started", "web_search", req.WebSearch)

	searchContext := ""
	if req.WebSearch && e.searcher != nil {
		var ok bool
		searchContext, ok = e.acquireSearchContext(ctx, cfg, req, out)
		if !ok {
			cancel()
			e.terminate(out, StageSearch)
			return
		}
	}

	stage1Results, err := e.runStage1(ctx, cfg, req, searchContext, out)
	if err != nil {
		cancel()
		e.terminate(out, Stage1)
		return
	}

	stage2Results, err := e.runStage2(ctx, cfg, req, stage1Results, searchContext, out)
	if err != nil {
		cancel()
		e.terminate(out, Stage2)
		return
	}

	if err := e.runStage3(ctx, cfg, req, stage1Results, stage2Results, searchContext, out); err != nil {
		cancel()
		e.terminate(out, Stage3)
		return
	}

	log.Info("deliberation complete", "duration", time.Since(start))
}

// emit delivers ev, abandoning the attempt if the deliberation is
// cancelled first. Reports whether the event was delivered.
func (e *Engine) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// terminate emits the terminal cancellation event for the stage that was
// interrupted. Delivery is best-effort with a one-tick grace so an
// abandoned consumer cannot wedge the engine.
func (e *Engine) terminate(out chan<- Event, stage Stage) {
	e.logger.Info("deliberation canceled", "stage", string(stage))
	t := time.NewTimer(e.tick)
	defer t.Stop()
	select {
	case out <- Event{Stage: stage, Kind: KindError, Err: ErrCanceled.Error()}:
	case <-t.C:
	}
}

func (e *Engine) acquireSearchContext(ctx context.Context, cfg Config, req Request, out chan<- Event) (string, bool) {
	if !e.emit(ctx, out, Event{Stage: StageSearch, Kind: KindMeta}) {
		return "", false
	}
	query := e.GenerateSearchQuery(ctx, cfg, req.UserQuery)
	searchContext := e.searcher.Search(ctx, query)
	if !e.emit(ctx, out, Event{Stage: StageSearch, Kind: KindDone, SearchQuery: query, SearchContext: searchContext}) {
		return "", false
	}
	return searchContext, true
}

// GenerateSearchQuery asks the dedicated extraction model for 3-6 search
// terms. Degrades to the leading characters of the raw question whenever
// the model is unavailable or answers uselessly.
func (e *Engine) GenerateSearchQuery(ctx context.Context, cfg Config, userQuery string) string {
	cfg = cfg.withDefaults()
	prompt, err := RenderTemplate(cfg.SearchQueryPrompt, map[string]string{"user_query": userQuery})
	if err != nil {
		e.logger.Warn("search query template invalid, using fallback", "error", err)
		prompt = "Search terms for: " + userQuery
	}

	outcome := e.registry.Query(ctx, cfg.SearchQueryModel, providers.ChatRequest{
		Messages:    []providers.Message{{Role: "user", Content: prompt}},
		Temperature: DefaultTemperature,
	}, SearchQueryTimeout)
	if !outcome.OK() {
		e.logger.Warn("search query generation failed", "model", cfg.SearchQueryModel, "error", outcome.Err)
		return truncateRunes(userQuery, 100)
	}

	query := strings.Trim(strings.TrimSpace(outcome.Content), `"'`)
	if len([]rune(query)) < 5 {
		return truncateRunes(userQuery, 100)
	}
	return truncateRunes(query, 100)
}

// completion is one finished model query within a stage.
type completion struct {
	model   string
	outcome providers.Outcome
}

// launch starts one query per model, delivering outcomes in completion
// order. The channel is buffered to the task count so workers never block
// after cancellation; it closes once every task has returned.
func (e *Engine) launch(ctx context.Context, cfg Config, models []string, prompt string, temperature float64) <-chan completion {
	completions := make(chan completion, len(models))
	messages := []providers.Message{{Role: "user", Content: prompt}}

	var wg sync.WaitGroup
	for _, model := range models {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			outcome := e.registry.Query(ctx, model, providers.ChatRequest{
				Messages:    messages,
				Temperature: temperature,
			}, cfg.QueryTimeout)
			completions <- completion{model: model, outcome: outcome}
		}(model)
	}
	go func() {
		wg.Wait()
		close(completions)
	}()
	return completions
}

// collect drains completions, invoking handle for each, while polling for
// abandonment once per tick. handle reports whether its event reached the
// consumer; false means the consumer is gone.
func (e *Engine) collect(ctx context.Context, req Request, completions <-chan completion, handle func(completion) bool) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		// Cancellation wins over a ready completion.
		select {
		case <-ctx.Done():
			return ErrCanceled
		default:
		}

		select {
		case c, ok := <-completions:
			if !ok {
				return nil
			}
			if !handle(c) {
				return ErrCanceled
			}
		case <-ctx.Done():
			return ErrCanceled
		case <-ticker.C:
			if req.Disconnected != nil && req.Disconnected() {
				return ErrCanceled
			}
		}
	}
}

// runStage1 fans the user's question out to every council model.
func (e *Engine) runStage1(ctx context.Context, cfg Config, req Request, searchContext string, out chan<- Event) ([]Stage1Result, error) {
	prompt := e.stage1Prompt(cfg, req.UserQuery, searchContext)

	if !e.emit(ctx, out, Event{Stage: Stage1, Kind: KindMeta, TotalModels: len(cfg.CouncilModels)}) {
		return nil, ErrCanceled
	}

	completions := e.launch(ctx, cfg, cfg.CouncilModels, prompt, cfg.Stage1Temperature)

	results := make([]Stage1Result, 0, len(cfg.CouncilModels))
	err := e.collect(ctx, req, completions, func(c completion) bool {
		r := Stage1Result{Model: c.model}
		if c.outcome.OK() {
			r.Response = c.outcome.Content
		} else {
			r.Error = true
			r.ErrorMessage = c.outcome.Err
		}
		results = append(results, r)
		return e.emit(ctx, out, Event{Stage: Stage1, Kind: KindResult, Stage1: &r})
	})
	if err != nil {
		return nil, err
	}

	// Results arrive in completion order; restore council order so labels,
	// storage, and the chairman's view are deterministic.
	order := make(map[string]int, len(cfg.CouncilModels))
	for i, m := range cfg.CouncilModels {
		order[m] = i
	}
	sort.SliceStable(results, func(i, j int) bool {
		return order[results[i].Model] < order[results[j].Model]
	})

	if !e.emit(ctx, out, Event{Stage: Stage1, Kind: KindDone, Stage1All: results}) {
		return nil, ErrCanceled
	}
	return results, nil
}

func (e *Engine) stage1Prompt(cfg Config, userQuery, searchContext string) string {
	block := ""
	if searchContext != "" {
		block, _ = RenderTemplate(Stage1SearchContextTemplate, map[string]string{"search_context": searchContext})
	}
	prompt, err := RenderTemplate(cfg.Stage1Prompt, map[string]string{
		"user_query":           userQuery,
		"search_context_block": block,
	})
	if err != nil {
		e.logger.Warn("stage1 template invalid, using fallback", "error", err)
		if block != "" {
			return block + "\nQuestion: " + userQuery
		}
		return userQuery
	}
	return prompt
}

// runStage2 asks each successful Stage 1 member to rank the anonymised
// peer answers. Members that failed Stage 1 are never asked.
func (e *Engine) runStage2(ctx context.Context, cfg Config, req Request, stage1Results []Stage1Result, searchContext string, out chan<- Event) ([]Stage2Result, error) {
	successful := make([]Stage1Result, 0, len(stage1Results))
	for _, r := range stage1Results {
		if !r.Error {
			successful = append(successful, r)
		}
	}

	// Labels follow the council ordering of the successful set, not Stage 1
	// arrival order.
	labels := make([]string, len(successful))
	labelToModel := make(map[string]string, len(successful))
	models := make([]string, len(successful))
	for i, r := range successful {
		labels[i] = fmt.Sprintf("Response %c", rune('A'+i))
		labelToModel[labels[i]] = r.Model
		models[i] = r.Model
	}

	if !e.emit(ctx, out, Event{Stage: Stage2, Kind: KindMeta, LabelToModel: labelToModel}) {
		return nil, ErrCanceled
	}

	prompt := e.stage2Prompt(cfg, req.UserQuery, labels, successful, searchContext)
	completions := e.launch(ctx, cfg, models, prompt, cfg.Stage2Temperature)

	results := make([]Stage2Result, 0, len(models))
	err := e.collect(ctx, req, completions, func(c completion) bool {
		r := Stage2Result{Model: c.model, ParsedRanking: []string{}}
		if c.outcome.OK() {
			r.Ranking = c.outcome.Content
			r.ParsedRanking = ParseRanking(c.outcome.Content)
		} else {
			r.Error = true
			r.ErrorMessage = c.outcome.Err
		}
		results = append(results, r)
		return e.emit(ctx, out, Event{Stage: Stage2, Kind: KindResult, Stage2: &r})
	})
	if err != nil {
		return nil, err
	}

	aggregate := AggregateRankings(results, labelToModel)
	if !e.emit(ctx, out, Event{
		Stage:        Stage2,
		Kind:         KindDone,
		Stage2All:    results,
		LabelToModel: labelToModel,
		Aggregate:    aggregate,
	}) {
		return nil, ErrCanceled
	}
	return results, nil
}

func (e *Engine) stage2Prompt(cfg Config, userQuery string, labels []string, successful []Stage1Result, searchContext string) string {
	sections := make([]string, len(successful))
	for i, r := range successful {
		sections[i] = fmt.Sprintf("%s:\n%s", labels[i], r.Response)
	}
	responsesText := strings.Join(sections, "\n\n")

	block := ""
	if searchContext != "" {
		block = "Context from Web Search:\n" + searchContext + "\n"
	}

	prompt, err := RenderTemplate(cfg.Stage2Prompt, map[string]string{
		"user_query":           userQuery,
		"responses_text":       responsesText,
		"search_context_block": block,
	})
	if err != nil {
		e.logger.Warn("stage2 template invalid, using fallback", "error", err)
		return fmt.Sprintf("Question: %s\n\n%s\n\nRank these responses.", userQuery, responsesText)
	}
	return prompt
}

// runStage3 has the chairman synthesise the final answer in one blocking
// call. Synthesis failure still yields a structured record; only
// cancellation is terminal.
func (e *Engine) runStage3(ctx context.Context, cfg Config, req Request, stage1Results []Stage1Result, stage2Results []Stage2Result, searchContext string, out chan<- Event) error {
	if !e.emit(ctx, out, Event{Stage: Stage3, Kind: KindMeta}) {
		return ErrCanceled
	}

	prompt := e.stage3Prompt(cfg, req.UserQuery, stage1Results, stage2Results, searchContext)

	outcome := e.registry.Query(ctx, cfg.ChairmanModel, providers.ChatRequest{
		Messages:    []providers.Message{{Role: "user", Content: prompt}},
		Temperature: cfg.Stage3Temperature,
	}, cfg.QueryTimeout)

	result := Stage3Result{Model: cfg.ChairmanModel}
	if outcome.OK() {
		result.Response = outcome.Content
	} else {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		result.Response = "Error synthesizing final answer: " + outcome.Err
		result.Error = true
		result.ErrorMessage = outcome.Err
	}

	if !e.emit(ctx, out, Event{Stage: Stage3, Kind: KindResult, Stage3: &result}) {
		return ErrCanceled
	}
	if !e.emit(ctx, out, Event{Stage: Stage3, Kind: KindDone}) {
		return ErrCanceled
	}
	return nil
}

func (e *Engine) stage3Prompt(cfg Config, userQuery string, stage1Results []Stage1Result, stage2Results []Stage2Result, searchContext string) string {
	stage1Sections := make([]string, len(stage1Results))
	for i, r := range stage1Results {
		stage1Sections[i] = fmt.Sprintf("Model: %s\nResponse: %s", r.Model, r.Response)
	}
	stage2Sections := make([]string, len(stage2Results))
	for i, r := range stage2Results {
		stage2Sections[i] = fmt.Sprintf("Model: %s\nRanking: %s", r.Model, r.Ranking)
	}

	block := ""
	if searchContext != "" {
		block = "Context from Web Search:\n" + searchContext + "\n"
	}

	prompt, err := RenderTemplate(cfg.Stage3Prompt, map[string]string{
		"user_query":           userQuery,
		"stage1_text":          strings.Join(stage1Sections, "\n\n"),
		"stage2_text":          strings.Join(stage2Sections, "\n\n"),
		"search_context_block": block,
	})
	if err != nil {
		e.logger.Warn("stage3 template invalid, using fallback", "error", err)
		return fmt.Sprintf("Question: %s\n\nSynthesis required.", userQuery)
	}
	return prompt
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
