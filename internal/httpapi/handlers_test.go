package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/councilhub/internal/council"
	"github.com/jordanhubbard/councilhub/internal/events"
	"github.com/jordanhubbard/councilhub/internal/health"
	"github.com/jordanhubbard/councilhub/internal/metrics"
	"github.com/jordanhubbard/councilhub/internal/providers"
	"github.com/jordanhubbard/councilhub/internal/stats"
	"github.com/jordanhubbard/councilhub/internal/store"
	"github.com/jordanhubbard/councilhub/internal/tsdb"
)

// stubAdapter answers chat requests by prompt shape, so a single adapter
// can play council member, ranker, chairman, and search-term extractor
// within one deliberation.
type stubAdapter struct {
	id     string
	models []providers.ModelInfo

	// fail maps a model ID to the error its queries return.
	fail map[string]string
	// delay maps a model ID to an artificial response latency.
	delay map[string]time.Duration

	listErr     error
	validateErr error

	mu      sync.Mutex
	queried []string
}

func (s *stubAdapter) ID() string { return s.id }

func (s *stubAdapter) Query(ctx context.Context, model string, req providers.ChatRequest) (string, error) {
	s.mu.Lock()
	s.queried = append(s.queried, model)
	s.mu.Unlock()

	if d, ok := s.delay[model]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if msg, ok := s.fail[model]; ok {
		return "", errors.New(msg)
	}

	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	switch {
	case strings.Contains(prompt, "Extract the key search terms"):
		return "key terms here", nil
	case strings.Contains(prompt, "anonymized"):
		return "FINAL RANKING:\n1. Response A\n2. Response B\n3. Response C", nil
	case strings.Contains(prompt, "Chairman"):
		return "the synthesis", nil
	default:
		return "answer_" + model, nil
	}
}

// calls returns a copy of every model queried so far.
func (s *stubAdapter) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queried...)
}

func (s *stubAdapter) ListModels(context.Context) ([]providers.ModelInfo, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.models, nil
}

func (s *stubAdapter) ValidateKey(context.Context) error { return s.validateErr }

// stubSearcher returns a canned context block for every query.
type stubSearcher struct {
	context string
}

func (s stubSearcher) Search(context.Context, string) string { return s.context }

// stubSettings is a minimal SettingsAccess that records applied patches.
type stubSettings struct {
	mu      sync.Mutex
	current map[string]any
	applied map[string]json.RawMessage
}

func (s *stubSettings) Current() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *stubSettings) Defaults() any {
	return map[string]any{"llm_provider": "openrouter", "search_provider": "duckduckgo"}
}

func (s *stubSettings) Apply(_ context.Context, patch map[string]json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = patch
	return s.current, nil
}

// testEnv owns every dependency behind one mounted router. Tests mutate
// fields (runtime, admin token, middleware) before calling start.
type testEnv struct {
	ts *httptest.Server

	adapter   *stubAdapter
	store     store.Store
	bus       *events.Bus
	tracker   *health.Tracker
	collector *stats.Collector
	history   *tsdb.Store
	settings  *stubSettings

	rt   Runtime
	deps Dependencies
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	history, err := tsdb.New(st.DB())
	if err != nil {
		t.Fatalf("create history store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapter := &stubAdapter{id: "openrouter"}
	registry := providers.NewRegistry(map[string]providers.Adapter{"openrouter": adapter}, "openrouter", nil)
	engine := council.NewEngine(registry, logger,
		council.WithTick(20*time.Millisecond),
		council.WithSearcher(stubSearcher{context: "Result 1: stub context"}),
	)

	env := &testEnv{
		adapter:   adapter,
		store:     st,
		bus:       events.NewBus(),
		tracker:   health.NewTracker(health.DefaultConfig()),
		collector: stats.NewCollector(),
		history:   history,
		settings:  &stubSettings{current: map[string]any{"llm_provider": "openrouter"}},
	}
	env.rt = Runtime{
		Engine: engine,
		Council: council.Config{
			CouncilModels:    []string{"alpha/one", "beta/two", "gamma/three"},
			ChairmanModel:    "delta/chair",
			SearchQueryModel: "alpha/one",
			QueryTimeout:     5 * time.Second,
		},
		Registry:       registry,
		SearchProvider: "duckduckgo",
		OllamaBaseURL:  "http://localhost:11434",
	}
	env.deps = Dependencies{
		Logger:   logger,
		Store:    st,
		Metrics:  metrics.New(),
		Bus:      env.bus,
		Health:   env.tracker,
		Stats:    env.collector,
		History:  history,
		Settings: env.settings,
		Runtime:  func() Runtime { return env.rt },
	}
	return env
}

func (env *testEnv) start(t *testing.T) string {
	t.Helper()
	r := chi.NewRouter()
	MountRoutes(r, env.deps)
	env.ts = httptest.NewServer(r)
	t.Cleanup(env.ts.Close)
	return env.ts.URL
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func createConversation(t *testing.T, baseURL string) string {
	t.Helper()
	resp := postJSON(t, baseURL+"/api/conversations", "{}")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create conversation: expected 200, got %d", resp.StatusCode)
	}
	var conv store.Conversation
	decodeJSON(t, resp, &conv)
	if conv.ID == "" {
		t.Fatal("expected conversation id")
	}
	return conv.ID
}

func TestHealthz(t *testing.T) {
	url := newTestEnv(t).start(t)

	resp, err := http.Get(url + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	url := newTestEnv(t).start(t)

	resp, err := http.Get(url + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestConversationCreateAndGet(t *testing.T) {
	url := newTestEnv(t).start(t)
	id := createConversation(t, url)

	resp, err := http.Get(url + "/api/conversations/" + id)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var detail struct {
		store.Conversation
		Messages []store.Message `json:"messages"`
	}
	decodeJSON(t, resp, &detail)
	if detail.ID != id {
		t.Errorf("expected id %s, got %s", id, detail.ID)
	}
	if detail.Title != "New Conversation" {
		t.Errorf("expected default title, got %q", detail.Title)
	}
	if len(detail.Messages) != 0 {
		t.Errorf("expected no messages, got %d", len(detail.Messages))
	}
}

func TestConversationList(t *testing.T) {
	url := newTestEnv(t).start(t)
	first := createConversation(t, url)
	second := createConversation(t, url)

	resp, err := http.Get(url + "/api/conversations")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var list []store.ConversationSummary
	decodeJSON(t, resp, &list)
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(list))
	}
	seen := map[string]bool{}
	for _, c := range list {
		seen[c.ID] = true
		if c.MessageCount != 0 {
			t.Errorf("expected zero messages for %s, got %d", c.ID, c.MessageCount)
		}
	}
	if !seen[first] || !seen[second] {
		t.Errorf("expected both conversations in list, got %v", seen)
	}
}

func TestConversationNotFound(t *testing.T) {
	url := newTestEnv(t).start(t)

	resp, err := http.Get(url + "/api/conversations/no-such-id")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] != "conversation not found" {
		t.Errorf("unexpected error message: %q", body["error"])
	}
}

func TestConversationDelete(t *testing.T) {
	url := newTestEnv(t).start(t)
	id := createConversation(t, url)

	req, _ := http.NewRequest(http.MethodDelete, url+"/api/conversations/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "deleted" {
		t.Errorf("expected deleted status, got %q", body["status"])
	}

	getResp, err := http.Get(url + "/api/conversations/" + id)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", getResp.StatusCode)
	}

	again, _ := http.NewRequest(http.MethodDelete, url+"/api/conversations/"+id, nil)
	againResp, err := http.DefaultClient.Do(again)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	againResp.Body.Close()
	if againResp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for double delete, got %d", againResp.StatusCode)
	}
}

func TestMessageBadJSON(t *testing.T) {
	url := newTestEnv(t).start(t)
	id := createConversation(t, url)

	resp := postJSON(t, url+"/api/conversations/"+id+"/message", "not json")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMessageEmptyContent(t *testing.T) {
	url := newTestEnv(t).start(t)
	id := createConversation(t, url)

	resp := postJSON(t, url+"/api/conversations/"+id+"/message", `{"content":"   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] != "content required" {
		t.Errorf("unexpected error message: %q", body["error"])
	}
}

func TestMessageUnknownConversation(t *testing.T) {
	url := newTestEnv(t).start(t)

	resp := postJSON(t, url+"/api/conversations/no-such-id/message", `{"content":"hello"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMessageRunsFullDeliberation(t *testing.T) {
	env := newTestEnv(t)
	url := env.start(t)
	id := createConversation(t, url)

	resp := postJSON(t, url+"/api/conversations/"+id+"/message", `{"content":"What is the capital of France?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var msg store.Message
	decodeJSON(t, resp, &msg)

	if msg.Role != "assistant" {
		t.Errorf("expected assistant role, got %q", msg.Role)
	}
	if msg.Content != "the synthesis" {
		t.Errorf("expected chairman synthesis, got %q", msg.Content)
	}
	if msg.ID == 0 {
		t.Error("expected stored message id")
	}

	if len(msg.Stage1) != 3 {
		t.Fatalf("expected 3 stage1 results, got %d", len(msg.Stage1))
	}
	wantOrder := []string{"alpha/one", "beta/two", "gamma/three"}
	for i, r := range msg.Stage1 {
		if r.Model != wantOrder[i] {
			t.Errorf("stage1[%d]: expected %s, got %s", i, wantOrder[i], r.Model)
		}
		if r.Response != "answer_"+r.Model {
			t.Errorf("stage1[%d]: unexpected response %q", i, r.Response)
		}
	}

	if len(msg.Stage2) != 3 {
		t.Fatalf("expected 3 stage2 results, got %d", len(msg.Stage2))
	}
	for i, r := range msg.Stage2 {
		if len(r.ParsedRanking) != 3 {
			t.Errorf("stage2[%d]: expected 3 parsed labels, got %d", i, len(r.ParsedRanking))
		}
	}

	if msg.Stage3 == nil {
		t.Fatal("expected stage3 result")
	}
	if msg.Stage3.Model != "delta/chair" {
		t.Errorf("expected chairman delta/chair, got %s", msg.Stage3.Model)
	}

	if msg.Metadata == nil {
		t.Fatal("expected metadata")
	}
	if len(msg.Metadata.LabelToModel) != 3 {
		t.Errorf("expected 3 label mappings, got %d", len(msg.Metadata.LabelToModel))
	}
	if msg.Metadata.LabelToModel["Response A"] != "alpha/one" {
		t.Errorf("expected Response A -> alpha/one, got %s", msg.Metadata.LabelToModel["Response A"])
	}
	if len(msg.Metadata.AggregateRankings) != 3 {
		t.Fatalf("expected 3 aggregate entries, got %d", len(msg.Metadata.AggregateRankings))
	}
	if top := msg.Metadata.AggregateRankings[0]; top.Model != "alpha/one" || top.AverageRank != 1 {
		t.Errorf("expected alpha/one at average rank 1, got %s at %v", top.Model, top.AverageRank)
	}

	// First message names the conversation and both turns are stored.
	getResp, err := http.Get(url + "/api/conversations/" + id)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var detail struct {
		store.Conversation
		Messages []store.Message `json:"messages"`
	}
	decodeJSON(t, getResp, &detail)
	if detail.Title != "What is the capital of France?" {
		t.Errorf("expected conversation titled after question, got %q", detail.Title)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(detail.Messages))
	}
	if detail.Messages[0].Role != "user" || detail.Messages[1].Role != "assistant" {
		t.Errorf("unexpected roles: %s, %s", detail.Messages[0].Role, detail.Messages[1].Role)
	}

	// Without search: each member asked twice, the chairman once.
	if calls := env.adapter.calls(); len(calls) != 7 {
		t.Errorf("expected 7 model queries, got %d: %v", len(calls), calls)
	}
}

func TestMessageSecondTurnKeepsTitle(t *testing.T) {
	url := newTestEnv(t).start(t)
	id := createConversation(t, url)

	resp := postJSON(t, url+"/api/conversations/"+id+"/message", `{"content":"first question"}`)
	resp.Body.Close()
	resp = postJSON(t, url+"/api/conversations/"+id+"/message", `{"content":"second question"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	getResp, err := http.Get(url + "/api/conversations/" + id)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var detail store.Conversation
	decodeJSON(t, getResp, &detail)
	if detail.Title != "first question" {
		t.Errorf("expected title from first message, got %q", detail.Title)
	}
}

func TestMessageMemberFailureExcludedFromRanking(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.fail = map[string]string{"beta/two": "rate limited"}
	url := env.start(t)
	id := createConversation(t, url)

	resp := postJSON(t, url+"/api/conversations/"+id+"/message", `{"content":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var msg store.Message
	decodeJSON(t, resp, &msg)

	if len(msg.Stage1) != 3 {
		t.Fatalf("expected 3 stage1 results, got %d", len(msg.Stage1))
	}
	var failed *council.Stage1Result
	for i := range msg.Stage1 {
		if msg.Stage1[i].Model == "beta/two" {
			failed = &msg.Stage1[i]
		}
	}
	if failed == nil || !failed.Error {
		t.Fatal("expected beta/two to be recorded as failed")
	}
	if !strings.Contains(failed.ErrorMessage, "rate limited") {
		t.Errorf("expected failure reason, got %q", failed.ErrorMessage)
	}

	// Failed members neither rank nor get labelled.
	if len(msg.Stage2) != 2 {
		t.Errorf("expected 2 stage2 results, got %d", len(msg.Stage2))
	}
	if len(msg.Metadata.LabelToModel) != 2 {
		t.Errorf("expected 2 label mappings, got %d", len(msg.Metadata.LabelToModel))
	}
	for _, model := range msg.Metadata.LabelToModel {
		if model == "beta/two" {
			t.Error("failed member must not be labelled")
		}
	}

	// The failed member was asked once in stage 1 and never again.
	asked := 0
	for _, model := range env.adapter.calls() {
		if model == "beta/two" {
			asked++
		}
	}
	if asked != 1 {
		t.Errorf("expected beta/two queried once, got %d", asked)
	}
}

func TestMessageChairmanFailureStillAnswers(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.fail = map[string]string{"delta/chair": "model overloaded"}
	url := env.start(t)
	id := createConversation(t, url)

	resp := postJSON(t, url+"/api/conversations/"+id+"/message", `{"content":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var msg store.Message
	decodeJSON(t, resp, &msg)

	if msg.Stage3 == nil || !msg.Stage3.Error {
		t.Fatal("expected failed stage3 result")
	}
	if !strings.HasPrefix(msg.Content, "Error synthesizing final answer:") {
		t.Errorf("expected synthesis error notice, got %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "model overloaded") {
		t.Errorf("expected upstream reason in notice, got %q", msg.Content)
	}
}
