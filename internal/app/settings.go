package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/councilhub/internal/council"
	"github.com/jordanhubbard/councilhub/internal/search"
	"github.com/jordanhubbard/councilhub/internal/store"
	"github.com/jordanhubbard/councilhub/internal/vault"
)

// Settings is the runtime configuration document: env-derived defaults
// with SQLite overrides merged on top. One resolved snapshot is taken
// per request and never mutated.
type Settings struct {
	SearchProvider string `json:"search_provider"`
	LLMProvider    string `json:"llm_provider"`

	OpenRouterAPIKey string `json:"openrouter_api_key"`
	OpenAIAPIKey     string `json:"openai_api_key"`
	AnthropicAPIKey  string `json:"anthropic_api_key"`
	GoogleAPIKey     string `json:"google_api_key"`
	MistralAPIKey    string `json:"mistral_api_key"`
	DeepSeekAPIKey   string `json:"deepseek_api_key"`
	TavilyAPIKey     string `json:"tavily_api_key"`
	BraveAPIKey      string `json:"brave_api_key"`

	CouncilModels []string `json:"council_models"`
	ChairmanModel string   `json:"chairman_model"`

	OllamaBaseURL       string   `json:"ollama_base_url"`
	OllamaCouncilModels []string `json:"ollama_council_models"`
	OllamaChairmanModel string   `json:"ollama_chairman_model"`

	DirectCouncilModels []string `json:"direct_council_models"`
	DirectChairmanModel string   `json:"direct_chairman_model"`

	HybridCouncilModels []string `json:"hybrid_council_models"`
	HybridChairmanModel string   `json:"hybrid_chairman_model"`

	SearchQueryModel string `json:"search_query_model"`

	SearchMaxResults   int `json:"search_max_results"`
	FullContentResults int `json:"full_content_results"`

	Stage1Prompt      string `json:"stage1_prompt"`
	Stage2Prompt      string `json:"stage2_prompt"`
	Stage3Prompt      string `json:"stage3_prompt"`
	SearchQueryPrompt string `json:"search_query_prompt"`

	Stage1Temperature float64 `json:"stage1_temperature"`
	Stage2Temperature float64 `json:"stage2_temperature"`
	Stage3Temperature float64 `json:"stage3_temperature"`
}

// settingNames is the recognised field set. Writes outside it are
// ignored; reads never surface unknown names.
var settingNames = func() map[string]bool {
	names := map[string]bool{}
	raw, _ := json.Marshal(Settings{})
	var doc map[string]json.RawMessage
	_ = json.Unmarshal(raw, &doc)
	for name := range doc {
		names[name] = true
	}
	return names
}()

func isSecretSetting(name string) bool {
	return strings.HasSuffix(name, "_api_key")
}

// EffectiveCouncil resolves the council and chairman for the active
// provider mode: the mode-specific lists when populated, else the
// primary ones.
func (s Settings) EffectiveCouncil() (models []string, chairman string) {
	models, chairman = s.CouncilModels, s.ChairmanModel
	switch s.LLMProvider {
	case "ollama":
		if len(s.OllamaCouncilModels) > 0 {
			models = s.OllamaCouncilModels
		}
		if s.OllamaChairmanModel != "" {
			chairman = s.OllamaChairmanModel
		}
	case "direct":
		if len(s.DirectCouncilModels) > 0 {
			models = s.DirectCouncilModels
		}
		if s.DirectChairmanModel != "" {
			chairman = s.DirectChairmanModel
		}
	case "hybrid":
		if len(s.HybridCouncilModels) > 0 {
			models = s.HybridCouncilModels
		}
		if s.HybridChairmanModel != "" {
			chairman = s.HybridChairmanModel
		}
	}
	return models, chairman
}

// CouncilConfig renders the snapshot into the engine's per-request
// configuration.
func (s Settings) CouncilConfig(queryTimeout time.Duration) council.Config {
	models, chairman := s.EffectiveCouncil()
	return council.Config{
		CouncilModels:     models,
		ChairmanModel:     chairman,
		SearchQueryModel:  s.SearchQueryModel,
		Stage1Prompt:      s.Stage1Prompt,
		Stage2Prompt:      s.Stage2Prompt,
		Stage3Prompt:      s.Stage3Prompt,
		SearchQueryPrompt: s.SearchQueryPrompt,
		Stage1Temperature: s.Stage1Temperature,
		Stage2Temperature: s.Stage2Temperature,
		Stage3Temperature: s.Stage3Temperature,
		QueryTimeout:      queryTimeout,
	}
}

// SearchConfig renders the snapshot into the search service
// configuration.
func (s Settings) SearchConfig() search.Config {
	return search.Config{
		Provider:           s.SearchProvider,
		TavilyKey:          s.TavilyAPIKey,
		BraveKey:           s.BraveAPIKey,
		MaxResults:         s.SearchMaxResults,
		FullContentResults: s.FullContentResults,
	}
}

func (s Settings) clone() Settings {
	c := s
	c.CouncilModels = append([]string(nil), s.CouncilModels...)
	c.OllamaCouncilModels = append([]string(nil), s.OllamaCouncilModels...)
	c.DirectCouncilModels = append([]string(nil), s.DirectCouncilModels...)
	c.HybridCouncilModels = append([]string(nil), s.HybridCouncilModels...)
	return c
}

// SettingsManager owns the resolved settings snapshot. Overrides live in
// the settings table as name -> JSON value, API keys sealed by the
// vault; the manager merges them over the env defaults on load.
type SettingsManager struct {
	store    store.Store
	vault    *vault.Vault
	defaults Settings
	logger   *slog.Logger

	mu      sync.RWMutex
	current Settings
}

func NewSettingsManager(st store.Store, v *vault.Vault, defaults Settings, logger *slog.Logger) *SettingsManager {
	return &SettingsManager{
		store:    st,
		vault:    v,
		defaults: defaults,
		logger:   logger,
		current:  defaults.clone(),
	}
}

// Load re-reads the overrides and rebuilds the resolved snapshot.
func (m *SettingsManager) Load(ctx context.Context) error {
	stored, err := m.store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	base, err := json.Marshal(m.defaults)
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(base, &doc); err != nil {
		return fmt.Errorf("unmarshal defaults: %w", err)
	}

	for name, value := range stored {
		if !settingNames[name] {
			continue
		}
		if vault.IsSealed(value) {
			opened, err := m.vault.Open(value)
			if err != nil {
				m.logger.Error("cannot unseal setting, keeping default", "name", name, "error", err)
				continue
			}
			value = opened
		}
		if !json.Valid([]byte(value)) {
			m.logger.Warn("stored setting is not valid JSON, keeping default", "name", name)
			continue
		}
		doc[name] = json.RawMessage(value)
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("merge settings: %w", err)
	}
	var resolved Settings
	if err := json.Unmarshal(merged, &resolved); err != nil {
		return fmt.Errorf("resolve settings: %w", err)
	}

	m.mu.Lock()
	m.current = resolved
	m.mu.Unlock()
	return nil
}

// Current returns the resolved snapshot.
func (m *SettingsManager) Current() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.clone()
}

// Defaults returns the env-derived document, pre-override.
func (m *SettingsManager) Defaults() Settings {
	return m.defaults.clone()
}

// Apply persists a partial update. Unknown names are dropped, secret
// values sealed. The refreshed snapshot is returned.
func (m *SettingsManager) Apply(ctx context.Context, patch map[string]json.RawMessage) (Settings, error) {
	values := make(map[string]string, len(patch))
	for name, raw := range patch {
		if !settingNames[name] {
			continue
		}
		value := string(raw)
		if isSecretSetting(name) {
			sealed, err := m.vault.Seal(value)
			if err != nil {
				return Settings{}, fmt.Errorf("seal %s: %w", name, err)
			}
			value = sealed
		}
		values[name] = value
	}
	if len(values) == 0 {
		return m.Current(), nil
	}

	if err := m.store.SaveSettings(ctx, values); err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	if err := m.Load(ctx); err != nil {
		return Settings{}, err
	}
	return m.Current(), nil
}
