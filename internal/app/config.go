package app

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/jordanhubbard/councilhub/internal/council"
	"github.com/jordanhubbard/councilhub/internal/search"
)

// Default council composition, used until settings say otherwise. These
// are OpenRouter-namespace IDs.
var (
	defaultCouncilModels = []string{
		"openai/gpt-4.1",
		"google/gemini-2.5-pro",
		"anthropic/claude-sonnet-4",
		"x-ai/grok-3",
	}
	defaultChairmanModel    = "google/gemini-2.5-pro"
	defaultSearchQueryModel = "google/gemini-2.5-flash"
)

// Config is the environment-derived service configuration. The Defaults
// document is what the settings API reports before any SQLite override;
// everything else is fixed for the life of the process.
type Config struct {
	ListenAddr string
	LogLevel   string
	DBDSN      string

	// MasterKey enables secrets-at-rest for stored API keys. Empty
	// means plaintext passthrough (local single-user mode).
	MasterKey string

	// AdminToken guards settings mutation. Empty leaves the API open.
	AdminToken  string
	CORSOrigins []string

	// Rate limiting for the message endpoints. RateRPM 0 disables.
	RateRPM   int
	RateBurst int

	OTelEnabled     bool
	OTelEndpoint    string
	OTelSampleRatio float64

	QueryTimeoutSecs int

	Defaults Settings
}

// LoadConfig reads the COUNCILHUB_* environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("COUNCILHUB_LISTEN_ADDR", ":8001"),
		LogLevel:   getEnv("COUNCILHUB_LOG_LEVEL", "info"),
		DBDSN:      getEnv("COUNCILHUB_DB_DSN", "file:councilhub.sqlite"),

		MasterKey: os.Getenv("COUNCILHUB_MASTER_KEY"),

		AdminToken:  os.Getenv("COUNCILHUB_ADMIN_TOKEN"),
		CORSOrigins: getEnvList("COUNCILHUB_CORS_ORIGINS", nil),

		RateRPM:   getEnvInt("COUNCILHUB_RATE_RPM", 0),
		RateBurst: getEnvInt("COUNCILHUB_RATE_BURST", 0),

		OTelEnabled:     getEnvBool("COUNCILHUB_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("COUNCILHUB_OTEL_ENDPOINT", "localhost:4318"),
		OTelSampleRatio: getEnvFloat("COUNCILHUB_OTEL_SAMPLE_RATIO", 1.0),

		QueryTimeoutSecs: getEnvInt("COUNCILHUB_QUERY_TIMEOUT_SECS", 120),

		Defaults: defaultSettings(),
	}
	if cfg.RateRPM > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = cfg.RateRPM
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// defaultSettings builds the env-derived settings document. Provider keys
// are accepted under both the COUNCILHUB_ prefix and the conventional
// bare name (OPENAI_API_KEY etc.).
func defaultSettings() Settings {
	return Settings{
		SearchProvider: getEnv("COUNCILHUB_SEARCH_PROVIDER", search.ProviderDuckDuckGo),
		LLMProvider:    getEnv("COUNCILHUB_LLM_PROVIDER", "openrouter"),

		OpenRouterAPIKey: getProviderKey("OPENROUTER"),
		OpenAIAPIKey:     getProviderKey("OPENAI"),
		AnthropicAPIKey:  getProviderKey("ANTHROPIC"),
		GoogleAPIKey:     getProviderKey("GOOGLE"),
		MistralAPIKey:    getProviderKey("MISTRAL"),
		DeepSeekAPIKey:   getProviderKey("DEEPSEEK"),
		TavilyAPIKey:     getProviderKey("TAVILY"),
		BraveAPIKey:      getProviderKey("BRAVE"),

		CouncilModels:    getEnvList("COUNCILHUB_COUNCIL_MODELS", defaultCouncilModels),
		ChairmanModel:    getEnv("COUNCILHUB_CHAIRMAN_MODEL", defaultChairmanModel),
		SearchQueryModel: getEnv("COUNCILHUB_SEARCH_QUERY_MODEL", defaultSearchQueryModel),

		OllamaBaseURL: getEnv("COUNCILHUB_OLLAMA_BASE_URL", "http://localhost:11434"),

		SearchMaxResults:   getEnvInt("COUNCILHUB_SEARCH_MAX_RESULTS", search.DefaultMaxResults),
		FullContentResults: getEnvInt("COUNCILHUB_FULL_CONTENT_RESULTS", search.DefaultFullContentResults),

		Stage1Prompt:      council.DefaultStage1Prompt,
		Stage2Prompt:      council.DefaultStage2Prompt,
		Stage3Prompt:      council.DefaultStage3Prompt,
		SearchQueryPrompt: council.DefaultSearchQueryPrompt,

		Stage1Temperature: council.DefaultTemperature,
		Stage2Temperature: council.DefaultTemperature,
		Stage3Temperature: council.DefaultTemperature,
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("COUNCILHUB_LISTEN_ADDR %q: %w", c.ListenAddr, err)
	}
	switch c.Defaults.LLMProvider {
	case "openrouter", "ollama", "direct", "hybrid":
	default:
		return fmt.Errorf("COUNCILHUB_LLM_PROVIDER must be one of openrouter|ollama|direct|hybrid, got %q", c.Defaults.LLMProvider)
	}
	switch c.Defaults.SearchProvider {
	case search.ProviderDuckDuckGo, search.ProviderTavily, search.ProviderBrave:
	default:
		return fmt.Errorf("COUNCILHUB_SEARCH_PROVIDER must be one of duckduckgo|tavily|brave, got %q", c.Defaults.SearchProvider)
	}
	if c.RateRPM < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate limit values must be >= 0, got rpm=%d burst=%d", c.RateRPM, c.RateBurst)
	}
	if c.QueryTimeoutSecs <= 0 {
		return fmt.Errorf("COUNCILHUB_QUERY_TIMEOUT_SECS must be > 0, got %d", c.QueryTimeoutSecs)
	}
	if c.OTelSampleRatio <= 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("COUNCILHUB_OTEL_SAMPLE_RATIO must be in (0, 1], got %v", c.OTelSampleRatio)
	}
	if len(c.Defaults.CouncilModels) == 0 {
		return fmt.Errorf("COUNCILHUB_COUNCIL_MODELS must name at least one model")
	}
	if c.Defaults.SearchMaxResults <= 0 {
		return fmt.Errorf("COUNCILHUB_SEARCH_MAX_RESULTS must be > 0, got %d", c.Defaults.SearchMaxResults)
	}
	if c.Defaults.FullContentResults < 0 {
		return fmt.Errorf("COUNCILHUB_FULL_CONTENT_RESULTS must be >= 0, got %d", c.Defaults.FullContentResults)
	}
	return nil
}

// getProviderKey reads a provider API key, preferring the prefixed form.
func getProviderKey(provider string) string {
	if v := os.Getenv("COUNCILHUB_" + provider + "_API_KEY"); v != "" {
		return v
	}
	return os.Getenv(provider + "_API_KEY")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseEnv reads key through parse. Unset and malformed values both fall
// back to def, so a typo in the environment degrades to defaults rather
// than crashing startup.
func parseEnv[T any](key string, def T, parse func(string) (T, error)) T {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := parse(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvBool(key string, def bool) bool { return parseEnv(key, def, strconv.ParseBool) }

func getEnvInt(key string, def int) int { return parseEnv(key, def, strconv.Atoi) }

func getEnvFloat(key string, def float64) float64 {
	return parseEnv(key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// getEnvList splits a comma-separated value, dropping blank entries. An
// all-blank value counts as unset.
func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
