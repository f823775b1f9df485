package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/jordanhubbard/councilhub/internal/providers"
)

const defaultBaseURL = "https://openrouter.ai/api"

// Adapter implements providers.Adapter for OpenRouter. Model IDs use
// OpenRouter's own "vendor/model" namespace and pass through untouched
// apart from an optional "openrouter:" prefix.
type Adapter struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates an OpenRouter adapter. An empty baseURL uses the public API.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	a := &Adapter{id: id, baseURL: baseURL, apiKey: apiKey, client: providers.SharedClient()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// An Option adjusts an Adapter at construction time.
type Option func(*Adapter)

// WithClient overrides the HTTP client (tests).
func WithClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Query(ctx context.Context, model string, req providers.ChatRequest) (string, error) {
	if a.apiKey == "" {
		return "", &providers.MissingKeyError{Provider: "OpenRouter"}
	}
	model = strings.TrimPrefix(model, "openrouter:")

	messages := make([]map[string]string, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = map[string]string{
			"role":    msg.Role,
			"content": msg.Content,
		}
	}

	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, a.authHeaders())
	if err != nil {
		return "", providers.WrapStatus("OpenRouter", err)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", providers.ErrMalformedResponse)
	}
	return parsed.Choices[0].Message.Content, nil
}

// ListModels fetches the public OpenRouter catalog. The endpoint does not
// require a key, so this also works before configuration.
func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1/models", a.authHeaders())
	if err != nil {
		return nil, providers.WrapStatus("OpenRouter", err)
	}

	var parsed struct {
		Data []struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			ContextLength int    `json:"context_length"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}

	models := make([]providers.ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		models = append(models, providers.ModelInfo{
			ID:            m.ID,
			Name:          name,
			Provider:      "OpenRouter",
			ContextLength: m.ContextLength,
		})
	}
	return models, nil
}

// ValidateKey proves the configured key works with an authenticated call.
func (a *Adapter) ValidateKey(ctx context.Context) error {
	if a.apiKey == "" {
		return &providers.MissingKeyError{Provider: "OpenRouter"}
	}
	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1/auth/key", a.authHeaders())
	if err != nil {
		return providers.WrapStatus("OpenRouter", err)
	}
	var parsed struct {
		Data struct {
			Label string `json:"label"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}
	return nil
}

func (a *Adapter) authHeaders() map[string]string {
	h := map[string]string{
		"HTTP-Referer": "https://github.com/jordanhubbard/councilhub",
		"X-Title":      "CouncilHub",
	}
	if a.apiKey != "" {
		h["Authorization"] = "Bearer " + a.apiKey
	}
	return h
}
