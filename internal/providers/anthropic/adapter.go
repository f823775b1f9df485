package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/jordanhubbard/councilhub/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates an Anthropic adapter. An empty baseURL uses the public API.
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
		return "", &providers.MissingKeyError{Provider: "Anthropic"}
	}
	model = strings.TrimPrefix(model, "anthropic:")

	// The Messages API rejects "system" entries in the message list; they
	// are promoted to the top-level system field instead.
	var system []string
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		messages = append(messages, map[string]string{"role": msg.Role, "content": msg.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
		"max_tokens":  maxTokens,
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, a.authHeaders())
	if err != nil {
		return "", providers.WrapStatus("Anthropic", err)
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("%w: empty content", providers.ErrMalformedResponse)
	}
	var out strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" || block.Type == "" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	if a.apiKey == "" {
		return nil, &providers.MissingKeyError{Provider: "Anthropic"}
	}

	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1/models", a.authHeaders())
	if err != nil {
		return nil, providers.WrapStatus("Anthropic", err)
	}

	var parsed struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}

	models := make([]providers.ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		models = append(models, providers.ModelInfo{
			ID:       "anthropic:" + m.ID,
			Name:     name,
			Provider: "Anthropic",
		})
	}
	return models, nil
}

// ValidateKey proves the configured key works by listing models.
func (a *Adapter) ValidateKey(ctx context.Context) error {
	_, err := a.ListModels(ctx)
	return err
}

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{"x-api-key": a.apiKey, "anthropic-version": apiVersion}
}
