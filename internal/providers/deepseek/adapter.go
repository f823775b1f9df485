package deepseek

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/jordanhubbard/councilhub/internal/providers"
)

const defaultBaseURL = "https://api.deepseek.com"

// Adapter implements providers.Adapter for DeepSeek's OpenAI-compatible API.
type Adapter struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a DeepSeek adapter. An empty baseURL uses the public API.
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
		return "", &providers.MissingKeyError{Provider: "DeepSeek"}
	}
	model = strings.TrimPrefix(model, "deepseek:")

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
		return "", providers.WrapStatus("DeepSeek", err)
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

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	if a.apiKey == "" {
		return nil, &providers.MissingKeyError{Provider: "DeepSeek"}
	}

	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1/models", a.authHeaders())
	if err != nil {
		return nil, providers.WrapStatus("DeepSeek", err)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}

	models := make([]providers.ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, providers.ModelInfo{
			ID:       "deepseek:" + m.ID,
			Name:     m.ID,
			Provider: "DeepSeek",
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
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}
