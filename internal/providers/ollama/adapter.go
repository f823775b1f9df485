package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/jordanhubbard/councilhub/internal/providers"
)

const defaultBaseURL = "http://localhost:11434"

// Adapter implements providers.Adapter for a local Ollama server. There is
// no API key; ValidateKey checks reachability instead.
type Adapter struct {
	id      string
	baseURL string
	client  *http.Client
}

// New creates an Ollama adapter. An empty baseURL uses localhost:11434.
func New(id, baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	a := &Adapter{id: id, baseURL: strings.TrimRight(baseURL, "/"), client: providers.SharedClient()}
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

// BaseURL reports the configured server address.
func (a *Adapter) BaseURL() string { return a.baseURL }

func (a *Adapter) Query(ctx context.Context, model string, req providers.ChatRequest) (string, error) {
	model = strings.TrimPrefix(model, "ollama:")

	messages := make([]map[string]string, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = map[string]string{
			"role":    msg.Role,
			"content": msg.Content,
		}
	}

	payload := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   false,
		"options": map[string]any{
			"temperature": req.Temperature,
		},
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/api/chat", payload, nil)
	if err != nil {
		return "", providers.WrapStatus("Ollama", err)
	}

	var parsed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}
	return parsed.Message.Content, nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, providers.WrapStatus("Ollama", err)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}

	models := make([]providers.ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, providers.ModelInfo{
			ID:       "ollama:" + m.Name,
			Name:     m.Name,
			Provider: "Ollama",
		})
	}
	return models, nil
}

// ValidateKey checks that the server answers its tag list. Ollama has no
// keys, so reachability is the whole validation.
func (a *Adapter) ValidateKey(ctx context.Context) error {
	_, err := a.ListModels(ctx)
	return err
}
