package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/jordanhubbard/councilhub/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter implements providers.Adapter for Google Gemini.
type Adapter struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a Gemini adapter. An empty baseURL uses the public API.
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
		return "", &providers.MissingKeyError{Provider: "Google"}
	}
	model = strings.TrimPrefix(model, "google:")

	// Gemini wants "model" for assistant turns and system text in its own
	// top-level field.
	var system []string
	contents := make([]map[string]any, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
			continue
		case "assistant":
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": msg.Content}},
			})
		default:
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": []map[string]string{{"text": msg.Content}},
			})
		}
	}

	payload := map[string]any{
		"contents": contents,
		"generationConfig": map[string]any{
			"temperature": req.Temperature,
		},
	}
	if len(system) > 0 {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": strings.Join(system, "\n\n")}},
		}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.baseURL, model)
	body, err := providers.DoRequest(ctx, a.client, url, payload, a.authHeaders())
	if err != nil {
		return "", providers.WrapStatus("Google", err)
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}
	if len(parsed.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", providers.ErrMalformedResponse)
	}
	var out strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		out.WriteString(part.Text)
	}
	return out.String(), nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	if a.apiKey == "" {
		return nil, &providers.MissingKeyError{Provider: "Google"}
	}

	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1beta/models", a.authHeaders())
	if err != nil {
		return nil, providers.WrapStatus("Google", err)
	}

	var parsed struct {
		Models []struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedResponse, err)
	}

	models := make([]providers.ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		id := strings.TrimPrefix(m.Name, "models/")
		name := m.DisplayName
		if name == "" {
			name = id
		}
		models = append(models, providers.ModelInfo{
			ID:       "google:" + id,
			Name:     name,
			Provider: "Google",
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
	return map[string]string{"x-goog-api-key": a.apiKey}
}
