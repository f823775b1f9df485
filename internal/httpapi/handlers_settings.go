package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jordanhubbard/councilhub/internal/providers"
	"github.com/jordanhubbard/councilhub/internal/providers/anthropic"
	"github.com/jordanhubbard/councilhub/internal/providers/deepseek"
	"github.com/jordanhubbard/councilhub/internal/providers/google"
	"github.com/jordanhubbard/councilhub/internal/providers/mistral"
	"github.com/jordanhubbard/councilhub/internal/providers/ollama"
	"github.com/jordanhubbard/councilhub/internal/providers/openai"
	"github.com/jordanhubbard/councilhub/internal/providers/openrouter"
	"github.com/jordanhubbard/councilhub/internal/search"
)

const testTimeout = 15 * time.Second

// SettingsGetHandler returns the resolved settings document. Keys come
// back in plaintext: councilhub is a local single-user service and the
// settings UI prefills its form from this response.
func SettingsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Settings.Current())
	}
}

// SettingsDefaultsHandler returns the environment-derived defaults,
// before any stored overrides.
func SettingsDefaultsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Settings.Defaults())
	}
}

// SettingsUpdateHandler applies a partial settings update. Unknown fields
// are ignored and secrets are sealed before they reach the store; the
// response is the full re-resolved document.
func SettingsUpdateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		updated, err := d.Settings.Apply(r.Context(), patch)
		if err != nil {
			jsonError(w, "apply settings: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// testResult is the uniform body of every test endpoint. Validation
// failures are reported in the body, not the status code, so the UI can
// show the provider's own message.
type testResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type testProviderRequest struct {
	ProviderID string `json:"provider_id"`
	APIKey     string `json:"api_key"`
}

// TestProviderHandler validates a candidate API key with a throwaway
// adapter before the caller saves it.
func TestProviderHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req testProviderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.APIKey == "" {
			writeJSON(w, http.StatusOK, testResult{Success: false, Message: "api key required"})
			return
		}
		adapter, err := buildAdapter(req.ProviderID, req.APIKey)
		if err != nil {
			writeJSON(w, http.StatusOK, testResult{Success: false, Message: err.Error()})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
		defer cancel()
		if err := adapter.ValidateKey(ctx); err != nil {
			writeJSON(w, http.StatusOK, testResult{Success: false, Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, testResult{Success: true, Message: "API key is valid"})
	}
}

// buildAdapter constructs a throwaway adapter for key validation.
func buildAdapter(providerID, apiKey string) (providers.Adapter, error) {
	switch providerID {
	case "openrouter":
		return openrouter.New(providerID, apiKey, ""), nil
	case "openai":
		return openai.New(providerID, apiKey, ""), nil
	case "anthropic":
		return anthropic.New(providerID, apiKey, ""), nil
	case "google":
		return google.New(providerID, apiKey, ""), nil
	case "mistral":
		return mistral.New(providerID, apiKey, ""), nil
	case "deepseek":
		return deepseek.New(providerID, apiKey, ""), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
}

type testKeyRequest struct {
	APIKey string `json:"api_key"`
}

// TestSearchKeyHandler validates a search API key with one single-result
// query against the named provider ("tavily" or "brave").
func TestSearchKeyHandler(d Dependencies, provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req testKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		cfg := search.Config{Provider: provider, MaxResults: 1}
		switch provider {
		case search.ProviderTavily:
			cfg.TavilyKey = req.APIKey
		case search.ProviderBrave:
			cfg.BraveKey = req.APIKey
		}

		svc := search.New(cfg, d.Logger)
		if err := svc.Validate(r.Context(), "connectivity check"); err != nil {
			writeJSON(w, http.StatusOK, testResult{Success: false, Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, testResult{Success: true, Message: "API key is valid"})
	}
}

type testOllamaRequest struct {
	BaseURL string `json:"base_url"`
}

// TestOllamaHandler checks that an Ollama server is reachable and reports
// how many models it serves.
func TestOllamaHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req testOllamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
		defer cancel()
		models, err := ollama.New("ollama", req.BaseURL).ListModels(ctx)
		if err != nil {
			writeJSON(w, http.StatusOK, testResult{Success: false, Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, testResult{
			Success: true,
			Message: fmt.Sprintf("Connected, %d models available", len(models)),
		})
	}
}
