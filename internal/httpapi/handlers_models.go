package httpapi

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/councilhub/internal/providers"
	"github.com/jordanhubbard/councilhub/internal/providers/ollama"
)

const catalogTimeout = 20 * time.Second

// ModelsHandler returns the selectable model catalog: the live OpenRouter
// list when a key is configured, the built-in catalog otherwise.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt := d.Runtime()
		if rt.OpenRouterKeySet {
			if a, ok := rt.Registry.Adapter("openrouter"); ok {
				ctx, cancel := context.WithTimeout(r.Context(), catalogTimeout)
				defer cancel()
				if models, err := a.ListModels(ctx); err == nil {
					writeJSON(w, http.StatusOK, map[string]any{"models": models})
					return
				}
				d.Logger.Warn("openrouter catalog unavailable, serving builtin list")
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": builtinCatalog()})
	}
}

// DirectModelsHandler lists models from every direct provider that has a
// key, queried concurrently. Listing is best-effort per provider: one
// unreachable catalog does not blank the rest.
func DirectModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt := d.Runtime()
		ctx, cancel := context.WithTimeout(r.Context(), catalogTimeout)
		defer cancel()

		var mu sync.Mutex
		var all []providers.ModelInfo
		g, gctx := errgroup.WithContext(ctx)
		for _, tag := range rt.DirectKeyed {
			a, ok := rt.Registry.Adapter(tag)
			if !ok {
				continue
			}
			g.Go(func() error {
				models, err := a.ListModels(gctx)
				if err != nil {
					d.Logger.Warn("direct model list failed", "provider", a.ID(), "error", err)
					return nil
				}
				mu.Lock()
				all = append(all, models...)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		sort.Slice(all, func(i, j int) bool {
			if all[i].Provider != all[j].Provider {
				return all[i].Provider < all[j].Provider
			}
			return all[i].ID < all[j].ID
		})
		if all == nil {
			all = []providers.ModelInfo{}
		}
		writeJSON(w, http.StatusOK, all)
	}
}

// OllamaTagsHandler proxies the Ollama tag list so a browser can reach a
// server that is only visible from the backend host.
func OllamaTagsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		base := r.URL.Query().Get("base_url")
		if base == "" {
			base = d.Runtime().OllamaBaseURL
		}

		ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
		defer cancel()
		models, err := ollama.New("ollama", base).ListModels(ctx)
		if err != nil {
			jsonError(w, "ollama unreachable: "+err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
	}
}
