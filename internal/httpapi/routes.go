// Package httpapi exposes the deliberation service over HTTP: conversation
// CRUD, the blocking and streaming message endpoints, settings management
// with provider key testing, model catalogs, and the observability surface
// (stats, history, provider health, event feed).
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

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

// Runtime is the request-serving bundle derived from one settings
// snapshot. Handlers grab it once per request, so a concurrent settings
// change never swaps the engine or registry under a running deliberation.
type Runtime struct {
	Engine   *council.Engine
	Council  council.Config
	Registry *providers.Registry

	SearchProvider   string
	OllamaBaseURL    string
	OpenRouterKeySet bool

	// DirectKeyed lists the direct-mode providers that have a key
	// configured, in the order the catalog endpoints query them.
	DirectKeyed []string
}

// SettingsAccess exposes the settings document to the HTTP layer without
// binding it to the app package's concrete manager.
type SettingsAccess interface {
	Current() any
	Defaults() any
	Apply(ctx context.Context, patch map[string]json.RawMessage) (any, error)
}

type Dependencies struct {
	Logger   *slog.Logger
	Store    store.Store
	Metrics  *metrics.Registry
	Bus      *events.Bus
	Health   *health.Tracker
	Prober   *health.Prober
	Stats    *stats.Collector
	History  *tsdb.Store
	Settings SettingsAccess

	// Runtime returns the current engine/registry bundle.
	Runtime func() Runtime

	// AdminToken guards the settings mutation endpoints when non-empty.
	AdminToken string

	// RateLimit and Idempotency wrap the message endpoints when set.
	RateLimit   func(http.Handler) http.Handler
	Idempotency func(http.Handler) http.Handler
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", ConversationsListHandler(d))
			r.Post("/", ConversationCreateHandler(d))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", ConversationGetHandler(d))
				r.Delete("/", ConversationDeleteHandler(d))

				// A deliberation is N+M+1 upstream model calls, so both
				// message endpoints sit behind the rate limiter. Replay
				// only makes sense for the blocking variant: the stream
				// reports progress as it happens.
				r.Group(func(r chi.Router) {
					if d.RateLimit != nil {
						r.Use(d.RateLimit)
					}
					if d.Idempotency != nil {
						r.With(d.Idempotency).Post("/message", MessageHandler(d))
					} else {
						r.Post("/message", MessageHandler(d))
					}
					r.Post("/message/stream", MessageStreamHandler(d))
				})
			})
		})

		r.Get("/settings", SettingsGetHandler(d))
		r.Get("/settings/defaults", SettingsDefaultsHandler(d))
		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin(d.AdminToken))
			r.Put("/settings", SettingsUpdateHandler(d))
			r.Post("/settings/test-provider", TestProviderHandler(d))
			r.Post("/settings/test-tavily", TestSearchKeyHandler(d, "tavily"))
			r.Post("/settings/test-brave", TestSearchKeyHandler(d, "brave"))
			r.Post("/settings/test-ollama", TestOllamaHandler(d))
		})

		r.Get("/models", ModelsHandler(d))
		r.Get("/models/direct", DirectModelsHandler(d))
		r.Get("/ollama/tags", OllamaTagsHandler(d))

		r.Get("/stats", StatsHandler(d))
		r.Get("/stats/history", StatsHistoryHandler(d))
		r.Get("/health/providers", ProviderHealthHandler(d))
		r.Get("/events", EventsHandler(d))
	})
}
