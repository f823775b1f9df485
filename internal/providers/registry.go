package providers

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultQueryTimeout is applied when a caller passes a non-positive timeout.
const DefaultQueryTimeout = 120 * time.Second

// Observation describes one completed query for the observability sinks.
type Observation struct {
	Provider string
	Model    string
	Latency  time.Duration
	Kind     Kind // empty on success
	Success  bool
}

// Registry routes a model identifier to an adapter. It is built once at
// startup from resolved settings and is immutable afterwards; the only
// state it touches concurrently is the adapters' shared HTTP client.
type Registry struct {
	adapters map[string]Adapter
	fallback string
	observer func(Observation)
}

// NewRegistry builds a registry over the given adapters, keyed by provider
// tag. Unprefixed model IDs fall back to defaultProvider when that is
// "ollama" or "openrouter", and to "openrouter" otherwise.
func NewRegistry(adapters map[string]Adapter, defaultProvider string, observer func(Observation)) *Registry {
	fallback := "openrouter"
	if defaultProvider == "ollama" || defaultProvider == "openrouter" {
		fallback = defaultProvider
	}
	return &Registry{adapters: adapters, fallback: fallback, observer: observer}
}

// Resolve returns the adapter responsible for modelID: an explicit known
// "provider:" prefix wins, everything else goes to the fallback provider.
func (r *Registry) Resolve(modelID string) Adapter {
	if tag, _, ok := strings.Cut(modelID, ":"); ok {
		if a, exists := r.adapters[tag]; exists {
			return a
		}
	}
	return r.adapters[r.fallback]
}

// Adapter returns the adapter registered under the given provider tag.
func (r *Registry) Adapter(tag string) (Adapter, bool) {
	a, ok := r.adapters[tag]
	return a, ok
}

// Tags returns the registered provider tags.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.adapters))
	for tag := range r.adapters {
		tags = append(tags, tag)
	}
	return tags
}

// Query dispatches one chat request to the adapter responsible for model
// and folds any failure into the outcome. It never returns an error: the
// caller reads Outcome.Err. The timeout bounds the whole HTTP exchange;
// cancelling ctx aborts it immediately.
func (r *Registry) Query(ctx context.Context, model string, req ChatRequest, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	adapter := r.Resolve(model)
	if adapter == nil {
		return Fail(fmt.Sprintf("no provider available for model %s", model))
	}

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	content, err := adapter.Query(qctx, model, req)
	latency := time.Since(start)

	if r.observer != nil {
		r.observer(Observation{
			Provider: adapter.ID(),
			Model:    model,
			Latency:  latency,
			Kind:     Classify(err),
			Success:  err == nil,
		})
	}

	if err != nil {
		return Fail(err.Error())
	}
	return OK(content)
}
