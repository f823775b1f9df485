package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// scrape records one sample per collector and returns the text
// exposition from the registry's handler.
func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}
	return string(body)
}

func TestRegistryExposesAllFamilies(t *testing.T) {
	r := New()
	r.DeliberationsTotal.WithLabelValues("completed").Inc()
	r.ActiveDeliberations.Inc()
	r.StageDuration.WithLabelValues("stage1").Observe(4.2)
	r.ModelQueriesTotal.WithLabelValues("openrouter", "ok").Inc()
	r.QueryLatency.WithLabelValues("openrouter").Observe(1.5)
	r.SearchesTotal.WithLabelValues("duckduckgo", "ok").Inc()
	r.ProviderHealth.WithLabelValues("openrouter").Set(0)

	body := scrape(t, r)
	for _, family := range []string{
		"councilhub_deliberations_total",
		"councilhub_active_deliberations",
		"councilhub_stage_duration_seconds",
		"councilhub_model_queries_total",
		"councilhub_query_latency_seconds",
		"councilhub_searches_total",
		"councilhub_provider_health",
	} {
		if !strings.Contains(body, family) {
			t.Errorf("scrape output missing %s", family)
		}
	}
}

func TestProviderHealthGaugeValues(t *testing.T) {
	r := New()
	r.ProviderHealth.WithLabelValues("openrouter").Set(0)
	r.ProviderHealth.WithLabelValues("google").Set(1)
	r.ProviderHealth.WithLabelValues("ollama").Set(2)

	cases := map[string]float64{"openrouter": 0, "google": 1, "ollama": 2}
	for provider, want := range cases {
		got := testutil.ToFloat64(r.ProviderHealth.WithLabelValues(provider))
		if got != want {
			t.Errorf("provider_health{provider=%q} = %v, want %v", provider, got, want)
		}
	}
}

func TestCountersAccumulate(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		r.ModelQueriesTotal.WithLabelValues("openrouter", "ok").Inc()
	}
	r.ModelQueriesTotal.WithLabelValues("openrouter", "error").Inc()

	if got := testutil.ToFloat64(r.ModelQueriesTotal.WithLabelValues("openrouter", "ok")); got != 3 {
		t.Errorf("ok count = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.ModelQueriesTotal.WithLabelValues("openrouter", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()
	r1.DeliberationsTotal.WithLabelValues("completed").Inc()

	if got := testutil.ToFloat64(r2.DeliberationsTotal.WithLabelValues("completed")); got != 0 {
		t.Errorf("second registry saw %v increments", got)
	}
}

func TestMustRegisterExtraCollector(t *testing.T) {
	r := New()
	extra := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "councilhub_rate_limited_total",
		Help: "test collector",
	})
	r.MustRegister(extra)
	extra.Inc()

	if !strings.Contains(scrape(t, r), "councilhub_rate_limited_total 1") {
		t.Error("extra collector missing from scrape output")
	}
}
