package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	DeliberationsTotal  *prometheus.CounterVec
	ActiveDeliberations prometheus.Gauge
	StageDuration       *prometheus.HistogramVec
	ModelQueriesTotal   *prometheus.CounterVec
	QueryLatency        *prometheus.HistogramVec
	SearchesTotal       *prometheus.CounterVec
	ProviderHealth      *prometheus.GaugeVec
}

func New() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),
		DeliberationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "councilhub_deliberations_total",
			Help: "Completed deliberations by result",
		}, []string{"result"}),
		ActiveDeliberations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "councilhub_active_deliberations",
			Help: "Deliberations currently in flight",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "councilhub_stage_duration_seconds",
			Help:    "Wall-clock duration of each deliberation stage",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"stage"}),
		ModelQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "councilhub_model_queries_total",
			Help: "Model queries by provider and outcome",
		}, []string{"provider", "status"}),
		QueryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "councilhub_query_latency_seconds",
			Help:    "Model query latency by provider",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
		SearchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "councilhub_searches_total",
			Help: "Web searches by provider and outcome",
		}, []string{"provider", "outcome"}),
		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "councilhub_provider_health",
			Help: "Provider health: 0 healthy, 1 degraded, 2 down",
		}, []string{"provider"}),
	}
	m.reg.MustRegister(
		m.DeliberationsTotal,
		m.ActiveDeliberations,
		m.StageDuration,
		m.ModelQueriesTotal,
		m.QueryLatency,
		m.SearchesTotal,
		m.ProviderHealth,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// MustRegister adds extra collectors (e.g. middleware counters) to the
// private registry.
func (m *Registry) MustRegister(cs ...prometheus.Collector) {
	m.reg.MustRegister(cs...)
}
