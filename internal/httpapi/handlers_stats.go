package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jordanhubbard/councilhub/internal/stats"
	"github.com/jordanhubbard/councilhub/internal/store"
	"github.com/jordanhubbard/councilhub/internal/tsdb"
)

// StatsResponse bundles everything the stats page renders in one call.
type StatsResponse struct {
	Global        []stats.Aggregate            `json:"global"`
	ByModel       map[string][]stats.Aggregate `json:"by_model"`
	ByProvider    map[string][]stats.Aggregate `json:"by_provider"`
	Deliberations store.DeliberationStats      `json:"deliberations"`
	Recent        []store.DeliberationRecord   `json:"recent"`
}

func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agg, err := d.Store.DeliberationStats(r.Context())
		if err != nil {
			jsonError(w, "load deliberation stats: "+err.Error(), http.StatusInternalServerError)
			return
		}
		recent, err := d.Store.ListDeliberations(r.Context(), 20, 0)
		if err != nil {
			jsonError(w, "load deliberation log: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if recent == nil {
			recent = []store.DeliberationRecord{}
		}
		writeJSON(w, http.StatusOK, StatsResponse{
			Global:        d.Stats.Global(),
			ByModel:       d.Stats.Summary(),
			ByProvider:    d.Stats.SummaryByProvider(),
			Deliberations: agg,
			Recent:        recent,
		})
	}
}

// StatsHistoryHandler serves bucketed latency series from the on-disk
// sample log. Defaults cover the last 24h at one-minute resolution.
func StatsHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		sinceHours := 24
		if v := q.Get("since_hours"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				jsonError(w, "since_hours must be a positive integer", http.StatusBadRequest)
				return
			}
			sinceHours = n
		}
		stepMs := int64(tsdb.DefaultStepMs)
		if v := q.Get("step_ms"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				jsonError(w, "step_ms must be a positive integer", http.StatusBadRequest)
				return
			}
			stepMs = n
		}

		series, err := d.History.History(r.Context(), tsdb.Params{
			Model:    q.Get("model"),
			Provider: q.Get("provider"),
			Since:    time.Now().Add(-time.Duration(sinceHours) * time.Hour),
			StepMs:   stepMs,
		})
		if err != nil {
			jsonError(w, "load history: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if series == nil {
			series = []tsdb.Series{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"series": series})
	}
}
