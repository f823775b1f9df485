package httpapi

import (
	"net/http"

	"github.com/jordanhubbard/councilhub/internal/health"
)

// ProviderHealthHandler reports the passive health state of every observed
// provider. With ?probe=true it fires a round of active probes first, so
// the snapshot reflects right-now reachability rather than the last
// deliberation.
func ProviderHealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Providers []health.Stats       `json:"providers"`
			Probes    []health.ProbeResult `json:"probes,omitempty"`
		}{}

		if r.URL.Query().Get("probe") == "true" && d.Prober != nil {
			resp.Probes = d.Prober.Probe(r.Context())
		}
		resp.Providers = d.Health.AllStats()
		if resp.Providers == nil {
			resp.Providers = []health.Stats{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
