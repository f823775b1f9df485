package httpapi

import "net/http"

// EventsHandler tails deliberation lifecycle events over SSE. Dashboards
// and the CLI follow this feed; a slow reader only loses frames, it never
// stalls the publishers.
func EventsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := newSSEConn(w)
		if !ok {
			jsonError(w, "response writer does not support streaming", http.StatusInternalServerError)
			return
		}

		sub := d.Bus.Subscribe(64)
		defer d.Bus.Unsubscribe(sub)

		conn.start()
		conn.emit("connected", `{"status":"ok"}`)

		for {
			select {
			case e := <-sub.C:
				if !conn.emit(string(e.Type), string(e.JSON())) {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}
