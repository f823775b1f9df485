package idempotency

import (
	"bytes"
	"net/http"
)

// Middleware deduplicates requests by Idempotency-Key header. A request
// whose key has been seen before gets the cached response replayed with
// an Idempotency-Replay: true header; requests without the header pass
// through unchanged. Only 2xx responses are cached, so a failed run can
// always be retried with the same key. Mounted on the blocking message
// endpoint; the streaming variant reports progress as it happens and
// has nothing meaningful to replay.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get("Idempotency-Key")
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := Key(r.Method, r.URL.Path, clientKey)
			if rec, ok := cache.Get(key); ok {
				replay(w, rec)
				return
			}

			tee := &teeWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(tee, r)

			if tee.status >= 200 && tee.status < 300 {
				cache.Set(key, tee.body.Bytes(), tee.status, headerSnapshot(tee.Header()))
			}
		})
	}
}

func replay(w http.ResponseWriter, rec record) {
	for k, v := range rec.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Idempotency-Replay", "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Body)
}

// headerSnapshot flattens response headers to their first value.
func headerSnapshot(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// teeWriter copies the response body aside so a successful response can
// be cached after the handler returns.
type teeWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
	body   bytes.Buffer
}

func (t *teeWriter) WriteHeader(code int) {
	if !t.wrote {
		t.status = code
		t.wrote = true
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *teeWriter) Write(b []byte) (int, error) {
	t.body.Write(b)
	return t.ResponseWriter.Write(b)
}
