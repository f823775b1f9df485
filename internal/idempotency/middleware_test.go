package idempotency

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// countingHandler returns a handler that reports how often it ran and a
// sender bound to the wrapped middleware chain.
func countingHandler(t *testing.T, status int) (*atomic.Int64, func(method, path, key string) *httptest.ResponseRecorder) {
	t.Helper()

	cache, _ := newTestCache(t, time.Minute, 100)
	var calls atomic.Int64
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"run":%d}`, n)
	})
	wrapped := Middleware(cache)(inner)

	send := func(method, path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}
	return &calls, send
}

func TestNoHeaderMeansNoCaching(t *testing.T) {
	calls, send := countingHandler(t, http.StatusOK)

	send(http.MethodPost, "/api/conversations/c1/message", "")
	rec := send(http.MethodPost, "/api/conversations/c1/message", "")

	if got := calls.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
	if rec.Header().Get("Idempotency-Replay") != "" {
		t.Error("replay header set without an idempotency key")
	}
}

func TestSecondRequestIsReplayed(t *testing.T) {
	calls, send := countingHandler(t, http.StatusOK)

	first := send(http.MethodPost, "/api/conversations/c1/message", "retry-1")
	second := send(http.MethodPost, "/api/conversations/c1/message", "retry-1")

	if got := calls.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
	if second.Header().Get("Idempotency-Replay") != "true" {
		t.Error("replayed response missing Idempotency-Replay header")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body %s differs from original %s", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Errorf("replayed content type = %q", second.Header().Get("Content-Type"))
	}
}

func TestNonSuccessIsNotCached(t *testing.T) {
	calls, send := countingHandler(t, http.StatusBadGateway)

	send(http.MethodPost, "/api/conversations/c1/message", "retry-1")
	rec := send(http.MethodPost, "/api/conversations/c1/message", "retry-1")

	if got := calls.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2 (errors are retryable)", got)
	}
	if rec.Header().Get("Idempotency-Replay") != "" {
		t.Error("error response must not be replayed")
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCreatedStatusSurvivesReplay(t *testing.T) {
	_, send := countingHandler(t, http.StatusCreated)

	send(http.MethodPost, "/api/conversations", "create-1")
	rec := send(http.MethodPost, "/api/conversations", "create-1")

	if rec.Code != http.StatusCreated {
		t.Errorf("replayed status = %d, want 201", rec.Code)
	}
}

func TestKeysAreScopedToEndpoint(t *testing.T) {
	calls, send := countingHandler(t, http.StatusOK)

	send(http.MethodPost, "/api/conversations/c1/message", "shared")
	send(http.MethodPost, "/api/conversations/c2/message", "shared")

	if got := calls.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2 (different paths must not share entries)", got)
	}
}

func TestDistinctKeysRunSeparately(t *testing.T) {
	calls, send := countingHandler(t, http.StatusOK)

	a := send(http.MethodPost, "/api/conversations/c1/message", "key-a")
	b := send(http.MethodPost, "/api/conversations/c1/message", "key-b")

	if got := calls.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
	if a.Body.String() == b.Body.String() {
		t.Error("distinct keys should have produced distinct runs")
	}
}

func TestImplicitStatusIsCachedAsOK(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute, 100)
	var calls atomic.Int64
	// No explicit WriteHeader: status must default to 200 and cache.
	wrapped := Middleware(cache)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("done"))
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/message", nil)
		req.Header.Set("Idempotency-Key", "implicit")
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	send()
	rec := send()
	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "done" {
		t.Errorf("replay = %d %q", rec.Code, rec.Body.String())
	}
}
