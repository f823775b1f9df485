package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSearchTavily(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [
			{"title": "T1", "url": "http://a", "content": "C1"},
			{"title": "T2", "url": "http://b", "content": "C2"}
		]}`))
	}))
	defer srv.Close()

	svc := newTestService(Config{Provider: ProviderTavily, TavilyKey: "tv-key", MaxResults: 4}, Endpoints{Tavily: srv.URL})
	got := svc.Search(context.Background(), "golang generics")

	want := "Result 1:\nTitle: T1\nURL: http://a\nContent:\nC1\n\nResult 2:\nTitle: T2\nURL: http://b\nContent:\nC2"
	if got != want {
		t.Errorf("search result =\n%q\nwant\n%q", got, want)
	}

	if gotPayload["api_key"] != "tv-key" {
		t.Errorf("api_key = %v", gotPayload["api_key"])
	}
	if gotPayload["query"] != "golang generics" {
		t.Errorf("query = %v", gotPayload["query"])
	}
	if gotPayload["max_results"] != float64(4) {
		t.Errorf("max_results = %v, want 4", gotPayload["max_results"])
	}
	if gotPayload["include_answer"] != false || gotPayload["include_raw_content"] != false {
		t.Errorf("include flags = %v / %v, want false / false", gotPayload["include_answer"], gotPayload["include_raw_content"])
	}
	if gotPayload["search_depth"] != "advanced" {
		t.Errorf("search_depth = %v, want advanced", gotPayload["search_depth"])
	}
}

func TestSearchTavily_missingKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made without an API key")
	}))
	defer srv.Close()

	svc := newTestService(Config{Provider: ProviderTavily}, Endpoints{Tavily: srv.URL})
	got := svc.Search(context.Background(), "anything")
	if got != noteTavilyNoKey {
		t.Errorf("search result = %q, want the missing-key note", got)
	}
}

func TestSearchTavily_apiError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "invalid api key"}`))
	}))
	defer srv.Close()

	svc := newTestService(Config{Provider: ProviderTavily, TavilyKey: "bad"}, Endpoints{Tavily: srv.URL})
	if got := svc.Search(context.Background(), "anything"); got != noteTavilyBadKey {
		t.Errorf("search result = %q, want the bad-key note", got)
	}
}

func TestSearchTavily_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	svc := newTestService(Config{Provider: ProviderTavily, TavilyKey: "tv-key"}, Endpoints{Tavily: srv.URL})
	if got := svc.Search(context.Background(), "anything"); got != noteTavilyFailed {
		t.Errorf("search result = %q, want the transport-failure note", got)
	}
}

func TestSearchTavily_noResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	svc := newTestService(Config{Provider: ProviderTavily, TavilyKey: "tv-key"}, Endpoints{Tavily: srv.URL})
	if got := svc.Search(context.Background(), "anything"); got != noteNoResults {
		t.Errorf("search result = %q, want %q", got, noteNoResults)
	}
}
