package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jordanhubbard/councilhub/internal/providers"
)

// searchTavily queries the Tavily API. Tavily is built for LLM retrieval,
// so its snippets are already extraction-quality and skip reader
// enrichment entirely.
func (s *Service) searchTavily(ctx context.Context, query string) ([]Result, error) {
	payload := map[string]any{
		"api_key":             s.cfg.TavilyKey,
		"query":               query,
		"max_results":         s.cfg.MaxResults,
		"include_answer":      false,
		"include_raw_content": false,
		"search_depth":        "advanced",
	}

	body, err := providers.DoRequest(ctx, s.client, s.endpoints.Tavily, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("tavily search: decode response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for i, h := range parsed.Results {
		r := Result{Index: i + 1, Title: h.Title, URL: h.URL, Content: h.Content}
		if r.Title == "" {
			r.Title = "No Title"
		}
		if r.URL == "" {
			r.URL = "#"
		}
		if r.Content == "" {
			r.Content = "No content available."
		}
		results = append(results, r)
	}
	return results, nil
}
