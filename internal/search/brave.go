package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jordanhubbard/councilhub/internal/providers"
)

// searchBrave queries the Brave web search API. Brave returns short
// descriptions, so hits carry summaries until reader enrichment fills in
// full article text.
func (s *Service) searchBrave(ctx context.Context, query string) ([]Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(s.cfg.MaxResults))

	body, err := providers.DoGet(ctx, s.client, s.endpoints.Brave+"?"+params.Encode(), map[string]string{
		"X-Subscription-Token": s.cfg.BraveKey,
	})
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title         string   `json:"title"`
				URL           string   `json:"url"`
				Description   string   `json:"description"`
				ExtraSnippets []string `json:"extra_snippets"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("brave search: decode response: %w", err)
	}

	hits := parsed.Web.Results
	if len(hits) > s.cfg.MaxResults {
		hits = hits[:s.cfg.MaxResults]
	}
	results := make([]Result, 0, len(hits))
	for i, h := range hits {
		summary := h.Description
		if summary == "" {
			summary = "No description available."
		}
		// Some hits carry extra snippets with more substance.
		if len(h.ExtraSnippets) > 0 {
			extra := h.ExtraSnippets
			if len(extra) > 2 {
				extra = extra[:2]
			}
			summary += "\n" + strings.Join(extra, "\n")
		}
		r := Result{Index: i + 1, Title: h.Title, URL: h.URL, Summary: summary}
		if r.Title == "" {
			r.Title = "No Title"
		}
		if r.URL == "" {
			r.URL = "#"
		}
		results = append(results, r)
	}
	return results, nil
}
