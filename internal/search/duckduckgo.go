package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jordanhubbard/councilhub/internal/providers"
)

// DuckDuckGo has no official API; the news endpoint is gated by a vqd
// token scraped from the HTML shell, the same dance every DDG client
// library does.
var vqdPattern = regexp.MustCompile(`vqd=['"]?([\d-]+)`)

// Scraping endpoints reject the default Go user agent.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

// searchDuckDuckGo queries the DuckDuckGo news endpoint, retrying a
// couple of times with linear back-off when rate limited.
func (s *Service) searchDuckDuckGo(ctx context.Context, query string) ([]Result, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		results, err := s.duckduckgoOnce(ctx, query)
		if err == nil {
			return results, nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "Ratelimit") || attempt == maxRetries {
			return nil, err
		}
		s.logger.Warn("duckduckgo rate limit hit, retrying", "attempt", attempt+1)
		select {
		case <-time.After(s.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (s *Service) duckduckgoOnce(ctx context.Context, query string) ([]Result, error) {
	vqd, err := s.duckduckgoVQD(ctx, query)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("l", "us-en")
	params.Set("o", "json")
	params.Set("noamp", "1")
	params.Set("q", query)
	params.Set("vqd", vqd)

	body, err := providers.DoGet(ctx, s.client, s.endpoints.DuckDuckGo+"/news.js?"+params.Encode(), map[string]string{
		"User-Agent": browserUserAgent,
	})
	if err != nil {
		return nil, brandRatelimit(fmt.Errorf("duckduckgo news: %w", err))
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Href    string `json:"href"`
			Body    string `json:"body"`
			Excerpt string `json:"excerpt"`
			Source  string `json:"source"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("duckduckgo news: decode response: %w", err)
	}

	hits := payload.Results
	if len(hits) > s.cfg.MaxResults {
		hits = hits[:s.cfg.MaxResults]
	}
	results := make([]Result, 0, len(hits))
	for i, h := range hits {
		r := Result{
			Index:   i + 1,
			Title:   h.Title,
			URL:     h.URL,
			Source:  h.Source,
			Summary: h.Body,
		}
		if r.Title == "" {
			r.Title = "No Title"
		}
		if r.URL == "" {
			r.URL = h.Href
		}
		if r.URL == "" {
			r.URL = "#"
		}
		if r.Summary == "" {
			r.Summary = h.Excerpt
		}
		if r.Summary == "" {
			r.Summary = "No description available."
		}
		results = append(results, r)
	}
	return results, nil
}

// duckduckgoVQD scrapes the session token that gates the JSON endpoints.
func (s *Service) duckduckgoVQD(ctx context.Context, query string) (string, error) {
	body, err := providers.DoGet(ctx, s.client, s.endpoints.DuckDuckGo+"/?q="+url.QueryEscape(query), map[string]string{
		"User-Agent": browserUserAgent,
	})
	if err != nil {
		return "", brandRatelimit(fmt.Errorf("duckduckgo vqd: %w", err))
	}
	m := vqdPattern.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("duckduckgo vqd: token not found in response")
	}
	return string(m[1]), nil
}

// brandRatelimit marks throttling responses so the retry loop can match
// them by message. DuckDuckGo answers 403 (or a 202 challenge) when it
// rate limits a client.
func brandRatelimit(err error) error {
	var statusErr *providers.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusAccepted, http.StatusForbidden, http.StatusTooManyRequests:
			return fmt.Errorf("duckduckgo Ratelimit: %w", err)
		}
	}
	return err
}
