package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// fetchReader pulls clean article text for a URL through the reader
// proxy, which renders the page and strips it to plain text. The error
// return feeds the breaker; callers treat any failure as "keep the
// summary" and move on.
func (s *Service) fetchReader(ctx context.Context, target string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoints.Reader+"/"+target, nil)
	if err != nil {
		s.logger.Warn("reader request build failed", "url", target, "error", err)
		return "", err
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("reader fetch failed", "url", target, "error", err)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("reader returned non-200", "status", resp.StatusCode, "url", target)
		return "", fmt.Errorf("reader returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Warn("reader body read failed", "url", target, "error", err)
		return "", err
	}
	return string(body), nil
}
