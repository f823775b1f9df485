package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/councilhub/internal/tracing"
)

type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// WithRequestID returns a context carrying the given request ID; adapters
// forward it upstream as X-Request-ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

var (
	sharedOnce   sync.Once
	sharedClient *http.Client
)

// SharedClient returns the process-lifetime pooled HTTP client used by all
// adapters. Constructed lazily on first use; request deadlines come from
// the caller's context, never from the client.
func SharedClient() *http.Client {
	sharedOnce.Do(func() {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
		sharedClient = &http.Client{Transport: tracing.HTTPTransport(transport)}
	})
	return sharedClient
}

// DoRequest POSTs a JSON payload and returns the response body bytes.
// Content-Type is set for the caller; extra headers are applied on top.
// Non-200 responses come back as *StatusError with any Retry-After value
// parsed.
func DoRequest(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return roundTrip(ctx, client, call{
		span:    "provider.request",
		method:  http.MethodPost,
		url:     url,
		body:    jsonData,
		headers: headers,
	})
}

// DoGet fetches a URL (model catalogs, search endpoints) and returns the
// response body bytes. Non-200 responses become *StatusError.
func DoGet(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, error) {
	return roundTrip(ctx, client, call{
		span:    "provider.get",
		method:  http.MethodGet,
		url:     url,
		headers: headers,
	})
}

// call describes one upstream exchange for roundTrip.
type call struct {
	span    string
	method  string
	url     string
	body    []byte // nil for bodyless methods
	headers map[string]string
}

// roundTrip is the single exchange path behind DoRequest and DoGet. It sets
// standard headers, forwards the request ID, injects W3C trace context
// (traceparent/tracestate), and converts non-200 responses into *StatusError.
func roundTrip(ctx context.Context, client *http.Client, c call) ([]byte, error) {
	ctx, span := otel.Tracer("councilhub.providers").Start(ctx, c.span,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", c.url)),
	)
	defer span.End()

	fail := func(stage string, err error) ([]byte, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		return nil, err
	}

	var reqBody io.Reader
	if c.body != nil {
		reqBody = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, reqBody)
	if err != nil {
		return fail("create request failed", fmt.Errorf("failed to create request: %w", err))
	}

	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if reqID := GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		return fail("request failed", fmt.Errorf("request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail("read response failed", fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return fail(fmt.Sprintf("HTTP %d", resp.StatusCode), se)
	}

	span.SetStatus(codes.Ok, "")
	return body, nil
}
