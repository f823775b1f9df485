package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Message is a single chat message exchanged with a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest carries the inputs for a single model query. Temperature zero
// means "use the provider default"; the council engine always sets it.
type ChatRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// ModelInfo describes one selectable model as reported by a provider's
// catalog endpoint. ID is routable (carries the provider prefix).
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	ContextLength int    `json:"context_length,omitempty"`
}

// Adapter is the uniform contract every backend implements. Query never
// panics and never leaks a transport failure as anything but an error
// return; the registry folds errors into outcomes.
type Adapter interface {
	ID() string
	Query(ctx context.Context, model string, req ChatRequest) (string, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	ValidateKey(ctx context.Context) error
}

// Outcome is the result of a dispatched query: exactly one of Content or
// Err is meaningful.
type Outcome struct {
	Content string
	Err     string
}

func (o Outcome) OK() bool { return o.Err == "" }

// OK builds a successful outcome.
func OK(content string) Outcome { return Outcome{Content: content} }

// Fail builds a failed outcome.
func Fail(message string) Outcome { return Outcome{Err: message} }

// StatusError captures an HTTP status code from a provider response.
// Used by adapters to return structured errors that Classify can inspect.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records a Retry-After header value when it is a plain
// second count. HTTP-date forms are ignored.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}

// APIError brands an upstream StatusError with the provider's display name
// so outcome messages read "OpenAI API error: 401 - ...". The underlying
// StatusError stays reachable through Unwrap for classification.
type APIError struct {
	Provider string
	Status   *StatusError
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: %d - %s", e.Provider, e.Status.StatusCode, e.Status.Body)
}

func (e *APIError) Unwrap() error { return e.Status }

// WrapStatus rebrands err as an APIError when a StatusError is in its chain,
// and returns err unchanged otherwise.
func WrapStatus(provider string, err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		return &APIError{Provider: provider, Status: se}
	}
	return err
}

// MissingKeyError reports that the adapter has no API key configured.
type MissingKeyError struct {
	Provider string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("%s API key not configured", e.Provider)
}

// ErrMalformedResponse marks a 2xx response whose body did not have the
// expected shape.
var ErrMalformedResponse = errors.New("malformed provider response")

// Kind is the semantic class of a query failure.
type Kind string

const (
	KindConfig       Kind = "config"
	KindTransport    Kind = "transport"
	KindProtocol     Kind = "protocol"
	KindCancellation Kind = "cancellation"
)

// Classify maps an adapter error to its semantic kind: missing key is a
// configuration problem, non-2xx and malformed bodies are protocol
// failures, context cancellation is its own class, and everything else
// (DNS, TLS, timeouts, connection resets) is transport.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancellation
	default:
	}
	var mk *MissingKeyError
	if errors.As(err, &mk) {
		return KindConfig
	}
	var se *StatusError
	if errors.As(err, &se) {
		return KindProtocol
	}
	if errors.Is(err, ErrMalformedResponse) {
		return KindProtocol
	}
	return KindTransport
}
