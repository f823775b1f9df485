// Package logging sets up the process-wide slog logger. Every record
// passes through a redacting handler so credentials never reach the log
// stream, whatever call site produced them.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Keys redacted by exact match. The provider key headers (x-api-key,
// x-goog-api-key, x-subscription-token) carry credentials verbatim; the
// body keys may echo user prompts or raw upstream payloads.
var redactExact = map[string]struct{}{
	"authorization":        {},
	"proxy-authorization":  {},
	"x-api-key":            {},
	"x-goog-api-key":       {},
	"x-subscription-token": {},
	"cookie":               {},
	"set-cookie":           {},
	"body":                 {},
	"request_body":         {},
	"req_body":             {},
}

// Keys redacted by substring match.
var redactFragments = []string{"key", "token", "secret", "password"}

func sensitiveKey(key string) bool {
	if _, ok := redactExact[key]; ok {
		return true
	}
	for _, frag := range redactFragments {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}

// globalLevel backs every handler Setup creates, so SetLevel takes
// effect without rebuilding the logger.
var globalLevel = new(slog.LevelVar)

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Setup builds the process logger at the given level and installs it as
// the slog default.
func Setup(level string) *slog.Logger {
	SetLevel(level)
	logger := slog.New(&RedactingHandler{
		next: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: globalLevel}),
	})
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the global log level at runtime. Unknown names fall
// back to "info".
func SetLevel(level string) {
	l, ok := levelNames[level]
	if !ok {
		l = slog.LevelInfo
	}
	globalLevel.Set(l)
}

// RedactingHandler wraps an slog.Handler, rewriting sensitive attribute
// values to a placeholder before they are emitted.
type RedactingHandler struct {
	next slog.Handler
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(clean)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name)}
}

// redactAttr replaces sensitive values, descending into groups so
// nested attrs get the same treatment.
func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		clean := make([]slog.Attr, len(members))
		for i, m := range members {
			clean[i] = redactAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	}
	if sensitiveKey(strings.ToLower(a.Key)) {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// RequestLogger returns chi middleware that logs one line per HTTP
// request. Server errors log at error level and client errors at warn,
// so failures stand out at the default info level. Request bodies and
// auth headers are never logged.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = middleware.GetReqID(r.Context())
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			switch {
			case ww.Status() >= 500:
				level = slog.LevelError
			case ww.Status() >= 400:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http_request",
				slog.String("request_id", reqID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			)
		}
		return http.HandlerFunc(fn)
	}
}
