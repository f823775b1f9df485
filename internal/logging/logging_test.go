package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// capture returns a logger whose redacted JSON output lands in the
// returned buffer.
func capture() (*slog.Logger, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	h := &RedactingHandler{next: slog.NewJSONHandler(buf, nil)}
	return slog.New(h), buf
}

func TestRedactsSensitiveAttrs(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bearer header", "authorization", "Bearer sk-secret"},
		{"proxy auth", "proxy-authorization", "Basic dXNlcjpwYXNz"},
		{"anthropic key header", "x-api-key", "sk-ant-123"},
		{"google key header", "x-goog-api-key", "goog-456"},
		{"brave key header", "x-subscription-token", "brave-789"},
		{"cookie", "cookie", "session_id=abc123"},
		{"set cookie", "set-cookie", "session_id=new456; HttpOnly"},
		{"body", "body", `{"messages":[{"content":"secret stuff"}]}`},
		{"request body", "request_body", "sensitive request data"},
		{"short body alias", "req_body", "more sensitive data"},
		{"key fragment", "api_key", "sk-12345"},
		{"key fragment inside longer name", "api_key_id", "key-id-value"},
		{"secret fragment", "client_secret", "cs-secret-value"},
		{"password fragment", "db_password", "p@ssw0rd!"},
		{"token fragment", "refresh_token", "rt-xyz789"},
		{"mixed case key", "API_Key", "sk-upper"},
		{"long secret", "api_key", strings.Repeat("s", 10000)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, buf := capture()
			logger.Info("probe", slog.String(tc.key, tc.value))

			out := buf.String()
			if strings.Contains(out, tc.value) {
				t.Errorf("value of %q leaked into the log", tc.key)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Error("expected the [REDACTED] placeholder")
			}
		})
	}
}

func TestPreservesOrdinaryAttrs(t *testing.T) {
	logger, buf := capture()
	long := strings.Repeat("a", 10000)
	logger.Info("probe",
		slog.String("method", "POST"),
		slog.String("path", "/api/conversations"),
		slog.Int("status", 200),
		slog.String("description", long),
	)

	out := buf.String()
	for _, want := range []string{"POST", "/api/conversations", "200", long} {
		if !strings.Contains(out, want) {
			t.Errorf("ordinary attribute %.20q missing from output", want)
		}
	}
	if strings.Contains(out, "[REDACTED]") {
		t.Error("nothing here should have been redacted")
	}
}

func TestRedactsInsideGroups(t *testing.T) {
	logger, buf := capture()
	logger.Info("probe",
		slog.Group("provider",
			slog.String("name", "openrouter"),
			slog.Group("auth",
				slog.String("api_key", "sk-or-nested-secret"),
			),
		),
	)

	out := buf.String()
	if strings.Contains(out, "sk-or-nested-secret") {
		t.Error("api_key inside a nested group leaked")
	}
	if !strings.Contains(out, "openrouter") {
		t.Error("non-sensitive group member should survive")
	}
}

func TestWithAttrsRedacts(t *testing.T) {
	logger, buf := capture()
	bound := logger.With(
		slog.String("authorization", "Bearer leaked-token"),
		slog.String("method", "GET"),
	)
	bound.Info("request")

	out := buf.String()
	if strings.Contains(out, "leaked-token") {
		t.Error("pre-bound authorization attr leaked")
	}
	if !strings.Contains(out, "GET") {
		t.Error("pre-bound ordinary attr should survive")
	}
}

func TestWithGroupKeepsRedacting(t *testing.T) {
	logger, buf := capture()
	grouped := logger.WithGroup("request")
	grouped.Info("probe",
		slog.String("path", "/api/v1"),
		slog.String("api_key", "sk-grouped"),
	)

	out := buf.String()
	if !strings.Contains(out, "/api/v1") {
		t.Error("grouped ordinary attr should survive")
	}
	if strings.Contains(out, "sk-grouped") {
		t.Error("grouped sensitive attr leaked")
	}
}

func TestEnabledDelegates(t *testing.T) {
	base := slog.NewJSONHandler(new(bytes.Buffer), &slog.HandlerOptions{Level: slog.LevelWarn})
	h := &RedactingHandler{next: base}

	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug enabled despite warn threshold")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn should be enabled")
	}
}

func TestSetLevelNames(t *testing.T) {
	cases := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
		{"DEBUG", slog.LevelInfo}, // names are lower-case only
	}
	for _, tc := range cases {
		SetLevel(tc.input)
		if got := globalLevel.Level(); got != tc.want {
			t.Errorf("SetLevel(%q): level = %v, want %v", tc.input, got, tc.want)
		}
	}
	SetLevel("info")
}

func TestSetLevelTakesEffectLive(t *testing.T) {
	buf := new(bytes.Buffer)
	base := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: globalLevel})
	logger := slog.New(&RedactingHandler{next: base})

	SetLevel("error")
	logger.Debug("suppressed")
	if buf.Len() != 0 {
		t.Error("debug record emitted at error level")
	}

	SetLevel("debug")
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("debug record missing after lowering the level")
	}
	SetLevel("info")
}

func TestSetupReturnsLogger(t *testing.T) {
	if Setup("info") == nil {
		t.Fatal("Setup returned nil")
	}
}

func serveLogged(t *testing.T, status int, mutate func(*http.Request)) map[string]any {
	t.Helper()

	logger, buf := capture()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte("ok"))
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	if mutate != nil {
		mutate(req)
	}
	RequestLogger(logger)(inner).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not one JSON object: %v\n%s", err, buf.String())
	}
	return entry
}

func TestRequestLogFields(t *testing.T) {
	entry := serveLogged(t, http.StatusOK, nil)

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["method"] != "GET" {
		t.Errorf("method = %v", entry["method"])
	}
	if entry["path"] != "/api/conversations" {
		t.Errorf("path = %v", entry["path"])
	}
	if got, _ := entry["status"].(float64); int(got) != 200 {
		t.Errorf("status = %v", entry["status"])
	}
	if got, _ := entry["bytes"].(float64); int(got) != 2 {
		t.Errorf("bytes = %v", entry["bytes"])
	}
	if _, ok := entry["duration"]; !ok {
		t.Error("duration field missing")
	}
}

func TestRequestLogCarriesRequestID(t *testing.T) {
	entry := serveLogged(t, http.StatusOK, func(r *http.Request) {
		r.Header.Set("X-Request-ID", "req-test-12345")
	})
	if entry["request_id"] != "req-test-12345" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
}

func TestRequestLogSeverityTracksStatus(t *testing.T) {
	cases := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}
	for _, tc := range cases {
		entry := serveLogged(t, tc.status, nil)
		if entry["level"] != tc.level {
			t.Errorf("status %d: level = %v, want %s", tc.status, entry["level"], tc.level)
		}
		if got, _ := entry["status"].(float64); int(got) != tc.status {
			t.Errorf("status field = %v, want %d", entry["status"], tc.status)
		}
	}
}
