package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithSecurityHeadersAllowsSameOriginMicrophone(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("Permissions-Policy"); !strings.Contains(got, "microphone=(self)") {
		t.Fatalf("Permissions-Policy mismatch: %q", got)
	}
}

func TestWithCORSEchoesAllowedOrigin(t *testing.T) {
	called := false
	h := WithCORS([]string{"https://log.example.com/"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/state", nil)
	req.Header.Set("Origin", "https://log.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || called {
		t.Fatalf("preflight should short-circuit, code=%d called=%v", rec.Code, called)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://log.example.com" {
		t.Fatalf("origin not echoed")
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("credentials not allowed")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected CORS header for unknown origin")
	}
	if !called {
		t.Fatalf("request from unknown origin should still reach handler")
	}
}

func TestWithRequestLogUsesRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	InitLoggerTo(&buf, "info")
	defer slog.SetDefault(prev)

	h := WithRequestID(WithRequestLog("dailylog", nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	req.RemoteAddr = "198.51.100.4:5555"
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "http_request" || entry["request_id"] != "rid-1" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) || entry["client_ip"] != "198.51.100.4" {
		t.Fatalf("unexpected status or client ip: %v", entry)
	}
}

func TestWithRequestLogWarnsOnServerError(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	InitLoggerTo(&buf, "info")
	defer slog.SetDefault(prev)

	h := WithRequestLog("dailylog", nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/send", nil))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["level"] != "WARN" || entry["status"] != float64(http.StatusBadGateway) {
		t.Fatalf("unexpected log entry: %v", entry)
	}
	if entry["bytes"] != float64(len("upstream down\n")) || entry["websocket"] != false {
		t.Fatalf("unexpected size or websocket flag: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerFromContextFallsBackToDefault(t *testing.T) {
	if LoggerFromContext(nil) != slog.Default() {
		t.Fatalf("expected default logger")
	}
}
