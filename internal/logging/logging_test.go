package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// captureLogOutput redirects the global logger into a buffer for the
// duration of f and restores the default logger afterwards.
func captureLogOutput(level Level, f func()) string {
	var buf bytes.Buffer
	SetOutput(&buf, level, FormatJSON)
	defer InitLogger(LevelInfo, FormatJSON)
	f()
	return buf.String()
}

func decodeRecord(t *testing.T, output string) map[string]any {
	t.Helper()
	line := strings.TrimSpace(output)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, output)
	}
	return rec
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name   string
		level  Level
		format Format
	}{
		{"Debug level JSON format", LevelDebug, FormatJSON},
		{"Info level JSON format", LevelInfo, FormatJSON},
		{"Warn level Text format", LevelWarn, FormatText},
		{"Error level Text format", LevelError, FormatText},
		{"Default level (invalid value)", Level(999), FormatJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			InitLogger(tt.level, tt.format)
			if GetLogger() == nil {
				t.Error("Expected logger to be initialized, got nil")
			}
		})
	}
	InitLogger(LevelInfo, FormatJSON)
}

func TestParseLevelAndFormat(t *testing.T) {
	levels := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range levels {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if ParseFormat("text") != FormatText {
		t.Error("ParseFormat(text) should be FormatText")
	}
	if ParseFormat("json") != FormatJSON || ParseFormat("") != FormatJSON {
		t.Error("ParseFormat should default to FormatJSON")
	}
}

func TestConfigureWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modhost.log")
	closer := Configure(Options{Level: LevelInfo, Format: FormatJSON, File: path})
	Info("file sink check", "marker", "rotating")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	InitLogger(LevelInfo, FormatJSON)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "rotating") {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestLevelFiltering(t *testing.T) {
	output := captureLogOutput(LevelWarn, func() {
		Debug("hidden debug")
		Info("hidden info")
		Warn("visible warn")
	})
	if strings.Contains(output, "hidden") {
		t.Errorf("records below warn should be dropped: %q", output)
	}
	if !strings.Contains(output, "visible warn") {
		t.Errorf("warn record missing: %q", output)
	}
}

func TestContextValues(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithModuleID(ctx, "demo")

	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID = %q", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on empty ctx = %q", got)
	}

	output := captureLogOutput(LevelDebug, func() {
		DebugContext(ctx, "ctx record")
	})
	rec := decodeRecord(t, output)
	if rec["request_id"] != "req-1" || rec["module_id"] != "demo" {
		t.Errorf("context attrs missing: %v", rec)
	}
}

func TestDomainHelpers(t *testing.T) {
	tests := []struct {
		name   string
		log    func()
		msg    string
		level  string
		fields map[string]any
	}{
		{
			name:  "plugin loading",
			log:   func() { PluginLoading("com.example.Toast", "demo", "bytecodeUnit", "cached", true) },
			msg:   "plugin_loading",
			level: "INFO",
			fields: map[string]any{
				"class_name": "com.example.Toast",
				"module_id":  "demo",
				"source":     "bytecodeUnit",
				"cached":     true,
			},
		},
		{
			name:  "plugin error",
			log:   func() { PluginError("com.example.Toast", "instantiate", errors.New("no invoke")) },
			msg:   "plugin_error",
			level: "ERROR",
			fields: map[string]any{
				"operation": "instantiate",
				"error":     "no invoke",
			},
		},
		{
			name:  "config event",
			log:   func() { ConfigEvent("save", "demo", 3) },
			msg:   "config_event",
			level: "INFO",
			fields: map[string]any{
				"event":     "save",
				"module_id": "demo",
				"version":   float64(3),
			},
		},
		{
			name:  "security event",
			log:   func() { SecurityEvent("containment_rejected", "webroot", "path", "../x") },
			msg:   "security_event",
			level: "WARN",
			fields: map[string]any{
				"component": "webroot",
				"path":      "../x",
			},
		},
		{
			name:  "server startup",
			log:   func() { ServerStartup("http", "http/1.1", 8080) },
			msg:   "server_startup",
			level: "INFO",
			fields: map[string]any{
				"port": float64(8080),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := decodeRecord(t, captureLogOutput(LevelDebug, tt.log))
			if rec["msg"] != tt.msg {
				t.Errorf("msg = %v, want %s", rec["msg"], tt.msg)
			}
			if rec["level"] != tt.level {
				t.Errorf("level = %v, want %s", rec["level"], tt.level)
			}
			for k, want := range tt.fields {
				if rec[k] != want {
					t.Errorf("%s = %v, want %v", k, rec[k], want)
				}
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		existingHeader string
		check          func(t *testing.T, id string)
	}{
		{
			name: "Generate new request ID",
			check: func(t *testing.T, id string) {
				if _, err := uuid.Parse(id); err != nil {
					t.Errorf("generated id %q is not a UUID: %v", id, err)
				}
			},
		},
		{
			name:           "Use existing request ID from header",
			existingHeader: "existing-req-id-123",
			check: func(t *testing.T, id string) {
				if id != "existing-req-id-123" {
					t.Errorf("Expected request ID 'existing-req-id-123', got '%s'", id)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.existingHeader != "" {
				req.Header.Set("X-Request-ID", tt.existingHeader)
			}
			w := httptest.NewRecorder()
			RequestIDMiddleware(handler).ServeHTTP(w, req)

			id := w.Header().Get("X-Request-ID")
			if id != seen {
				t.Errorf("header id %q != context id %q", id, seen)
			}
			tt.check(t, id)
		})
	}
}

func TestCombinedMiddlewareLogsStatus(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Millisecond)
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK) // ignored
	})

	var w *httptest.ResponseRecorder
	output := captureLogOutput(LevelInfo, func() {
		w = httptest.NewRecorder()
		CombinedMiddleware(handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/brew", nil))
	})

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d", w.Code)
	}
	rec := decodeRecord(t, output)
	if rec["msg"] != "http_request" {
		t.Fatalf("msg = %v", rec["msg"])
	}
	if rec["status_code"] != float64(http.StatusTeapot) {
		t.Errorf("status_code = %v", rec["status_code"])
	}
	if rec["path"] != "/brew" {
		t.Errorf("path = %v", rec["path"])
	}
	if rec["request_id"] == nil || rec["request_id"] == "" {
		t.Error("request_id should be attached by the combined middleware")
	}
}
