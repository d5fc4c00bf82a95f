package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

func captureRequestLog(t *testing.T, handler http.HandlerFunc) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("component", "api")

	wrapped := chimw.RequestID(RequestLogger(logger)(handler))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parsing log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestRequestLogger(t *testing.T) {
	entry := captureRequestLog(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"data":null}`))
	})

	if entry["component"] != "api" {
		t.Errorf("component = %v, want api", entry["component"])
	}
	if entry["method"] != http.MethodGet {
		t.Errorf("method = %v", entry["method"])
	}
	if entry["path"] != "/api/v1/sessions" {
		t.Errorf("path = %v", entry["path"])
	}
	if entry["status"] != float64(http.StatusNotFound) {
		t.Errorf("status = %v, want 404", entry["status"])
	}
	if entry["bytes"] != float64(len(`{"data":null}`)) {
		t.Errorf("bytes = %v", entry["bytes"])
	}
	if entry["request_id"] == "" || entry["request_id"] == nil {
		t.Error("missing request_id")
	}
	if _, ok := entry["elapsed_ms"]; !ok {
		t.Error("missing elapsed_ms")
	}
}

func TestRequestLoggerDefaultsToOK(t *testing.T) {
	entry := captureRequestLog(t, func(w http.ResponseWriter, r *http.Request) {})

	if entry["status"] != float64(http.StatusOK) {
		t.Errorf("status = %v, want 200 for silent handler", entry["status"])
	}
}
