package classify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sentinelx/sentinelx/internal/engine"
)

func TestClassify_BlockMapsToMalicious(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/v1/call/check" {
			t.Errorf("expected path /api/v1/call/check, got %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("expected X-API-Key %q, got %q", "test-key", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("X-Correlation-ID") == "" {
			t.Error("expected X-Correlation-ID header")
		}

		var req CheckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.PhoneNumber != "+15550001234" {
			t.Errorf("expected phone_number %q, got %q", "+15550001234", req.PhoneNumber)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope{
			Data: json.RawMessage(`{"action":"block","message":"number reported for fraud"}`),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	verdict, msg, err := client.Classify(context.Background(), "+15550001234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != engine.VerdictMalicious {
		t.Errorf("verdict = %s, want malicious", verdict)
	}
	if msg != "number reported for fraud" {
		t.Errorf("message = %q", msg)
	}
}

func TestClassify_WarnMapsToSuspicious(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope{
			Data: json.RawMessage(`{"action":"warn","message":"unverified caller"}`),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	verdict, _, err := client.Classify(context.Background(), "+15550001234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != engine.VerdictSuspicious {
		t.Errorf("verdict = %s, want suspicious", verdict)
	}
}

// A gateway "allow" still never yields a trusted verdict; trust is only ever
// established from the local contact store.
func TestClassify_AllowMapsToSuspicious(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope{
			Data: json.RawMessage(`{"action":"allow"}`),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	verdict, _, err := client.Classify(context.Background(), "+15550001234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != engine.VerdictSuspicious {
		t.Errorf("verdict = %s, want suspicious", verdict)
	}
}

func TestClassify_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(envelope{Error: "rate limit exceeded"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key")
	verdict, _, err := client.Classify(context.Background(), "+15550001234")
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if verdict != engine.VerdictUnresolved {
		t.Errorf("verdict = %s, want unresolved on error", verdict)
	}
}

func TestClassify_GatewayErrorNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key")
	if _, _, err := client.Classify(context.Background(), "+15550001234"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestClassify_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow gateway — sleep longer than the context timeout.
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, _, err := client.Classify(ctx, "+15550001234"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestClassify_ConnectionRefused(t *testing.T) {
	// Use a URL that will refuse connections.
	client := NewClient("http://127.0.0.1:1", "key")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, _, err := client.Classify(ctx, "+15550001234"); err == nil {
		t.Fatal("expected error for connection refused")
	}
}

func TestReport_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/report" {
			t.Errorf("expected path /api/v1/report, got %s", r.URL.Path)
		}

		var req ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.PhoneNumber != "+15550001234" {
			t.Errorf("expected phone_number %q, got %q", "+15550001234", req.PhoneNumber)
		}
		if req.Reason != "asked for bank details" {
			t.Errorf("expected reason %q, got %q", "asked for bank details", req.Reason)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(envelope{Data: json.RawMessage(`{"report_id":"r-1"}`)})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key")
	if err := client.Report(context.Background(), "+15550001234", "asked for bank details"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReport_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key")
	if err := client.Report(context.Background(), "+15550001234", ""); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestConfigured(t *testing.T) {
	if NewClient("", "key").Configured() {
		t.Error("client without base URL reported configured")
	}
	if !NewClient("https://risk.example.com", "").Configured() {
		t.Error("client with base URL reported unconfigured")
	}
}
