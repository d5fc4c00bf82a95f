// Package classify is the HTTP client for the risk gateway: number
// classification with a hard per-request deadline, and fire-and-forget
// scam reporting.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelx/sentinelx/internal/engine"
)

// CheckRequest is the payload sent to the gateway's POST /api/v1/call/check
// endpoint.
type CheckRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// CheckResponse is the gateway's screening decision for one number.
type CheckResponse struct {
	Action  string `json:"action"` // "block", "warn" or "allow"
	Message string `json:"message,omitempty"`
}

// ReportRequest is the payload sent to POST /api/v1/report.
type ReportRequest struct {
	PhoneNumber string `json:"phone_number"`
	Reason      string `json:"reason,omitempty"`
}

// envelope is the standard gateway response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client is an HTTP client for the risk gateway service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a risk gateway client. baseURL is the gateway endpoint
// (e.g. "https://risk.sentinelx.io"). The transport timeout is a backstop;
// callers bound individual requests with their context deadline.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Classify asks the gateway for a screening decision on a remote address. A
// gateway "block" maps to a malicious verdict; any other decision maps to
// suspicious, since a trusted verdict is only ever produced locally from the
// contact store. Transport failures and non-2xx statuses surface as errors so
// the caller can fail closed.
func (c *Client) Classify(ctx context.Context, remoteAddress string) (engine.Verdict, string, error) {
	correlationID := uuid.NewString()

	body, err := json.Marshal(CheckRequest{PhoneNumber: remoteAddress})
	if err != nil {
		return engine.VerdictUnresolved, "", fmt.Errorf("classify: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/call/check", bytes.NewReader(body))
	if err != nil {
		return engine.VerdictUnresolved, "", fmt.Errorf("classify: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-ID", correlationID)
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return engine.VerdictUnresolved, "", fmt.Errorf("classify: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return engine.VerdictUnresolved, "", fmt.Errorf("classify: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return engine.VerdictUnresolved, "", fmt.Errorf("classify: gateway error (status %d): %s", resp.StatusCode, env.Error)
		}
		return engine.VerdictUnresolved, "", fmt.Errorf("classify: gateway returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return engine.VerdictUnresolved, "", fmt.Errorf("classify: decoding response: %w", err)
	}

	var check CheckResponse
	if err := json.Unmarshal(env.Data, &check); err != nil {
		return engine.VerdictUnresolved, "", fmt.Errorf("classify: decoding check data: %w", err)
	}

	slog.Debug("classification received",
		"correlation_id", correlationID,
		"action", check.Action,
	)

	if check.Action == "block" {
		return engine.VerdictMalicious, check.Message, nil
	}
	return engine.VerdictSuspicious, check.Message, nil
}

// Report submits a scam report for a remote address. Reports are advisory;
// failures are returned for logging but never affect call handling.
func (c *Client) Report(ctx context.Context, remoteAddress, reason string) error {
	body, err := json.Marshal(ReportRequest{PhoneNumber: remoteAddress, Reason: reason})
	if err != nil {
		return fmt.Errorf("report: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/report", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("report: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-ID", uuid.NewString())
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("report: sending request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("report: gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// Configured returns true if the client has a base URL to talk to.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}
