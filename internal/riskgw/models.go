package riskgw

import "time"

// Reputation is the stored risk record for one phone number.
type Reputation struct {
	ID        int64
	Number    string
	Category  string // "scam", "telemarketer", "safe"
	Score     int    // 0-100, higher is riskier
	UpdatedAt time.Time
}

// Report is one submitted scam report.
type Report struct {
	ID            int64
	Number        string
	Reason        string
	CorrelationID string
	CreatedAt     time.Time
}

// CheckRequest is the JSON body for POST /api/v1/call/check.
type CheckRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// CheckResponse is the JSON response for POST /api/v1/call/check.
type CheckResponse struct {
	Action  string `json:"action"` // "block", "warn" or "allow"
	Message string `json:"message,omitempty"`
}

// ReportRequest is the JSON body for POST /api/v1/report.
type ReportRequest struct {
	PhoneNumber string `json:"phone_number"`
	Reason      string `json:"reason,omitempty"`
}

// ReportResponse is the JSON response for POST /api/v1/report.
type ReportResponse struct {
	ReportID string `json:"report_id"`
}
