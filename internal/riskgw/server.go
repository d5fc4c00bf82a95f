// Package riskgw implements the risk gateway HTTP service: number screening
// decisions for the engine's classification client, and scam report intake.
package riskgw

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ReputationStore abstracts the number-reputation database. Implemented by
// the PostgreSQL store in pgstore.
type ReputationStore interface {
	// Lookup returns the reputation record for a number, or nil if the
	// number is unlisted.
	Lookup(number string) (*Reputation, error)

	// ReportCount returns how many scam reports are on record for a number.
	ReportCount(number string) (int, error)

	// InsertReport stores a scam report and returns it with its ID set.
	InsertReport(number, reason, correlationID string) (*Report, error)
}

// Server holds the risk gateway HTTP handler dependencies.
type Server struct {
	router      *chi.Mux
	store       ReputationStore
	rateLimiter *RateLimiter

	// blockThreshold is the minimum reputation score that forces a block
	// decision regardless of category.
	blockThreshold int
}

// NewServer creates a risk gateway HTTP server with all routes mounted.
// If rateLimiter is non-nil it is applied to both screening endpoints.
func NewServer(store ReputationStore, rateLimiter *RateLimiter, blockThreshold int) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		store:          store,
		rateLimiter:    rateLimiter,
		blockThreshold: blockThreshold,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying chi.Mux so the caller can add middleware.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// routes mounts all gateway API routes under /api/v1.
func (s *Server) routes() {
	r := s.router

	r.Route("/api/v1", func(r chi.Router) {
		if s.rateLimiter != nil {
			r.Use(s.rateLimiter.Middleware)
		}
		r.Post("/call/check", s.handleCheck)
		r.Post("/report", s.handleReport)
	})
}

// handleCheck handles POST /api/v1/call/check. The decision is fail-closed:
// an unlisted number gets "warn", never "allow". Only a number explicitly
// categorised safe is allowed through.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "screening service not configured")
		return
	}

	var req CheckRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required")
		return
	}

	correlationID := r.Header.Get("X-Correlation-ID")

	rep, err := s.store.Lookup(req.PhoneNumber)
	if err != nil {
		slog.Error("check: reputation lookup failed", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := s.decide(req.PhoneNumber, rep)

	slog.Info("check: decision",
		"number_prefix", truncateNumber(req.PhoneNumber),
		"action", resp.Action,
		"correlation_id", correlationID,
	)
	writeJSON(w, http.StatusOK, resp)
}

// decide maps a reputation record (possibly nil) to a screening decision.
func (s *Server) decide(number string, rep *Reputation) CheckResponse {
	if rep != nil {
		switch {
		case rep.Category == "scam" || rep.Score >= s.blockThreshold:
			return CheckResponse{
				Action:  "block",
				Message: "This number has been reported for scam activity.",
			}
		case rep.Category == "safe":
			return CheckResponse{Action: "allow"}
		}
	}

	reports, err := s.store.ReportCount(number)
	if err != nil {
		slog.Error("check: report count failed", "error", err)
		reports = 0
	}
	if reports > 0 {
		return CheckResponse{
			Action:  "warn",
			Message: "This number has user reports on record. Proceed with caution.",
		}
	}

	return CheckResponse{
		Action:  "warn",
		Message: "Unknown caller. Proceed with caution.",
	}
}

// handleReport handles POST /api/v1/report.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "screening service not configured")
		return
	}

	var req ReportRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required")
		return
	}

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	report, err := s.store.InsertReport(req.PhoneNumber, req.Reason, correlationID)
	if err != nil {
		slog.Error("report: insert failed", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("report: accepted",
		"number_prefix", truncateNumber(req.PhoneNumber),
		"report_id", report.ID,
		"correlation_id", correlationID,
	)
	writeJSON(w, http.StatusOK, ReportResponse{ReportID: correlationID})
}

// truncateNumber returns the first 6 characters of a number for safe logging.
func truncateNumber(number string) string {
	if len(number) <= 6 {
		return number
	}
	return number[:6] + "..."
}

// envelope is the standard response wrapper for the gateway API.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// maxRequestBodySize is the upper limit for JSON request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// readJSON decodes a JSON request body into dst with size limiting.
// Returns a user-friendly error string on failure, or "" on success.
func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return "invalid request body"
	}

	if dec.More() {
		return "request body must contain a single json object"
	}

	return ""
}
