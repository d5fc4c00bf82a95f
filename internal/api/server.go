// Package api implements the operator HTTP API: session inspection, trap
// control, in-call operations, trusted-contact management, and the
// notification pull endpoint.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sentinelx/sentinelx/internal/api/middleware"
	"github.com/sentinelx/sentinelx/internal/contacts"
	"github.com/sentinelx/sentinelx/internal/engine"
	"github.com/sentinelx/sentinelx/internal/telephony"
)

// EngineControl is the slice of the engine the API needs: session views,
// trap decisions, and the notification slot.
type EngineControl interface {
	Sessions() []engine.SessionView
	Session(handle string) (engine.SessionView, bool)
	DecideTrap(handle, decoyAddress string) error
	Latest() (engine.Update, bool)
}

// Reporter submits scam reports to the risk gateway.
type Reporter interface {
	Report(ctx context.Context, remoteAddress, reason string) error
	Configured() bool
}

// ContactStore is the trusted-contact management surface.
type ContactStore interface {
	List(ctx context.Context) ([]contacts.Contact, error)
	Add(ctx context.Context, number, label string) error
	Remove(ctx context.Context, number string) error
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	engine      EngineControl
	port        telephony.Port
	contacts    ContactStore
	reporter    Reporter
	operatorKey string
	jwtSecret   []byte
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(eng EngineControl, port telephony.Port, store ContactStore, reporter Reporter, operatorKey string, jwtSecret []byte) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		engine:      eng,
		port:        port,
		contacts:    store,
		reporter:    reporter,
		operatorKey: operatorKey,
		jwtSecret:   jwtSecret,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(slog.Default().With("component", "api")))
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireOperatorAuth(s.jwtSecret))

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Route("/{handle}", func(r chi.Router) {
					r.Get("/", s.handleGetSession)
					r.Post("/trap", s.handleTrap)
					r.Post("/answer", s.callOp("answer", s.port.Answer))
					r.Post("/reject", s.callOp("reject", s.port.Reject))
					r.Post("/hangup", s.callOp("hangup", s.port.Hangup))
					r.Post("/hold", s.callOp("hold", s.port.Hold))
					r.Post("/unhold", s.callOp("unhold", s.port.Unhold))
					r.Post("/dtmf", s.handleDTMF)
					r.Post("/report", s.handleReport)
				})
			})

			r.Route("/audio", func(r chi.Router) {
				r.Post("/mute", s.handleMute)
				r.Post("/route", s.handleAudioRoute)
			})

			r.Route("/contacts", func(r chi.Router) {
				r.Get("/", s.handleListContacts)
				r.Post("/", s.handleAddContact)
				r.Delete("/{number}", s.handleRemoveContact)
			})

			r.Get("/notifications/latest", s.handleLatestNotification)
		})
	})

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loginRequest is the JSON body for POST /auth/login.
type loginRequest struct {
	OperatorKey string `json:"operator_key"`
}

// loginResponse is the JSON response for POST /auth/login.
type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin exchanges the shared operator key for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.operatorKey == "" {
		writeError(w, http.StatusServiceUnavailable, "operator access not configured")
		return
	}

	var req loginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.OperatorKey), []byte(s.operatorKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid operator key")
		return
	}

	token, expiresAt, err := middleware.GenerateOperatorToken(s.jwtSecret)
	if err != nil {
		slog.Error("login: token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

// handleListSessions handles GET /sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views := s.engine.Sessions()
	if views == nil {
		views = []engine.SessionView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetSession handles GET /sessions/{handle}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	view, ok := s.engine.Session(handle)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// trapRequest is the JSON body for POST /sessions/{handle}/trap.
type trapRequest struct {
	DecoyAddress string `json:"decoy_address"`
}

// handleTrap handles POST /sessions/{handle}/trap.
func (s *Server) handleTrap(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	var req trapRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.DecoyAddress == "" {
		writeError(w, http.StatusBadRequest, "decoy_address is required")
		return
	}

	if err := s.engine.DecideTrap(handle, req.DecoyAddress); err != nil {
		switch {
		case errors.Is(err, engine.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, engine.ErrTrapInProgress):
			writeError(w, http.StatusConflict, "trap already requested for this session")
		case errors.Is(err, engine.ErrNotRinging):
			writeError(w, http.StatusConflict, "call is no longer ringing")
		default:
			slog.Error("trap request failed", "handle", handle, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "trap started"})
}

// callOp wraps a per-handle telephony command as an HTTP handler. The session
// must exist; command failures surface as 502 since the platform refused.
func (s *Server) callOp(name string, op func(ctx context.Context, handle string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handle := chi.URLParam(r, "handle")
		if _, ok := s.engine.Session(handle); !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}

		if err := op(r.Context(), handle); err != nil {
			slog.Warn("call operation failed", "op", name, "handle", handle, "error", err)
			writeError(w, http.StatusBadGateway, name+" failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// dtmfRequest is the JSON body for POST /sessions/{handle}/dtmf.
type dtmfRequest struct {
	Digit string `json:"digit"`
}

// handleDTMF handles POST /sessions/{handle}/dtmf.
func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if _, ok := s.engine.Session(handle); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req dtmfRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if len(req.Digit) != 1 || !validDTMF(rune(req.Digit[0])) {
		writeError(w, http.StatusBadRequest, "digit must be one of 0-9, *, #, A-D")
		return
	}

	if err := s.port.SendDTMF(r.Context(), handle, rune(req.Digit[0])); err != nil {
		slog.Warn("dtmf failed", "handle", handle, "error", err)
		writeError(w, http.StatusBadGateway, "dtmf failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validDTMF reports whether r is a sendable DTMF digit.
func validDTMF(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r == '*' || r == '#':
		return true
	case r >= 'A' && r <= 'D':
		return true
	}
	return false
}

// reportRequest is the JSON body for POST /sessions/{handle}/report.
type reportRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleReport submits a scam report for the session's remote address.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil || !s.reporter.Configured() {
		writeError(w, http.StatusServiceUnavailable, "reporting not configured")
		return
	}

	handle := chi.URLParam(r, "handle")
	view, ok := s.engine.Session(handle)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req reportRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.reporter.Report(r.Context(), view.RemoteAddress, req.Reason); err != nil {
		slog.Warn("scam report failed", "handle", handle, "error", err)
		writeError(w, http.StatusBadGateway, "report submission failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reported"})
}

// muteRequest is the JSON body for POST /audio/mute.
type muteRequest struct {
	Muted bool `json:"muted"`
}

// handleMute handles POST /audio/mute.
func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.port.SetMuted(req.Muted); err != nil {
		slog.Warn("mute failed", "muted", req.Muted, "error", err)
		writeError(w, http.StatusBadGateway, "mute failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"muted": req.Muted})
}

// audioRouteRequest is the JSON body for POST /audio/route.
type audioRouteRequest struct {
	Route string `json:"route"`
}

// handleAudioRoute handles POST /audio/route.
func (s *Server) handleAudioRoute(w http.ResponseWriter, r *http.Request) {
	var req audioRouteRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	route := telephony.AudioRoute(req.Route)
	if route != telephony.RouteEarpiece && route != telephony.RouteSpeaker {
		writeError(w, http.StatusBadRequest, "route must be earpiece or speaker")
		return
	}

	if err := s.port.SetAudioRoute(route); err != nil {
		slog.Warn("audio route failed", "route", route, "error", err)
		writeError(w, http.StatusBadGateway, "audio route failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"route": req.Route})
}

// handleListContacts handles GET /contacts.
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.contacts.List(r.Context())
	if err != nil {
		slog.Error("listing contacts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []contacts.Contact{}
	}
	writeJSON(w, http.StatusOK, list)
}

// addContactRequest is the JSON body for POST /contacts.
type addContactRequest struct {
	Number string `json:"number"`
	Label  string `json:"label,omitempty"`
}

// handleAddContact handles POST /contacts.
func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var req addContactRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}

	if err := s.contacts.Add(r.Context(), req.Number, req.Label); err != nil {
		slog.Error("adding contact failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

// handleRemoveContact handles DELETE /contacts/{number}.
func (s *Server) handleRemoveContact(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if err := s.contacts.Remove(r.Context(), number); err != nil {
		slog.Error("removing contact failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleLatestNotification handles GET /notifications/latest.
func (s *Server) handleLatestNotification(w http.ResponseWriter, r *http.Request) {
	update, ok := s.engine.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no notifications yet")
		return
	}
	writeJSON(w, http.StatusOK, update)
}
