package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelx/sentinelx/internal/telephony"
)

// Verdict is the engine's risk classification for a caller.
type Verdict string

const (
	VerdictUnresolved Verdict = "unresolved"
	VerdictTrusted    Verdict = "trusted"
	VerdictSuspicious Verdict = "suspicious"
	VerdictMalicious  Verdict = "malicious"
)

// TrapState tracks progress of the trap-and-bridge protocol for a session.
// States only advance forward through the listed order; Failed is reachable
// from any non-terminal state.
type TrapState int

const (
	TrapNotStarted TrapState = iota
	TrapAnswerSent
	TrapDecoyDialing
	TrapAwaitingMerge
	TrapBridged
	TrapFailed
)

// String returns the wire/log representation of a trap state.
func (t TrapState) String() string {
	switch t {
	case TrapNotStarted:
		return "not_started"
	case TrapAnswerSent:
		return "answer_sent"
	case TrapDecoyDialing:
		return "decoy_dialing"
	case TrapAwaitingMerge:
		return "awaiting_merge"
	case TrapBridged:
		return "bridged"
	case TrapFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether no further trap transitions are allowed.
func (t TrapState) terminal() bool {
	return t == TrapBridged || t == TrapFailed
}

// CallSession is the engine's record of one live telephony call. The handle
// is a reference owned by the telephony platform; the session never outlives
// it. The state machine is the single writer of the state field; the trap
// orchestrator, classification callback, and notification publisher read it
// under the session lock.
type CallSession struct {
	Handle        string
	Direction     telephony.Direction
	RemoteAddress string

	mu          sync.Mutex
	state       telephony.State
	verdict     Verdict
	verdictMsg  string
	trapState   TrapState
	trapStarted bool
	startedAt   time.Time

	// ctx is cancelled when the session is destroyed. All classification and
	// trap work for the session is bound to it.
	ctx    context.Context
	cancel context.CancelFunc
}

// State returns the current lifecycle state.
func (s *CallSession) State() telephony.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState records a platform-reported state transition.
func (s *CallSession) setState(st telephony.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Verdict returns the current verdict and its advisory message.
func (s *CallSession) Verdict() (Verdict, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verdict, s.verdictMsg
}

// setVerdictOnce sets the verdict if it is still unresolved. Returns false if
// a verdict was already set; late or duplicate classification callbacks are
// expected and ignored.
func (s *CallSession) setVerdictOnce(v Verdict, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verdict != VerdictUnresolved {
		return false
	}
	s.verdict = v
	s.verdictMsg = msg
	return true
}

// TrapState returns the current trap protocol state.
func (s *CallSession) TrapState() TrapState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trapState
}

// advanceTrap moves the trap state forward. Returns false if the transition
// would move backwards or leave a terminal state.
func (s *CallSession) advanceTrap(to TrapState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trapState.terminal() || to <= s.trapState {
		return false
	}
	s.trapState = to
	return true
}

// claimTrap atomically marks the session as having a trap in flight. Only the
// first caller succeeds; concurrent or repeated trap requests are rejected.
func (s *CallSession) claimTrap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trapStarted || s.trapState != TrapNotStarted {
		return false
	}
	s.trapStarted = true
	return true
}

// Context returns the session-scoped context, cancelled on destruction.
func (s *CallSession) Context() context.Context {
	return s.ctx
}

// SessionView is an immutable copy of session state for API consumers.
type SessionView struct {
	Handle         string              `json:"handle"`
	Direction      telephony.Direction `json:"direction"`
	RemoteAddress  string              `json:"remote_address"`
	State          telephony.State     `json:"state"`
	Verdict        Verdict             `json:"verdict"`
	VerdictMessage string              `json:"verdict_message,omitempty"`
	TrapState      string              `json:"trap_state"`
	StartedAt      time.Time           `json:"started_at"`
}

// View returns a point-in-time copy of the session.
func (s *CallSession) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionView{
		Handle:         s.Handle,
		Direction:      s.Direction,
		RemoteAddress:  s.RemoteAddress,
		State:          s.state,
		Verdict:        s.verdict,
		VerdictMessage: s.verdictMsg,
		TrapState:      s.trapState.String(),
		StartedAt:      s.startedAt,
	}
}

// Registry tracks all live call sessions in memory, keyed by telephony
// handle. It is the explicitly owned replacement for the original system's
// global current-call pointer: every component that needs session state gets
// the registry injected.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
	logger   *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*CallSession),
		logger:   logger.With("subsystem", "registry"),
	}
}

// Create registers a session for a new call handle. If a session already
// exists for the handle it is returned unchanged; the platform guarantees at
// most one live call per handle, so a duplicate add is a redelivery.
func (r *Registry) Create(parent context.Context, handle string, dir telephony.Direction, remote string, initial telephony.State) *CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[handle]; ok {
		return existing
	}

	ctx, cancel := context.WithCancel(parent)
	s := &CallSession{
		Handle:        handle,
		Direction:     dir,
		RemoteAddress: remote,
		state:         initial,
		verdict:       VerdictUnresolved,
		trapState:     TrapNotStarted,
		startedAt:     time.Now(),
		ctx:           ctx,
		cancel:        cancel,
	}
	r.sessions[handle] = s

	r.logger.Info("session created",
		"handle", handle,
		"direction", dir,
		"remote", remote,
		"state", initial,
	)
	return s
}

// Get returns the session for a handle, or nil if none exists.
func (r *Registry) Get(handle string) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[handle]
}

// Remove destroys the session for a handle, cancelling its context so any
// in-flight classification or trap work is abandoned. Returns the removed
// session, or nil if none existed.
func (r *Registry) Remove(handle string) *CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[handle]
	if !ok {
		return nil
	}
	delete(r.sessions, handle)
	s.cancel()

	r.logger.Info("session destroyed",
		"handle", handle,
		"remote", s.RemoteAddress,
		"lifetime_ms", time.Since(s.startedAt).Milliseconds(),
	)
	return s
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// FindOutgoingTo returns the live outgoing session dialled to the given
// address, or nil. Used by the trap orchestrator to discover the decoy leg,
// which arrives through the general call-added stream rather than as a
// return value from PlaceCall.
func (r *Registry) FindOutgoingTo(address string) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.Direction == telephony.DirectionOutgoing && s.RemoteAddress == address {
			return s
		}
	}
	return nil
}
