// Package engine implements the call interception and risk-triage engine:
// the session state machine driven by telephony lifecycle events, the
// classification trigger with its trusted-contact fast path, and the
// trap-and-bridge orchestrator.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelx/sentinelx/internal/telephony"
)

// Classifier produces a risk verdict for an unknown caller. Implementations
// must respect the context deadline; the engine treats any error as a
// degraded-triage condition and fails closed to VerdictSuspicious.
type Classifier interface {
	Classify(ctx context.Context, remoteAddress string) (Verdict, string, error)
}

// ContactResolver answers whether a remote address is already trusted. It is
// expected to be fast and local; the engine calls it synchronously before any
// network classification.
type ContactResolver interface {
	IsKnown(ctx context.Context, address string) (bool, error)
}

var (
	// ErrSessionNotFound is returned for operations on an unknown handle.
	ErrSessionNotFound = errors.New("no session for handle")

	// ErrTrapInProgress is returned when a trap is requested for a session
	// that already has one in flight or completed.
	ErrTrapInProgress = errors.New("trap already requested for session")

	// ErrNotRinging is returned when a trap is requested for a call that has
	// already left the ringing state.
	ErrNotRinging = errors.New("call is no longer ringing")
)

// Options configures an Engine. Zero values fall back to production defaults.
type Options struct {
	// ClassifyTimeout is the hard deadline for one classification request.
	ClassifyTimeout time.Duration

	// TrapPollInterval is the delay between merge-readiness polls.
	TrapPollInterval time.Duration

	// TrapPollBudget is the maximum number of merge-readiness polls.
	TrapPollBudget int
}

const (
	defaultClassifyTimeout  = 3 * time.Second
	defaultTrapPollInterval = time.Second
	defaultTrapPollBudget   = 15
)

// Engine is the call session state machine. It consumes lifecycle events
// from the telephony port, owns the session registry, and drives
// classification and trap orchestration. Each session's state has exactly
// one writer (the engine event loop); cooperating tasks read through the
// session's own lock.
type Engine struct {
	port      telephony.Port
	classify  Classifier
	contacts  ContactResolver
	registry  *Registry
	notifier  *Notifier
	logger    *slog.Logger
	opts      Options
	startTime time.Time

	statsMu       sync.Mutex
	verdictTotals map[Verdict]uint64
	trapsBridged  uint64
	trapsFailed   uint64

	wg sync.WaitGroup
}

// New creates an engine wired to the given port, classifier, and contact
// resolver.
func New(port telephony.Port, classify Classifier, contacts ContactResolver, logger *slog.Logger, opts Options) *Engine {
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = defaultClassifyTimeout
	}
	if opts.TrapPollInterval <= 0 {
		opts.TrapPollInterval = defaultTrapPollInterval
	}
	if opts.TrapPollBudget <= 0 {
		opts.TrapPollBudget = defaultTrapPollBudget
	}

	return &Engine{
		port:          port,
		classify:      classify,
		contacts:      contacts,
		registry:      NewRegistry(logger),
		notifier:      NewNotifier(),
		logger:        logger.With("component", "engine"),
		opts:          opts,
		startTime:     time.Now(),
		verdictTotals: make(map[Verdict]uint64),
	}
}

// Notifier returns the engine's notification channel.
func (e *Engine) Notifier() *Notifier {
	return e.notifier
}

// StartedAt returns when the engine was created, used as the uptime origin
// for metrics.
func (e *Engine) StartedAt() time.Time {
	return e.startTime
}

// Run consumes the telephony lifecycle stream until the context is cancelled
// or the stream closes. Events for a single handle are applied in delivery
// order; classification and trap work run as independent goroutines that
// never block the loop.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case ev, ok := <-e.port.Events():
			if !ok {
				e.wg.Wait()
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

// handleEvent dispatches one lifecycle event.
func (e *Engine) handleEvent(ctx context.Context, ev telephony.Event) {
	switch ev.Kind {
	case telephony.EventCallAdded:
		e.onSessionCreated(ctx, ev)
	case telephony.EventStateChanged:
		e.onStateChanged(ev.Handle, ev.State)
	case telephony.EventCallRemoved:
		e.onStateChanged(ev.Handle, telephony.StateDisconnected)
	}
}

// onSessionCreated creates the session record for a new call. Incoming calls
// from unknown numbers are muted as a defensive default and scheduled for
// asynchronous classification; known contacts take the synchronous fast path
// and never wait on a network round trip.
func (e *Engine) onSessionCreated(ctx context.Context, ev telephony.Event) {
	initial := ev.State
	if initial == "" {
		if ev.Direction == telephony.DirectionIncoming {
			initial = telephony.StateRinging
		} else {
			initial = telephony.StateDialing
		}
	}

	s := e.registry.Create(ctx, ev.Handle, ev.Direction, ev.RemoteAddress, initial)

	if ev.Direction != telephony.DirectionIncoming {
		e.publish(s, "")
		return
	}

	known, err := e.contacts.IsKnown(s.Context(), s.RemoteAddress)
	if err != nil {
		e.logger.Warn("contact lookup failed, treating caller as unknown",
			"handle", s.Handle,
			"remote", s.RemoteAddress,
			"error", err,
		)
	}

	if known {
		if s.setVerdictOnce(VerdictTrusted, "") {
			e.countVerdict(VerdictTrusted)
		}
		e.logger.Info("caller trusted via contact fast path",
			"handle", s.Handle,
			"remote", s.RemoteAddress,
		)
		e.publish(s, "")
		return
	}

	// Unknown caller: mute before any audio can reach the callee. Best
	// effort; a mute failure never blocks triage.
	if err := e.port.SetMuted(true); err != nil {
		e.logger.Warn("defensive mute failed", "handle", s.Handle, "error", err)
	}

	e.publish(s, "screening caller")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runClassification(s)
	}()
}

// runClassification issues one bounded classification request for a session.
// If the session is destroyed before the verdict arrives, the result is
// discarded by OnVerdictReady.
func (e *Engine) runClassification(s *CallSession) {
	cctx, cancel := context.WithTimeout(s.Context(), e.opts.ClassifyTimeout)
	defer cancel()

	verdict, msg, err := e.classify.Classify(cctx, s.RemoteAddress)
	if err != nil {
		// Fail closed: an unreachable or slow backend never produces silent
		// trust.
		verdict = VerdictSuspicious
		msg = "caller could not be verified (screening service unreachable)"
		e.logger.Warn("classification degraded",
			"handle", s.Handle,
			"remote", s.RemoteAddress,
			"error", err,
		)
	}

	e.OnVerdictReady(s.Handle, verdict, msg)
}

// onStateChanged applies a platform-reported state transition. Disconnected
// is terminal: the session is notified, then destroyed, cancelling any
// in-flight classification or trap work.
func (e *Engine) onStateChanged(handle string, st telephony.State) {
	s := e.registry.Get(handle)
	if s == nil {
		return
	}

	s.setState(st)
	e.logger.Debug("session state changed", "handle", handle, "state", st)

	if st == telephony.StateDisconnected {
		e.publish(s, "call ended")
		e.registry.Remove(handle)
		return
	}

	e.publish(s, "")
}

// OnVerdictReady records a classification verdict. It is idempotent: a late
// or duplicate callback, or one for an already-destroyed session, is a no-op.
func (e *Engine) OnVerdictReady(handle string, verdict Verdict, msg string) {
	s := e.registry.Get(handle)
	if s == nil {
		e.logger.Debug("discarding verdict for destroyed session",
			"handle", handle,
			"verdict", verdict,
		)
		return
	}

	if !s.setVerdictOnce(verdict, msg) {
		return
	}
	e.countVerdict(verdict)

	e.logger.Info("verdict ready",
		"handle", handle,
		"remote", s.RemoteAddress,
		"verdict", verdict,
	)
	e.publish(s, msg)
}

// Session returns a point-in-time view of one session.
func (e *Engine) Session(handle string) (SessionView, bool) {
	s := e.registry.Get(handle)
	if s == nil {
		return SessionView{}, false
	}
	return s.View(), true
}

// Sessions returns views of all live sessions.
func (e *Engine) Sessions() []SessionView {
	live := e.registry.Sessions()
	out := make([]SessionView, 0, len(live))
	for _, s := range live {
		out = append(out, s.View())
	}
	return out
}

// Latest returns the most recent notification, if any.
func (e *Engine) Latest() (Update, bool) {
	return e.notifier.Latest()
}

// ActiveSessionCount returns the number of live sessions, for metrics.
func (e *Engine) ActiveSessionCount() int {
	return e.registry.Count()
}

// VerdictTotals returns cumulative verdict counts by verdict name.
func (e *Engine) VerdictTotals() map[string]uint64 {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	out := make(map[string]uint64, len(e.verdictTotals))
	for v, n := range e.verdictTotals {
		out[string(v)] = n
	}
	return out
}

// TrapOutcomes returns cumulative bridged and failed trap counts.
func (e *Engine) TrapOutcomes() (bridged, failed uint64) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.trapsBridged, e.trapsFailed
}

func (e *Engine) countVerdict(v Verdict) {
	e.statsMu.Lock()
	e.verdictTotals[v]++
	e.statsMu.Unlock()
}

// publish pushes the session's full current tuple to the notification slot.
func (e *Engine) publish(s *CallSession, msg string) {
	view := s.View()
	if msg == "" {
		msg = view.VerdictMessage
	}
	e.notifier.Publish(Update{
		Handle:        view.Handle,
		RemoteAddress: view.RemoteAddress,
		State:         view.State,
		Verdict:       view.Verdict,
		TrapState:     view.TrapState,
		Message:       msg,
	})
}
