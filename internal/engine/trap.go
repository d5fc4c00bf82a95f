package engine

import (
	"fmt"
	"time"

	"github.com/sentinelx/sentinelx/internal/telephony"
)

// BridgeAttempt is the orchestrator-private record of one trap run: the
// origin leg, the decoy leg once it has been observed, and the merge poll
// budget.
type BridgeAttempt struct {
	originHandle string
	decoyAddress string
	decoyHandle  string
	attempts     int
	budget       int
}

// DecideTrap starts the trap-and-bridge protocol for a ringing incoming call:
// answer the origin leg, dial the decoy, wait for both legs to be live, then
// conference them and mute the local party. At most one trap may ever be
// requested per session; the protocol itself runs asynchronously and reports
// progress through the notification channel.
func (e *Engine) DecideTrap(handle, decoyAddress string) error {
	s := e.registry.Get(handle)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, handle)
	}

	if !s.claimTrap() {
		return fmt.Errorf("%w: %s", ErrTrapInProgress, handle)
	}

	if s.State() != telephony.StateRinging {
		e.failTrap(s, "call left ringing before trap could start")
		return fmt.Errorf("%w: %s", ErrNotRinging, handle)
	}

	e.logger.Info("trap requested",
		"handle", handle,
		"remote", s.RemoteAddress,
		"decoy", decoyAddress,
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTrap(s, &BridgeAttempt{
			originHandle: s.Handle,
			decoyAddress: decoyAddress,
			budget:       e.opts.TrapPollBudget,
		})
	}()
	return nil
}

// runTrap executes the trap protocol for one session. Every step checks the
// session context first: if the origin leg disconnects mid-protocol the run
// aborts without issuing further platform commands.
func (e *Engine) runTrap(s *CallSession, att *BridgeAttempt) {
	ctx := s.Context()

	if ctx.Err() != nil {
		e.failTrap(s, "caller hung up before trap started")
		return
	}

	if err := e.port.Answer(ctx, att.originHandle); err != nil {
		e.logger.Warn("trap answer failed", "handle", att.originHandle, "error", err)
		e.failTrap(s, "could not answer caller")
		return
	}
	e.advanceTrap(s, TrapAnswerSent, "caller answered, engaging decoy")

	if err := e.port.PlaceCall(ctx, att.decoyAddress, telephony.CallHints{
		OriginHandle: att.originHandle,
	}); err != nil {
		e.logger.Warn("decoy dial failed",
			"handle", att.originHandle,
			"decoy", att.decoyAddress,
			"error", err,
		)
		e.failTrap(s, "could not reach decoy line")
		return
	}
	e.advanceTrap(s, TrapDecoyDialing, "dialling decoy line")
	e.advanceTrap(s, TrapAwaitingMerge, "waiting for decoy to pick up")

	ticker := time.NewTicker(e.opts.TrapPollInterval)
	defer ticker.Stop()

	for att.attempts < att.budget {
		select {
		case <-ctx.Done():
			e.failTrap(s, "caller hung up before bridge completed")
			return
		case <-ticker.C:
		}
		att.attempts++

		if e.decoyReady(att) {
			e.bridge(s, att)
			return
		}
	}

	// Budget exhausted: the origin leg stays connected and muting is left
	// alone, so the operator can still take over the call by hand.
	e.logger.Warn("trap merge window expired",
		"handle", att.originHandle,
		"decoy", att.decoyAddress,
		"attempts", att.attempts,
	)
	e.failTrap(s, "decoy did not pick up in time")
}

// decoyReady reports whether the decoy leg has been observed and both legs
// are live. The decoy call surfaces through the general lifecycle stream, so
// it is discovered here by direction and address rather than handed back from
// PlaceCall.
func (e *Engine) decoyReady(att *BridgeAttempt) bool {
	if att.decoyHandle == "" {
		if decoy := e.registry.FindOutgoingTo(att.decoyAddress); decoy != nil {
			att.decoyHandle = decoy.Handle
		}
	}
	if att.decoyHandle == "" {
		return false
	}

	decoy := e.registry.Get(att.decoyHandle)
	if decoy == nil || decoy.State() != telephony.StateActive {
		return false
	}

	live := 0
	for _, snap := range e.port.Snapshot() {
		if snap.State != telephony.StateDisconnected {
			live++
		}
	}
	return live >= 2
}

// bridge conferences both legs and mutes the local party. The conference is
// issued symmetrically so the merge succeeds regardless of which leg the
// platform treats as the conference host; the first failure aborts the trap,
// a failure of the mirrored second command is logged only.
func (e *Engine) bridge(s *CallSession, att *BridgeAttempt) {
	ctx := s.Context()

	if err := e.port.Conference(ctx, att.originHandle, att.decoyHandle); err != nil {
		e.logger.Warn("conference failed",
			"origin", att.originHandle,
			"decoy", att.decoyHandle,
			"error", err,
		)
		e.failTrap(s, "could not bridge decoy into the call")
		return
	}
	if err := e.port.Conference(ctx, att.decoyHandle, att.originHandle); err != nil {
		e.logger.Warn("mirrored conference failed",
			"origin", att.originHandle,
			"decoy", att.decoyHandle,
			"error", err,
		)
	}

	if err := e.port.SetMuted(true); err != nil {
		e.logger.Warn("post-bridge mute failed", "handle", att.originHandle, "error", err)
	}

	if s.advanceTrap(TrapBridged) {
		e.statsMu.Lock()
		e.trapsBridged++
		e.statsMu.Unlock()

		e.logger.Info("trap bridged",
			"origin", att.originHandle,
			"decoy", att.decoyHandle,
			"attempts", att.attempts,
		)
		e.publish(s, "caller bridged to decoy")
	}
}

// advanceTrap moves the session's trap state forward and notifies.
func (e *Engine) advanceTrap(s *CallSession, to TrapState, msg string) {
	if s.advanceTrap(to) {
		e.publish(s, msg)
	}
}

// failTrap marks the trap as failed, if it is not already terminal, and
// notifies with an advisory message.
func (e *Engine) failTrap(s *CallSession, msg string) {
	if s.advanceTrap(TrapFailed) {
		e.statsMu.Lock()
		e.trapsFailed++
		e.statsMu.Unlock()

		e.publish(s, msg)
	}
}
