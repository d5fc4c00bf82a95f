package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/sentinelx/sentinelx/internal/telephony"
)

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTrapStateString(t *testing.T) {
	tests := []struct {
		state TrapState
		want  string
	}{
		{TrapNotStarted, "not_started"},
		{TrapAnswerSent, "answer_sent"},
		{TrapDecoyDialing, "decoy_dialing"},
		{TrapAwaitingMerge, "awaiting_merge"},
		{TrapBridged, "bridged"},
		{TrapFailed, "failed"},
		{TrapState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("TrapState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestTrapStateAdvancesForwardOnly(t *testing.T) {
	r := testRegistry()
	s := r.Create(context.Background(), "c1", telephony.DirectionIncoming, "+15550001111", telephony.StateRinging)

	if !s.advanceTrap(TrapAnswerSent) {
		t.Fatal("advance to answer_sent rejected")
	}
	if !s.advanceTrap(TrapAwaitingMerge) {
		t.Fatal("advance to awaiting_merge rejected")
	}
	if s.advanceTrap(TrapAnswerSent) {
		t.Error("backward transition allowed")
	}
	if s.advanceTrap(TrapAwaitingMerge) {
		t.Error("self transition allowed")
	}
	if !s.advanceTrap(TrapBridged) {
		t.Fatal("advance to bridged rejected")
	}
	if s.advanceTrap(TrapFailed) {
		t.Error("transition out of terminal state allowed")
	}
	if got := s.TrapState(); got != TrapBridged {
		t.Errorf("trap state = %s, want bridged", got)
	}
}

func TestTrapFailedReachableFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []TrapState{TrapNotStarted, TrapAnswerSent, TrapDecoyDialing, TrapAwaitingMerge} {
		r := testRegistry()
		s := r.Create(context.Background(), "c1", telephony.DirectionIncoming, "+15550001111", telephony.StateRinging)
		if from != TrapNotStarted && !s.advanceTrap(from) {
			t.Fatalf("setup advance to %s failed", from)
		}
		if !s.advanceTrap(TrapFailed) {
			t.Errorf("failed not reachable from %s", from)
		}
	}
}

func TestClaimTrapOnce(t *testing.T) {
	r := testRegistry()
	s := r.Create(context.Background(), "c1", telephony.DirectionIncoming, "+15550001111", telephony.StateRinging)

	if !s.claimTrap() {
		t.Fatal("first claim rejected")
	}
	if s.claimTrap() {
		t.Error("second claim accepted")
	}
}

func TestSetVerdictOnce(t *testing.T) {
	r := testRegistry()
	s := r.Create(context.Background(), "c1", telephony.DirectionIncoming, "+15550001111", telephony.StateRinging)

	if v, _ := s.Verdict(); v != VerdictUnresolved {
		t.Fatalf("initial verdict = %s, want unresolved", v)
	}
	if !s.setVerdictOnce(VerdictSuspicious, "risky") {
		t.Fatal("first verdict rejected")
	}
	if s.setVerdictOnce(VerdictTrusted, "override") {
		t.Error("second verdict accepted")
	}

	v, msg := s.Verdict()
	if v != VerdictSuspicious || msg != "risky" {
		t.Errorf("verdict = (%s, %q), want (suspicious, risky)", v, msg)
	}
}

func TestRegistryCreateIsIdempotent(t *testing.T) {
	r := testRegistry()
	a := r.Create(context.Background(), "c1", telephony.DirectionIncoming, "+15550001111", telephony.StateRinging)
	b := r.Create(context.Background(), "c1", telephony.DirectionIncoming, "+15550001111", telephony.StateRinging)

	if a != b {
		t.Error("duplicate create returned a new session")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
}

func TestRegistryRemoveCancelsContext(t *testing.T) {
	r := testRegistry()
	s := r.Create(context.Background(), "c1", telephony.DirectionIncoming, "+15550001111", telephony.StateRinging)

	if s.Context().Err() != nil {
		t.Fatal("context cancelled before removal")
	}

	if removed := r.Remove("c1"); removed != s {
		t.Fatal("remove returned wrong session")
	}
	if s.Context().Err() == nil {
		t.Error("context not cancelled on removal")
	}
	if r.Get("c1") != nil {
		t.Error("session still resolvable after removal")
	}
	if r.Remove("c1") != nil {
		t.Error("double remove returned a session")
	}
}

func TestRegistryFindOutgoingTo(t *testing.T) {
	r := testRegistry()
	r.Create(context.Background(), "in-1", telephony.DirectionIncoming, "+15550001111", telephony.StateRinging)
	out := r.Create(context.Background(), "out-1", telephony.DirectionOutgoing, "+15552223333", telephony.StateDialing)

	if got := r.FindOutgoingTo("+15552223333"); got != out {
		t.Error("outgoing session not found by address")
	}
	// Incoming sessions never match, even on the same address.
	if got := r.FindOutgoingTo("+15550001111"); got != nil {
		t.Errorf("incoming session matched: %v", got.Handle)
	}
	if got := r.FindOutgoingTo("+15559990000"); got != nil {
		t.Errorf("unknown address matched: %v", got.Handle)
	}
}
