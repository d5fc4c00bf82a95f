package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sentinelx/sentinelx/internal/telephony"
)

// fakePort is an in-memory telephony.Port for engine tests. Lifecycle events
// are injected by pushing onto the events channel.
type fakePort struct {
	mu          sync.Mutex
	events      chan telephony.Event
	muteCalls   []bool
	answered    []string
	placed      []string
	conferences [][2]string
	snapshot    []telephony.CallSnapshot

	answerErr error
	placeErr  error
	confErr   error

	// onPlaceCall, if set, runs after a successful PlaceCall. Tests use it to
	// surface the decoy leg on the event stream.
	onPlaceCall func(address string)
}

func newFakePort() *fakePort {
	return &fakePort{events: make(chan telephony.Event, 16)}
}

func (p *fakePort) Answer(ctx context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answerErr != nil {
		return p.answerErr
	}
	p.answered = append(p.answered, handle)
	return nil
}

func (p *fakePort) Reject(ctx context.Context, handle string) error { return nil }
func (p *fakePort) Hangup(ctx context.Context, handle string) error { return nil }
func (p *fakePort) Hold(ctx context.Context, handle string) error   { return nil }
func (p *fakePort) Unhold(ctx context.Context, handle string) error { return nil }

func (p *fakePort) SetMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muteCalls = append(p.muteCalls, muted)
	return nil
}

func (p *fakePort) SetAudioRoute(route telephony.AudioRoute) error { return nil }

func (p *fakePort) SendDTMF(ctx context.Context, handle string, digit rune) error { return nil }

func (p *fakePort) PlaceCall(ctx context.Context, address string, hints telephony.CallHints) error {
	p.mu.Lock()
	if p.placeErr != nil {
		p.mu.Unlock()
		return p.placeErr
	}
	p.placed = append(p.placed, address)
	cb := p.onPlaceCall
	p.mu.Unlock()

	if cb != nil {
		cb(address)
	}
	return nil
}

func (p *fakePort) Conference(ctx context.Context, handleA, handleB string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.confErr != nil {
		return p.confErr
	}
	p.conferences = append(p.conferences, [2]string{handleA, handleB})
	return nil
}

func (p *fakePort) Snapshot() []telephony.CallSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]telephony.CallSnapshot, len(p.snapshot))
	copy(out, p.snapshot)
	return out
}

func (p *fakePort) Events() <-chan telephony.Event { return p.events }

func (p *fakePort) setSnapshot(snaps ...telephony.CallSnapshot) {
	p.mu.Lock()
	p.snapshot = snaps
	p.mu.Unlock()
}

func (p *fakePort) muteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.muteCalls)
}

func (p *fakePort) conferenceCalls() [][2]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][2]string, len(p.conferences))
	copy(out, p.conferences)
	return out
}

type classifierFunc func(ctx context.Context, remoteAddress string) (Verdict, string, error)

func (f classifierFunc) Classify(ctx context.Context, remoteAddress string) (Verdict, string, error) {
	return f(ctx, remoteAddress)
}

type resolverFunc func(ctx context.Context, address string) (bool, error)

func (f resolverFunc) IsKnown(ctx context.Context, address string) (bool, error) {
	return f(ctx, address)
}

func trustAll(ctx context.Context, address string) (bool, error)  { return true, nil }
func trustNone(ctx context.Context, address string) (bool, error) { return false, nil }

func newTestEngine(t *testing.T, port *fakePort, classify Classifier, resolver ContactResolver, opts Options) *Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(port, classify, resolver, logger, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

// waitFor polls until cond holds or the test deadline expires.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func incomingCall(handle, remote string) telephony.Event {
	return telephony.Event{
		Kind:          telephony.EventCallAdded,
		Handle:        handle,
		Direction:     telephony.DirectionIncoming,
		RemoteAddress: remote,
		State:         telephony.StateRinging,
	}
}

func TestTrustedContactFastPath(t *testing.T) {
	port := newFakePort()
	classified := make(chan string, 1)
	classifier := classifierFunc(func(ctx context.Context, addr string) (Verdict, string, error) {
		classified <- addr
		return VerdictMalicious, "", nil
	})

	eng := newTestEngine(t, port, classifier, resolverFunc(trustAll), Options{})

	port.events <- incomingCall("call-1", "+15551230001")

	waitFor(t, "trusted verdict", func() bool {
		v, ok := eng.Session("call-1")
		return ok && v.Verdict == VerdictTrusted
	})

	select {
	case addr := <-classified:
		t.Fatalf("classifier called for known contact %s", addr)
	default:
	}

	if n := port.muteCount(); n != 0 {
		t.Errorf("expected no mute for trusted caller, got %d mute calls", n)
	}
}

func TestUnknownCallerIsMutedAndClassified(t *testing.T) {
	port := newFakePort()
	classifier := classifierFunc(func(ctx context.Context, addr string) (Verdict, string, error) {
		return VerdictMalicious, "number reported for fraud", nil
	})

	eng := newTestEngine(t, port, classifier, resolverFunc(trustNone), Options{})

	port.events <- incomingCall("call-1", "+15550009999")

	waitFor(t, "malicious verdict", func() bool {
		v, ok := eng.Session("call-1")
		return ok && v.Verdict == VerdictMalicious
	})

	if n := port.muteCount(); n == 0 {
		t.Error("expected defensive mute before classification")
	}

	v, _ := eng.Session("call-1")
	if v.VerdictMessage != "number reported for fraud" {
		t.Errorf("unexpected verdict message %q", v.VerdictMessage)
	}
}

func TestClassificationFailsClosed(t *testing.T) {
	port := newFakePort()
	classifier := classifierFunc(func(ctx context.Context, addr string) (Verdict, string, error) {
		return VerdictUnresolved, "", errors.New("connection refused")
	})

	eng := newTestEngine(t, port, classifier, resolverFunc(trustNone), Options{})

	port.events <- incomingCall("call-1", "+15550009999")

	waitFor(t, "suspicious verdict", func() bool {
		v, ok := eng.Session("call-1")
		return ok && v.Verdict == VerdictSuspicious
	})

	v, _ := eng.Session("call-1")
	if !strings.Contains(v.VerdictMessage, "could not be verified") {
		t.Errorf("expected degraded-triage message, got %q", v.VerdictMessage)
	}
}

func TestClassificationTimeoutFailsClosed(t *testing.T) {
	port := newFakePort()
	classifier := classifierFunc(func(ctx context.Context, addr string) (Verdict, string, error) {
		<-ctx.Done()
		return VerdictUnresolved, "", ctx.Err()
	})

	eng := newTestEngine(t, port, classifier, resolverFunc(trustNone), Options{
		ClassifyTimeout: 20 * time.Millisecond,
	})

	port.events <- incomingCall("call-1", "+15550009999")

	waitFor(t, "suspicious verdict after timeout", func() bool {
		v, ok := eng.Session("call-1")
		return ok && v.Verdict == VerdictSuspicious
	})
}

func TestVerdictIsImmutable(t *testing.T) {
	port := newFakePort()
	classifier := classifierFunc(func(ctx context.Context, addr string) (Verdict, string, error) {
		return VerdictSuspicious, "first", nil
	})

	eng := newTestEngine(t, port, classifier, resolverFunc(trustNone), Options{})

	port.events <- incomingCall("call-1", "+15550009999")

	waitFor(t, "first verdict", func() bool {
		v, ok := eng.Session("call-1")
		return ok && v.Verdict == VerdictSuspicious
	})

	eng.OnVerdictReady("call-1", VerdictTrusted, "late override")

	v, _ := eng.Session("call-1")
	if v.Verdict != VerdictSuspicious {
		t.Errorf("verdict changed after being set: %s", v.Verdict)
	}
	if v.VerdictMessage != "first" {
		t.Errorf("verdict message changed after being set: %q", v.VerdictMessage)
	}
}

func TestLateVerdictForDestroyedSessionIsDiscarded(t *testing.T) {
	port := newFakePort()
	release := make(chan struct{})
	classifier := classifierFunc(func(ctx context.Context, addr string) (Verdict, string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return VerdictMalicious, "", nil
	})

	eng := newTestEngine(t, port, classifier, resolverFunc(trustNone), Options{})

	port.events <- incomingCall("call-1", "+15550009999")
	waitFor(t, "session created", func() bool {
		_, ok := eng.Session("call-1")
		return ok
	})

	port.events <- telephony.Event{Kind: telephony.EventCallRemoved, Handle: "call-1"}
	waitFor(t, "session destroyed", func() bool {
		return eng.ActiveSessionCount() == 0
	})
	close(release)

	// The late verdict must not resurrect the session or panic.
	eng.OnVerdictReady("call-1", VerdictMalicious, "")
	if eng.ActiveSessionCount() != 0 {
		t.Error("late verdict resurrected a destroyed session")
	}
}

func TestCallRemovedPublishesDisconnect(t *testing.T) {
	port := newFakePort()
	eng := newTestEngine(t, port, classifierFunc(func(ctx context.Context, addr string) (Verdict, string, error) {
		return VerdictSuspicious, "", nil
	}), resolverFunc(trustAll), Options{})

	port.events <- incomingCall("call-1", "+15551230001")
	waitFor(t, "session created", func() bool {
		_, ok := eng.Session("call-1")
		return ok
	})

	port.events <- telephony.Event{Kind: telephony.EventCallRemoved, Handle: "call-1"}

	waitFor(t, "disconnect notification", func() bool {
		u, ok := eng.Latest()
		return ok && u.Handle == "call-1" && u.State == telephony.StateDisconnected
	})

	if eng.ActiveSessionCount() != 0 {
		t.Errorf("expected 0 live sessions, got %d", eng.ActiveSessionCount())
	}
}

func TestOutgoingCallSkipsScreening(t *testing.T) {
	port := newFakePort()
	classified := make(chan string, 1)
	classifier := classifierFunc(func(ctx context.Context, addr string) (Verdict, string, error) {
		classified <- addr
		return VerdictSuspicious, "", nil
	})

	eng := newTestEngine(t, port, classifier, resolverFunc(trustNone), Options{})

	port.events <- telephony.Event{
		Kind:          telephony.EventCallAdded,
		Handle:        "out-1",
		Direction:     telephony.DirectionOutgoing,
		RemoteAddress: "+15557770000",
		State:         telephony.StateDialing,
	}

	waitFor(t, "outgoing session", func() bool {
		_, ok := eng.Session("out-1")
		return ok
	})

	select {
	case <-classified:
		t.Fatal("outgoing call was classified")
	default:
	}

	v, _ := eng.Session("out-1")
	if v.Verdict != VerdictUnresolved {
		t.Errorf("outgoing call got verdict %s", v.Verdict)
	}
}

func TestStartedAt(t *testing.T) {
	before := time.Now()
	eng := newTestEngine(t, newFakePort(), classifierFunc(func(ctx context.Context, addr string) (Verdict, string, error) {
		return VerdictSuspicious, "", nil
	}), resolverFunc(trustNone), Options{})

	started := eng.StartedAt()
	if started.Before(before) || started.After(time.Now()) {
		t.Errorf("StartedAt() = %v, want within test run", started)
	}
}

func TestVerdictTotals(t *testing.T) {
	port := newFakePort()
	eng := newTestEngine(t, port, classifierFunc(func(ctx context.Context, addr string) (Verdict, string, error) {
		return VerdictMalicious, "", nil
	}), resolverFunc(trustNone), Options{})

	port.events <- incomingCall("call-1", "+15550009999")

	waitFor(t, "verdict counted", func() bool {
		return eng.VerdictTotals()[string(VerdictMalicious)] == 1
	})
}
