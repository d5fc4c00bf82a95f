// Package sipua implements the telephony capability port over a SIP user
// agent. It terminates signaling only: call audio flows directly between the
// media endpoints named in the exchanged SDP, and bridging is done by
// re-inviting each leg toward the other's media endpoint.
package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sentinelx/sentinelx/internal/telephony"
)

// Options configures the SIP adapter.
type Options struct {
	// ListenAddr is the local SIP listen address, e.g. "0.0.0.0:5060".
	ListenAddr string

	// Transport is the SIP transport ("udp" or "tcp").
	Transport string

	// Identity is the local SIP user placed in From/Contact headers.
	Identity string

	// LocalHost is the advertised host for From/Contact headers.
	LocalHost string

	// UpstreamHost and UpstreamPort locate the SIP service outbound calls
	// are sent through.
	UpstreamHost string
	UpstreamPort int

	// Username, AuthUsername and Password are the digest credentials for the
	// upstream service. AuthUsername falls back to Username when empty.
	Username     string
	AuthUsername string
	Password     string

	// MediaIP and MediaPort are advertised in SDP offers and answers. The
	// media endpoint itself is external to this process.
	MediaIP   string
	MediaPort int
}

// eventBufferSize bounds the lifecycle event channel. The engine drains it
// continuously; if it ever falls behind, events are dropped with a warning
// rather than blocking the SIP stack.
const eventBufferSize = 32

// call is the adapter's record of one SIP dialog. handle, direction, remote
// and localTag are fixed at creation; everything else is dialog state shared
// between the SIP handler goroutines and command callers, guarded by mu. The
// adapter's own mutex covers only the call map and is never acquired while a
// call's mu is held.
type call struct {
	handle    string
	direction telephony.Direction
	remote    string
	localTag  string

	mu    sync.Mutex
	state telephony.State

	// inviteReq is the dialog-establishing INVITE. For outgoing calls
	// inviteRes holds the 2xx that confirmed the dialog.
	inviteReq *sip.Request
	inviteRes *sip.Response

	// serverTx is the pending transaction for an unanswered incoming INVITE.
	serverTx sip.ServerTransaction

	localSDP  []byte
	remoteSDP []byte
	cseq      uint32
}

func (c *call) currentState() telephony.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// localMedia and remoteMedia return the stored SDP bodies. Bodies are only
// ever replaced wholesale, never edited in place, so sharing the slice with
// the caller is safe.
func (c *call) localMedia() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSDP
}

func (c *call) remoteMedia() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSDP
}

// Adapter implements telephony.Port over sipgo.
type Adapter struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	opts   Options
	logger *slog.Logger

	events chan telephony.Event

	mu    sync.Mutex
	calls map[string]*call
	muted bool
	route telephony.AudioRoute

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a SIP adapter with all handlers registered.
func New(opts Options, logger *slog.Logger) (*Adapter, error) {
	logger = logger.With("component", "sipua")

	if opts.Transport == "" {
		opts.Transport = "udp"
	}
	if opts.UpstreamPort == 0 {
		opts.UpstreamPort = 5060
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("SentinelX"),
		sipgo.WithUserAgentHostname(opts.LocalHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	a := &Adapter{
		ua:     ua,
		srv:    srv,
		client: client,
		opts:   opts,
		logger: logger,
		events: make(chan telephony.Event, eventBufferSize),
		calls:  make(map[string]*call),
		route:  telephony.RouteEarpiece,
	}

	a.registerHandlers()
	return a, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (a *Adapter) registerHandlers() {
	a.srv.OnInvite(a.handleInvite)
	a.srv.OnAck(a.handleACK)
	a.srv.OnBye(a.handleBye)
	a.srv.OnCancel(a.handleCancel)
	a.srv.OnOptions(a.handleOptions)
}

// Start begins listening on the configured transport. It blocks until the
// context is cancelled or a fatal listener error occurs.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("sip listener starting", "addr", a.opts.ListenAddr, "transport", a.opts.Transport)
		if err := a.srv.ListenAndServe(ctx, a.opts.Transport, a.opts.ListenAddr); err != nil {
			a.logger.Error("sip listener stopped", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the SIP stack.
func (a *Adapter) Stop() {
	a.logger.Info("stopping sip adapter")
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.client.Close()
	a.srv.Close()
	a.ua.Close()
	a.logger.Info("sip adapter stopped")
}

// Events implements telephony.Port.
func (a *Adapter) Events() <-chan telephony.Event {
	return a.events
}

// emit delivers a lifecycle event without blocking the SIP stack.
func (a *Adapter) emit(ev telephony.Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("event channel full, dropping event",
			"kind", ev.Kind,
			"handle", ev.Handle,
		)
	}
}

// getCall returns the call for a handle, or nil.
func (a *Adapter) getCall(handle string) *call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[handle]
}

// removeCall drops a call record and emits the removal event.
func (a *Adapter) removeCall(handle string) {
	a.mu.Lock()
	c, ok := a.calls[handle]
	if ok {
		delete(a.calls, handle)
	}
	a.mu.Unlock()

	if ok {
		c.mu.Lock()
		c.state = telephony.StateDisconnected
		c.mu.Unlock()
		a.emit(telephony.Event{Kind: telephony.EventCallRemoved, Handle: handle})
	}
}

// setState updates a call's state and emits the transition.
func (a *Adapter) setState(c *call, st telephony.State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()

	a.emit(telephony.Event{Kind: telephony.EventStateChanged, Handle: c.handle, State: st})
}

// handleInvite processes an incoming INVITE: register the call, ring, and
// hand the answer decision to the engine.
func (a *Adapter) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		a.respondError(req, tx, 400, "Bad Request")
		return
	}
	handle := callID.Value()

	a.mu.Lock()
	if _, exists := a.calls[handle]; exists {
		// INVITE retransmission for a known dialog.
		a.mu.Unlock()
		return
	}

	c := &call{
		handle:    handle,
		direction: telephony.DirectionIncoming,
		remote:    req.From().Address.User,
		state:     telephony.StateRinging,
		inviteReq: req,
		serverTx:  tx,
		localTag:  sip.GenerateTagN(16),
		remoteSDP: req.Body(),
		cseq:      1,
	}
	a.calls[handle] = c
	a.mu.Unlock()

	a.logger.Info("incoming call",
		"call_id", handle,
		"from", c.remote,
		"source", req.Source(),
	)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if to := ringing.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params.Add("tag", c.localTag)
		}
	}
	if err := tx.Respond(ringing); err != nil {
		a.logger.Error("failed to send ringing", "call_id", handle, "error", err)
	}

	a.emit(telephony.Event{
		Kind:          telephony.EventCallAdded,
		Handle:        handle,
		Direction:     telephony.DirectionIncoming,
		RemoteAddress: c.remote,
		State:         telephony.StateRinging,
	})
}

// handleACK confirms an answered incoming dialog.
func (a *Adapter) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		return
	}

	c := a.getCall(callID.Value())
	if c == nil {
		a.logger.Debug("ack for unknown dialog", "call_id", callID.Value())
		return
	}

	if c.direction == telephony.DirectionIncoming && c.currentState() == telephony.StateConnecting {
		a.setState(c, telephony.StateActive)
	}
}

// handleBye tears down a dialog on the remote party's request.
func (a *Adapter) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to respond to bye", "error", err)
	}

	callID := req.CallID()
	if callID == nil {
		return
	}

	a.logger.Info("remote hangup", "call_id", callID.Value())
	a.removeCall(callID.Value())
}

// handleCancel aborts a ringing incoming call.
func (a *Adapter) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to respond to cancel", "error", err)
	}

	callID := req.CallID()
	if callID == nil {
		return
	}
	handle := callID.Value()

	c := a.getCall(handle)
	if c == nil {
		return
	}

	c.mu.Lock()
	serverTx := c.serverTx
	inviteReq := c.inviteReq
	c.mu.Unlock()

	if serverTx != nil {
		terminated := sip.NewResponseFromRequest(inviteReq, 487, "Request Terminated", nil)
		if err := serverTx.Respond(terminated); err != nil {
			a.logger.Debug("failed to respond 487 to cancelled invite", "call_id", handle, "error", err)
		}
	}

	a.logger.Info("caller cancelled", "call_id", handle)
	a.removeCall(handle)
}

// handleOptions responds to SIP OPTIONS keepalive pings.
func (a *Adapter) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to respond to options", "error", err)
	}
}

func (a *Adapter) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}

// Answer implements telephony.Port. It sends 200 OK with a local SDP answer;
// the call turns Active once the remote party ACKs.
func (a *Adapter) Answer(ctx context.Context, handle string) error {
	c := a.getCall(handle)
	if c == nil {
		return fmt.Errorf("no call for handle %s", handle)
	}
	c.mu.Lock()
	if c.direction != telephony.DirectionIncoming || c.serverTx == nil {
		c.mu.Unlock()
		return fmt.Errorf("call %s is not an unanswered incoming call", handle)
	}
	if c.state != telephony.StateRinging {
		c.mu.Unlock()
		return fmt.Errorf("call %s is not ringing", handle)
	}
	body := buildSDP(time.Now().Unix(), a.opts.MediaIP, a.opts.MediaPort, "sendrecv")
	c.localSDP = body
	serverTx := c.serverTx
	inviteReq := c.inviteReq
	c.mu.Unlock()

	ok := sip.NewResponseFromRequest(inviteReq, 200, "OK", body)
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if to := ok.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params.Add("tag", c.localTag)
		}
	}
	a.appendContact(ok)

	if err := serverTx.Respond(ok); err != nil {
		return fmt.Errorf("answering call %s: %w", handle, err)
	}

	a.logger.Info("call answered", "call_id", handle)
	a.setState(c, telephony.StateConnecting)
	return nil
}

// Reject implements telephony.Port.
func (a *Adapter) Reject(ctx context.Context, handle string) error {
	c := a.getCall(handle)
	if c == nil {
		return fmt.Errorf("no call for handle %s", handle)
	}
	c.mu.Lock()
	if c.serverTx == nil || c.state != telephony.StateRinging {
		c.mu.Unlock()
		return fmt.Errorf("call %s is not ringing", handle)
	}
	serverTx := c.serverTx
	inviteReq := c.inviteReq
	c.mu.Unlock()

	busy := sip.NewResponseFromRequest(inviteReq, 486, "Busy Here", nil)
	if err := serverTx.Respond(busy); err != nil {
		return fmt.Errorf("rejecting call %s: %w", handle, err)
	}

	a.logger.Info("call rejected", "call_id", handle)
	a.removeCall(handle)
	return nil
}

// Hangup implements telephony.Port. Ringing incoming calls are declined;
// established dialogs get a BYE.
func (a *Adapter) Hangup(ctx context.Context, handle string) error {
	c := a.getCall(handle)
	if c == nil {
		return fmt.Errorf("no call for handle %s", handle)
	}

	if c.direction == telephony.DirectionIncoming && c.currentState() == telephony.StateRinging {
		return a.Reject(ctx, handle)
	}

	if err := a.sendBye(ctx, c); err != nil {
		a.logger.Warn("bye failed, dropping call state anyway", "call_id", handle, "error", err)
	}

	a.logger.Info("call hung up", "call_id", handle)
	a.removeCall(handle)
	return nil
}

// Hold implements telephony.Port via a sendonly re-INVITE.
func (a *Adapter) Hold(ctx context.Context, handle string) error {
	c := a.getCall(handle)
	if c == nil {
		return fmt.Errorf("no call for handle %s", handle)
	}
	if c.currentState() != telephony.StateActive {
		return fmt.Errorf("call %s is not active", handle)
	}

	body := buildSDP(time.Now().Unix(), a.opts.MediaIP, a.opts.MediaPort, "sendonly")
	if err := a.sendReinvite(ctx, c, body); err != nil {
		return fmt.Errorf("holding call %s: %w", handle, err)
	}

	a.setState(c, telephony.StateHolding)
	return nil
}

// Unhold implements telephony.Port.
func (a *Adapter) Unhold(ctx context.Context, handle string) error {
	c := a.getCall(handle)
	if c == nil {
		return fmt.Errorf("no call for handle %s", handle)
	}
	if c.currentState() != telephony.StateHolding {
		return fmt.Errorf("call %s is not on hold", handle)
	}

	body := buildSDP(time.Now().Unix(), a.opts.MediaIP, a.opts.MediaPort, "sendrecv")
	if err := a.sendReinvite(ctx, c, body); err != nil {
		return fmt.Errorf("resuming call %s: %w", handle, err)
	}

	a.setState(c, telephony.StateActive)
	return nil
}

// SetMuted implements telephony.Port. The adapter terminates signaling only,
// so mute is recorded here and enforced by the media endpoint; the flag also
// steers the direction attribute of future SDP offers.
func (a *Adapter) SetMuted(muted bool) error {
	a.mu.Lock()
	a.muted = muted
	a.mu.Unlock()

	a.logger.Info("local mute changed", "muted", muted)
	return nil
}

// SetAudioRoute implements telephony.Port.
func (a *Adapter) SetAudioRoute(route telephony.AudioRoute) error {
	a.mu.Lock()
	a.route = route
	a.mu.Unlock()

	a.logger.Info("audio route changed", "route", route)
	return nil
}

// SendDTMF implements telephony.Port using SIP INFO dtmf-relay.
func (a *Adapter) SendDTMF(ctx context.Context, handle string, digit rune) error {
	c := a.getCall(handle)
	if c == nil {
		return fmt.Errorf("no call for handle %s", handle)
	}
	if c.currentState() != telephony.StateActive {
		return fmt.Errorf("call %s is not active", handle)
	}

	return a.sendInfoDTMF(ctx, c, digit)
}

// Conference implements telephony.Port. Leg A is re-invited toward leg B's
// media endpoint, steering A's audio at B directly. Callers issue the
// mirrored command for the reverse direction.
func (a *Adapter) Conference(ctx context.Context, handleA, handleB string) error {
	ca := a.getCall(handleA)
	cb := a.getCall(handleB)
	if ca == nil {
		return fmt.Errorf("no call for handle %s", handleA)
	}
	if cb == nil {
		return fmt.Errorf("no call for handle %s", handleB)
	}
	peerSDP := cb.remoteMedia()
	if len(peerSDP) == 0 {
		return fmt.Errorf("call %s has no media description yet", handleB)
	}

	ip, port, err := sdpEndpoint(peerSDP)
	if err != nil {
		return fmt.Errorf("resolving media endpoint of %s: %w", handleB, err)
	}

	base := ca.localMedia()
	if len(base) == 0 {
		base = buildSDP(time.Now().Unix(), a.opts.MediaIP, a.opts.MediaPort, "sendrecv")
	}

	if err := a.sendReinvite(ctx, ca, redirectSDP(base, ip, port)); err != nil {
		return fmt.Errorf("bridging %s toward %s: %w", handleA, handleB, err)
	}

	a.logger.Info("leg bridged",
		"call_id", handleA,
		"peer_call_id", handleB,
		"media_addr", fmt.Sprintf("%s:%d", ip, port),
	)
	return nil
}

// Snapshot implements telephony.Port.
func (a *Adapter) Snapshot() []telephony.CallSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]telephony.CallSnapshot, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, telephony.CallSnapshot{Handle: c.handle, State: c.currentState()})
	}
	return out
}

// appendContact adds the adapter's Contact header to a message.
func (a *Adapter) appendContact(msg sip.Message) {
	contact := &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   a.opts.Identity,
			Host:   a.opts.LocalHost,
		},
	}
	msg.AppendHeader(contact)
}
