package sipua

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/sentinelx/sentinelx/internal/telephony"
)

// PlaceCall implements telephony.Port. The call is dialled asynchronously
// through the upstream SIP service; the new call surfaces on the event
// stream like any other, keyed by a fresh Call-ID.
func (a *Adapter) PlaceCall(ctx context.Context, address string, hints telephony.CallHints) error {
	if a.opts.UpstreamHost == "" {
		return fmt.Errorf("no upstream sip service configured")
	}

	handle := uuid.NewString()

	a.mu.Lock()
	c := &call{
		handle:    handle,
		direction: telephony.DirectionOutgoing,
		remote:    address,
		state:     telephony.StateDialing,
		localTag:  sip.GenerateTagN(16),
		cseq:      1,
	}
	a.calls[handle] = c
	a.mu.Unlock()

	a.logger.Info("placing call",
		"call_id", handle,
		"to", address,
		"origin_call_id", hints.OriginHandle,
	)

	a.emit(telephony.Event{
		Kind:          telephony.EventCallAdded,
		Handle:        handle,
		Direction:     telephony.DirectionOutgoing,
		RemoteAddress: address,
		State:         telephony.StateDialing,
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dial(ctx, c)
	}()
	return nil
}

// dial runs the outbound INVITE exchange for one call, handling digest
// challenges from the upstream service.
func (a *Adapter) dial(ctx context.Context, c *call) {
	dialCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	recipientStr := fmt.Sprintf("sip:%s@%s:%d", c.remote, a.opts.UpstreamHost, a.opts.UpstreamPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		a.logger.Error("invalid upstream uri", "call_id", c.handle, "error", err)
		a.removeCall(c.handle)
		return
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(a.opts.Transport))

	body := buildSDP(time.Now().Unix(), a.opts.MediaIP, a.opts.MediaPort, "sendrecv")
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Call-ID", c.handle))

	from := &sip.FromHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   a.opts.Identity,
			Host:   a.opts.LocalHost,
		},
	}
	from.Params.Add("tag", c.localTag)
	req.AppendHeader(from)

	c.mu.Lock()
	c.localSDP = body
	c.inviteReq = req
	c.mu.Unlock()

	tx, err := a.client.TransactionRequest(dialCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		a.logger.Error("sending invite failed", "call_id", c.handle, "error", err)
		a.removeCall(c.handle)
		return
	}

	a.collectDialResponses(dialCtx, c, req, tx, false)
}

// collectDialResponses consumes responses for an outbound INVITE until a
// final answer. authRetried guards against challenge loops.
func (a *Adapter) collectDialResponses(ctx context.Context, c *call, req *sip.Request, tx sip.ClientTransaction, authRetried bool) {
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			a.logger.Info("outbound call abandoned", "call_id", c.handle)
			a.removeCall(c.handle)
			return
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				a.logger.Error("outbound transaction error", "call_id", c.handle, "error", txErr)
			}
			a.removeCall(c.handle)
			return
		case res = <-tx.Responses():
		}

		a.logger.Debug("outbound response",
			"call_id", c.handle,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			a.setState(c, telephony.StateConnecting)

		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			if authRetried {
				a.logger.Error("upstream rejected credentials", "call_id", c.handle)
				a.removeCall(c.handle)
				return
			}
			a.retryWithAuth(ctx, c, req, res)
			return

		case res.StatusCode >= 200 && res.StatusCode < 300:
			ack := ackFor2xx(req, res)
			if err := a.client.WriteRequest(ack); err != nil {
				a.logger.Error("failed to ack answer", "call_id", c.handle, "error", err)
				tx.Terminate()
				a.removeCall(c.handle)
				return
			}

			c.mu.Lock()
			c.inviteReq = req
			c.inviteRes = res
			if len(res.Body()) > 0 {
				c.remoteSDP = res.Body()
			}
			c.mu.Unlock()

			a.logger.Info("outbound call answered", "call_id", c.handle)
			a.setState(c, telephony.StateActive)
			tx.Terminate()
			return

		case res.StatusCode >= 300:
			tx.Terminate()
			a.logger.Info("outbound call failed",
				"call_id", c.handle,
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			a.removeCall(c.handle)
			return
		}
	}
}

// retryWithAuth answers a 401/407 digest challenge and re-sends the INVITE.
func (a *Adapter) retryWithAuth(ctx context.Context, c *call, origReq *sip.Request, challengeRes *sip.Response) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challengeRes.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challengeRes.GetHeader(authHeader)
	if wwwAuth == nil {
		a.logger.Error("challenge without auth header", "call_id", c.handle, "status", challengeRes.StatusCode)
		a.removeCall(c.handle)
		return
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		a.logger.Error("parsing auth challenge failed", "call_id", c.handle, "error", err)
		a.removeCall(c.handle)
		return
	}

	authUser := a.opts.Username
	if a.opts.AuthUsername != "" {
		authUser = a.opts.AuthUsername
	}

	uri := fmt.Sprintf("sip:%s@%s:%d", origReq.Recipient.User, a.opts.UpstreamHost, a.opts.UpstreamPort)
	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      uri,
		Username: authUser,
		Password: a.opts.Password,
	})
	if err != nil {
		a.logger.Error("computing digest failed", "call_id", c.handle, "error", err)
		a.removeCall(c.handle)
		return
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	authTx, err := a.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		a.logger.Error("sending authenticated invite failed", "call_id", c.handle, "error", err)
		a.removeCall(c.handle)
		return
	}

	a.collectDialResponses(ctx, c, authReq, authTx, true)
}
