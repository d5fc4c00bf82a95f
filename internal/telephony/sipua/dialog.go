package sipua

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sentinelx/sentinelx/internal/telephony"
)

// buildInDialogRequest constructs a request inside an established dialog.
// For incoming calls this endpoint is the UAS, so the dialog's From/To are
// the reverse of the original INVITE's. The call's lock is held for the
// whole build, covering the CSeq increment and the dialog header reads.
func (a *Adapter) buildInDialogRequest(c *call, method sip.RequestMethod) (*sip.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	recipient := a.remoteTarget(c)
	req := sip.NewRequest(method, *recipient.Clone())
	req.SetTransport(c.inviteReq.Transport())

	if c.direction == telephony.DirectionIncoming {
		from := &sip.FromHeader{
			Address: sip.Uri{
				Scheme: "sip",
				User:   a.opts.Identity,
				Host:   a.opts.LocalHost,
			},
		}
		from.Params.Add("tag", c.localTag)
		req.AppendHeader(from)

		remoteFrom := c.inviteReq.From()
		to := &sip.ToHeader{
			DisplayName: remoteFrom.DisplayName,
			Address:     *remoteFrom.Address.Clone(),
		}
		if tag, ok := remoteFrom.Params.Get("tag"); ok {
			to.Params.Add("tag", tag)
		}
		req.AppendHeader(to)
	} else {
		if h := c.inviteReq.From(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
		if c.inviteRes != nil {
			if h := c.inviteRes.To(); h != nil {
				req.AppendHeader(sip.HeaderClone(h))
			}
		}
	}

	if h := c.inviteReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	c.cseq++
	cseq := &sip.CSeqHeader{SeqNo: c.cseq, MethodName: method}
	req.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	a.appendContact(req)
	return req, nil
}

// remoteTarget returns the URI in-dialog requests are sent to: the remote
// party's Contact when one was exchanged, otherwise the INVITE endpoints.
// Called with the call's lock held.
func (a *Adapter) remoteTarget(c *call) *sip.Uri {
	if c.direction == telephony.DirectionIncoming {
		if contact := c.inviteReq.Contact(); contact != nil {
			return &contact.Address
		}
		return &c.inviteReq.From().Address
	}
	if c.inviteRes != nil {
		if contact := c.inviteRes.Contact(); contact != nil {
			return &contact.Address
		}
	}
	return &c.inviteReq.Recipient
}

// awaitFinal waits for the final response on a client transaction, skipping
// provisional responses.
func awaitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// sendBye ends an established dialog.
func (a *Adapter) sendBye(ctx context.Context, c *call) error {
	req, err := a.buildInDialogRequest(c, sip.BYE)
	if err != nil {
		return err
	}

	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := awaitFinal(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("bye rejected with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// sendReinvite sends a re-INVITE with a new SDP body and ACKs the 2xx.
func (a *Adapter) sendReinvite(ctx context.Context, c *call, body []byte) error {
	req, err := a.buildInDialogRequest(c, sip.INVITE)
	if err != nil {
		return err
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending re-invite: %w", err)
	}
	defer tx.Terminate()

	res, err := awaitFinal(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for re-invite response: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("re-invite rejected with status %d %s", res.StatusCode, res.Reason)
	}

	ack := ackFor2xx(req, res)
	if err := a.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("sending ack for re-invite: %w", err)
	}

	c.mu.Lock()
	c.localSDP = body
	if len(res.Body()) > 0 {
		c.remoteSDP = res.Body()
	}
	c.mu.Unlock()
	return nil
}

// sendInfoDTMF injects a DTMF digit via SIP INFO (dtmf-relay).
func (a *Adapter) sendInfoDTMF(ctx context.Context, c *call, digit rune) error {
	req, err := a.buildInDialogRequest(c, sip.INFO)
	if err != nil {
		return err
	}
	req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=250\r\n", digit)))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))

	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending info: %w", err)
	}
	defer tx.Terminate()

	res, err := awaitFinal(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for info response: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("info rejected with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// ackFor2xx builds the ACK confirming a 2xx response to an INVITE sent by
// this endpoint.
func ackFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	// From: same as the INVITE. To: from the response, which carries the
	// remote tag.
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// CSeq: same sequence number, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}
