package sipua

import (
	"context"
	"errors"
	"fmt"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/icholy/digest"

	"sipgateway/call"
)

// clientTx is the part of sip.ClientTransaction an outbound INVITE uses.
type clientTx interface {
	Responses() <-chan sip.Response
	Errors() <-chan error
	Done() <-chan bool
	Cancel() error
}

// pending is an INVITE client transaction that can still be canceled.
type pending struct {
	tx clientTx
}

func (p *pending) Cancel() error {
	return p.tx.Cancel()
}

type invite struct {
	req    call.DialRequest
	target sip.Uri
	from   *sip.Address
	to     *sip.Address
}

func (a *Agent) newInvite(req call.DialRequest) (*invite, error) {
	target, err := parser.ParseUri(req.Target)
	if err != nil {
		return nil, fmt.Errorf("parse target uri: %w", err)
	}
	from, err := parser.ParseUri(req.From)
	if err != nil {
		return nil, fmt.Errorf("parse from uri: %w", err)
	}
	return &invite{
		req:    req,
		target: target,
		from:   &sip.Address{Uri: from, Params: sip.NewParams().Add("tag", newTag())},
		to:     &sip.Address{Uri: target.Clone()},
	}, nil
}

func (a *Agent) build(inv *invite, seq uint, auth sip.Header) (sip.Request, error) {
	contact, err := a.contact(userOf(inv.from.Uri))
	if err != nil {
		return nil, err
	}
	cid := sip.CallID(inv.req.CallID)
	ct := sip.ContentType("application/sdp")
	rb := sip.NewRequestBuilder().
		SetMethod(sip.INVITE).
		SetRecipient(inv.target).
		SetFrom(inv.from).
		SetTo(inv.to).
		SetContact(&sip.Address{Uri: contact}).
		SetCallID(&cid).
		SetSeqNo(seq).
		SetContentType(&ct).
		SetBody(inv.req.SDP)
	if auth != nil {
		rb.AddHeader(auth)
	}
	return rb.Build()
}

// authorization answers a 401/407 challenge with digest credentials.
func authorization(res sip.Response, inv *invite) (sip.Header, error) {
	challengeName, authName := "WWW-Authenticate", "Authorization"
	if res.StatusCode() == 407 {
		challengeName, authName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	hdrs := res.GetHeaders(challengeName)
	if len(hdrs) == 0 {
		return nil, fmt.Errorf("no %s header in %d response", challengeName, res.StatusCode())
	}
	chal, err := digest.ParseChallenge(hdrs[0].Value())
	if err != nil {
		return nil, fmt.Errorf("invalid challenge %q: %w", hdrs[0].Value(), err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(sip.INVITE),
		URI:      inv.target.String(),
		Username: inv.req.Auth.Username,
		Password: inv.req.Auth.Password,
		Count:    1,
	})
	if err != nil {
		return nil, err
	}
	return &sip.GenericHeader{HeaderName: authName, Contents: cred.String()}, nil
}

// Dial sends the INVITE and reports its progress to handler on a separate
// goroutine. A 401/407 is answered once when credentials are given.
func (a *Agent) Dial(ctx context.Context, req call.DialRequest, handler call.SignalHandler) error {
	inv, err := a.newInvite(req)
	if err != nil {
		return err
	}
	msg, err := a.build(inv, 1, nil)
	if err != nil {
		return fmt.Errorf("build invite: %w", err)
	}
	a.log.Infof("SIP Dial %s from %s (call %s)", req.Target, req.From, req.CallID)
	tx, err := a.srv.Request(msg)
	if err != nil {
		return fmt.Errorf("send invite: %w", err)
	}
	handler(call.Signal{Kind: call.SignalRequestCreated, Request: &pending{tx: tx}})
	go a.follow(ctx, inv, msg, tx, handler)
	return nil
}

func (a *Agent) follow(ctx context.Context, inv *invite, msg sip.Request, tx clientTx, handler call.SignalHandler) {
	challenged := false
	seq := uint(1)
	responses, errs := tx.Responses(), tx.Errors()
	for {
		select {
		case res, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			if res == nil {
				continue
			}
			code := int(res.StatusCode())
			a.log.Infof("received SIP response for %s: %d %s", inv.req.CallID, code, res.Reason())
			switch {
			case code < 200:
				if code > 100 {
					handler(call.Signal{Kind: call.SignalProvisional, Code: code})
				}
			case code < 300:
				handler(a.established(inv, msg, res, seq, handler))
				return
			case (code == 401 || code == 407) && inv.req.Auth != nil && !challenged:
				challenged = true
				next, err := a.retry(inv, res, seq+1)
				if err != nil {
					a.log.Warnf("digest retry for %s: %v", inv.req.CallID, err)
					handler(call.Signal{Kind: call.SignalFinal, Code: code, Err: err})
					return
				}
				seq++
				msg = next
				resent, err := a.srv.Request(msg)
				if err != nil {
					handler(call.Signal{Kind: call.SignalFinal, Code: code, Err: fmt.Errorf("resend invite: %w", err)})
					return
				}
				tx = resent
				responses, errs = tx.Responses(), tx.Errors()
				handler(call.Signal{Kind: call.SignalRequestCreated, Request: &pending{tx: tx}})
			default:
				handler(call.Signal{Kind: call.SignalFinal, Code: code, Err: fmt.Errorf("%d %s", code, res.Reason())})
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			a.log.Warnf("SIP transaction error for %s: %v", inv.req.CallID, err)
			handler(call.Signal{Kind: call.SignalFinal, Code: 408, Err: err})
			return
		case <-tx.Done():
			if responses != nil {
				select {
				case res := <-responses:
					if res != nil && res.IsSuccess() {
						handler(a.established(inv, msg, res, seq, handler))
						return
					}
				default:
				}
			}
			handler(call.Signal{Kind: call.SignalFinal, Code: 408, Err: errors.New("transaction terminated")})
			return
		case <-ctx.Done():
			_ = tx.Cancel()
			handler(call.Signal{Kind: call.SignalFinal, Code: 487, Err: ctx.Err()})
			return
		}
	}
}

func (a *Agent) retry(inv *invite, res sip.Response, seq uint) (sip.Request, error) {
	auth, err := authorization(res, inv)
	if err != nil {
		return nil, err
	}
	return a.build(inv, seq, auth)
}

// established ACKs a 2xx and turns it into a dialog.
func (a *Agent) established(inv *invite, msg sip.Request, res sip.Response, seq uint, handler call.SignalHandler) call.Signal {
	code := int(res.StatusCode())
	ack := sip.NewAckRequest("", msg, res, "", nil)
	if err := a.srv.Send(ack); err != nil {
		a.log.Warnf("send ACK for %s: %v", inv.req.CallID, err)
	}

	d := &dialog{
		ua:      a,
		callID:  inv.req.CallID,
		local:   inv.from,
		remote:  inv.to,
		target:  inv.target,
		handler: handler,
		cseq:    seq,
	}
	if to, ok := res.To(); ok && to != nil {
		d.remote = &sip.Address{DisplayName: to.DisplayName, Uri: to.Address, Params: to.Params}
	}
	if hdrs := res.GetHeaders("Contact"); len(hdrs) > 0 {
		if c, ok := hdrs[0].(*sip.ContactHeader); ok {
			d.target = c.Address
		}
	}
	a.track(d)
	return call.Signal{Kind: call.SignalFinal, Code: code, Dialog: d, SDP: res.Body()}
}
