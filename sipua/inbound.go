package sipua

import (
	"fmt"
	"sync"

	"github.com/ghettovoice/gosip/sip"

	"sipgateway/call"
)

// inbound is a held INVITE server transaction.
type inbound struct {
	ua  *Agent
	req sip.Request
	tx  sip.ServerTransaction

	callID string
	from   string
	to     string
	tag    sip.String

	mu       sync.Mutex
	final    bool
	canceled bool
	subs     map[int]func()
	next     int
}

func newInbound(ua *Agent, req sip.Request, tx sip.ServerTransaction) *inbound {
	in := &inbound{
		ua:     ua,
		req:    req,
		tx:     tx,
		callID: callIDOf(req),
		tag:    newTag(),
		subs:   make(map[int]func()),
	}
	if from, ok := req.From(); ok && from != nil {
		in.from = userOf(from.Address)
	}
	if to, ok := req.To(); ok && to != nil {
		in.to = userOf(to.Address)
	}
	return in
}

func (in *inbound) CallID() string   { return in.callID }
func (in *inbound) FromUser() string { return in.from }
func (in *inbound) ToUser() string   { return in.to }
func (in *inbound) Source() string   { return in.req.Source() }
func (in *inbound) Offer() string    { return in.req.Body() }

// watch turns the caller's CANCEL into a 487 and a cancel notification.
func (in *inbound) watch() {
	select {
	case <-in.tx.Cancels():
	case <-in.tx.Done():
		return
	}

	in.mu.Lock()
	if in.final {
		in.mu.Unlock()
		return
	}
	in.final = true
	in.canceled = true
	subs := make([]func(), 0, len(in.subs))
	for _, fn := range in.subs {
		subs = append(subs, fn)
	}
	in.subs = nil
	in.mu.Unlock()

	in.ua.log.Infof("CANCEL received for %s", in.callID)
	if err := in.tx.Respond(in.response(487, "Request Terminated", "")); err != nil {
		in.ua.log.Warnf("respond 487 to %s: %v", in.callID, err)
	}
	for _, fn := range subs {
		fn()
	}
}

func (in *inbound) response(code int, reason, body string) sip.Response {
	res := sip.NewResponseFromRequest("", in.req, sip.StatusCode(code), reason, body)
	if code > 100 {
		if to, ok := res.To(); ok && to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params = to.Params.Add("tag", in.tag)
		}
	}
	return res
}

func (in *inbound) Respond(code int, reason string) error {
	in.mu.Lock()
	if in.final {
		in.mu.Unlock()
		return fmt.Errorf("%s already has a final response", in.callID)
	}
	if code >= 200 {
		in.final = true
	}
	in.mu.Unlock()
	return in.tx.Respond(in.response(code, reason, ""))
}

func (in *inbound) Answer(localSDP string, handler call.SignalHandler) (call.Dialog, error) {
	in.mu.Lock()
	if in.canceled {
		in.mu.Unlock()
		return nil, call.ErrRequestTerminated
	}
	if in.final {
		in.mu.Unlock()
		return nil, fmt.Errorf("%s already has a final response", in.callID)
	}
	in.final = true
	in.subs = nil
	in.mu.Unlock()

	res := in.response(200, "OK", localSDP)
	ct := sip.ContentType("application/sdp")
	res.AppendHeader(&ct)
	contact, err := in.ua.contact(in.to)
	if err != nil {
		return nil, err
	}
	res.AppendHeader(&sip.ContactHeader{Address: contact})

	d := &dialog{
		ua:      in.ua,
		callID:  in.callID,
		handler: handler,
		cseq:    1,
	}
	if to, ok := res.To(); ok {
		d.local = &sip.Address{DisplayName: to.DisplayName, Uri: to.Address, Params: to.Params}
	}
	if from, ok := in.req.From(); ok {
		d.remote = &sip.Address{DisplayName: from.DisplayName, Uri: from.Address, Params: from.Params}
		d.target = from.Address
	}
	if hdrs := in.req.GetHeaders("Contact"); len(hdrs) > 0 {
		if c, ok := hdrs[0].(*sip.ContactHeader); ok {
			d.target = c.Address
		}
	}
	in.ua.track(d)

	if err := in.tx.Respond(res); err != nil {
		in.ua.forget(d)
		return nil, fmt.Errorf("send 200 OK: %w", err)
	}
	in.ua.log.Infof("answered %s", in.callID)
	return d, nil
}

func (in *inbound) OnCancel(fn func()) func() {
	in.mu.Lock()
	if in.canceled {
		in.mu.Unlock()
		fn()
		return func() {}
	}
	if in.subs == nil {
		// answered or rejected; no CANCEL can arrive any more
		in.mu.Unlock()
		return func() {}
	}
	id := in.next
	in.next++
	in.subs[id] = fn
	in.mu.Unlock()
	return func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		delete(in.subs, id)
	}
}
