package sipua

import (
	"fmt"
	"sync"

	"github.com/ghettovoice/gosip/sip"

	"sipgateway/call"
)

// dialog is an established INVITE dialog, either side.
type dialog struct {
	ua      *Agent
	callID  string
	local   *sip.Address
	remote  *sip.Address
	target  sip.Uri
	handler call.SignalHandler

	mu     sync.Mutex
	cseq   uint
	closed bool
}

// Destroy sends BYE. The session is not signalled; it already knows.
func (d *dialog) Destroy() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.cseq++
	seq := d.cseq
	d.mu.Unlock()
	d.ua.forget(d)

	cid := sip.CallID(d.callID)
	bye, err := sip.NewRequestBuilder().
		SetMethod(sip.BYE).
		SetRecipient(d.target).
		SetFrom(d.local).
		SetTo(d.remote).
		SetCallID(&cid).
		SetSeqNo(seq).
		Build()
	if err != nil {
		return fmt.Errorf("build BYE: %w", err)
	}
	if _, err := d.ua.srv.Request(bye); err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	d.ua.log.Infof("BYE sent for %s", d.callID)
	return nil
}

func (d *dialog) remoteHangup() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.ua.forget(d)

	d.ua.log.Infof("BYE received for %s", d.callID)
	d.handler(call.Signal{Kind: call.SignalDestroyed})
}
