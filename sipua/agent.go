// Package sipua is the SIP user agent behind the call sessions. It answers
// and places INVITEs on a gosip server and tracks the resulting dialogs so
// in-dialog BYEs reach the right session.
package sipua

import (
	"context"
	"fmt"
	"sync"

	gosip "github.com/ghettovoice/gosip"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/ghettovoice/gosip/util"
	"github.com/sirupsen/logrus"

	"sipgateway/call"
)

// InviteHandler receives every new inbound INVITE.
type InviteHandler func(ctx context.Context, req call.InboundRequest)

// Config describes the local SIP identity.
type Config struct {
	Host           string // public address put in Contact headers
	Port           int
	EnableRegister bool
}

// Agent implements call.Dialer and produces call.InboundRequest values.
type Agent struct {
	srv gosip.Server
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	dialogs map[string]*dialog
}

// New creates an Agent on top of srv.
func New(srv gosip.Server, cfg Config, log *logrus.Entry) *Agent {
	return &Agent{
		srv:     srv,
		cfg:     cfg,
		log:     log,
		dialogs: make(map[string]*dialog),
	}
}

// Listen binds udp on the first free port of [port, port+portRange].
func (a *Agent) Listen(port, portRange int) (int, error) {
	var err error
	for i := 0; i <= portRange; i++ {
		addr := fmt.Sprintf(":%d", port+i)
		if err = a.srv.Listen("udp", addr); err == nil {
			a.log.Infof("SIP server listening on %s/udp", addr)
			a.cfg.Port = port + i
			return port + i, nil
		}
		a.log.Warnf("failed to listen on %s: %v", addr, err)
	}
	return 0, fmt.Errorf("sip listen: %w", err)
}

// Serve installs the request handlers. onInvite runs on its own goroutine
// for every new INVITE; ctx bounds the work it starts.
func (a *Agent) Serve(ctx context.Context, onInvite InviteHandler) error {
	handlers := map[sip.RequestMethod]gosip.RequestHandler{
		sip.INVITE: func(req sip.Request, tx sip.ServerTransaction) {
			a.handleInvite(ctx, req, tx, onInvite)
		},
		sip.ACK:     a.handleAck,
		sip.BYE:     a.handleBye,
		sip.OPTIONS: a.handleOptions,
	}
	if a.cfg.EnableRegister {
		handlers[sip.REGISTER] = a.handleRegister
	}
	for method, h := range handlers {
		if err := a.srv.OnRequest(method, a.guard(h)); err != nil {
			return fmt.Errorf("register %s handler: %w", method, err)
		}
	}
	return nil
}

func (a *Agent) guard(h gosip.RequestHandler) gosip.RequestHandler {
	return func(req sip.Request, tx sip.ServerTransaction) {
		defer func() {
			if r := recover(); r != nil {
				a.log.Errorf("panic handling %s: %v", req.Method(), r)
			}
		}()
		a.log.Tracef("received SIP message:\n%s", req)
		h(req, tx)
	}
}

func (a *Agent) handleInvite(ctx context.Context, req sip.Request, tx sip.ServerTransaction, onInvite InviteHandler) {
	callID := callIDOf(req)
	if d := a.dialog(callID); d != nil {
		// re-INVITE; media is pinned by the media plane, so refuse renegotiation
		a.respond(req, tx, 488, "Not Acceptable Here")
		return
	}
	in := newInbound(a, req, tx)
	go in.watch()
	go onInvite(ctx, in)
}

func (a *Agent) handleAck(req sip.Request, _ sip.ServerTransaction) {
	a.log.Debugf("ACK for %s", callIDOf(req))
}

func (a *Agent) handleBye(req sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d := a.dialog(callID)
	if d == nil {
		a.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	a.respond(req, tx, 200, "OK")
	d.remoteHangup()
}

func (a *Agent) handleOptions(req sip.Request, tx sip.ServerTransaction) {
	a.respond(req, tx, 200, "OK")
}

func (a *Agent) handleRegister(req sip.Request, tx sip.ServerTransaction) {
	a.respond(req, tx, 200, "OK")
}

func (a *Agent) respond(req sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest("", req, sip.StatusCode(code), reason, "")
	if tx == nil {
		if _, err := a.srv.Respond(res); err != nil {
			a.log.Warnf("respond %d: %v", code, err)
		}
		return
	}
	if err := tx.Respond(res); err != nil {
		a.log.Warnf("respond %d: %v", code, err)
	}
}

func (a *Agent) dialog(callID string) *dialog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dialogs[callID]
}

func (a *Agent) track(d *dialog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dialogs[d.callID] = d
}

func (a *Agent) forget(d *dialog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dialogs[d.callID] == d {
		delete(a.dialogs, d.callID)
	}
}

// Dialogs returns the number of established dialogs.
func (a *Agent) Dialogs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dialogs)
}

// contact builds our Contact URI for user.
func (a *Agent) contact(user string) (sip.Uri, error) {
	if user == "" {
		return parser.ParseUri(fmt.Sprintf("sip:%s:%d", a.cfg.Host, a.cfg.Port))
	}
	return parser.ParseUri(fmt.Sprintf("sip:%s@%s:%d", user, a.cfg.Host, a.cfg.Port))
}

func newTag() sip.String {
	return sip.String{Str: util.RandString(8)}
}

func callIDOf(m sip.Message) string {
	if cid, ok := m.CallID(); ok && cid != nil {
		return cid.Value()
	}
	return ""
}

func userOf(u sip.Uri) string {
	if u == nil {
		return ""
	}
	if user := u.User(); user != nil {
		return user.String()
	}
	return ""
}
