// Package gateway binds SIP signaling to call sessions. It admits inbound
// INVITEs against the allow-list, asks the application what to do with them,
// places outbound calls and routes control actions to live sessions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sipgateway/call"
	"sipgateway/hook"
)

// Authorizer asks the application how to handle an inbound call.
type Authorizer interface {
	Authorize(ctx context.Context, url string, req hook.IncomingRequest) (hook.IncomingResponse, error)
}

// TokenIssuer issues per-call access tokens.
type TokenIssuer interface {
	Issue(dir call.Direction, callID string) (string, error)
}

// Config wires a SipGateway.
type Config struct {
	// IncomingHook is the authorization hook URL for inbound calls.
	IncomingHook string
	// PublicURL is the externally visible base of the HTTP API, used to
	// build WebSocket URLs handed to applications.
	PublicURL string

	Dialer      call.Dialer
	Media       call.Media
	Notifier    call.Notifier
	Authorizer  Authorizer
	Tokens      TokenIssuer
	AddressBook *AddressBook
}

// MakeCallRequest describes an outbound call.
type MakeCallRequest struct {
	SipServer  string               `json:"sip_server"`
	SipAuth    *call.SIPAuth        `json:"sip_auth,omitempty"`
	FromNumber string               `json:"from_number"`
	ToNumber   string               `json:"to_number"`
	Hook       string               `json:"hook"`
	Streaming  call.StreamingTarget `json:"streaming"`
}

// MakeCallResponse identifies a placed call.
type MakeCallResponse struct {
	CallID    string `json:"call_id"`
	CallToken string `json:"call_token,omitempty"`
	CallWS    string `json:"call_ws,omitempty"`
}

// SipGateway is the entry point for every call.
type SipGateway struct {
	cfg      Config
	registry *Registry
	log      *logrus.Entry

	mu        sync.RWMutex
	listeners []call.Listener
}

// New creates a SipGateway.
func New(cfg Config, log *logrus.Entry) *SipGateway {
	return &SipGateway{
		cfg:      cfg,
		registry: NewRegistry(),
		log:      log,
	}
}

// Registry exposes the live call registry.
func (g *SipGateway) Registry() *Registry {
	return g.registry
}

// OnStateChanged subscribes l to state changes of every call.
func (g *SipGateway) OnStateChanged(l call.Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

// relay forwards the transitions of s. It runs with s locked.
func (g *SipGateway) relay(s call.Session, callID string, st call.Status) {
	g.mu.RLock()
	listeners := g.listeners
	g.mu.RUnlock()
	for _, l := range listeners {
		l(callID, st)
	}
	if st.State.Terminal() {
		if g.registry.Remove(s) {
			g.log.Debugf("call %s removed in state %s", callID, st.State)
		}
	}
}

// track registers s and subscribes to it. Only a registered session is
// subscribed; one that reached a terminal state before the subscription is
// evicted again.
func (g *SipGateway) track(s call.Session) error {
	if err := g.registry.Insert(s); err != nil {
		return err
	}
	s.OnStateChanged(func(callID string, st call.Status) {
		g.relay(s, callID, st)
	})
	if s.State().Terminal() {
		g.registry.Remove(s)
	}
	return nil
}

// Run keeps the allow-list in sync until ctx is done.
func (g *SipGateway) Run(ctx context.Context, interval time.Duration) {
	if !g.cfg.AddressBook.Enabled() {
		g.log.Warn("no allow-list source configured, INVITEs are accepted from any source")
		<-ctx.Done()
		return
	}
	g.cfg.AddressBook.Run(ctx, interval)
}

func (g *SipGateway) access(dir call.Direction, callID string) (token, ws string) {
	if g.cfg.Tokens == nil {
		return "", ""
	}
	token, err := g.cfg.Tokens.Issue(dir, callID)
	if err != nil {
		g.log.Warnf("issue token for %s: %v", callID, err)
		return "", ""
	}
	ws = wsBase(g.cfg.PublicURL) + "/ws/call/" + url.PathEscape(callID) + "?token=" + url.QueryEscape(token)
	return token, ws
}

// wsBase turns the public http(s) base URL into its ws(s) form.
func wsBase(public string) string {
	public = strings.TrimRight(public, "/")
	switch {
	case strings.HasPrefix(public, "https://"):
		return "wss://" + strings.TrimPrefix(public, "https://")
	case strings.HasPrefix(public, "http://"):
		return "ws://" + strings.TrimPrefix(public, "http://")
	}
	return public
}

// OnInvite handles an inbound INVITE from admission to session creation.
func (g *SipGateway) OnInvite(ctx context.Context, req call.InboundRequest) {
	callID := req.CallID()
	defer func() {
		if r := recover(); r != nil {
			g.log.Errorf("panic handling INVITE %s: %v", callID, r)
		}
	}()

	from, to, source := req.FromUser(), req.ToUser(), req.Source()
	if !g.cfg.AddressBook.Allowed(to, source) {
		g.log.Warnf("call %s from untrusted source %s to %s", callID, source, to)
		g.respond(req, 406, "Not Acceptable")
		return
	}
	if _, ok := g.registry.Get(callID); ok {
		g.log.Warnf("call %s from %s repeats a live call id", callID, source)
		g.respond(req, 482, "Loop Detected")
		return
	}
	g.log.Infof("call %s from %s: %s -> %s", callID, source, from, to)
	g.respond(req, 100, "Trying")

	var canceled atomic.Bool
	unsubscribe := req.OnCancel(func() { canceled.Store(true) })

	token, ws := g.access(call.DirectionIn, callID)
	res, err := g.cfg.Authorizer.Authorize(ctx, g.cfg.IncomingHook, hook.IncomingRequest{
		CallID:     callID,
		SipServer:  source,
		FromNumber: from,
		ToNumber:   to,
		CallToken:  token,
		CallWS:     ws,
	})
	unsubscribe()
	if err != nil {
		g.log.Warnf("authorize call %s: %v", callID, err)
		if !canceled.Load() {
			g.respond(req, 480, "Temporarily Unavailable")
		}
		return
	}
	if canceled.Load() {
		g.log.Infof("call %s canceled by caller before authorization", callID)
		if res.Hook != "" {
			g.cfg.Notifier.Notify(res.Hook, call.Status{Direction: call.DirectionIn, State: call.StateCanceled})
		}
		return
	}

	switch res.State {
	case hook.DecisionAccepted:
		target, ok := res.Target()
		if !ok {
			g.log.Warnf("call %s accepted without streaming target", callID)
			g.respond(req, 480, "Temporarily Unavailable")
			return
		}
		sess := g.admit(req, res.Hook, target)
		if sess == nil {
			return
		}
		if r := sess.Accept(ctx); !r.OK {
			g.log.Warnf("accept call %s: %s %s", callID, r.Error, r.Message)
		}
	case hook.DecisionRinging:
		target, ok := res.Target()
		if !ok {
			g.log.Infof("call %s ringing without streaming target", callID)
		}
		g.respond(req, 180, "Ringing")
		g.admit(req, res.Hook, target)
	default:
		g.log.Infof("call %s refused by hook with %q", callID, res.State)
		g.respond(req, 486, "Busy Here")
	}
}

func (g *SipGateway) admit(req call.InboundRequest, hookURL string, target call.StreamingTarget) *call.IncomingSession {
	sess := call.NewIncoming(req, call.IncomingConfig{HookURL: hookURL, Streaming: target},
		g.cfg.Media, g.cfg.Notifier, g.log)
	if err := g.track(sess); err != nil {
		g.log.Warnf("register call %s: %v", sess.ID(), err)
		sess.Release()
		g.respond(req, 482, "Loop Detected")
		return nil
	}
	return sess
}

func (g *SipGateway) respond(req call.InboundRequest, code int, reason string) {
	if err := req.Respond(code, reason); err != nil {
		g.log.Warnf("respond %d to %s: %v", code, req.CallID(), err)
	}
}

func newCallID() string {
	return fmt.Sprintf("out-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// MakeCall places an outbound call. It returns as soon as the session is
// registered; the call proceeds in the background.
func (g *SipGateway) MakeCall(ctx context.Context, r MakeCallRequest) (MakeCallResponse, error) {
	switch {
	case r.SipServer == "":
		return MakeCallResponse{}, errors.New("sip_server is required")
	case r.ToNumber == "":
		return MakeCallResponse{}, errors.New("to_number is required")
	case r.FromNumber == "":
		return MakeCallResponse{}, errors.New("from_number is required")
	}

	callID := newCallID()
	sess := call.NewOutgoing(call.OutgoingConfig{
		CallID:    callID,
		Target:    fmt.Sprintf("sip:%s@%s", r.ToNumber, r.SipServer),
		From:      fmt.Sprintf("sip:%s@%s", r.FromNumber, r.SipServer),
		Auth:      r.SipAuth,
		HookURL:   r.Hook,
		Streaming: r.Streaming,
	}, g.cfg.Dialer, g.cfg.Media, g.cfg.Notifier, g.log)
	if err := g.track(sess); err != nil {
		return MakeCallResponse{}, fmt.Errorf("register call %s: %w", callID, err)
	}
	go sess.Start(context.WithoutCancel(ctx))

	token, ws := g.access(call.DirectionOut, callID)
	g.log.Infof("call %s placed to %s via %s", callID, r.ToNumber, r.SipServer)
	return MakeCallResponse{CallID: callID, CallToken: token, CallWS: ws}, nil
}

// CallAction applies a to the call with id callID.
func (g *SipGateway) CallAction(ctx context.Context, callID string, a call.Action, opts ...call.ActionOption) call.Result {
	sess, ok := g.registry.Get(callID)
	if !ok {
		return call.Failed(call.ErrCallNotFound, "Provided call_id not found")
	}
	return sess.DoAction(ctx, a, opts...)
}

// HandleRequest applies an action received in wire form.
func (g *SipGateway) HandleRequest(ctx context.Context, callID string, req call.ActionRequest) call.Result {
	a, opts, err := req.Parse()
	if err != nil {
		return call.Failed(call.ErrUnsupportedAction, err.Error())
	}
	return g.CallAction(ctx, callID, a, opts...)
}
