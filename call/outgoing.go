package call

import (
	"context"

	"github.com/sirupsen/logrus"
)

var outgoingTransitions = []transition{
	{StatePreparing, []State{stateIdle}},
	{StateConnecting, []State{StatePreparing}},
	{StateProvisioning, []State{StateConnecting, StateProvisioning}},
	{StateAccepted, []State{StateConnecting, StateProvisioning}},
	{StateError, []State{StatePreparing, StateConnecting, StateProvisioning}},
	{StateCanceled, []State{StateConnecting, StateProvisioning}},
	{StateEnded, []State{StateAccepted}},
}

// OutgoingConfig describes an outbound call.
type OutgoingConfig struct {
	CallID    string
	Target    string // request URI
	From      string // From URI
	Auth      *SIPAuth
	HookURL   string
	Streaming StreamingTarget
}

// OutgoingSession drives one outbound call:
// Preparing -> Connecting -> Provisioning* -> (Accepted | Error | Canceled) -> Ended.
type OutgoingSession struct {
	base

	dialer  Dialer
	dial    DialRequest
	request PendingRequest
	dialog  Dialog
}

// NewOutgoing creates an outbound session. Nothing happens until Start.
func NewOutgoing(cfg OutgoingConfig, dialer Dialer, media Media, notifier Notifier, log *logrus.Entry) *OutgoingSession {
	s := &OutgoingSession{
		dialer: dialer,
		dial: DialRequest{
			CallID: cfg.CallID,
			Target: cfg.Target,
			From:   cfg.From,
			Auth:   cfg.Auth,
		},
	}
	s.init(cfg.CallID, DirectionOut, cfg.HookURL, cfg.Streaming,
		newMachine(stateIdle, outgoingTransitions), media, notifier, log)
	return s
}

// Start requests a media offer and sends the INVITE. It returns once the
// INVITE is handed to the dialer or setup has failed; later progress is
// driven by signals.
func (s *OutgoingSession) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.moveTo(StatePreparing, 0) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ep, offer, err := s.media.CreateOffer(ctx, s.stream)

	s.mu.Lock()
	if err != nil {
		s.log.Warnf("create media offer: %v", err)
		s.moveTo(StateError, 0)
		s.mu.Unlock()
		return
	}
	s.endpoint = ep
	s.moveTo(StateConnecting, 0)
	req := s.dial
	req.SDP = offer
	s.mu.Unlock()

	if err := s.dialer.Dial(ctx, req, s.handle); err != nil {
		s.log.Warnf("dial %s: %v", req.Target, err)
		s.mu.Lock()
		s.onError(ctx, 0)
		s.mu.Unlock()
	}
}

func (s *OutgoingSession) handle(sig Signal) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch sig.Kind {
	case SignalRequestCreated:
		if s.current().Terminal() {
			_ = sig.Request.Cancel()
			return
		}
		s.request = sig.Request
	case SignalProvisional:
		s.moveTo(StateProvisioning, sig.Code)
	case SignalFinal:
		s.request = nil
		if sig.Err != nil || sig.Dialog == nil {
			s.log.Infof("outbound call failed with %d: %v", sig.Code, sig.Err)
			s.onError(ctx, sig.Code)
			return
		}
		s.onAccepted(ctx, sig.Dialog, sig.SDP, sig.Code)
	case SignalDestroyed:
		if s.dialog == nil {
			return
		}
		s.dialog = nil
		s.onEnded(ctx)
	default:
		s.log.Debugf("ignoring signal %s", sig.Kind)
	}
}

func (s *OutgoingSession) onAccepted(ctx context.Context, d Dialog, answer string, code int) {
	if s.current().Terminal() {
		// answered after we gave up on it
		if err := d.Destroy(); err != nil {
			s.log.Warnf("destroy late dialog: %v", err)
		}
		return
	}
	if err := s.media.SetAnswer(ctx, s.endpoint, answer); err != nil {
		s.log.Warnf("set media answer: %v", err)
		if err := d.Destroy(); err != nil {
			s.log.Warnf("destroy dialog: %v", err)
		}
		s.onError(ctx, code)
		return
	}
	s.dialog = d
	s.moveTo(StateAccepted, code)
}

func (s *OutgoingSession) onCanceled(ctx context.Context) {
	s.releaseEndpoint(ctx)
	s.moveTo(StateCanceled, 0)
}

func (s *OutgoingSession) onError(ctx context.Context, code int) {
	if s.current().Terminal() {
		return
	}
	s.releaseEndpoint(ctx)
	s.moveTo(StateError, code)
}

func (s *OutgoingSession) onEnded(ctx context.Context) {
	s.releaseEndpoint(ctx)
	s.moveTo(StateEnded, 0)
}

// DoAction applies Cancel, End or ForceEnd.
func (s *OutgoingSession) DoAction(ctx context.Context, a Action, _ ...ActionOption) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch a {
	case ActionCancel:
		return s.cancel(ctx)
	case ActionEnd:
		return s.end(ctx)
	case ActionForceEnd:
		if s.dialog != nil {
			return s.end(ctx)
		}
		if s.request != nil {
			return s.cancel(ctx)
		}
		return Failed(ErrWrongState, "call has no request or dialog in state "+string(s.current()))
	}
	return Failed(ErrUnsupportedAction, "outgoing call does not support "+string(a))
}

func (s *OutgoingSession) cancel(ctx context.Context) Result {
	if s.request == nil || s.dialog != nil {
		return Failed(ErrWrongState, "call cannot be canceled in state "+string(s.current()))
	}
	req := s.request
	s.request = nil
	if err := req.Cancel(); err != nil {
		s.log.Warnf("cancel INVITE: %v", err)
	}
	s.onCanceled(ctx)
	return Succeeded("call canceled")
}

func (s *OutgoingSession) end(ctx context.Context) Result {
	if s.dialog == nil {
		return Failed(ErrWrongState, "call is not established, state "+string(s.current()))
	}
	d := s.dialog
	s.dialog = nil
	if err := d.Destroy(); err != nil {
		s.log.Warnf("destroy dialog: %v", err)
	}
	s.onEnded(ctx)
	return Succeeded("call ended")
}
