package call

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrRequestTerminated is returned by InboundRequest.Answer when the caller
// canceled the INVITE before the answer could be sent.
var ErrRequestTerminated = errors.New("request terminated")

var incomingTransitions = []transition{
	{StateAccepted, []State{StateRinging}},
	{StateRejected, []State{StateRinging}},
	{StateCanceled, []State{StateRinging}},
	{StateEnded, []State{StateAccepted}},
}

// IncomingConfig carries what the authorization hook granted.
type IncomingConfig struct {
	HookURL   string
	Streaming StreamingTarget
}

// IncomingSession drives one inbound call:
// Ringing -> (Accepted | Rejected | Canceled) -> Ended.
//
// Accept, reject and the caller's CANCEL race for the unanswered INVITE;
// resolved records that one of them has won.
type IncomingSession struct {
	base

	req         InboundRequest
	dialog      Dialog
	resolved    bool
	unsubscribe func()
}

// NewIncoming wraps a held INVITE. The session starts in Ringing and is
// subscribed to the request's CANCEL.
func NewIncoming(req InboundRequest, cfg IncomingConfig, media Media, notifier Notifier, log *logrus.Entry) *IncomingSession {
	s := &IncomingSession{req: req}
	s.init(req.CallID(), DirectionIn, cfg.HookURL, cfg.Streaming,
		newMachine(StateRinging, incomingTransitions), media, notifier, log)
	s.unsubscribe = req.OnCancel(func() {
		s.handle(Signal{Kind: SignalCancel})
	})
	return s
}

func (s *IncomingSession) handle(sig Signal) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch sig.Kind {
	case SignalCancel:
		if s.resolved {
			return
		}
		s.resolve()
		s.moveTo(StateCanceled, 0)
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

// Release drops the CANCEL subscription of a session that will never be
// driven. Nothing is published.
func (s *IncomingSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

func (s *IncomingSession) resolve() {
	s.resolved = true
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// Accept answers the call: it allocates a media answer for the caller's offer
// and establishes the UAS dialog.
func (s *IncomingSession) Accept(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onAccepted(ctx)
}

func (s *IncomingSession) onAccepted(ctx context.Context) Result {
	if s.resolved {
		return Failed(ErrWrongState, "call already resolved in state "+string(s.current()))
	}
	if s.stream.Empty() {
		return Failed(ErrMedia, "missing stream in accept action")
	}

	ep, answer, err := s.media.CreateAnswer(ctx, s.stream, s.req.Offer())
	if err != nil {
		s.log.Warnf("create media answer: %v", err)
		s.resolve()
		if err := s.req.Respond(500, "Server Internal Error"); err != nil {
			s.log.Warnf("respond 500: %v", err)
		}
		s.moveTo(StateRejected, 500)
		return Failed(ErrMedia, err.Error())
	}
	s.endpoint = ep
	s.resolve()

	d, err := s.req.Answer(answer, s.handle)
	if err != nil {
		s.log.Warnf("answer INVITE: %v", err)
		s.releaseEndpoint(ctx)
		if errors.Is(err, ErrRequestTerminated) {
			s.moveTo(StateCanceled, 0)
			return Failed(ErrWrongState, "call canceled by caller")
		}
		s.moveTo(StateRejected, 0)
		return Failed(ErrWrongState, "answer failed: "+err.Error())
	}
	s.dialog = d
	s.moveTo(StateAccepted, 200)
	return Succeeded("call accepted")
}

func (s *IncomingSession) onRejected() Result {
	if s.resolved || s.dialog != nil {
		return Failed(ErrWrongState, "call cannot be rejected in state "+string(s.current()))
	}
	s.resolve()
	if err := s.req.Respond(486, "Busy Here"); err != nil {
		s.log.Warnf("respond 486: %v", err)
	}
	s.moveTo(StateRejected, 486)
	return Succeeded("call rejected")
}

func (s *IncomingSession) onEnded(ctx context.Context) {
	s.releaseEndpoint(ctx)
	s.moveTo(StateEnded, 0)
}

func (s *IncomingSession) end(ctx context.Context) Result {
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

// DoAction applies Accept, Reject, End or ForceEnd. Accept takes the
// streaming target from WithStream when the authorization hook granted none.
func (s *IncomingSession) DoAction(ctx context.Context, a Action, opts ...ActionOption) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch a {
	case ActionAccept:
		if s.dialog != nil {
			return Failed(ErrWrongState, "call already accepted")
		}
		if o := applyOptions(opts); o.stream != nil && !s.resolved {
			s.stream = *o.stream
		}
		return s.onAccepted(ctx)
	case ActionReject:
		return s.onRejected()
	case ActionEnd:
		return s.end(ctx)
	case ActionForceEnd:
		if s.dialog != nil {
			return s.end(ctx)
		}
		return s.onRejected()
	}
	return Failed(ErrUnsupportedAction, "incoming call does not support "+string(a))
}
