package call

import (
	"fmt"
	"strings"
)

// Direction of a call leg relative to the gateway.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Action is an externally requested transition.
type Action string

const (
	ActionCancel   Action = "Cancel"
	ActionReject   Action = "Reject"
	ActionAccept   Action = "Accept"
	ActionEnd      Action = "End"
	ActionForceEnd Action = "ForceEnd"
)

// ParseAction converts the wire form of an action. Matching is case-insensitive.
func ParseAction(s string) (Action, error) {
	for _, a := range []Action{ActionCancel, ActionReject, ActionAccept, ActionEnd, ActionForceEnd} {
		if strings.EqualFold(s, string(a)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown call action %q", s)
}

// ActionRequest is the wire form of an action. State is accepted as an
// alias of Action for older clients.
type ActionRequest struct {
	Action string           `json:"action,omitempty"`
	State  string           `json:"state,omitempty"`
	Stream *StreamingTarget `json:"stream,omitempty"`
}

// Parse resolves the action and its options.
func (r ActionRequest) Parse() (Action, []ActionOption, error) {
	name := r.Action
	if name == "" {
		name = r.State
	}
	a, err := ParseAction(name)
	if err != nil {
		return "", nil, err
	}
	var opts []ActionOption
	if r.Stream != nil {
		opts = append(opts, WithStream(*r.Stream))
	}
	return a, opts, nil
}

// ActionOption carries optional data for an action.
type ActionOption func(*actionOptions)

type actionOptions struct {
	stream *StreamingTarget
}

// WithStream sets the streaming target an Accept bridges the call to.
func WithStream(t StreamingTarget) ActionOption {
	return func(o *actionOptions) { o.stream = &t }
}

func applyOptions(opts []ActionOption) actionOptions {
	var o actionOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ErrorKind classifies a failed action.
type ErrorKind string

const (
	ErrWrongState        ErrorKind = "WRONG_STATE"
	ErrCallNotFound      ErrorKind = "CALL_NOT_FOUND"
	ErrUnsupportedAction ErrorKind = "UNSUPPORTED_ACTION"
	ErrHook              ErrorKind = "HOOK_ERROR"
	ErrMedia             ErrorKind = "MEDIA_ERROR"
)

// Result is returned synchronously from every action request.
type Result struct {
	OK      bool      `json:"status"`
	Error   ErrorKind `json:"error,omitempty"`
	Message string    `json:"message"`
}

// Succeeded builds an ok Result.
func Succeeded(msg string) Result {
	return Result{OK: true, Message: msg}
}

// Failed builds an error Result.
func Failed(kind ErrorKind, msg string) Result {
	return Result{Error: kind, Message: msg}
}

// State is a call lifecycle state. Outgoing and incoming calls use
// different subsets, see OutgoingSession and IncomingSession.
type State string

const (
	StatePreparing    State = "Preparing"
	StateConnecting   State = "Connecting"
	StateProvisioning State = "Provisioning"
	StateRinging      State = "Ringing"
	StateAccepted     State = "Accepted"
	StateRejected     State = "Rejected"
	StateCanceled     State = "Canceled"
	StateError        State = "Error"
	StateEnded        State = "Ended"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateCanceled, StateRejected, StateError:
		return true
	}
	return false
}

// Status is the StateChanged payload. It is also the body posted to the
// status feedback webhook.
type Status struct {
	Direction Direction `json:"direction"`
	State     State     `json:"state"`
	Code      int       `json:"code,omitempty"`
}

// StreamingTarget identifies where the media plane should bridge the call.
// Token is the bearer credential for the media plane; when empty the media
// client mints one from Room and Peer.
type StreamingTarget struct {
	Room   string `json:"room"`
	Peer   string `json:"peer"`
	Record bool   `json:"record,omitempty"`
	Token  string `json:"token,omitempty"`
}

// Empty reports whether t names no room and carries no token.
func (t StreamingTarget) Empty() bool {
	return t.Room == "" && t.Token == ""
}

// Listener observes state changes of a call.
type Listener func(callID string, st Status)
