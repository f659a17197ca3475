package call

import "context"

// Endpoint references a media endpoint resource in the media control plane.
type Endpoint string

// Media is the media control plane client.
type Media interface {
	// CreateOffer allocates an endpoint and returns it with the local offer SDP.
	CreateOffer(ctx context.Context, target StreamingTarget) (Endpoint, string, error)
	// CreateAnswer allocates an endpoint answering the remote offer SDP.
	CreateAnswer(ctx context.Context, target StreamingTarget, offer string) (Endpoint, string, error)
	// SetAnswer pushes the remote answer SDP to an endpoint created by CreateOffer.
	SetAnswer(ctx context.Context, ep Endpoint, answer string) error
	// Delete releases an endpoint. Implementations tolerate an endpoint that is already gone.
	Delete(ctx context.Context, ep Endpoint) error
}

// Notifier posts status feedback to a webhook. Notify must not block on the
// network; failures are the notifier's to log.
type Notifier interface {
	Notify(url string, st Status)
}

// SignalKind is the closed set of lifecycle signals the SIP collaborator
// delivers to a session.
type SignalKind int

const (
	SignalRequestCreated SignalKind = iota
	SignalProvisional
	SignalFinal
	SignalDestroyed
	SignalCancel
)

func (k SignalKind) String() string {
	switch k {
	case SignalRequestCreated:
		return "RequestCreated"
	case SignalProvisional:
		return "Provisional"
	case SignalFinal:
		return "Final"
	case SignalDestroyed:
		return "Destroyed"
	case SignalCancel:
		return "Cancel"
	}
	return "Unknown"
}

// Signal is a SIP lifecycle event. Fields are set according to Kind:
// RequestCreated carries Request; Provisional carries Code; Final carries
// Code and either Err or Dialog plus SDP.
type Signal struct {
	Kind    SignalKind
	Code    int
	Err     error
	Request PendingRequest
	Dialog  Dialog
	SDP     string
}

// SignalHandler receives signals for one call.
type SignalHandler func(Signal)

// Dialog is an established SIP dialog.
type Dialog interface {
	// Destroy tears the dialog down (BYE). It never delivers SignalDestroyed
	// for a locally initiated teardown.
	Destroy() error
}

// PendingRequest is an outbound INVITE that has not reached a final response.
type PendingRequest interface {
	Cancel() error
}

// SIPAuth holds digest credentials for outbound calls.
type SIPAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DialRequest describes an outbound INVITE.
type DialRequest struct {
	CallID string
	Target string // request URI, sip:user@host:port
	From   string // From URI
	SDP    string
	Auth   *SIPAuth
}

// Dialer creates outbound dialogs. Dial returns once the attempt is under
// way; every later outcome is delivered to handler from another goroutine.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest, handler SignalHandler) error
}

// InboundRequest is a held inbound INVITE.
type InboundRequest interface {
	CallID() string
	FromUser() string
	ToUser() string
	// Source is the ip:port the request arrived from.
	Source() string
	// Offer is the remote SDP carried by the INVITE.
	Offer() string
	Respond(code int, reason string) error
	// Answer sends the 2xx with localSDP and establishes the UAS dialog.
	// SignalDestroyed is delivered to handler when the peer ends the dialog.
	Answer(localSDP string, handler SignalHandler) (Dialog, error)
	// OnCancel subscribes fn to the caller's CANCEL. fn runs at once when the
	// request is already canceled. The returned func removes the subscription.
	// Implementations never hold their own locks while running fn.
	OnCancel(fn func()) (unsubscribe func())
}
