// Package calltest provides in-memory collaborators for exercising call
// sessions without a SIP stack or a media plane.
package calltest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sipgateway/call"
)

// Media counts every media plane request.
type Media struct {
	mu sync.Mutex

	OfferErr  error
	AnswerErr error
	SetErr    error
	// Gate, when set, blocks CreateAnswer until it is closed.
	Gate chan struct{}

	offers     int
	answers    int
	targets    []call.StreamingTarget
	setAnswers []string
	deleted    []call.Endpoint
	next       int
}

func (m *Media) alloc() call.Endpoint {
	m.next++
	return call.Endpoint(fmt.Sprintf("http://media/rtpengine/conn/%d", m.next))
}

func (m *Media) CreateOffer(_ context.Context, _ call.StreamingTarget) (call.Endpoint, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers++
	if m.OfferErr != nil {
		return "", "", m.OfferErr
	}
	return m.alloc(), "v=0 offer", nil
}

func (m *Media) CreateAnswer(_ context.Context, target call.StreamingTarget, _ string) (call.Endpoint, string, error) {
	if m.Gate != nil {
		<-m.Gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers++
	m.targets = append(m.targets, target)
	if m.AnswerErr != nil {
		return "", "", m.AnswerErr
	}
	return m.alloc(), "v=0 answer", nil
}

func (m *Media) SetAnswer(_ context.Context, _ call.Endpoint, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAnswers = append(m.setAnswers, answer)
	return m.SetErr
}

func (m *Media) Delete(_ context.Context, ep call.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ep)
	return nil
}

// Offers returns the number of CreateOffer calls.
func (m *Media) Offers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offers
}

// AnswerTargets returns the streaming target of every CreateAnswer call.
func (m *Media) AnswerTargets() []call.StreamingTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call.StreamingTarget(nil), m.targets...)
}

// Answers returns the number of CreateAnswer calls.
func (m *Media) Answers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.answers
}

// SetAnswers returns the SDPs passed to SetAnswer.
func (m *Media) SetAnswers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.setAnswers...)
}

// Deleted returns every endpoint passed to Delete, in order.
func (m *Media) Deleted() []call.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call.Endpoint(nil), m.deleted...)
}

// Notifier records status posts.
type Notifier struct {
	mu    sync.Mutex
	posts []Post
}

// Post is one recorded Notify call.
type Post struct {
	URL    string
	Status call.Status
}

func (n *Notifier) Notify(url string, st call.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, Post{URL: url, Status: st})
}

// Posts returns the recorded posts.
func (n *Notifier) Posts() []Post {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Post(nil), n.posts...)
}

// Recorder is a call.Listener collecting published states.
type Recorder struct {
	mu     sync.Mutex
	states []call.State
	codes  []int
}

// Listen is the call.Listener.
func (r *Recorder) Listen(_ string, st call.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st.State)
	r.codes = append(r.codes, st.Code)
}

// States returns the published states in order.
func (r *Recorder) States() []call.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call.State(nil), r.states...)
}

// Codes returns the codes published with each state.
func (r *Recorder) Codes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.codes...)
}

// Request is a pending outbound INVITE.
type Request struct {
	mu      sync.Mutex
	cancels int
}

func (r *Request) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels++
	return nil
}

// Cancels returns the number of Cancel calls.
func (r *Request) Cancels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancels
}

// Dialog is an established dialog.
type Dialog struct {
	mu        sync.Mutex
	destroyed int
}

func (d *Dialog) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed++
	return nil
}

// Destroyed returns the number of Destroy calls.
func (d *Dialog) Destroyed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Dialer records outbound attempts and keeps their signal handlers so tests
// can play the remote side.
type Dialer struct {
	mu       sync.Mutex
	Err      error
	requests []call.DialRequest
	handlers map[string]call.SignalHandler
}

func (d *Dialer) Dial(_ context.Context, req call.DialRequest, handler call.SignalHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.requests = append(d.requests, req)
	if d.handlers == nil {
		d.handlers = make(map[string]call.SignalHandler)
	}
	d.handlers[req.CallID] = handler
	return nil
}

// Requests returns every DialRequest seen.
func (d *Dialer) Requests() []call.DialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]call.DialRequest(nil), d.requests...)
}

// Signal delivers sig to the handler registered for callID.
func (d *Dialer) Signal(callID string, sig call.Signal) error {
	d.mu.Lock()
	h, ok := d.handlers[callID]
	d.mu.Unlock()
	if !ok {
		return errors.New("no dial for " + callID)
	}
	h(sig)
	return nil
}

// Inbound is a held inbound INVITE.
type Inbound struct {
	ID        string
	From      string
	To        string
	Src       string
	SDP       string
	AnswerErr error

	mu        sync.Mutex
	responses []int
	answered  []string
	dialog    *Dialog
	handler   call.SignalHandler
	canceled  bool
	subs      map[int]func()
	nextSub   int
}

func (r *Inbound) CallID() string   { return r.ID }
func (r *Inbound) FromUser() string { return r.From }
func (r *Inbound) ToUser() string   { return r.To }
func (r *Inbound) Source() string   { return r.Src }
func (r *Inbound) Offer() string    { return r.SDP }

func (r *Inbound) Respond(code int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, code)
	return nil
}

func (r *Inbound) Answer(localSDP string, handler call.SignalHandler) (call.Dialog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.AnswerErr != nil {
		return nil, r.AnswerErr
	}
	r.answered = append(r.answered, localSDP)
	r.handler = handler
	r.dialog = &Dialog{}
	return r.dialog, nil
}

func (r *Inbound) OnCancel(fn func()) func() {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		fn()
		return func() {}
	}
	if r.subs == nil {
		r.subs = make(map[int]func())
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// Cancel plays the caller's CANCEL.
func (r *Inbound) Cancel() {
	r.mu.Lock()
	r.canceled = true
	fns := make([]func(), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subs = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Hangup plays the caller's BYE on the answered dialog.
func (r *Inbound) Hangup() {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(call.Signal{Kind: call.SignalDestroyed})
	}
}

// Responses returns the final/provisional codes sent with Respond.
func (r *Inbound) Responses() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.responses...)
}

// Answered returns the local SDPs sent with Answer.
func (r *Inbound) Answered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.answered...)
}

// Dialog returns the dialog created by Answer, if any.
func (r *Inbound) Dialog() *Dialog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dialog
}

// Subscribers returns the number of live cancel subscriptions.
func (r *Inbound) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
