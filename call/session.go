package call

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Session is the capability shared by incoming and outgoing calls.
type Session interface {
	ID() string
	Direction() Direction
	State() State
	// OnStateChanged subscribes l to every later transition. Listeners run
	// with the session locked and must not call back into the session.
	OnStateChanged(l Listener)
	DoAction(ctx context.Context, a Action, opts ...ActionOption) Result
}

// stateIdle is the machine state before an outgoing call is started. It is
// never published.
const stateIdle State = "Idle"

type transition struct {
	to   State
	from []State
}

func newMachine(initial State, table []transition) *fsm.FSM {
	events := make(fsm.Events, 0, len(table))
	for _, t := range table {
		src := make([]string, 0, len(t.from))
		for _, s := range t.from {
			src = append(src, string(s))
		}
		events = append(events, fsm.EventDesc{Name: string(t.to), Src: src, Dst: string(t.to)})
	}
	return fsm.NewFSM(string(initial), events, nil)
}

// base holds what both session variants share. mu serializes every signal
// and action handler of one call, media round trips included: State and
// concurrent actions wait until a pending answer or delete completes.
type base struct {
	mu sync.Mutex

	id       string
	dir      Direction
	hookURL  string
	stream   StreamingTarget
	machine  *fsm.FSM
	media    Media
	notifier Notifier
	log      *logrus.Entry

	listeners []Listener
	endpoint  Endpoint
}

func (b *base) init(id string, dir Direction, hookURL string, stream StreamingTarget, machine *fsm.FSM,
	media Media, notifier Notifier, log *logrus.Entry) {
	b.id = id
	b.dir = dir
	b.hookURL = hookURL
	b.stream = stream
	b.machine = machine
	b.media = media
	b.notifier = notifier
	b.log = log.WithField("call_id", id)
}

func (b *base) ID() string           { return b.id }
func (b *base) Direction() Direction { return b.dir }

// State returns the current state.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

func (b *base) OnStateChanged(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *base) current() State {
	return State(b.machine.Current())
}

// moveTo applies a transition and publishes it to listeners and the status
// hook. It reports false, publishing nothing, when the machine does not
// allow the transition from the current state. Caller holds mu.
func (b *base) moveTo(to State, code int) bool {
	if err := b.machine.Event(context.Background(), string(to)); err != nil {
		var same fsm.NoTransitionError
		if !errors.As(err, &same) {
			b.log.Debugf("transition to %s refused in %s: %v", to, b.current(), err)
			return false
		}
	}
	b.log.Infof("call %s state %s (code %d)", b.dir, to, code)

	st := Status{Direction: b.dir, State: to, Code: code}
	for _, l := range b.listeners {
		l(b.id, st)
	}
	if b.hookURL != "" && b.notifier != nil {
		b.notifier.Notify(b.hookURL, st)
	}
	return true
}

// releaseEndpoint deletes the media endpoint if one is held. The reference
// is cleared before the delete is issued. Caller holds mu.
func (b *base) releaseEndpoint(ctx context.Context) {
	ep := b.endpoint
	if ep == "" {
		return
	}
	b.endpoint = ""
	if err := b.media.Delete(context.WithoutCancel(ctx), ep); err != nil {
		b.log.Warnf("delete media endpoint %s: %v", ep, err)
	}
}
