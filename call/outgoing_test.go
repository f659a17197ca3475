package call_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipgateway/call"
	"sipgateway/call/calltest"
)

func quietLog() *logrus.Entry {
	l, _ := test.NewNullLogger()
	return logrus.NewEntry(l)
}

type outgoingFixture struct {
	media    *calltest.Media
	notifier *calltest.Notifier
	dialer   *calltest.Dialer
	rec      *calltest.Recorder
	sess     *call.OutgoingSession
}

func newOutgoing(t *testing.T) *outgoingFixture {
	t.Helper()
	f := &outgoingFixture{
		media:    &calltest.Media{},
		notifier: &calltest.Notifier{},
		dialer:   &calltest.Dialer{},
		rec:      &calltest.Recorder{},
	}
	f.sess = call.NewOutgoing(call.OutgoingConfig{
		CallID:    "out-1",
		Target:    "sip:1001@pbx.example.com",
		From:      "sip:gw@10.0.0.1",
		HookURL:   "http://app/status",
		Streaming: call.StreamingTarget{Room: "r1", Peer: "p1"},
	}, f.dialer, f.media, f.notifier, quietLog())
	f.sess.OnStateChanged(f.rec.Listen)
	return f
}

func (f *outgoingFixture) signal(t *testing.T, sig call.Signal) {
	t.Helper()
	require.NoError(t, f.dialer.Signal("out-1", sig))
}

func TestOutgoingAnsweredAndEnded(t *testing.T) {
	f := newOutgoing(t)
	f.sess.Start(context.Background())

	reqs := f.dialer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "sip:1001@pbx.example.com", reqs[0].Target)
	assert.Equal(t, "v=0 offer", reqs[0].SDP)

	f.signal(t, call.Signal{Kind: call.SignalRequestCreated, Request: &calltest.Request{}})
	f.signal(t, call.Signal{Kind: call.SignalProvisional, Code: 180})
	f.signal(t, call.Signal{Kind: call.SignalProvisional, Code: 183})
	dlg := &calltest.Dialog{}
	f.signal(t, call.Signal{Kind: call.SignalFinal, Code: 200, Dialog: dlg, SDP: "v=0 remote"})

	assert.Equal(t, call.StateAccepted, f.sess.State())
	assert.Equal(t, []string{"v=0 remote"}, f.media.SetAnswers())

	res := f.sess.DoAction(context.Background(), call.ActionEnd)
	assert.True(t, res.OK, res.Message)
	assert.Equal(t, 1, dlg.Destroyed())

	assert.Equal(t, []call.State{
		call.StatePreparing, call.StateConnecting, call.StateProvisioning,
		call.StateProvisioning, call.StateAccepted, call.StateEnded,
	}, f.rec.States())
	assert.Equal(t, []int{0, 0, 180, 183, 200, 0}, f.rec.Codes())
	assert.Len(t, f.media.Deleted(), 1)

	posts := f.notifier.Posts()
	require.Len(t, posts, 6)
	assert.Equal(t, "http://app/status", posts[5].URL)
	assert.Equal(t, call.DirectionOut, posts[5].Status.Direction)

	again := f.sess.DoAction(context.Background(), call.ActionEnd)
	assert.False(t, again.OK)
	assert.Equal(t, call.ErrWrongState, again.Error)
	assert.Len(t, f.notifier.Posts(), 6)
	assert.Len(t, f.media.Deleted(), 1)
}

func TestOutgoingUnreachable(t *testing.T) {
	f := newOutgoing(t)
	f.sess.Start(context.Background())
	f.signal(t, call.Signal{Kind: call.SignalFinal, Code: 408, Err: errors.New("timeout")})

	assert.Equal(t, []call.State{call.StatePreparing, call.StateConnecting, call.StateError}, f.rec.States())
	assert.Equal(t, 408, f.rec.Codes()[2])
	assert.Len(t, f.media.Deleted(), 1)

	res := f.sess.DoAction(context.Background(), call.ActionEnd)
	assert.Equal(t, call.ErrWrongState, res.Error)
	assert.Len(t, f.notifier.Posts(), 3)
}

func TestOutgoingOfferFailure(t *testing.T) {
	f := newOutgoing(t)
	f.media.OfferErr = errors.New("media down")
	f.sess.Start(context.Background())

	assert.Equal(t, []call.State{call.StatePreparing, call.StateError}, f.rec.States())
	assert.Empty(t, f.dialer.Requests())
	assert.Empty(t, f.media.Deleted())
}

func TestOutgoingDialFailure(t *testing.T) {
	f := newOutgoing(t)
	f.dialer.Err = errors.New("no route")
	f.sess.Start(context.Background())

	assert.Equal(t, []call.State{call.StatePreparing, call.StateConnecting, call.StateError}, f.rec.States())
	assert.Len(t, f.media.Deleted(), 1)
}

func TestOutgoingCancelWhileRinging(t *testing.T) {
	f := newOutgoing(t)
	f.sess.Start(context.Background())
	req := &calltest.Request{}
	f.signal(t, call.Signal{Kind: call.SignalRequestCreated, Request: req})
	f.signal(t, call.Signal{Kind: call.SignalProvisional, Code: 180})

	res := f.sess.DoAction(context.Background(), call.ActionCancel)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, 1, req.Cancels())
	assert.Equal(t, call.StateCanceled, f.sess.State())

	// the 487 for the CANCEL and a racing 200 are both absorbed
	f.signal(t, call.Signal{Kind: call.SignalFinal, Code: 487, Err: errors.New("terminated")})
	late := &calltest.Dialog{}
	f.signal(t, call.Signal{Kind: call.SignalFinal, Code: 200, Dialog: late})
	assert.Equal(t, 1, late.Destroyed())

	assert.Equal(t, call.StateCanceled, f.sess.State())
	assert.Len(t, f.media.Deleted(), 1)
	assert.Len(t, f.notifier.Posts(), 4)
}

func TestOutgoingForceEnd(t *testing.T) {
	t.Run("pending request is canceled", func(t *testing.T) {
		f := newOutgoing(t)
		f.sess.Start(context.Background())
		req := &calltest.Request{}
		f.signal(t, call.Signal{Kind: call.SignalRequestCreated, Request: req})

		res := f.sess.DoAction(context.Background(), call.ActionForceEnd)
		assert.True(t, res.OK)
		assert.Equal(t, 1, req.Cancels())
		assert.Equal(t, call.StateCanceled, f.sess.State())
	})

	t.Run("dialog is ended", func(t *testing.T) {
		f := newOutgoing(t)
		f.sess.Start(context.Background())
		dlg := &calltest.Dialog{}
		f.signal(t, call.Signal{Kind: call.SignalFinal, Code: 200, Dialog: dlg})

		res := f.sess.DoAction(context.Background(), call.ActionForceEnd)
		assert.True(t, res.OK)
		assert.Equal(t, 1, dlg.Destroyed())
		assert.Equal(t, call.StateEnded, f.sess.State())
	})

	t.Run("nothing to end", func(t *testing.T) {
		f := newOutgoing(t)
		res := f.sess.DoAction(context.Background(), call.ActionForceEnd)
		assert.Equal(t, call.ErrWrongState, res.Error)
	})
}

func TestOutgoingRemoteHangup(t *testing.T) {
	f := newOutgoing(t)
	f.sess.Start(context.Background())
	dlg := &calltest.Dialog{}
	f.signal(t, call.Signal{Kind: call.SignalFinal, Code: 200, Dialog: dlg})
	f.signal(t, call.Signal{Kind: call.SignalDestroyed})
	f.signal(t, call.Signal{Kind: call.SignalDestroyed})

	assert.Equal(t, call.StateEnded, f.sess.State())
	assert.Zero(t, dlg.Destroyed())
	assert.Len(t, f.media.Deleted(), 1)

	res := f.sess.DoAction(context.Background(), call.ActionEnd)
	assert.Equal(t, call.ErrWrongState, res.Error)
}

func TestOutgoingSetAnswerFailure(t *testing.T) {
	f := newOutgoing(t)
	f.media.SetErr = errors.New("bad sdp")
	f.sess.Start(context.Background())
	dlg := &calltest.Dialog{}
	f.signal(t, call.Signal{Kind: call.SignalFinal, Code: 200, Dialog: dlg})

	assert.Equal(t, call.StateError, f.sess.State())
	assert.Equal(t, 1, dlg.Destroyed())
	assert.Len(t, f.media.Deleted(), 1)
}

func TestOutgoingUnsupportedActions(t *testing.T) {
	f := newOutgoing(t)
	for _, a := range []call.Action{call.ActionAccept, call.ActionReject} {
		res := f.sess.DoAction(context.Background(), a)
		assert.False(t, res.OK)
		assert.Equal(t, call.ErrUnsupportedAction, res.Error, a)
	}
}
