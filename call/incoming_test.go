package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipgateway/call"
	"sipgateway/call/calltest"
)

type incomingFixture struct {
	req      *calltest.Inbound
	media    *calltest.Media
	notifier *calltest.Notifier
	rec      *calltest.Recorder
	sess     *call.IncomingSession
}

func newIncoming(t *testing.T, media *calltest.Media) *incomingFixture {
	t.Helper()
	if media == nil {
		media = &calltest.Media{}
	}
	f := &incomingFixture{
		req: &calltest.Inbound{
			ID: "abc@10.0.0.2", From: "1001", To: "2002", Src: "10.0.0.2", SDP: "v=0 caller",
		},
		media:    media,
		notifier: &calltest.Notifier{},
		rec:      &calltest.Recorder{},
	}
	f.sess = call.NewIncoming(f.req, call.IncomingConfig{
		HookURL:   "http://app/status",
		Streaming: call.StreamingTarget{Room: "r1", Peer: "p1"},
	}, f.media, f.notifier, quietLog())
	f.sess.OnStateChanged(f.rec.Listen)
	return f
}

func TestIncomingAcceptAndEnd(t *testing.T) {
	f := newIncoming(t, nil)
	assert.Equal(t, call.StateRinging, f.sess.State())
	assert.Equal(t, "abc@10.0.0.2", f.sess.ID())
	assert.Equal(t, call.DirectionIn, f.sess.Direction())

	res := f.sess.DoAction(context.Background(), call.ActionAccept)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, []string{"v=0 answer"}, f.req.Answered())
	assert.Zero(t, f.req.Subscribers())

	// a late CANCEL is ignored once answered
	f.req.Cancel()
	assert.Equal(t, call.StateAccepted, f.sess.State())

	res = f.sess.DoAction(context.Background(), call.ActionEnd)
	require.True(t, res.OK)
	assert.Equal(t, 1, f.req.Dialog().Destroyed())

	assert.Equal(t, []call.State{call.StateAccepted, call.StateEnded}, f.rec.States())
	assert.Equal(t, []int{200, 0}, f.rec.Codes())
	assert.Len(t, f.media.Deleted(), 1)
	assert.Len(t, f.notifier.Posts(), 2)

	res = f.sess.DoAction(context.Background(), call.ActionForceEnd)
	assert.Equal(t, call.ErrWrongState, res.Error)
	assert.Len(t, f.notifier.Posts(), 2)
}

func TestIncomingAcceptTwice(t *testing.T) {
	f := newIncoming(t, nil)
	require.True(t, f.sess.Accept(context.Background()).OK)
	res := f.sess.DoAction(context.Background(), call.ActionAccept)
	assert.Equal(t, call.ErrWrongState, res.Error)
	assert.Equal(t, 1, f.media.Answers())
}

func TestIncomingCallerCancels(t *testing.T) {
	f := newIncoming(t, nil)
	f.req.Cancel()

	assert.Equal(t, call.StateCanceled, f.sess.State())
	res := f.sess.DoAction(context.Background(), call.ActionAccept)
	assert.Equal(t, call.ErrWrongState, res.Error)
	assert.Zero(t, f.media.Answers())
	assert.Empty(t, f.media.Deleted())
	assert.Len(t, f.notifier.Posts(), 1)
}

func TestIncomingCanceledBeforeSubscribe(t *testing.T) {
	req := &calltest.Inbound{ID: "early"}
	req.Cancel()
	sess := call.NewIncoming(req, call.IncomingConfig{}, &calltest.Media{}, &calltest.Notifier{}, quietLog())
	assert.Equal(t, call.StateCanceled, sess.State())
}

func TestIncomingReject(t *testing.T) {
	f := newIncoming(t, nil)
	res := f.sess.DoAction(context.Background(), call.ActionReject)
	require.True(t, res.OK)

	assert.Equal(t, []int{486}, f.req.Responses())
	assert.Equal(t, []call.State{call.StateRejected}, f.rec.States())
	assert.Equal(t, []int{486}, f.rec.Codes())

	res = f.sess.DoAction(context.Background(), call.ActionForceEnd)
	assert.Equal(t, call.ErrWrongState, res.Error)
	assert.Equal(t, []int{486}, f.req.Responses())
}

func TestIncomingForceEndWhileRinging(t *testing.T) {
	f := newIncoming(t, nil)
	res := f.sess.DoAction(context.Background(), call.ActionForceEnd)
	assert.True(t, res.OK)
	assert.Equal(t, call.StateRejected, f.sess.State())
}

func TestIncomingMediaFailure(t *testing.T) {
	f := newIncoming(t, &calltest.Media{AnswerErr: errors.New("no ports")})
	res := f.sess.Accept(context.Background())

	assert.Equal(t, call.ErrMedia, res.Error)
	assert.Equal(t, []int{500}, f.req.Responses())
	assert.Equal(t, call.StateRejected, f.sess.State())
	assert.Empty(t, f.media.Deleted())
}

func TestIncomingAnswerAfterCallerGaveUp(t *testing.T) {
	f := newIncoming(t, nil)
	f.req.AnswerErr = call.ErrRequestTerminated

	res := f.sess.Accept(context.Background())
	assert.False(t, res.OK)
	assert.Equal(t, call.StateCanceled, f.sess.State())
	assert.Len(t, f.media.Deleted(), 1)
}

func TestIncomingCallerHangsUp(t *testing.T) {
	f := newIncoming(t, nil)
	require.True(t, f.sess.Accept(context.Background()).OK)
	f.req.Hangup()
	f.req.Hangup()

	assert.Equal(t, []call.State{call.StateAccepted, call.StateEnded}, f.rec.States())
	assert.Zero(t, f.req.Dialog().Destroyed())
	assert.Len(t, f.media.Deleted(), 1)
}

func TestIncomingCancelRacesAccept(t *testing.T) {
	gate := make(chan struct{})
	f := newIncoming(t, &calltest.Media{Gate: gate})

	var wg sync.WaitGroup
	wg.Add(2)
	var res call.Result
	go func() {
		defer wg.Done()
		res = f.sess.Accept(context.Background())
	}()
	go func() {
		defer wg.Done()
		f.req.Cancel()
	}()
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	// exactly one side wins and exactly one terminal-or-accepted state is published
	states := f.rec.States()
	require.Len(t, states, 1)
	switch states[0] {
	case call.StateAccepted:
		assert.True(t, res.OK)
	case call.StateCanceled:
		assert.Equal(t, call.ErrWrongState, res.Error)
		assert.Empty(t, f.req.Answered())
	default:
		t.Fatalf("unexpected state %s", states[0])
	}
}

func TestIncomingUnsupportedAction(t *testing.T) {
	f := newIncoming(t, nil)
	res := f.sess.DoAction(context.Background(), call.ActionCancel)
	assert.Equal(t, call.ErrUnsupportedAction, res.Error)
}

func TestIncomingAcceptNeedsStream(t *testing.T) {
	req := &calltest.Inbound{ID: "nostream", SDP: "v=0 caller"}
	media := &calltest.Media{}
	rec := &calltest.Recorder{}
	sess := call.NewIncoming(req, call.IncomingConfig{HookURL: "http://app/status"}, media, &calltest.Notifier{}, quietLog())
	sess.OnStateChanged(rec.Listen)

	res := sess.DoAction(context.Background(), call.ActionAccept)
	assert.Equal(t, call.ErrMedia, res.Error)
	assert.Zero(t, media.Answers())
	assert.Empty(t, req.Responses())
	assert.Equal(t, call.StateRinging, sess.State())

	target := call.StreamingTarget{Room: "r9", Peer: "p9", Record: true}
	res = sess.DoAction(context.Background(), call.ActionAccept, call.WithStream(target))
	require.True(t, res.OK, res.Message)
	assert.Equal(t, []call.StreamingTarget{target}, media.AnswerTargets())
	assert.Equal(t, []call.State{call.StateAccepted}, rec.States())
}

func TestIncomingAcceptStreamOverridesHookTarget(t *testing.T) {
	f := newIncoming(t, nil)
	target := call.StreamingTarget{Room: "r2", Peer: "p2"}

	res := f.sess.DoAction(context.Background(), call.ActionAccept, call.WithStream(target))
	require.True(t, res.OK, res.Message)
	assert.Equal(t, []call.StreamingTarget{target}, f.media.AnswerTargets())
}

func TestActionRequestParse(t *testing.T) {
	a, opts, err := call.ActionRequest{Action: "accept", Stream: &call.StreamingTarget{Room: "r"}}.Parse()
	require.NoError(t, err)
	assert.Equal(t, call.ActionAccept, a)
	assert.Len(t, opts, 1)

	a, opts, err = call.ActionRequest{State: "End"}.Parse()
	require.NoError(t, err)
	assert.Equal(t, call.ActionEnd, a)
	assert.Empty(t, opts)

	_, _, err = call.ActionRequest{Action: "Dance"}.Parse()
	assert.Error(t, err)
}
