package hook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipgateway/call"
)

func testLog() *logrus.Entry {
	l, _ := test.NewNullLogger()
	return logrus.NewEntry(l)
}

func TestAuthorize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req IncomingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1", req.CallID)
		assert.Equal(t, "10.0.0.2:5060", req.SipServer)
		assert.Equal(t, "1001", req.FromNumber)
		assert.Equal(t, "2002", req.ToNumber)
		_, _ = w.Write([]byte(`{"state":"Accepted","hook":"http://app/status","streaming":{"room":"r","peer":"p"}}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second, testLog())
	res, err := c.Authorize(context.Background(), srv.URL, IncomingRequest{
		CallID: "c1", SipServer: "10.0.0.2:5060", FromNumber: "1001", ToNumber: "2002",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionAccepted, res.State)
	assert.Equal(t, "http://app/status", res.Hook)
	target, ok := res.Target()
	require.True(t, ok)
	assert.Equal(t, call.StreamingTarget{Room: "r", Peer: "p"}, target)
}

func TestAuthorizeFlatStreaming(t *testing.T) {
	res := IncomingResponse{State: DecisionRinging, RoomID: "r", PeerID: "p"}
	target, ok := res.Target()
	require.True(t, ok)
	assert.Equal(t, "r", target.Room)

	_, ok = IncomingResponse{State: DecisionRejected}.Target()
	assert.False(t, ok)
}

func TestAuthorizeNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(time.Second, testLog())
	_, err := c.Authorize(context.Background(), srv.URL, IncomingRequest{CallID: "c1"})
	assert.True(t, errors.Is(err, ErrHook))
}

func TestAuthorizeUnreachable(t *testing.T) {
	c := NewClient(100*time.Millisecond, testLog())
	_, err := c.Authorize(context.Background(), "http://127.0.0.1:1/hook", IncomingRequest{})
	assert.True(t, errors.Is(err, ErrHook))
}

func TestQueueDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []call.State
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var st call.Status
		require.NoError(t, json.NewDecoder(r.Body).Decode(&st))
		mu.Lock()
		got = append(got, st.State)
		mu.Unlock()
	}))
	defer srv.Close()

	q := NewQueue(NewClient(time.Second, testLog()), 4, 16, time.Second, testLog())
	for _, s := range []call.State{call.StatePreparing, call.StateConnecting, call.StateError} {
		q.Notify(srv.URL, call.Status{Direction: call.DirectionOut, State: s})
	}
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []call.State{call.StatePreparing, call.StateConnecting, call.StateError}, got)
}

func TestQueueSurvivesFailingHook(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	q := NewQueue(NewClient(time.Second, testLog()), 1, 4, time.Second, testLog())
	q.Notify(srv.URL, call.Status{State: call.StateRinging})
	q.Notify(srv.URL, call.Status{State: call.StateCanceled})
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
}

func TestQueueDropsWhenClosed(t *testing.T) {
	q := NewQueue(NewClient(time.Second, testLog()), 2, 1, time.Second, testLog())
	q.Close()
	q.Close()
	assert.NotPanics(t, func() {
		q.Notify("http://127.0.0.1:1/x", call.Status{State: call.StateEnded})
	})
}
