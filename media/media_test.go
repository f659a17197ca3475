package media

import (
	"context"
	"encoding/json"
	"errors"
	"io"
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

type fakePlane struct {
	mu      sync.Mutex
	deletes int
	patched string
	tokens  int
}

func (p *fakePlane) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token/rtpengine", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer media-secret", r.Header.Get("Authorization"))
		var req tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, tokenTTL, req.TTL)
		p.mu.Lock()
		p.tokens++
		p.mu.Unlock()
		if req.Room == "" {
			_, _ = w.Write([]byte(`{"status":false,"error":"INVALID_ROOM"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":true,"data":{"token":"tok-` + req.Room + `"}}`))
	})
	mux.HandleFunc("/rtpengine/offer", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-r1", r.Header.Get("Authorization"))
		w.Header().Set("Location", "/rtpengine/conn/1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("v=0 offer"))
	})
	mux.HandleFunc("/rtpengine/answer", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "v=0 remote" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("bad sdp"))
			return
		}
		w.Header().Set("Location", "/rtpengine/conn/2")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("v=0 answer"))
	})
	mux.HandleFunc("/rtpengine/conn/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		switch r.Method {
		case http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			p.patched = string(body)
		case http.MethodDelete:
			p.deletes++
			if r.URL.Path == "/rtpengine/conn/gone" {
				w.WriteHeader(http.StatusNotFound)
			}
		}
	})
	return mux
}

func newClient(t *testing.T) (*Client, *fakePlane) {
	t.Helper()
	plane := &fakePlane{}
	srv := httptest.NewServer(plane.handler(t))
	t.Cleanup(srv.Close)
	l, _ := test.NewNullLogger()
	c, err := NewClient(srv.URL+"/", "media-secret", time.Second, logrus.NewEntry(l))
	require.NoError(t, err)
	return c, plane
}

func TestOfferLifecycle(t *testing.T) {
	c, plane := newClient(t)
	ctx := context.Background()

	ep, sdp, err := c.CreateOffer(ctx, call.StreamingTarget{Room: "r1", Peer: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "v=0 offer", sdp)
	assert.Equal(t, c.gateway.String()+"/rtpengine/conn/1", string(ep))

	require.NoError(t, c.SetAnswer(ctx, ep, "v=0 callee"))
	require.NoError(t, c.Delete(ctx, ep))

	plane.mu.Lock()
	defer plane.mu.Unlock()
	assert.Equal(t, "v=0 callee", plane.patched)
	assert.Equal(t, 1, plane.deletes)
	assert.Equal(t, 1, plane.tokens)
}

func TestAnswerWithSuppliedToken(t *testing.T) {
	c, plane := newClient(t)
	ep, sdp, err := c.CreateAnswer(context.Background(), call.StreamingTarget{Room: "r1", Token: "given"}, "v=0 remote")
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", sdp)
	assert.Contains(t, string(ep), "/rtpengine/conn/2")

	plane.mu.Lock()
	defer plane.mu.Unlock()
	assert.Zero(t, plane.tokens)
}

func TestAnswerRejected(t *testing.T) {
	c, _ := newClient(t)
	_, _, err := c.CreateAnswer(context.Background(), call.StreamingTarget{Room: "r1"}, "garbage")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMedia))
	assert.Contains(t, err.Error(), "bad sdp")
}

func TestTokenError(t *testing.T) {
	c, _ := newClient(t)
	_, _, err := c.CreateOffer(context.Background(), call.StreamingTarget{Peer: "p1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMedia))
	assert.Contains(t, err.Error(), "INVALID_ROOM")
}

func TestDeleteMissingEndpoint(t *testing.T) {
	c, _ := newClient(t)
	assert.NoError(t, c.Delete(context.Background(), call.Endpoint(c.gateway.String()+"/rtpengine/conn/gone")))
}
