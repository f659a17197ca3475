// Package hook talks to the application's webhooks: the incoming call
// authorization hook and the per-call status feedback hook.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"sipgateway/call"
)

// ErrHook marks a webhook that was unreachable or answered non-200.
var ErrHook = errors.New("hook error")

// Decision states returned by the authorization hook.
const (
	DecisionRinging  = "Ringing"
	DecisionAccepted = "Accepted"
	DecisionRejected = "Rejected"
)

// IncomingRequest is posted to the authorization hook for every admitted INVITE.
type IncomingRequest struct {
	CallID     string `json:"call_id"`
	SipServer  string `json:"sip_server"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	CallToken  string `json:"call_token,omitempty"`
	CallWS     string `json:"call_ws,omitempty"`
}

// IncomingResponse is the authorization decision.
type IncomingResponse struct {
	State     string                `json:"state"`
	Hook      string                `json:"hook,omitempty"`
	Streaming *call.StreamingTarget `json:"streaming,omitempty"`

	// older hook services answer with flat room and peer ids
	RoomID string `json:"room_id,omitempty"`
	PeerID string `json:"peer_id,omitempty"`
}

// Target returns the streaming target granted by the decision, if any.
func (r IncomingResponse) Target() (call.StreamingTarget, bool) {
	if r.Streaming != nil && r.Streaming.Room != "" {
		return *r.Streaming, true
	}
	if r.RoomID != "" {
		return call.StreamingTarget{Room: r.RoomID, Peer: r.PeerID}, true
	}
	return call.StreamingTarget{}, false
}

// Client performs webhook requests.
type Client struct {
	http *http.Client
	log  *logrus.Entry
}

// NewClient returns a Client whose requests time out after timeout.
func NewClient(timeout time.Duration, log *logrus.Entry) *Client {
	return &Client{
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// Authorize asks the hook at url what to do with an inbound call.
func (c *Client) Authorize(ctx context.Context, url string, req IncomingRequest) (IncomingResponse, error) {
	var out IncomingResponse
	res, err := c.post(ctx, url, req)
	if err != nil {
		return out, err
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("%w: decode %s: %v", ErrHook, url, err)
	}
	return out, nil
}

// Feedback posts a call status to url.
func (c *Client) Feedback(ctx context.Context, url string, st call.Status) error {
	res, err := c.post(ctx, url, st)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return res.Body.Close()
}

func (c *Client) post(ctx context.Context, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHook, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHook, err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("%w: %s answered %d", ErrHook, url, res.StatusCode)
	}
	c.log.Debugf("hook %s answered %d", url, res.StatusCode)
	return res, nil
}
