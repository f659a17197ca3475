// Package media is the HTTP client of the media control plane. Every call
// leg owns one endpoint there, created from an SDP offer or answer and
// deleted when the call terminates.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sipgateway/call"
)

// ErrMedia marks a failed media control plane request.
var ErrMedia = errors.New("media error")

const tokenTTL = 10000

// Client implements call.Media against a media gateway.
type Client struct {
	gateway *url.URL
	secret  string
	http    *http.Client
	log     *logrus.Entry
}

// NewClient returns a client for the gateway base URL. secret authorizes
// token minting.
func NewClient(gateway, secret string, timeout time.Duration, log *logrus.Entry) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(gateway, "/"))
	if err != nil {
		return nil, fmt.Errorf("media gateway %q: %w", gateway, err)
	}
	return &Client{
		gateway: u,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

type tokenRequest struct {
	Room   string `json:"room"`
	Peer   string `json:"peer"`
	TTL    int    `json:"ttl"`
	Record bool   `json:"record,omitempty"`
}

type tokenResponse struct {
	Status bool   `json:"status"`
	Error  string `json:"error"`
	Data   *struct {
		Token string `json:"token"`
	} `json:"data"`
}

// Token mints a media plane token for target.
func (c *Client) Token(ctx context.Context, target call.StreamingTarget) (string, error) {
	body, err := json.Marshal(tokenRequest{Room: target.Room, Peer: target.Peer, TTL: tokenTTL, Record: target.Record})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gateway.String()+"/token/rtpengine", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: create token: %v", ErrMedia, err)
	}
	defer res.Body.Close()

	var out tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: create token: status %d: %v", ErrMedia, res.StatusCode, err)
	}
	if out.Data == nil || out.Data.Token == "" {
		msg := out.Error
		if msg == "" {
			msg = "CREATE_TOKEN_ERROR"
		}
		return "", fmt.Errorf("%w: create token: %s", ErrMedia, msg)
	}
	return out.Data.Token, nil
}

func (c *Client) token(ctx context.Context, target call.StreamingTarget) (string, error) {
	if target.Token != "" {
		return target.Token, nil
	}
	return c.Token(ctx, target)
}

// CreateOffer allocates an endpoint for an outbound leg.
func (c *Client) CreateOffer(ctx context.Context, target call.StreamingTarget) (call.Endpoint, string, error) {
	tok, err := c.token(ctx, target)
	if err != nil {
		return "", "", err
	}
	return c.create(ctx, "/rtpengine/offer", tok, "")
}

// CreateAnswer allocates an endpoint answering an inbound offer.
func (c *Client) CreateAnswer(ctx context.Context, target call.StreamingTarget, offer string) (call.Endpoint, string, error) {
	tok, err := c.token(ctx, target)
	if err != nil {
		return "", "", err
	}
	return c.create(ctx, "/rtpengine/answer", tok, offer)
}

func (c *Client) create(ctx context.Context, path, token, sdp string) (call.Endpoint, string, error) {
	var body io.Reader
	if sdp != "" {
		body = strings.NewReader(sdp)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gateway.String()+path, body)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/sdp")
	if sdp != "" {
		req.Header.Set("Content-Type", "application/sdp")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", ErrMedia, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", ErrMedia, path, err)
	}
	if res.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("%w: %s: status %d: %s", ErrMedia, path, res.StatusCode, data)
	}

	loc := res.Header.Get("Location")
	if loc == "" {
		return "", "", fmt.Errorf("%w: %s: missing Location", ErrMedia, path)
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: bad Location %q", ErrMedia, path, loc)
	}
	ep := call.Endpoint(c.gateway.ResolveReference(ref).String())
	c.log.Debugf("created media endpoint %s", ep)
	return ep, string(data), nil
}

// SetAnswer pushes the remote answer to an offer endpoint.
func (c *Client) SetAnswer(ctx context.Context, ep call.Endpoint, answer string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, string(ep), strings.NewReader(answer))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/sdp")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: set answer: %v", ErrMedia, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%w: set answer: status %d: %s", ErrMedia, res.StatusCode, data)
	}
	return nil
}

// Delete releases an endpoint. An endpoint that is already gone is not an error.
func (c *Client) Delete(ctx context.Context, ep call.Endpoint) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, string(ep), nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete: %v", ErrMedia, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		c.log.Debugf("deleted media endpoint %s", ep)
		return nil
	}
	return fmt.Errorf("%w: delete: status %d", ErrMedia, res.StatusCode)
}
