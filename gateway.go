package main

import (
	"context"
	"fmt"

	gosip "github.com/ghettovoice/gosip"
	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sipgateway/api"
	"sipgateway/call"
	"sipgateway/gateway"
	"sipgateway/hook"
	"sipgateway/media"
	"sipgateway/secure"
	"sipgateway/sipua"
	"sipgateway/wsgateway"
)

// Gateway owns every long-lived component of the process.
type Gateway struct {
	cfg    *Settings
	sipSrv gosip.Server
	agent  *sipua.Agent
	hooks  *hook.Queue
	calls  *gateway.SipGateway
	ws     *wsgateway.Gateway
	api    *api.Server
}

// NewGateway builds and connects the components described by cfg.
func NewGateway(cfg *Settings) (*Gateway, error) {
	logger := gosiplog.NewLogrusLogger(sipLog, "SIP", nil)
	sipSrv := gosip.NewServer(gosip.ServerConfig{Host: cfg.PublicAddress(), UserAgent: cfg.UserAgent()}, nil, nil, logger)

	agent := sipua.New(sipSrv, sipua.Config{
		Host:           cfg.PublicAddress(),
		Port:           cfg.SIPPort(),
		EnableRegister: cfg.EnableRegister(),
	}, sipLog)

	mediaClient, err := media.NewClient(cfg.MediaGateway(), cfg.MediaSecret(), cfg.MediaTimeout(), mediaLog)
	if err != nil {
		return nil, fmt.Errorf("media client: %w", err)
	}

	hookClient := hook.NewClient(cfg.HookTimeout(), hookLog)
	hooks := hook.NewQueue(hookClient, cfg.HookWorkers(), cfg.HookQueueSize(), cfg.HookTimeout(), hookLog)
	tokens := secure.NewTokens(cfg.HTTPSecret(), cfg.CallTokenTTL())

	calls := gateway.New(gateway.Config{
		IncomingHook: cfg.IncomingHook(),
		PublicURL:    cfg.PublicURL(),
		Dialer:       agent,
		Media:        mediaClient,
		Notifier:     hooks,
		Authorizer:   hookClient,
		Tokens:       tokens,
		AddressBook:  gateway.NewAddressBook(cfg.AllowListURL(), cfg.HookTimeout(), coreLog),
	}, coreLog)

	ws := newObservers(calls, httpLog)

	return &Gateway{
		cfg:    cfg,
		sipSrv: sipSrv,
		agent:  agent,
		hooks:  hooks,
		calls:  calls,
		ws:     ws,
		api:    api.NewServer(calls, ws, tokens, cfg.HTTPSecret(), httpLog),
	}, nil
}

// newObservers binds a WebSocket gateway to calls: every state change is
// fired to the call's observers, their requests become call actions, and a
// call whose last observer disconnects is force-ended.
func newObservers(calls *gateway.SipGateway, log *logrus.Entry) *wsgateway.Gateway {
	ws := wsgateway.New(log, calls.HandleRequest)
	calls.OnStateChanged(func(callID string, st call.Status) {
		ws.Fire(callID, st)
	})
	ws.OnStopped(func(callID string) {
		res := calls.CallAction(context.Background(), callID, call.ActionForceEnd)
		log.Debugf("call %s observers gone, force end: ok=%v %s", callID, res.OK, res.Error)
	})
	return ws
}

// Start runs the gateway until ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	port, err := g.agent.Listen(g.cfg.SIPPort(), g.cfg.SIPPortRange())
	if err != nil {
		return err
	}
	coreLog.Infof("SIP identity %s:%d", g.cfg.PublicAddress(), port)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.agent.Serve(ctx, g.calls.OnInvite)
	})
	eg.Go(func() error {
		g.calls.Run(ctx, g.cfg.AllowListInterval())
		return nil
	})
	eg.Go(func() error {
		return g.api.Start(ctx, g.cfg.HTTPPort())
	})

	err = eg.Wait()
	g.shutdown()
	return err
}

func (g *Gateway) shutdown() {
	in, out := g.calls.Registry().Count()
	coreLog.Infof("shutting down with %d incoming and %d outgoing calls", in, out)
	g.sipSrv.Shutdown()
	g.hooks.Close()
}
