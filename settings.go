package main

import (
	"fmt"
	"strings"
	"time"

	ini "gopkg.in/ini.v1"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	sipPort        int
	sipPortRange   int
	publicAddress  string
	userAgent      string
	enableRegister bool

	httpPort     int
	httpSecret   string
	publicURL    string
	callTokenTTL int

	mediaGateway string
	mediaSecret  string
	mediaTimeout int

	incomingHook  string
	hookWorkers   int
	hookTimeout   int
	hookQueueSize int

	allowListURL      string
	allowListInterval int
}

// LoadSettings reads configuration from ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("sip")
	s.sipPort = sec.Key("port").MustInt(5060)
	s.sipPortRange = sec.Key("port_range").MustInt(0)
	s.publicAddress = sec.Key("public_address").String()
	s.userAgent = sec.Key("user_agent").MustString("sipgw")
	s.enableRegister = sec.Key("enable_register").MustBool(false)

	sec = cfg.Section("http")
	s.httpPort = sec.Key("port").MustInt(5000)
	s.httpSecret = sec.Key("secret").MustString("insecure")
	s.publicURL = sec.Key("public_url").String()
	s.callTokenTTL = sec.Key("call_token_ttl").MustInt(3600)

	sec = cfg.Section("media")
	s.mediaGateway = sec.Key("gateway").MustString("http://127.0.0.1:3000")
	s.mediaSecret = sec.Key("secret").String()
	s.mediaTimeout = sec.Key("timeout").MustInt(10)

	sec = cfg.Section("hooks")
	s.incomingHook = sec.Key("incoming").MustString("http://localhost:3000")
	s.hookWorkers = sec.Key("workers").MustInt(4)
	s.hookTimeout = sec.Key("timeout").MustInt(5)
	s.hookQueueSize = sec.Key("queue_size").MustInt(128)

	sec = cfg.Section("allow_list")
	s.allowListURL = sec.Key("url").String()
	s.allowListInterval = sec.Key("interval").MustInt(60)

	if s.sipPortRange < 0 {
		return nil, fmt.Errorf("sip.port_range must not be negative")
	}
	if s.hookWorkers < 1 || s.hookQueueSize < 1 {
		return nil, fmt.Errorf("hooks.workers and hooks.queue_size must be positive")
	}
	if s.callTokenTTL <= 0 {
		return nil, fmt.Errorf("http.call_token_ttl must be positive")
	}

	if s.publicAddress == "" {
		ip, err := detectHostIP()
		if err != nil {
			return nil, fmt.Errorf("sip.public_address: %w", err)
		}
		s.publicAddress = ip
	}
	if s.publicURL == "" {
		s.publicURL = fmt.Sprintf("http://%s:%d", s.publicAddress, s.httpPort)
	}
	s.publicURL = strings.TrimRight(s.publicURL, "/")

	return s, nil
}

func (s *Settings) SIPPort() int          { return s.sipPort }
func (s *Settings) SIPPortRange() int     { return s.sipPortRange }
func (s *Settings) PublicAddress() string { return s.publicAddress }
func (s *Settings) UserAgent() string     { return s.userAgent }
func (s *Settings) EnableRegister() bool  { return s.enableRegister }

func (s *Settings) HTTPPort() int      { return s.httpPort }
func (s *Settings) HTTPSecret() string { return s.httpSecret }
func (s *Settings) PublicURL() string  { return s.publicURL }

func (s *Settings) CallTokenTTL() time.Duration {
	return time.Duration(s.callTokenTTL) * time.Second
}

func (s *Settings) MediaGateway() string { return s.mediaGateway }
func (s *Settings) MediaSecret() string  { return s.mediaSecret }

func (s *Settings) MediaTimeout() time.Duration {
	return time.Duration(s.mediaTimeout) * time.Second
}

func (s *Settings) IncomingHook() string { return s.incomingHook }
func (s *Settings) HookWorkers() int     { return s.hookWorkers }
func (s *Settings) HookQueueSize() int   { return s.hookQueueSize }

func (s *Settings) HookTimeout() time.Duration {
	return time.Duration(s.hookTimeout) * time.Second
}

func (s *Settings) AllowListURL() string { return s.allowListURL }

func (s *Settings) AllowListInterval() time.Duration {
	return time.Duration(s.allowListInterval) * time.Second
}
