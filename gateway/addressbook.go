package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Number is one allow-list entry: calls to Number are trusted from any of
// Subnets or from the exact SipServer address (ip or ip:port).
type Number struct {
	Number    string   `json:"number"`
	Subnets   []string `json:"subnets,omitempty"`
	SipServer string   `json:"sip_server,omitempty"`
}

type rule struct {
	nets   []netip.Prefix
	server string
}

// AddressBook is the allow-list of destination numbers. It is replaced
// wholesale on every successful refresh.
type AddressBook struct {
	url  string
	http *http.Client
	log  *logrus.Entry

	mu      sync.RWMutex
	numbers map[string][]rule
}

// NewAddressBook creates an AddressBook synced from url. An empty url
// disables admission control.
func NewAddressBook(url string, timeout time.Duration, log *logrus.Entry) *AddressBook {
	return &AddressBook{
		url:     url,
		http:    &http.Client{Timeout: timeout},
		log:     log,
		numbers: make(map[string][]rule),
	}
}

// Enabled reports whether an allow-list source is configured.
func (b *AddressBook) Enabled() bool {
	return b != nil && b.url != ""
}

// Refresh fetches the allow-list. On failure the current table is kept.
func (b *AddressBook) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	res, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("allow-list source answered %d", res.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return fmt.Errorf("decode allow-list: %w", err)
	}
	var numbers []Number
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		err = json.Unmarshal(raw, &numbers)
	} else {
		var wrapped struct {
			Numbers []Number `json:"numbers"`
		}
		err = json.Unmarshal(raw, &wrapped)
		numbers = wrapped.Numbers
	}
	if err != nil {
		return fmt.Errorf("decode allow-list: %w", err)
	}
	b.Set(numbers)
	return nil
}

// Set replaces the table content.
func (b *AddressBook) Set(numbers []Number) {
	table := make(map[string][]rule, len(numbers))
	for _, n := range numbers {
		r := rule{server: n.SipServer}
		for _, s := range n.Subnets {
			p, err := parsePrefix(s)
			if err != nil {
				b.log.Warnf("allow-list number %s: bad subnet %q", n.Number, s)
				continue
			}
			r.nets = append(r.nets, p)
		}
		table[n.Number] = append(table[n.Number], r)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(table) != len(b.numbers) {
		b.log.Infof("allow-list size changed from %d to %d", len(b.numbers), len(table))
	}
	b.numbers = table
}

func parsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// Allowed reports whether a call to number may come from source, an ip:port
// or bare ip. Everything is allowed when the book is disabled.
func (b *AddressBook) Allowed(number, source string) bool {
	if !b.Enabled() {
		return true
	}
	var addr netip.Addr
	if ap, err := netip.ParseAddrPort(source); err == nil {
		addr = ap.Addr()
	} else if a, err := netip.ParseAddr(source); err == nil {
		addr = a
	}
	addr = addr.Unmap()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.numbers[number] {
		if r.server != "" && (r.server == source || (addr.IsValid() && r.server == addr.String())) {
			return true
		}
		if !addr.IsValid() {
			continue
		}
		for _, n := range r.nets {
			if n.Contains(addr) {
				return true
			}
		}
	}
	return false
}

// Len returns the number of allow-listed numbers.
func (b *AddressBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.numbers)
}

// Run refreshes immediately and then every interval until ctx is done.
func (b *AddressBook) Run(ctx context.Context, interval time.Duration) {
	if err := b.Refresh(ctx); err != nil {
		b.log.Warnf("initial allow-list load failed: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.Refresh(ctx); err != nil {
				b.log.Warnf("allow-list refresh failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
