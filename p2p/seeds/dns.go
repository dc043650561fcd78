package seeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const defaultDNSTimeout = 5 * time.Second

// ErrNoRecords is returned when the server answers without TXT data.
var ErrNoRecords = errors.New("seeds: no TXT records")

// DNSResolver sends TXT queries straight to one recursive server instead of
// the system resolver. Answers truncated over UDP are retried over TCP.
type DNSResolver struct {
	server  string
	timeout time.Duration
}

// NewDNSResolver targets server ("host" or "host:port", port 53 by default).
func NewDNSResolver(server string, timeout time.Duration) (*DNSResolver, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return nil, errors.New("seeds: dns server must not be empty")
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	return &DNSResolver{server: server, timeout: timeout}, nil
}

// LookupTXT returns one string per TXT record, with the record's character
// strings concatenated the way net.Resolver does.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true

	in, err := r.exchange(ctx, "udp", msg)
	if err == nil && in.Truncated {
		in, err = r.exchange(ctx, "tcp", msg)
	}
	if err != nil {
		return nil, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("seeds: %s: %s", name, dns.RcodeToString[in.Rcode])
	}
	var out []string
	for _, rr := range in.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoRecords, name)
	}
	return out, nil
}

func (r *DNSResolver) exchange(ctx context.Context, network string, msg *dns.Msg) (*dns.Msg, error) {
	client := &dns.Client{Net: network, Timeout: r.timeout}
	in, _, err := client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("seeds: query %s over %s: %w", r.server, network, err)
	}
	return in, nil
}
