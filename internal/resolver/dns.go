package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// DNS queries one name server directly, A first and then AAAA.
type DNS struct {
	// Server is host:port of the name server.
	Server string
	client *dns.Client
}

// NewDNS returns a resolver for server; a port-less server gets port 53.
func NewDNS(server string, timeout time.Duration) *DNS {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNS{
		Server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func (d *DNS) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}

	var lastErr error = ErrNotFound
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ip, err := d.query(ctx, host, qtype)
		if err == nil {
			return ip, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return netip.Addr{}, &Error{Host: host, Err: lastErr}
}

func (d *DNS) query(ctx context.Context, host string, qtype uint16) (netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	r, _, err := d.client.ExchangeContext(ctx, m, d.Server)
	if err != nil {
		return netip.Addr{}, err
	}
	if r.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNotFound, dns.RcodeToString[r.Rcode])
	}

	// Stuff must be in the answer section
	for _, rr := range r.Answer {
		var raw net.IP
		switch a := rr.(type) {
		case *dns.A:
			raw = a.A
		case *dns.AAAA:
			raw = a.AAAA
		default:
			continue
		}
		if ip, ok := netip.AddrFromSlice(raw); ok {
			return ip.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: no %s record", ErrNotFound, dns.TypeToString[qtype])
}
