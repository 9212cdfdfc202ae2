// Package resolver turns domain names from SOCKS5 requests and UDP headers
// into IP addresses.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrNotFound is returned when a name has no usable address.
var ErrNotFound = errors.New("no such host")

// Resolver resolves a host name to one IP address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// Error is a failed lookup.
type Error struct {
	Host string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("resolve %s: %v", e.Host, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// IsResolveError reports whether err came from a failed lookup, either a
// Resolver in this package or the net package's own resolution.
func IsResolveError(err error) bool {
	var re *Error
	var de *net.DNSError
	return errors.As(err, &re) || errors.As(err, &de)
}

// System resolves through the operating system's resolver. IPv4 answers are
// preferred.
type System struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
}

func (s System) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}

	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	ips, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, &Error{Host: host, Err: err}
	}
	if ip, ok := pick(ips); ok {
		return ip, nil
	}
	return netip.Addr{}, &Error{Host: host, Err: ErrNotFound}
}

func pick(ips []netip.Addr) (netip.Addr, bool) {
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			return ip.Unmap(), true
		}
	}
	if len(ips) > 0 {
		return ips[0], true
	}
	return netip.Addr{}, false
}
