package socks5

import (
	"context"
	"net"
	"net/netip"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
)

// Request is a decoded client request as seen by a RuleSet.
type Request struct {
	Command proto.Command
	Dst     proto.Address
	Client  net.Addr
	Auth    AuthInfo
}

// RuleSet decides whether a request may run. A denial is answered with
// ConnectionNotAllowed.
type RuleSet interface {
	Allow(ctx context.Context, req *Request) bool
}

type RuleFunc func(ctx context.Context, req *Request) bool

func (f RuleFunc) Allow(ctx context.Context, req *Request) bool { return f(ctx, req) }

// PermitAll allows every request.
type PermitAll struct{}

func (PermitAll) Allow(context.Context, *Request) bool { return true }

// DenyNetworks rejects requests whose destination IP falls in any prefix.
// Domain destinations are allowed.
type DenyNetworks []netip.Prefix

func (d DenyNetworks) Allow(_ context.Context, req *Request) bool {
	if req.Dst.Type == proto.AddrDomain {
		return true
	}
	for _, p := range d {
		if p.Contains(req.Dst.IP) {
			return false
		}
	}
	return true
}
