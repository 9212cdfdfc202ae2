package socks5

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/resolver"
)

// Dialer opens the outbound connection for CONNECT. The context carries the
// connect timeout.
type Dialer interface {
	Dial(ctx context.Context, addr proto.Address) (net.Conn, error)
}

// DirectDialer connects straight to the target.
type DirectDialer struct {
	KeepAlive time.Duration
	// Resolver resolves domain targets; nil leaves it to net.Dialer.
	Resolver resolver.Resolver
}

func (d *DirectDialer) Dial(ctx context.Context, addr proto.Address) (net.Conn, error) {
	nd := net.Dialer{KeepAlive: d.KeepAlive}

	target := addr.String()
	if addr.Type == proto.AddrDomain && d.Resolver != nil {
		ip, err := d.Resolver.Resolve(ctx, addr.Name)
		if err != nil {
			return nil, err
		}
		target = netip.AddrPortFrom(ip, addr.Port).String()
	}
	return nd.DialContext(ctx, "tcp", target)
}

// UDPConn is the datagram socket an ASSOCIATE relay runs on.
type UDPConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// Network opens the sockets BIND and ASSOCIATE listen on.
type Network interface {
	Listen(ctx context.Context, addr netip.AddrPort) (net.Listener, error)
	ListenUDP(ctx context.Context, addr netip.AddrPort) (UDPConn, error)
}

// DirectNetwork listens on local interfaces.
type DirectNetwork struct {
	ListenConfig net.ListenConfig
}

func (n *DirectNetwork) Listen(ctx context.Context, addr netip.AddrPort) (net.Listener, error) {
	return n.ListenConfig.Listen(ctx, family("tcp", addr), addr.String())
}

func (n *DirectNetwork) ListenUDP(ctx context.Context, addr netip.AddrPort) (UDPConn, error) {
	pc, err := n.ListenConfig.ListenPacket(ctx, family("udp", addr), addr.String())
	if err != nil {
		return nil, err
	}
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("unexpected packet conn %T", pc)
	}
	return uc, nil
}

// family pins the socket to the address family of addr so an IPv4 wildcard
// is reported as 0.0.0.0 rather than [::].
func family(network string, addr netip.AddrPort) string {
	if addr.Addr().Is4() {
		return network + "4"
	}
	return network + "6"
}
