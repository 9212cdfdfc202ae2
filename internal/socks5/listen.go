package socks5

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/pires/go-proxyproto"
)

type ListenOptions struct {
	// KeepAlive is the TCP keep-alive period for accepted connections;
	// negative disables it.
	KeepAlive time.Duration
	// ProxyProtocol expects a PROXY protocol v1 or v2 header on every
	// connection; RemoteAddr then reports the original client.
	ProxyProtocol bool
	// ProxyHeaderTimeout bounds the wait for that header.
	ProxyHeaderTimeout time.Duration
}

// Listen opens the TCP listener clients connect to.
func Listen(ctx context.Context, addr string, opts ListenOptions) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: opts.KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !opts.ProxyProtocol {
		return ln, nil
	}

	timeout := opts.ProxyHeaderTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &proxyListener{&proxyproto.Listener{Listener: ln, ReadHeaderTimeout: timeout}}, nil
}

type proxyListener struct {
	*proxyproto.Listener
}

func (l *proxyListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if pc, ok := c.(*proxyproto.Conn); ok {
		return &proxiedConn{pc}, nil
	}
	return c, nil
}

// proxiedConn half-closes through the underlying TCP connection. Reads must
// still go through proxyproto.Conn, which may have buffered payload after the
// header.
type proxiedConn struct {
	*proxyproto.Conn
}

// socketLocalAddr is the local address of the socket itself, not the
// destination announced in a PROXY header.
func socketLocalAddr(c net.Conn) net.Addr {
	if pc, ok := c.(*proxiedConn); ok {
		return pc.Raw().LocalAddr()
	}
	return c.LocalAddr()
}

func (c *proxiedConn) CloseWrite() error {
	if tc, ok := c.TCPConn(); ok {
		return tc.CloseWrite()
	}
	return errors.ErrUnsupported
}
