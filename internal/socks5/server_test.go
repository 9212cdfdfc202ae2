package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/testutil"
)

func TestServeGracefulShutdown(t *testing.T) {
	ctx := context.Background()
	echoLn := testutil.StartEchoTCPServer(t, ctx)

	srv, err := NewServer(Config{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ln, err := Listen(sctx, "127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(sctx, ln) }()

	c := dial(t, ln.Addr().String())
	negotiate(t, c, proto.MethodNoAuth, proto.MethodNoAuth)
	request(t, c, proto.CmdConnect, tcpAddr(t, echoLn.Addr().String()))
	expectReply(t, c, proto.Succeeded)
	testutil.AssertEcho(t, c, c, []byte("before shutdown"))

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	// the relayed session was torn down too
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("session still open after shutdown: %v", err)
	}
}

func TestServeListenerClosedExternally(t *testing.T) {
	srv, err := NewServer(Config{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	_ = ln.Close()
	select {
	case err := <-done:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("expected net.ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestMaxConns(t *testing.T) {
	addr := startServer(t, Config{MaxConns: 1})

	first := dial(t, addr)
	// the first session now holds the only slot, waiting for a handshake
	time.Sleep(100 * time.Millisecond)

	second := dial(t, addr)
	if _, err := (&proto.HandshakeRequest{Methods: []proto.Method{proto.MethodNoAuth}}).WriteTo(second); err != nil {
		t.Fatal(err)
	}
	_ = second.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("second session served while over the limit: %v", err)
	}

	_ = first.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := proto.ReadHandshakeResponse(second)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Method != proto.MethodNoAuth {
		t.Fatalf("selected %s", resp.Method)
	}
}

func TestProxyProtocolClientAddress(t *testing.T) {
	clients := make(chan net.Addr, 1)
	srv, err := NewServer(Config{
		Logger: testLogger(),
		Rules: RuleFunc(func(_ context.Context, req *Request) bool {
			clients <- req.Client
			return false
		}),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := Listen(ctx, "127.0.0.1:0", ListenOptions{ProxyProtocol: true, ProxyHeaderTimeout: time.Second})
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	c := dial(t, ln.Addr().String())
	if _, err := io.WriteString(c, "PROXY TCP4 192.0.2.10 127.0.0.1 12345 1080\r\n"); err != nil {
		t.Fatal(err)
	}
	negotiate(t, c, proto.MethodNoAuth, proto.MethodNoAuth)
	request(t, c, proto.CmdConnect, loopback(80))
	expectReply(t, c, proto.ConnectionNotAllowed)

	select {
	case a := <-clients:
		if a.String() != "192.0.2.10:12345" {
			t.Fatalf("client address %s", a)
		}
	case <-time.After(time.Second):
		t.Fatal("rule not consulted")
	}
}

func TestProxyProtocolAssociate(t *testing.T) {
	echo := testutil.StartEchoUDPServer(t)
	srv, err := NewServer(Config{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := Listen(ctx, "127.0.0.1:0", ListenOptions{ProxyProtocol: true, ProxyHeaderTimeout: time.Second})
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	c := dial(t, ln.Addr().String())
	// the header names a destination that is not a local address
	if _, err := io.WriteString(c, "PROXY TCP4 192.0.2.10 203.0.113.9 12345 1080\r\n"); err != nil {
		t.Fatal(err)
	}
	negotiate(t, c, proto.MethodNoAuth, proto.MethodNoAuth)
	request(t, c, proto.CmdAssociate, proto.Unspecified())
	resp := expectReply(t, c, proto.Succeeded)

	relay, ok := resp.Addr.AddrPort()
	if !ok || relay.Addr() != netip.MustParseAddr("127.0.0.1") || relay.Port() == 0 {
		t.Fatalf("relay address %s", resp.Addr)
	}

	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer uc.Close()
	target := proto.AddrFromAddrPort(echo.LocalAddr().(*net.UDPAddr).AddrPort())
	sendVia(t, uc, relay, 0, target, []byte("behind a balancer"))
	if hdr, payload := recvVia(t, uc, 2*time.Second); hdr == nil || string(payload) != "behind a balancer" {
		t.Fatalf("got %v %q", hdr, payload)
	}
}

func TestNewServerRejectsBadMethods(t *testing.T) {
	_, err := NewServer(Config{Authenticators: []Authenticator{NoAuth{}, NoAuth{}}})
	if err == nil {
		t.Fatal("duplicate methods accepted")
	}
}
