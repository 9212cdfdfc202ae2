package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
)

func testLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

// startServer serves cfg on a loopback listener until the test ends.
func startServer(t *testing.T, cfg Config) string {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := Listen(ctx, "127.0.0.1:0", ListenOptions{})
	if err != nil {
		cancel()
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return ln.Addr().String()
}

// serveConn runs one session on the server end of a pipe.
func serveConn(t *testing.T, cfg Config) (net.Conn, <-chan error) {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(context.Background(), server) }()
	return client, done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
	return nil
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func negotiate(t *testing.T, c net.Conn, want proto.Method, offer ...proto.Method) {
	t.Helper()
	if _, err := (&proto.HandshakeRequest{Methods: offer}).WriteTo(c); err != nil {
		t.Fatal(err)
	}
	resp, err := proto.ReadHandshakeResponse(c)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Method != want {
		t.Fatalf("selected %s, want %s", resp.Method, want)
	}
}

func request(t *testing.T, c net.Conn, cmd proto.Command, dst proto.Address) {
	t.Helper()
	if _, err := (&proto.Request{Command: cmd, Addr: dst}).WriteTo(c); err != nil {
		t.Fatal(err)
	}
}

func expectReply(t *testing.T, c net.Conn, want proto.Reply) *proto.Response {
	t.Helper()
	resp, err := proto.ReadResponse(c)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Reply != want {
		t.Fatalf("reply %s, want %s", resp.Reply, want)
	}
	return resp
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.Read(make([]byte, 1))
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected connection close, got n=%d err=%v", n, err)
	}
}

func loopback(port uint16) proto.Address {
	return proto.AddrFromIP(netip.MustParseAddr("127.0.0.1"), port)
}

func tcpAddr(t *testing.T, s string) proto.Address {
	t.Helper()
	a, err := proto.ParseAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}
