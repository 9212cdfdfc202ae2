package socks5

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
)

func TestUnacceptableMethodEndsSession(t *testing.T) {
	client, done := serveConn(t, Config{})

	go func() {
		// a request right after the handshake must never be acted on
		_, _ = client.Write([]byte{0x05, 0x01, 0x02})
		_, _ = client.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80})
	}()

	resp, err := proto.ReadHandshakeResponse(client)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Method != proto.MethodNoAcceptable {
		t.Fatalf("selected %s", resp.Method)
	}
	if err := waitErr(t, done); !errors.Is(err, ErrNoAcceptableMethod) {
		t.Fatalf("expected ErrNoAcceptableMethod, got %v", err)
	}
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("connection should be closed, got %v", err)
	}
}

func TestHandshakeBadVersion(t *testing.T) {
	client, done := serveConn(t, Config{})

	go func() { _, _ = client.Write([]byte{0x04, 0x01, 0x00}) }()

	resp, err := proto.ReadHandshakeResponse(client)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Method != proto.MethodNoAcceptable {
		t.Fatalf("selected %s", resp.Method)
	}
	if err := waitErr(t, done); !proto.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestUserPassRejectedNeverReadsRequest(t *testing.T) {
	addr := startServer(t, Config{
		Authenticators: []Authenticator{UserPass{Verifier: StaticCredentials{"alice": "secret"}}},
	})
	c := dial(t, addr)

	negotiate(t, c, proto.MethodUserPass, proto.MethodUserPass)
	if _, err := (&proto.PasswordRequest{Username: []byte("alice"), Password: []byte("wrong")}).WriteTo(c); err != nil {
		t.Fatal(err)
	}
	resp, err := proto.ReadPasswordResponse(c)
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK() {
		t.Fatal("bad credentials accepted")
	}
	expectClosed(t, c)
}

func TestUserPassAccepted(t *testing.T) {
	addr := startServer(t, Config{
		Authenticators: []Authenticator{UserPass{Verifier: StaticCredentials{"alice": "secret"}}},
		DisableBind:    true,
	})
	c := dial(t, addr)

	negotiate(t, c, proto.MethodUserPass, proto.MethodNoAuth, proto.MethodUserPass)
	if _, err := (&proto.PasswordRequest{Username: []byte("alice"), Password: []byte("secret")}).WriteTo(c); err != nil {
		t.Fatal(err)
	}
	resp, err := proto.ReadPasswordResponse(c)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() {
		t.Fatalf("status %#x", resp.Status)
	}

	// authenticated sessions reach the request stage
	request(t, c, proto.CmdBind, proto.Unspecified())
	expectReply(t, c, proto.CommandNotSupported)
}

func TestRequestFailures(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		raw  []byte
		want proto.Reply
	}{
		{
			name: "bad address type",
			raw:  []byte{0x05, 0x01, 0x00, 0x05},
			want: proto.AddressTypeNotSupported,
		},
		{
			name: "unknown command",
			raw:  []byte{0x05, 0x09, 0x00},
			want: proto.CommandNotSupported,
		},
		{
			name: "bad version",
			raw:  []byte{0x04},
			want: proto.GeneralFailure,
		},
		{
			name: "bind disabled",
			cfg:  Config{DisableBind: true},
			raw:  []byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0, 0},
			want: proto.CommandNotSupported,
		},
		{
			name: "associate disabled",
			cfg:  Config{DisableAssociate: true},
			raw:  []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0},
			want: proto.CommandNotSupported,
		},
		{
			name: "denied by rules",
			cfg:  Config{Rules: DenyNetworks{netip.MustParsePrefix("10.0.0.0/8")}},
			raw:  []byte{0x05, 0x01, 0x00, 0x01, 10, 1, 2, 3, 0, 80},
			want: proto.ConnectionNotAllowed,
		},
	}
	// raw stops where decoding fails so the server closes with nothing unread
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := startServer(t, tt.cfg)
			c := dial(t, addr)

			negotiate(t, c, proto.MethodNoAuth, proto.MethodNoAuth)
			if _, err := c.Write(tt.raw); err != nil {
				t.Fatal(err)
			}
			resp := expectReply(t, c, tt.want)
			if resp.Addr != proto.Unspecified() {
				t.Fatalf("failure response carries %s", resp.Addr)
			}
		})
	}
}

func TestBadAddressTypeClosesConnection(t *testing.T) {
	client, done := serveConn(t, Config{})

	go func() {
		_, _ = client.Write([]byte{0x05, 0x01, 0x00})
		_, _ = client.Write([]byte{0x05, 0x01, 0x00, 0x07})
	}()
	if _, err := proto.ReadHandshakeResponse(client); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, 10)
	if _, err := io.ReadFull(client, raw); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x05, byte(proto.AddressTypeNotSupported), 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(raw, want) {
		t.Fatalf("response % x, want % x", raw, want)
	}

	var pe *proto.ProtocolError
	if err := waitErr(t, done); !errors.As(err, &pe) || pe.Kind != proto.KindAddrType || pe.Value != 0x07 {
		t.Fatalf("expected address type error, got %v", err)
	}
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("connection should be closed, got %v", err)
	}
}

func TestTruncatedDomainIsIncomplete(t *testing.T) {
	client, done := serveConn(t, Config{})

	go func() {
		_, _ = client.Write([]byte{0x05, 0x01, 0x00})
		if _, err := proto.ReadHandshakeResponse(client); err != nil {
			return
		}
		// domain of 11 bytes cut after 4
		_, _ = client.Write([]byte{0x05, 0x01, 0x00, 0x03, 11, 'e', 'x', 'a', 'm'})
		_ = client.Close()
	}()

	err := waitErr(t, done)
	if !errors.Is(err, proto.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if proto.IsProtocol(err) {
		t.Fatalf("truncation reported as malformed content: %v", err)
	}
}

func TestCleanEOFBeforeRequest(t *testing.T) {
	client, done := serveConn(t, Config{})

	go func() {
		_, _ = client.Write([]byte{0x05, 0x01, 0x00})
		if _, err := proto.ReadHandshakeResponse(client); err != nil {
			return
		}
		_ = client.Close()
	}()

	err := waitErr(t, done)
	if !errors.Is(err, io.EOF) || errors.Is(err, proto.ErrIncomplete) {
		t.Fatalf("expected clean EOF, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	_, done := serveConn(t, Config{HandshakeTimeout: 100 * time.Millisecond})

	if err := waitErr(t, done); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestServeConnCancel(t *testing.T) {
	srv, err := NewServer(Config{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	_, server := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(ctx, server) }()

	cancel()
	if err := waitErr(t, done); err == nil {
		t.Fatal("cancelled session reported success")
	}
}

func TestSessionNeverMovesBack(t *testing.T) {
	ss := &session{log: testLogger(), state: stateRelay}
	if err := ss.enter(stateRequest); !errors.Is(err, errStateBackward) {
		t.Fatalf("expected errStateBackward, got %v", err)
	}
	if ss.state != stateRelay {
		t.Fatalf("state changed to %s", ss.state)
	}
	if err := ss.enter(stateClosed); err != nil {
		t.Fatal(err)
	}
}

func TestFailSkipsAnsweredPhase(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCause := errors.New("cause")
	ss := &session{conn: server, log: testLogger(), state: stateConnect, replied: true}
	if err := ss.fail(proto.GeneralFailure, errCause); err != errCause {
		t.Fatalf("got %v", err)
	}

	ss = &session{conn: server, log: testLogger(), state: stateHandshake}
	if err := ss.fail(proto.GeneralFailure, errCause); err != errCause {
		t.Fatalf("got %v", err)
	}
}

func TestFailReportsSendError(t *testing.T) {
	client, server := net.Pipe()
	_ = client.Close()

	errCause := errors.New("cause")
	ss := &session{conn: server, log: testLogger(), state: stateRequest}
	err := ss.fail(proto.GeneralFailure, errCause)
	if !errors.Is(err, errCause) || !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected cause and send error, got %v", err)
	}
}
