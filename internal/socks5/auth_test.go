package socks5

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
)

type opaqueAuth struct{ m proto.Method }

func (a opaqueAuth) Method() proto.Method { return a.m }

func (a opaqueAuth) Authenticate(context.Context, io.ReadWriter) (AuthInfo, error) {
	return AuthInfo{Method: a.m}, nil
}

func TestNegotiatorSelect(t *testing.T) {
	userPass := UserPass{Verifier: StaticCredentials{"u": "p"}}
	vendor := opaqueAuth{m: 0x80}

	tests := []struct {
		name       string
		configured []Authenticator
		offered    []proto.Method
		want       proto.Method
	}{
		{"no auth", []Authenticator{NoAuth{}}, []proto.Method{proto.MethodNoAuth}, proto.MethodNoAuth},
		{"server order wins", []Authenticator{userPass, NoAuth{}}, []proto.Method{proto.MethodNoAuth, proto.MethodUserPass}, proto.MethodUserPass},
		{"fallback", []Authenticator{userPass, NoAuth{}}, []proto.Method{proto.MethodNoAuth}, proto.MethodNoAuth},
		{"no overlap", []Authenticator{userPass}, []proto.Method{proto.MethodNoAuth, proto.MethodGSSAPI}, proto.MethodNoAcceptable},
		{"empty offer", []Authenticator{NoAuth{}}, nil, proto.MethodNoAcceptable},
		{"vendor configured", []Authenticator{vendor}, []proto.Method{0x80}, 0x80},
		{"vendor not configured", []Authenticator{NoAuth{}}, []proto.Method{0x80, 0x03}, proto.MethodNoAcceptable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := newNegotiator(tt.configured)
			if err != nil {
				t.Fatal(err)
			}
			got := proto.MethodNoAcceptable
			if a := n.Select(&proto.HandshakeRequest{Methods: tt.offered}); a != nil {
				got = a.Method()
			}
			if got != tt.want {
				t.Fatalf("selected %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNegotiatorRejectsBadConfig(t *testing.T) {
	if _, err := newNegotiator([]Authenticator{opaqueAuth{m: proto.MethodNoAcceptable}}); err == nil {
		t.Fatal("0xFF accepted as a method")
	}
	if _, err := newNegotiator([]Authenticator{NoAuth{}, NoAuth{}}); err == nil {
		t.Fatal("duplicate method accepted")
	}
	if _, err := newNegotiator([]Authenticator{UserPass{}}); err == nil {
		t.Fatal("user/pass without a verifier accepted")
	}
	if _, err := newNegotiator([]Authenticator{&UserPass{}}); err == nil {
		t.Fatal("*UserPass without a verifier accepted")
	}
}

func TestStaticCredentials(t *testing.T) {
	creds := StaticCredentials{"alice": "secret"}
	tests := []struct {
		user, pass string
		ok         bool
	}{
		{"alice", "secret", true},
		{"alice", "secreT", false},
		{"alice", "secret-but-longer", false},
		{"alice", "", false},
		{"bob", "secret", false},
		{"bob", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.user+"/"+tt.pass, func(t *testing.T) {
			err := creds.Verify(context.Background(), tt.user, tt.pass)
			if got := err == nil; got != tt.ok {
				t.Fatalf("got %v", err)
			}
			if err != nil && !errors.Is(err, ErrBadCredentials) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

type rw struct {
	io.Reader
	io.Writer
}

func passwordRequest(t *testing.T, user, pass string) *bytes.Buffer {
	t.Helper()
	b, err := (&proto.PasswordRequest{Username: []byte(user), Password: []byte(pass)}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewBuffer(b)
}

func TestUserPassAuthenticate(t *testing.T) {
	custom := VerifierFunc(func(_ context.Context, user, _ string) error {
		if user == "locked" {
			return &RejectError{Status: 0x42, Reason: "account locked"}
		}
		return ErrBadCredentials
	})

	tests := []struct {
		name       string
		verifier   Verifier
		user, pass string
		wantStatus byte
		wantErr    bool
	}{
		{"accepted", StaticCredentials{"alice": "secret"}, "alice", "secret", proto.StatusSuccess, false},
		{"wrong password", StaticCredentials{"alice": "secret"}, "alice", "nope", proto.StatusFailure, true},
		{"unknown user", StaticCredentials{"alice": "secret"}, "bob", "secret", proto.StatusFailure, true},
		{"custom status", custom, "locked", "x", 0x42, true},
		{"plain error", custom, "other", "x", proto.StatusFailure, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			info, err := UserPass{Verifier: tt.verifier}.Authenticate(context.Background(), rw{passwordRequest(t, tt.user, tt.pass), &out})
			if tt.wantErr {
				if !errors.Is(err, ErrAuthFailed) {
					t.Fatalf("expected ErrAuthFailed, got %v", err)
				}
			} else {
				if err != nil {
					t.Fatal(err)
				}
				if info.Username != tt.user || info.Method != proto.MethodUserPass {
					t.Fatalf("info %+v", info)
				}
			}

			resp, err := proto.ReadPasswordResponse(&out)
			if err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantStatus {
				t.Fatalf("status %#x, want %#x", resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestUserPassMalformed(t *testing.T) {
	var out bytes.Buffer
	in := bytes.NewBuffer([]byte{0x05, 0x01, 'u', 0x01, 'p'})
	_, err := UserPass{Verifier: StaticCredentials{}}.Authenticate(context.Background(), rw{in, &out})
	if !errors.Is(err, ErrAuthFailed) || !proto.IsProtocol(err) {
		t.Fatalf("expected protocol auth failure, got %v", err)
	}
	if !bytes.Equal(out.Bytes(), []byte{proto.SubnegotiationVersion, proto.StatusFailure}) {
		t.Fatalf("response % x", out.Bytes())
	}
}

func TestUserPassTruncated(t *testing.T) {
	var out bytes.Buffer
	in := bytes.NewBuffer([]byte{0x01, 0x05, 'a', 'b'})
	_, err := UserPass{Verifier: StaticCredentials{}}.Authenticate(context.Background(), rw{in, &out})
	if !errors.Is(err, proto.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected response % x", out.Bytes())
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestRejectKeepsCause(t *testing.T) {
	err := reject(failWriter{}, proto.StatusFailure, ErrBadCredentials)
	if !errors.Is(err, ErrBadCredentials) || !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("both causes should be reported: %v", err)
	}
}
