package socks5

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
)

var (
	ErrNoAcceptableMethod = errors.New("no acceptable authentication method")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrBadCredentials     = errors.New("invalid username or password")
)

// AuthInfo describes how a client authenticated.
type AuthInfo struct {
	Method   proto.Method
	Username string
}

// Authenticator runs the sub-negotiation of one method after it has been
// selected. It must write its own response to rw.
type Authenticator interface {
	Method() proto.Method
	Authenticate(ctx context.Context, rw io.ReadWriter) (AuthInfo, error)
}

// NoAuth accepts every client.
type NoAuth struct{}

func (NoAuth) Method() proto.Method { return proto.MethodNoAuth }

func (NoAuth) Authenticate(context.Context, io.ReadWriter) (AuthInfo, error) {
	return AuthInfo{Method: proto.MethodNoAuth}, nil
}

// Verifier checks a username and password. A *RejectError selects the status
// sent to the client; any other error sends StatusFailure.
type Verifier interface {
	Verify(ctx context.Context, username, password string) error
}

type VerifierFunc func(ctx context.Context, username, password string) error

func (f VerifierFunc) Verify(ctx context.Context, username, password string) error {
	return f(ctx, username, password)
}

// RejectError rejects credentials with a specific non-zero status.
type RejectError struct {
	Status byte
	Reason string
}

func (e *RejectError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("credentials rejected (status %#02x): %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("credentials rejected (status %#02x)", e.Status)
}

// StaticCredentials maps usernames to passwords.
type StaticCredentials map[string]string

func (s StaticCredentials) Verify(_ context.Context, username, password string) error {
	want, ok := s[username]
	// fixed-size digests keep the compare independent of password length
	wantSum := sha256.Sum256([]byte(want))
	gotSum := sha256.Sum256([]byte(password))
	if subtle.ConstantTimeCompare(wantSum[:], gotSum[:]) != 1 || !ok {
		return ErrBadCredentials
	}
	return nil
}

// UserPass is username/password authentication (RFC 1929).
type UserPass struct {
	Verifier Verifier
}

func (UserPass) Method() proto.Method { return proto.MethodUserPass }

func (u UserPass) Authenticate(ctx context.Context, rw io.ReadWriter) (AuthInfo, error) {
	/*
		Read
		   +----+------+----------+------+----------+
		   |VER | ULEN |  UNAME   | PLEN |  PASSWD  |
		   +----+------+----------+------+----------+
		   | 1  |  1   | 1 to 255 |  1   | 1 to 255 |
		   +----+------+----------+------+----------+
	*/
	req, err := proto.ReadPasswordRequest(rw)
	if err != nil {
		if proto.IsProtocol(err) {
			return AuthInfo{}, reject(rw, proto.StatusFailure, err)
		}
		return AuthInfo{}, fmt.Errorf("read credentials: %w", err)
	}

	user := string(req.Username)
	if err := u.Verifier.Verify(ctx, user, string(req.Password)); err != nil {
		status := proto.StatusFailure
		var re *RejectError
		if errors.As(err, &re) && re.Status != proto.StatusSuccess {
			status = re.Status
		}
		return AuthInfo{}, reject(rw, status, fmt.Errorf("user %q: %w", user, err))
	}

	/*
		replay
		   +----+--------+
		   |VER | STATUS |
		   +----+--------+
		   | 1  |   1    |
		   +----+--------+
	*/
	resp := &proto.PasswordResponse{Status: proto.StatusSuccess}
	if _, err := resp.WriteTo(rw); err != nil {
		return AuthInfo{}, fmt.Errorf("write auth status: %w", err)
	}
	return AuthInfo{Method: proto.MethodUserPass, Username: user}, nil
}

// reject sends a failure status; a failed send is reported alongside cause.
func reject(w io.Writer, status byte, cause error) error {
	err := fmt.Errorf("%w: %w", ErrAuthFailed, cause)
	resp := &proto.PasswordResponse{Status: status}
	if _, werr := resp.WriteTo(w); werr != nil {
		return errors.Join(err, fmt.Errorf("send auth status: %w", werr))
	}
	return err
}

// negotiator picks the first configured method that the client offers.
type negotiator struct {
	auths []Authenticator
}

func newNegotiator(auths []Authenticator) (*negotiator, error) {
	seen := make(map[proto.Method]bool, len(auths))
	for _, a := range auths {
		m := a.Method()
		if m == proto.MethodNoAcceptable {
			return nil, fmt.Errorf("method %s cannot be configured", m)
		}
		if seen[m] {
			return nil, fmt.Errorf("method %s configured twice", m)
		}
		if !hasVerifier(a) {
			return nil, fmt.Errorf("method %s has no verifier", m)
		}
		seen[m] = true
	}
	return &negotiator{auths: auths}, nil
}

func hasVerifier(a Authenticator) bool {
	switch up := a.(type) {
	case UserPass:
		return up.Verifier != nil
	case *UserPass:
		return up != nil && up.Verifier != nil
	}
	return true
}

// Select returns nil when nothing offered is acceptable.
func (n *negotiator) Select(req *proto.HandshakeRequest) Authenticator {
	for _, a := range n.auths {
		if req.Offers(a.Method()) {
			return a
		}
	}
	return nil
}

func (n *negotiator) Methods() []proto.Method {
	ms := make([]proto.Method, 0, len(n.auths))
	for _, a := range n.auths {
		ms = append(ms, a.Method())
	}
	return ms
}
