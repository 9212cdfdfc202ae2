package proto

import (
	"fmt"
	"io"
)

/*
	PasswordRequest (RFC 1929)
	   +-----+------+----------+------+----------+
	   | VER | ULEN |  UNAME   | PLEN |  PASSWD  |
	   +-----+------+----------+------+----------+
	   |  1  |  1   | 1 to 255 |  1   | 1 to 255 |
	   +-----+------+----------+------+----------+
*/

// PasswordRequest is the username/password sub-negotiation request.
type PasswordRequest struct {
	Username []byte
	Password []byte
}

// ReadPasswordRequest decodes a sub-negotiation request. Zero-length fields
// are protocol errors.
func ReadPasswordRequest(r io.Reader) (*PasswordRequest, error) {
	m := newReader(r, "password request")
	if err := m.version(SubnegotiationVersion, KindSubnegotiationVersion); err != nil {
		return nil, err
	}
	user, err := readCredential(m)
	if err != nil {
		return nil, err
	}
	pass, err := readCredential(m)
	if err != nil {
		return nil, err
	}
	return &PasswordRequest{Username: user, Password: pass}, nil
}

func readCredential(m *reader) ([]byte, error) {
	n, err := m.u8()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &ProtocolError{Kind: KindCredentialLength, Value: n}
	}
	b := make([]byte, n)
	if err := m.full(b); err != nil {
		return nil, err
	}
	return b, nil
}

// MarshalBinary encodes the request.
func (p *PasswordRequest) MarshalBinary() ([]byte, error) {
	for _, f := range [][]byte{p.Username, p.Password} {
		if len(f) == 0 || len(f) > 255 {
			return nil, fmt.Errorf("credential of %d bytes: %w", len(f), ErrInvalidValue)
		}
	}
	b := make([]byte, 0, 3+len(p.Username)+len(p.Password))
	b = append(b, SubnegotiationVersion, byte(len(p.Username)))
	b = append(b, p.Username...)
	b = append(b, byte(len(p.Password)))
	return append(b, p.Password...), nil
}

// WriteTo writes the encoded request to w.
func (p *PasswordRequest) WriteTo(w io.Writer) (int64, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return writeAll(w, b)
}

/*
	PasswordResponse
	   +-----+--------+
	   | VER | STATUS |
	   +-----+--------+
	   |  1  |   1    |
	   +-----+--------+
*/

// PasswordResponse is the sub-negotiation response; any non-zero status is a failure.
type PasswordResponse struct {
	Status byte
}

// OK reports whether the status is success.
func (p *PasswordResponse) OK() bool { return p.Status == StatusSuccess }

// ReadPasswordResponse decodes a sub-negotiation response.
func ReadPasswordResponse(r io.Reader) (*PasswordResponse, error) {
	m := newReader(r, "password response")
	if err := m.version(SubnegotiationVersion, KindSubnegotiationVersion); err != nil {
		return nil, err
	}
	s, err := m.u8()
	if err != nil {
		return nil, err
	}
	return &PasswordResponse{Status: s}, nil
}

// MarshalBinary encodes the response.
func (p *PasswordResponse) MarshalBinary() ([]byte, error) {
	return []byte{SubnegotiationVersion, p.Status}, nil
}

// WriteTo writes the encoded response to w.
func (p *PasswordResponse) WriteTo(w io.Writer) (int64, error) {
	return writeAll(w, []byte{SubnegotiationVersion, p.Status})
}
