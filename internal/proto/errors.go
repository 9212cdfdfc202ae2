package proto

import (
	"errors"
	"fmt"
	"io"
)

// ErrIncomplete reports that the stream ended inside a message. It is a
// transport condition, distinct from a ProtocolError.
var ErrIncomplete = errors.New("incomplete message")

// ErrInvalidValue is returned by encoders for values that have no encoding.
var ErrInvalidValue = errors.New("invalid value")

// ErrorKind classifies protocol errors.
type ErrorKind int

const (
	KindVersion ErrorKind = iota + 1
	KindSubnegotiationVersion
	KindCommand
	KindReply
	KindAddrType
	KindDomainLength
	KindCredentialLength
	KindReserved
)

var kindNames = map[ErrorKind]string{
	KindVersion:               "unsupported version",
	KindSubnegotiationVersion: "unsupported sub-negotiation version",
	KindCommand:               "unsupported command",
	KindReply:                 "unknown reply",
	KindAddrType:              "unsupported address type",
	KindDomainLength:          "invalid domain name length",
	KindCredentialLength:      "invalid credential length",
	KindReserved:              "non-zero reserved field",
}

// ProtocolError is a malformed or disallowed message field.
type ProtocolError struct {
	Kind  ErrorKind
	Value byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("socks5: %s %#02x", kindNames[e.Kind], e.Value)
}

// Reply returns the closest response code for the error.
func (e *ProtocolError) Reply() Reply {
	switch e.Kind {
	case KindCommand:
		return CommandNotSupported
	case KindAddrType:
		return AddressTypeNotSupported
	}
	return GeneralFailure
}

// IsProtocol reports whether err carries a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ReplyFor maps a decode error to the reply code the server should send.
func ReplyFor(err error) Reply {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Reply()
	}
	return GeneralFailure
}

// reader reads one message and tracks whether any byte of it was consumed,
// so a clean EOF at a message boundary is told apart from truncation.
type reader struct {
	r    io.Reader
	n    int
	what string
	buf  [2]byte
}

func newReader(r io.Reader, what string) *reader {
	return &reader{r: r, what: what}
}

func (m *reader) full(p []byte) error {
	n, err := io.ReadFull(m.r, p)
	m.n += n
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) && m.n == 0 {
		return io.EOF
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read %s: %w: %w", m.what, ErrIncomplete, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("read %s: %w", m.what, err)
}

func (m *reader) u8() (byte, error) {
	if err := m.full(m.buf[:1]); err != nil {
		return 0, err
	}
	return m.buf[0], nil
}

func (m *reader) u16() (uint16, error) {
	if err := m.full(m.buf[:2]); err != nil {
		return 0, err
	}
	return uint16(m.buf[0])<<8 | uint16(m.buf[1]), nil
}

func (m *reader) version(want byte, kind ErrorKind) error {
	v, err := m.u8()
	if err != nil {
		return err
	}
	if v != want {
		return &ProtocolError{Kind: kind, Value: v}
	}
	return nil
}

func writeAll(w io.Writer, b []byte) (int64, error) {
	n, err := w.Write(b)
	return int64(n), err
}
