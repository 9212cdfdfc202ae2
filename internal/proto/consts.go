package proto

import "fmt"

const (
	// Version is the SOCKS protocol version byte.
	Version byte = 0x05
	// SubnegotiationVersion is the username/password sub-negotiation version (RFC 1929).
	SubnegotiationVersion byte = 0x01
)

// Method is a handshake method code.
type Method byte

const (
	MethodNoAuth       Method = 0x00
	MethodGSSAPI       Method = 0x01
	MethodUserPass     Method = 0x02
	MethodNoAcceptable Method = 0xFF
)

// IsIANA reports whether m is in the IANA assigned range 0x03-0x7F.
func (m Method) IsIANA() bool { return m >= 0x03 && m <= 0x7F }

// IsPrivate reports whether m is in the range reserved for private methods.
func (m Method) IsPrivate() bool { return m >= 0x80 && m <= 0xFE }

func (m Method) String() string {
	switch m {
	case MethodNoAuth:
		return "no-auth"
	case MethodGSSAPI:
		return "gssapi"
	case MethodUserPass:
		return "username-password"
	case MethodNoAcceptable:
		return "no-acceptable"
	}
	return fmt.Sprintf("method(%#02x)", byte(m))
}

// Command is a request command.
type Command byte

const (
	CmdConnect   Command = 0x01
	CmdBind      Command = 0x02
	CmdAssociate Command = 0x03
)

// ParseCommand validates a command byte.
func ParseCommand(b byte) (Command, error) {
	switch c := Command(b); c {
	case CmdConnect, CmdBind, CmdAssociate:
		return c, nil
	}
	return 0, &ProtocolError{Kind: KindCommand, Value: b}
}

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "connect"
	case CmdBind:
		return "bind"
	case CmdAssociate:
		return "associate"
	}
	return fmt.Sprintf("command(%#02x)", byte(c))
}

// Reply is a response status code.
type Reply byte

const (
	Succeeded Reply = iota
	GeneralFailure
	ConnectionNotAllowed
	NetworkUnreachable
	HostUnreachable
	ConnectionRefused
	TTLExpired
	CommandNotSupported
	AddressTypeNotSupported
)

// ParseReply validates a reply byte.
func ParseReply(b byte) (Reply, error) {
	if b > byte(AddressTypeNotSupported) {
		return 0, &ProtocolError{Kind: KindReply, Value: b}
	}
	return Reply(b), nil
}

var replyNames = [...]string{
	Succeeded:               "succeeded",
	GeneralFailure:          "general-failure",
	ConnectionNotAllowed:    "connection-not-allowed",
	NetworkUnreachable:      "network-unreachable",
	HostUnreachable:         "host-unreachable",
	ConnectionRefused:       "connection-refused",
	TTLExpired:              "ttl-expired",
	CommandNotSupported:     "command-not-supported",
	AddressTypeNotSupported: "address-type-not-supported",
}

func (r Reply) String() string {
	if int(r) < len(replyNames) {
		return replyNames[r]
	}
	return fmt.Sprintf("reply(%#02x)", byte(r))
}

// AddrType is the ATYP byte.
type AddrType byte

const (
	AddrIPv4   AddrType = 0x01
	AddrDomain AddrType = 0x03
	AddrIPv6   AddrType = 0x04
)

// ParseAddrType validates an ATYP byte.
func ParseAddrType(b byte) (AddrType, error) {
	switch t := AddrType(b); t {
	case AddrIPv4, AddrDomain, AddrIPv6:
		return t, nil
	}
	return 0, &ProtocolError{Kind: KindAddrType, Value: b}
}

// Username/password sub-negotiation status values. Any non-zero status is a failure.
const (
	StatusSuccess byte = 0x00
	StatusFailure byte = 0x01
)
