package proto

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

// MaxAddressLen is the longest encoded address: ATYP, length, 255 name bytes, port.
const MaxAddressLen = 1 + 1 + 255 + 2

// Address is a SOCKS5 address: an IPv4 or IPv6 address, or a domain name,
// plus a port.
type Address struct {
	Type AddrType
	// IP is set for AddrIPv4 (a 4-byte address) and AddrIPv6.
	IP netip.Addr
	// Name is set for AddrDomain; 1 to 255 bytes.
	Name string
	Port uint16
}

// Unspecified returns 0.0.0.0:0, used in failure responses.
func Unspecified() Address {
	return Address{Type: AddrIPv4, IP: netip.IPv4Unspecified()}
}

// AddrFromIP builds an IPv4 or IPv6 address. IPv4-mapped IPv6 addresses are
// encoded as IPv4.
func AddrFromIP(ip netip.Addr, port uint16) Address {
	ip = ip.Unmap().WithZone("")
	if ip.Is4() {
		return Address{Type: AddrIPv4, IP: ip, Port: port}
	}
	return Address{Type: AddrIPv6, IP: ip, Port: port}
}

// AddrFromAddrPort is AddrFromIP for a netip.AddrPort.
func AddrFromAddrPort(ap netip.AddrPort) Address {
	return AddrFromIP(ap.Addr(), ap.Port())
}

// DomainAddr builds a domain name address.
func DomainAddr(name string, port uint16) Address {
	return Address{Type: AddrDomain, Name: name, Port: port}
}

// AddrFromNet converts a *net.TCPAddr or *net.UDPAddr (or anything whose
// String is host:port) to an Address. Hosts that are not IP literals become
// domain addresses.
func AddrFromNet(a net.Addr) (Address, error) {
	switch a := a.(type) {
	case *net.TCPAddr:
		return AddrFromAddrPort(a.AddrPort()), nil
	case *net.UDPAddr:
		return AddrFromAddrPort(a.AddrPort()), nil
	case nil:
		return Address{}, fmt.Errorf("nil address: %w", ErrInvalidValue)
	}
	return ParseAddress(a.String())
}

// ParseAddress parses host:port.
func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("port %q: %w", port, err)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return AddrFromIP(ip, uint16(p)), nil
	}
	a := DomainAddr(host, uint16(p))
	return a, a.validate()
}

// IsUnspecified reports whether the address is an all-zero IP.
func (a Address) IsUnspecified() bool {
	return a.Type != AddrDomain && (!a.IP.IsValid() || a.IP.IsUnspecified())
}

// Host returns the IP literal or domain name.
func (a Address) Host() string {
	if a.Type == AddrDomain {
		return a.Name
	}
	return a.IP.String()
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

// AddrPort returns the IP and port; ok is false for domain addresses.
func (a Address) AddrPort() (netip.AddrPort, bool) {
	if a.Type == AddrDomain {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.IP, a.Port), true
}

// Len returns the encoded length.
func (a Address) Len() int {
	switch a.Type {
	case AddrIPv4:
		return 1 + 4 + 2
	case AddrIPv6:
		return 1 + 16 + 2
	}
	return 1 + 1 + len(a.Name) + 2
}

func (a Address) validate() error {
	switch a.Type {
	case AddrIPv4:
		if !a.IP.Is4() {
			return fmt.Errorf("ipv4 address %v: %w", a.IP, ErrInvalidValue)
		}
	case AddrIPv6:
		if !a.IP.Is6() {
			return fmt.Errorf("ipv6 address %v: %w", a.IP, ErrInvalidValue)
		}
	case AddrDomain:
		if len(a.Name) == 0 || len(a.Name) > 255 {
			return fmt.Errorf("domain name of %d bytes: %w", len(a.Name), ErrInvalidValue)
		}
	default:
		return fmt.Errorf("address type %#02x: %w", byte(a.Type), ErrInvalidValue)
	}
	return nil
}

// AppendBinary appends ATYP, address and port to b.
func (a Address) AppendBinary(b []byte) ([]byte, error) {
	if err := a.validate(); err != nil {
		return b, err
	}
	b = append(b, byte(a.Type))
	switch a.Type {
	case AddrIPv4, AddrIPv6:
		b = append(b, a.IP.AsSlice()...)
	case AddrDomain:
		b = append(b, byte(len(a.Name)))
		b = append(b, a.Name...)
	}
	return binary.BigEndian.AppendUint16(b, a.Port), nil
}

// ReadAddress decodes ATYP, address and port. It reads exactly the bytes the
// ATYP implies; on an unknown ATYP nothing after that byte is consumed.
func ReadAddress(r io.Reader) (Address, error) {
	return readAddress(newReader(r, "address"))
}

func readAddress(m *reader) (Address, error) {
	t, err := m.u8()
	if err != nil {
		return Address{}, err
	}
	atyp, err := ParseAddrType(t)
	if err != nil {
		return Address{}, err
	}

	a := Address{Type: atyp}
	switch atyp {
	case AddrIPv4:
		var ip [4]byte
		if err := m.full(ip[:]); err != nil {
			return Address{}, err
		}
		a.IP = netip.AddrFrom4(ip)
	case AddrIPv6:
		var ip [16]byte
		if err := m.full(ip[:]); err != nil {
			return Address{}, err
		}
		a.IP = netip.AddrFrom16(ip)
	case AddrDomain:
		n, err := m.u8()
		if err != nil {
			return Address{}, err
		}
		if n == 0 {
			return Address{}, &ProtocolError{Kind: KindDomainLength, Value: n}
		}
		name := make([]byte, n)
		if err := m.full(name); err != nil {
			return Address{}, err
		}
		a.Name = string(name)
	}

	if a.Port, err = m.u16(); err != nil {
		return Address{}, err
	}
	return a, nil
}
