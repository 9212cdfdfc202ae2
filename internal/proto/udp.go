package proto

import (
	"bytes"
	"fmt"
	"io"
)

/*
	UDP datagram
	   +-----+------+------+----------+----------+----------+
	   | RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
	   +-----+------+------+----------+----------+----------+
	   |  2  |  1   |  1   | Variable |    2     | Variable |
	   +-----+------+------+----------+----------+----------+
*/

// UDPHeader precedes every datagram exchanged with an associated client.
type UDPHeader struct {
	// Frag is the fragment number; 0 means a standalone datagram.
	Frag byte
	Addr Address
}

// Len returns the encoded header length.
func (h *UDPHeader) Len() int {
	return 3 + h.Addr.Len()
}

// ParseUDPDatagram splits a datagram into its header and payload. The
// payload aliases b. A short datagram yields ErrIncomplete.
func ParseUDPDatagram(b []byte) (*UDPHeader, []byte, error) {
	r := bytes.NewReader(b)
	m := newReader(r, "udp header")
	var hdr [3]byte
	if err := m.full(hdr[:]); err != nil {
		return nil, nil, incomplete(err)
	}
	if hdr[0] != 0 || hdr[1] != 0 {
		return nil, nil, &ProtocolError{Kind: KindReserved, Value: hdr[0] | hdr[1]}
	}
	addr, err := readAddress(m)
	if err != nil {
		return nil, nil, incomplete(err)
	}
	return &UDPHeader{Frag: hdr[2], Addr: addr}, b[len(b)-r.Len():], nil
}

// AppendDatagram appends the encoded header followed by payload to b.
func (h *UDPHeader) AppendDatagram(b, payload []byte) ([]byte, error) {
	b = append(b, 0x00, 0x00, h.Frag)
	b, err := h.Addr.AppendBinary(b)
	if err != nil {
		return b, err
	}
	return append(b, payload...), nil
}

// incomplete reports an empty datagram as truncated rather than as a clean EOF.
func incomplete(err error) error {
	if err == io.EOF {
		return fmt.Errorf("read udp header: %w: %w", ErrIncomplete, io.ErrUnexpectedEOF)
	}
	return err
}
