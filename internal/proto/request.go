package proto

import (
	"io"
)

/*
	Request
	   +----+-----+-------+------+----------+----------+
	   |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	   +----+-----+-------+------+----------+----------+
	   | 1  |  1  | X'00' |  1   | Variable |    2     |
	   +----+-----+-------+------+----------+----------+
*/

// Request is a client command request.
type Request struct {
	Command Command
	Addr    Address
}

// ReadRequest decodes a request. The version is checked before any other
// field; RSV is not checked.
func ReadRequest(r io.Reader) (*Request, error) {
	m := newReader(r, "request")
	if err := m.version(Version, KindVersion); err != nil {
		return nil, err
	}
	var hdr [2]byte
	if err := m.full(hdr[:]); err != nil {
		return nil, err
	}
	cmd, err := ParseCommand(hdr[0])
	if err != nil {
		return nil, err
	}
	m.what = "request address"
	addr, err := readAddress(m)
	if err != nil {
		return nil, err
	}
	return &Request{Command: cmd, Addr: addr}, nil
}

// MarshalBinary encodes the request.
func (q *Request) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 3+q.Addr.Len())
	b = append(b, Version, byte(q.Command), 0x00)
	return q.Addr.AppendBinary(b)
}

// WriteTo writes the encoded request to w.
func (q *Request) WriteTo(w io.Writer) (int64, error) {
	b, err := q.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return writeAll(w, b)
}

/*
	Response
	   +----+-----+-------+------+----------+----------+
	   |VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
	   +----+-----+-------+------+----------+----------+
	   | 1  |  1  | X'00' |  1   | Variable |    2     |
	   +----+-----+-------+------+----------+----------+
*/

// Response is a server reply to a request.
type Response struct {
	Reply Reply
	Addr  Address
}

// ReadResponse decodes a response.
func ReadResponse(r io.Reader) (*Response, error) {
	m := newReader(r, "response")
	if err := m.version(Version, KindVersion); err != nil {
		return nil, err
	}
	var hdr [2]byte
	if err := m.full(hdr[:]); err != nil {
		return nil, err
	}
	rep, err := ParseReply(hdr[0])
	if err != nil {
		return nil, err
	}
	m.what = "response address"
	addr, err := readAddress(m)
	if err != nil {
		return nil, err
	}
	return &Response{Reply: rep, Addr: addr}, nil
}

// MarshalBinary encodes the response.
func (p *Response) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 3+p.Addr.Len())
	b = append(b, Version, byte(p.Reply), 0x00)
	return p.Addr.AppendBinary(b)
}

// WriteTo writes the encoded response to w.
func (p *Response) WriteTo(w io.Writer) (int64, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return writeAll(w, b)
}
