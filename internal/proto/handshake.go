package proto

import (
	"fmt"
	"io"
	"slices"
)

/*
	HandshakeRequest
	   +-----+----------+-----------+
	   | VER | NMETHODS |  METHODS  |
	   +-----+----------+-----------+
	   |  1  |    1     |  1 to 255 |
	   +-----+----------+-----------+
*/

// HandshakeRequest lists the methods offered by a client, in order.
type HandshakeRequest struct {
	Methods []Method
}

// Offers reports whether m is among the offered methods.
func (h *HandshakeRequest) Offers(m Method) bool {
	return slices.Contains(h.Methods, m)
}

// ReadHandshakeRequest decodes a handshake request.
func ReadHandshakeRequest(r io.Reader) (*HandshakeRequest, error) {
	m := newReader(r, "handshake request")
	if err := m.version(Version, KindVersion); err != nil {
		return nil, err
	}
	n, err := m.u8()
	if err != nil {
		return nil, err
	}
	raw := make([]byte, n)
	if err := m.full(raw); err != nil {
		return nil, err
	}
	methods := make([]Method, n)
	for i, b := range raw {
		methods[i] = Method(b)
	}
	return &HandshakeRequest{Methods: methods}, nil
}

// MarshalBinary encodes the request.
func (h *HandshakeRequest) MarshalBinary() ([]byte, error) {
	if len(h.Methods) > 255 {
		return nil, fmt.Errorf("%d methods: %w", len(h.Methods), ErrInvalidValue)
	}
	b := make([]byte, 0, 2+len(h.Methods))
	b = append(b, Version, byte(len(h.Methods)))
	for _, m := range h.Methods {
		b = append(b, byte(m))
	}
	return b, nil
}

// WriteTo writes the encoded request to w.
func (h *HandshakeRequest) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return writeAll(w, b)
}

/*
	HandshakeResponse
	   +-----+--------+
	   | VER | METHOD |
	   +-----+--------+
	   |  1  |   1    |
	   +-----+--------+
*/

// HandshakeResponse carries the method selected by the server.
type HandshakeResponse struct {
	Method Method
}

// ReadHandshakeResponse decodes a handshake response.
func ReadHandshakeResponse(r io.Reader) (*HandshakeResponse, error) {
	m := newReader(r, "handshake response")
	if err := m.version(Version, KindVersion); err != nil {
		return nil, err
	}
	b, err := m.u8()
	if err != nil {
		return nil, err
	}
	return &HandshakeResponse{Method: Method(b)}, nil
}

// MarshalBinary encodes the response.
func (h *HandshakeResponse) MarshalBinary() ([]byte, error) {
	return []byte{Version, byte(h.Method)}, nil
}

// WriteTo writes the encoded response to w.
func (h *HandshakeResponse) WriteTo(w io.Writer) (int64, error) {
	return writeAll(w, []byte{Version, byte(h.Method)})
}
