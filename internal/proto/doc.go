// Package proto encodes and decodes SOCKS5 messages (RFC 1928, RFC 1929).
//
// Decoders read exactly the bytes a message declares. A stream that ends
// inside a message yields an error wrapping ErrIncomplete; a malformed field
// yields a *ProtocolError. Encoders reject values that have no wire form with
// ErrInvalidValue.
package proto
