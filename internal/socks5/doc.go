// Package socks5 is a SOCKS5 server (RFC 1928) with username/password
// authentication (RFC 1929) and the CONNECT, BIND and UDP ASSOCIATE commands.
//
// Authentication, outbound dialing, listening sockets, name resolution and
// request rules are all supplied through Config, so policy can be swapped
// without touching the protocol handling.
package socks5
