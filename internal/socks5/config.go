package socks5

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/resolver"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultBindTimeout      = 2 * time.Minute
	DefaultMaxConns         = 1000
)

// UDPPolicy decides which datagrams an ASSOCIATE relay forwards to the client.
type UDPPolicy int

const (
	// UDPStrict forwards only datagrams from targets the client has sent to.
	UDPStrict UDPPolicy = iota
	// UDPLoose forwards datagrams from any remote peer.
	UDPLoose
)

func ParseUDPPolicy(s string) (UDPPolicy, error) {
	switch strings.ToLower(s) {
	case "strict", "":
		return UDPStrict, nil
	case "loose":
		return UDPLoose, nil
	}
	return 0, fmt.Errorf("unknown udp policy %q", s)
}

func (p UDPPolicy) String() string {
	if p == UDPLoose {
		return "loose"
	}
	return "strict"
}

// BindPeerCheck accepts or rejects the connection that arrived for a BIND
// request whose destination was dst.
type BindPeerCheck func(dst proto.Address, peer netip.AddrPort) bool

// Config is read-only once passed to NewServer.
type Config struct {
	// Authenticators in order of preference. Empty means NoAuth only.
	Authenticators []Authenticator

	// Dialer opens CONNECT targets. Defaults to a DirectDialer using Resolver.
	Dialer Dialer
	// Network opens BIND and ASSOCIATE sockets.
	Network Network
	// Resolver resolves domain targets of UDP datagrams.
	Resolver resolver.Resolver
	// Rules is consulted for every decoded request.
	Rules RuleSet
	// BindPeerCheck defaults to DefaultBindPeerCheck.
	BindPeerCheck BindPeerCheck

	// HandshakeTimeout bounds method negotiation, authentication and the
	// request read.
	HandshakeTimeout time.Duration
	// ConnectTimeout bounds each outbound CONNECT attempt.
	ConnectTimeout time.Duration
	// BindTimeout bounds the wait for the BIND peer.
	BindTimeout time.Duration
	// Linger is how long a relay keeps the other direction open after one
	// side reached EOF. Zero ends the relay on the first EOF.
	Linger time.Duration

	// BindIP is the listen address for BIND. Defaults to 0.0.0.0.
	BindIP netip.Addr
	// UDPIP is the listen address for ASSOCIATE. Defaults to the wildcard
	// of the control connection's family; the response then carries the
	// control connection's local IP.
	UDPIP     netip.Addr
	UDPPolicy UDPPolicy
	// MaxUDPPacketSize drops relayed datagrams larger than this, header
	// included. Zero means no limit.
	MaxUDPPacketSize int

	DisableBind      bool
	DisableAssociate bool

	// MaxConns limits concurrent sessions in Serve.
	MaxConns int64

	Logger *log.Entry
}

func (c Config) withDefaults() Config {
	if len(c.Authenticators) == 0 {
		c.Authenticators = []Authenticator{NoAuth{}}
	}
	if c.Resolver == nil {
		c.Resolver = resolver.System{}
	}
	if c.Dialer == nil {
		c.Dialer = &DirectDialer{KeepAlive: 30 * time.Second, Resolver: c.Resolver}
	}
	if c.Network == nil {
		c.Network = &DirectNetwork{}
	}
	if c.Rules == nil {
		c.Rules = PermitAll{}
	}
	if c.BindPeerCheck == nil {
		c.BindPeerCheck = DefaultBindPeerCheck
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.BindTimeout == 0 {
		c.BindTimeout = DefaultBindTimeout
	}
	if !c.BindIP.IsValid() {
		c.BindIP = netip.IPv4Unspecified()
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.Logger == nil {
		c.Logger = log.NewEntry(log.StandardLogger())
	}
	return c
}

// DefaultBindPeerCheck requires the peer to come from the request's
// destination IP when one was given. Domain destinations are not checked.
func DefaultBindPeerCheck(dst proto.Address, peer netip.AddrPort) bool {
	if dst.Type == proto.AddrDomain || dst.IsUnspecified() {
		return true
	}
	return dst.IP == peer.Addr().Unmap()
}
