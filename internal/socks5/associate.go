package socks5

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/metrics"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/relay"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/resolver"
)

// maxUDPTargets caps the per-association target and name tables.
const maxUDPTargets = 1024

// associate runs a UDP relay until the control connection ends.
func (ss *session) associate(ctx context.Context, req *Request) error {
	if err := ss.enter(stateAssociate); err != nil {
		return err
	}
	cfg := &ss.srv.cfg

	// listen on the wildcard of the control connection's family, advertise
	// the control connection's local IP
	local, lerr := proto.AddrFromNet(socketLocalAddr(ss.conn))
	hasLocal := lerr == nil && local.Type != proto.AddrDomain && !local.IP.IsUnspecified()

	ip := cfg.UDPIP
	if !ip.IsValid() {
		ip = netip.IPv4Unspecified()
		if hasLocal && local.IP.Is6() {
			ip = netip.IPv6Unspecified()
		}
	}

	pc, err := cfg.Network.ListenUDP(ctx, netip.AddrPortFrom(ip, 0))
	if err != nil {
		return ss.fail(replyFor(err), fmt.Errorf("associate listen: %w", err))
	}
	defer func() { _ = pc.Close() }()

	bound, err := proto.AddrFromNet(pc.LocalAddr())
	if err != nil {
		return ss.fail(proto.GeneralFailure, fmt.Errorf("associate address: %w", err))
	}
	if bound.IP.IsUnspecified() && hasLocal {
		bound = proto.AddrFromIP(local.IP, bound.Port)
	}
	if err := ss.send(proto.Succeeded, bound); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := ss.enter(stateRelay); err != nil {
		return err
	}
	ss.log.Debugf("udp relay listening on %s", bound)

	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := ss.log
	w := watch(ss.conn, 0, func(err error) {
		logger.Debugf("control connection ended: %v", err)
		cancel()
	})
	defer func() { _, _ = w.stop() }()

	a := &association{
		pc:       pc,
		resolver: cfg.Resolver,
		timeout:  cfg.ConnectTimeout,
		policy:   cfg.UDPPolicy,
		maxPkt:   cfg.MaxUDPPacketSize,
		expect:   req.Dst,
		log:      logger,
		targets:  make(map[netip.AddrPort]struct{}),
		names:    make(map[string]netip.Addr),
	}
	err = relay.Packets(actx, pc, func(b []byte, from netip.AddrPort) error {
		a.handle(actx, b, from)
		return nil
	})

	metrics.RelayBytes.WithLabelValues("up").Add(float64(a.up))
	metrics.RelayBytes.WithLabelValues("down").Add(float64(a.down))
	logger.Debugf("udp relay has completed: up %d bytes, down %d bytes", a.up, a.down)
	if err != nil {
		return fmt.Errorf("udp relay: %w", err)
	}
	return nil
}

// association is the state of one UDP relay. It is only touched by the
// goroutine running relay.Packets.
type association struct {
	pc       UDPConn
	resolver resolver.Resolver
	timeout  time.Duration
	policy   UDPPolicy
	maxPkt   int
	expect   proto.Address
	log      *log.Entry

	// client is fixed by the first accepted datagram.
	client  netip.AddrPort
	targets map[netip.AddrPort]struct{}
	names   map[string]netip.Addr
	out     []byte

	up, down int64
}

func (a *association) handle(ctx context.Context, b []byte, from netip.AddrPort) {
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	if a.maxPkt > 0 && len(b) > a.maxPkt {
		a.drop("too_large", from, nil)
		return
	}

	switch {
	case a.client.IsValid() && from == a.client:
		a.fromClient(ctx, b)
	case !a.client.IsValid():
		if !a.expected(from) {
			a.drop("client_mismatch", from, nil)
			return
		}
		a.client = from
		a.log.Debugf("udp client is %s", from)
		a.fromClient(ctx, b)
	default:
		a.fromPeer(b, from)
	}
}

// expected checks a would-be client endpoint against the request's DST.
// Zero fields match anything.
func (a *association) expected(from netip.AddrPort) bool {
	if a.expect.Type == proto.AddrDomain {
		return true
	}
	if !a.expect.IsUnspecified() && a.expect.IP.Unmap() != from.Addr() {
		return false
	}
	return a.expect.Port == 0 || a.expect.Port == from.Port()
}

func (a *association) fromClient(ctx context.Context, b []byte) {
	/*
		+----+------+------+----------+----------+----------+
		|RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
		+----+------+------+----------+----------+----------+
		| 2  |  1   |  1   | Variable |    2     | Variable |
		+----+------+------+----------+----------+----------+
	*/
	hdr, payload, err := proto.ParseUDPDatagram(b)
	if err != nil {
		a.drop("malformed", a.client, err)
		return
	}
	if hdr.Frag != 0 {
		a.drop("fragment", a.client, fmt.Errorf("frag %d", hdr.Frag))
		return
	}

	dst, err := a.resolve(ctx, hdr.Addr)
	if err != nil {
		a.drop("resolve", a.client, err)
		return
	}
	if a.policy == UDPStrict {
		if _, ok := a.targets[dst]; !ok {
			if len(a.targets) >= maxUDPTargets {
				a.drop("target_limit", a.client, nil)
				return
			}
			a.targets[dst] = struct{}{}
		}
	}

	if _, err := a.pc.WriteToUDPAddrPort(payload, dst); err != nil {
		a.drop("send", a.client, err)
		return
	}
	a.up += int64(len(payload))
}

func (a *association) fromPeer(b []byte, from netip.AddrPort) {
	if a.policy == UDPStrict {
		if _, ok := a.targets[from]; !ok {
			a.drop("unknown_peer", from, nil)
			return
		}
	}

	hdr := proto.UDPHeader{Addr: proto.AddrFromAddrPort(from)}
	out, err := hdr.AppendDatagram(a.out[:0], b)
	a.out = out
	if err != nil {
		a.drop("malformed", from, err)
		return
	}
	if _, err := a.pc.WriteToUDPAddrPort(out, a.client); err != nil {
		a.drop("send", from, err)
		return
	}
	a.down += int64(len(b))
}

func (a *association) resolve(ctx context.Context, addr proto.Address) (netip.AddrPort, error) {
	if ap, ok := addr.AddrPort(); ok {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	if ip, ok := a.names[addr.Name]; ok {
		return netip.AddrPortFrom(ip, addr.Port), nil
	}

	rctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	ip, err := a.resolver.Resolve(rctx, addr.Name)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(a.names) < maxUDPTargets {
		a.names[addr.Name] = ip
	}
	return netip.AddrPortFrom(ip, addr.Port), nil
}

func (a *association) drop(reason string, from netip.AddrPort, err error) {
	metrics.UDPDropped.WithLabelValues(reason).Inc()
	if err != nil {
		a.log.Debugf("drop udp datagram from %s (%s): %v", from, reason, err)
		return
	}
	a.log.Debugf("drop udp datagram from %s (%s)", from, reason)
}
