package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
)

// bind answers twice: once with the listening address, once with the peer
// that connected to it.
func (ss *session) bind(ctx context.Context, req *Request) error {
	if err := ss.enter(stateBind); err != nil {
		return err
	}
	cfg := &ss.srv.cfg

	ln, err := cfg.Network.Listen(ctx, netip.AddrPortFrom(cfg.BindIP, 0))
	if err != nil {
		return ss.fail(replyFor(err), fmt.Errorf("bind listen: %w", err))
	}
	defer func() { _ = ln.Close() }()

	bound, err := proto.AddrFromNet(ln.Addr())
	if err != nil {
		return ss.fail(proto.GeneralFailure, fmt.Errorf("bind address: %w", err))
	}
	if err := ss.send(proto.Succeeded, bound); err != nil {
		return fmt.Errorf("write first response: %w", err)
	}
	ss.replied = false
	ss.log.Debugf("bind listening on %s", bound)

	peer, prefix, err := ss.acceptPeer(ctx, ln)
	if err != nil {
		return err
	}

	peerAddr, err := proto.AddrFromNet(peer.RemoteAddr())
	if err != nil {
		_ = peer.Close()
		return ss.fail(proto.GeneralFailure, fmt.Errorf("bind peer address: %w", err))
	}
	ap, _ := peerAddr.AddrPort()
	if !cfg.BindPeerCheck(req.Dst, ap) {
		_ = peer.Close()
		return ss.fail(proto.ConnectionNotAllowed, fmt.Errorf("%w: %s", ErrBindPeerRejected, peerAddr))
	}

	if err := ss.send(proto.Succeeded, peerAddr); err != nil {
		_ = peer.Close()
		return fmt.Errorf("write second response: %w", err)
	}

	var client net.Conn = ss.conn
	if len(prefix) > 0 {
		client = &prefixConn{Conn: ss.conn, prefix: prefix}
	}
	return ss.relay(ctx, client, peer)
}

// acceptPeer waits for one connection on ln while watching the control
// connection. Bytes the client sends meanwhile are returned as prefix.
func (ss *session) acceptPeer(ctx context.Context, ln net.Listener) (net.Conn, []byte, error) {
	actx, cancel := context.WithTimeout(ctx, ss.srv.cfg.BindTimeout)
	defer cancel()

	w := watch(ss.conn, maxBindPrefix, func(error) { cancel() })
	stop := context.AfterFunc(actx, func() { _ = ln.Close() })
	peer, err := ln.Accept()
	stop()
	prefix, werr := w.stop()

	if werr != nil {
		if peer != nil {
			_ = peer.Close()
		}
		if errors.Is(werr, errPrefixOverflow) {
			return nil, nil, ss.fail(proto.GeneralFailure, fmt.Errorf("bind: %w", werr))
		}
		return nil, nil, fmt.Errorf("bind: control connection closed while waiting for peer: %w", werr)
	}
	if err != nil {
		if actx.Err() != nil {
			err = actx.Err()
		}
		return nil, nil, ss.fail(replyFor(err), fmt.Errorf("bind accept: %w", err))
	}
	return peer, prefix, nil
}
