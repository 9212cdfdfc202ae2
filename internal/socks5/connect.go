package socks5

import (
	"context"
	"fmt"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
)

func (ss *session) connect(ctx context.Context, req *Request) error {
	if err := ss.enter(stateConnect); err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, ss.srv.cfg.ConnectTimeout)
	target, err := ss.srv.cfg.Dialer.Dial(dctx, req.Dst)
	cancel()
	if err != nil {
		return ss.fail(replyFor(err), fmt.Errorf("fail to connect %s: %w", req.Dst, err))
	}

	bound, err := proto.AddrFromNet(target.LocalAddr())
	if err != nil {
		bound = proto.Unspecified()
	}
	if err := ss.send(proto.Succeeded, bound); err != nil {
		_ = target.Close()
		return fmt.Errorf("write response: %w", err)
	}
	return ss.relay(ctx, ss.conn, target)
}
