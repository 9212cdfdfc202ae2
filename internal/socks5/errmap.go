package socks5

import (
	"context"
	"errors"
	"net"
	"os"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/resolver"
)

// replyFor maps an outbound connect or listen error to a reply code.
func replyFor(err error) proto.Reply {
	if err == nil {
		return proto.Succeeded
	}
	if resolver.IsResolveError(err) {
		return proto.HostUnreachable
	}
	if r, ok := replyForErrno(err); ok {
		return r
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return proto.TTLExpired
	}
	return proto.GeneralFailure
}
