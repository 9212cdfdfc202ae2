//go:build unix

package socks5

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
)

func replyForErrno(err error) (proto.Reply, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return 0, false
	}
	switch errno {
	case unix.ECONNREFUSED:
		return proto.ConnectionRefused, true
	case unix.ENETUNREACH, unix.ENETDOWN:
		return proto.NetworkUnreachable, true
	case unix.EHOSTUNREACH, unix.EHOSTDOWN:
		return proto.HostUnreachable, true
	case unix.ETIMEDOUT:
		return proto.TTLExpired, true
	}
	return 0, false
}
