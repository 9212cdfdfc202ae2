//go:build !unix

package socks5

import "github.io/kevin-rd/k8s-tools/socks5d/internal/proto"

func replyForErrno(error) (proto.Reply, bool) { return 0, false }
