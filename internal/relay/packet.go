package relay

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

// PacketConn is the datagram socket Packets reads from.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	Close() error
}

// PacketHandler is called for every received datagram. b is only valid for
// the duration of the call. A non-nil error ends the relay.
type PacketHandler func(b []byte, from netip.AddrPort) error

// Packets reads datagrams from pc and hands each to handle until ctx is
// done, pc fails or handle returns an error. pc is closed on return.
// Cancellation and a closed socket are a normal end and return nil.
func Packets(ctx context.Context, pc PacketConn, handle PacketHandler) error {
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()
	defer pc.Close()

	buf := datagramBufs.Get()
	defer datagramBufs.Put(buf)

	for {
		n, from, err := pc.ReadFromUDPAddrPort(*buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := handle((*buf)[:n], from); err != nil {
			return err
		}
	}
}
