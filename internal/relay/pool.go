package relay

import (
	"context"
	"io"
	"sync"
)

const (
	// StreamBufferSize is the copy buffer used per stream direction.
	StreamBufferSize = 32 * 1024
	// MaxDatagramSize fits any UDP payload plus a SOCKS5 header.
	MaxDatagramSize = 64 * 1024
)

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() *[]byte { return p.pool.Get().(*[]byte) }

func (p *bufferPool) Put(b *[]byte) { p.pool.Put(b) }

var (
	streamBufs   = newBufferPool(StreamBufferSize)
	datagramBufs = newBufferPool(MaxDatagramSize)
)

// from https://ixday.github.io/post/golang-cancel-copy/

type readerFunc func(p []byte) (n int, err error)

func (rf readerFunc) Read(p []byte) (n int, err error) { return rf(p) }

func copyWithCtx(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := streamBufs.Get()
	defer streamBufs.Put(buf)

	// Checked before every read; a blocked read is released by closing the conns.
	return io.CopyBuffer(dst, readerFunc(func(p []byte) (n int, err error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
			return src.Read(p)
		}
	}), *buf)
}
