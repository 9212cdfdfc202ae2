package socks5

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// maxBindPrefix caps what a client may send before its BIND peer arrives.
const maxBindPrefix = 64 * 1024

var aLongTimeAgo = time.Unix(1, 0)

// errPrefixOverflow ends a watch whose keep buffer filled up.
var errPrefixOverflow = errors.New("too much data before the bind peer connected")

// watcher reads the control connection while a BIND or ASSOCIATE session
// waits on another socket, so the session learns when the client goes away.
type watcher struct {
	conn    net.Conn
	keep    int
	buf     []byte
	err     error
	stopped atomic.Bool
	done    chan struct{}
}

// watch starts reading conn. Up to keep bytes are retained for stop to return;
// with keep == 0 everything read is discarded. onEnd runs once if the read
// side ends or fails, or with errPrefixOverflow once keep bytes are buffered.
func watch(conn net.Conn, keep int, onEnd func(error)) *watcher {
	w := &watcher{conn: conn, keep: keep, done: make(chan struct{})}
	go w.loop(onEnd)
	return w
}

func (w *watcher) loop(onEnd func(error)) {
	defer close(w.done)

	var tmp [512]byte
	for {
		p := tmp[:]
		if w.keep > 0 {
			room := w.keep - len(w.buf)
			if room == 0 {
				w.err = errPrefixOverflow
				onEnd(w.err)
				return
			}
			if room < len(p) {
				p = p[:room]
			}
		}

		n, err := w.conn.Read(p)
		if w.keep > 0 && n > 0 {
			w.buf = append(w.buf, p[:n]...)
		}
		if err != nil {
			if w.stopped.Load() && errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			w.err = err
			onEnd(err)
			return
		}
	}
}

// stop ends the watch and returns the retained bytes and the error that ended
// the read side, if any.
func (w *watcher) stop() ([]byte, error) {
	w.stopped.Store(true)
	_ = w.conn.SetReadDeadline(aLongTimeAgo)
	<-w.done
	_ = w.conn.SetReadDeadline(time.Time{})
	return w.buf, w.err
}

// prefixConn replays bytes read by a watcher before reading from Conn.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

func (c *prefixConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}
