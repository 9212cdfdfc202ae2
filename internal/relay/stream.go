package relay

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stats counts bytes copied by Stream.
type Stats struct {
	// Up is left to right, Down is right to left.
	Up, Down int64
}

type closeWriter interface {
	CloseWrite() error
}

// Stream copies bytes between left and right in both directions until one
// direction ends, then releases both endpoints.
//
// When a direction reaches EOF, its destination is write-closed if it
// supports CloseWrite. With linger > 0 the opposite direction may keep
// draining for up to linger; otherwise both endpoints are closed at once. A
// copy error or ctx cancellation closes both immediately. Both endpoints are
// closed on every return path. Errors caused by that close are not reported.
func Stream(ctx context.Context, left, right io.ReadWriteCloser, linger time.Duration) (Stats, error) {
	var (
		st        Stats
		closing   atomic.Bool
		cancelled atomic.Bool
		closeOnce sync.Once
		lingerMu  sync.Mutex
		timer     *time.Timer
	)

	closeBoth := func() {
		closeOnce.Do(func() {
			closing.Store(true)
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, func() {
		cancelled.Store(true)
		closeBoth()
	})
	defer stop()

	defer func() {
		lingerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		lingerMu.Unlock()
	}()

	finish := func(dst io.ReadWriteCloser, err error) error {
		if err != nil {
			if closing.Load() {
				return nil
			}
			closeBoth()
			return err
		}
		if cw, ok := dst.(closeWriter); ok {
			if cw.CloseWrite() == nil && linger > 0 {
				lingerMu.Lock()
				if timer == nil {
					timer = time.AfterFunc(linger, closeBoth)
				}
				lingerMu.Unlock()
				return nil
			}
		}
		closeBoth()
		return nil
	}

	var g errgroup.Group
	g.Go(func() error {
		n, err := copyWithCtx(ctx, right, left)
		st.Up = n
		return finish(right, err)
	})
	g.Go(func() error {
		n, err := copyWithCtx(ctx, left, right)
		st.Down = n
		return finish(left, err)
	})

	err := g.Wait()
	if err == nil && cancelled.Load() {
		err = ctx.Err()
	}
	return st, err
}
