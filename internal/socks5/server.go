package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/metrics"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
)

var (
	ErrCommandNotAllowed = errors.New("request not allowed by rules")
	ErrCommandDisabled   = errors.New("command disabled")
	ErrBindPeerRejected  = errors.New("bind peer rejected")
)

type Server struct {
	cfg Config
	neg *negotiator
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	neg, err := newNegotiator(cfg.Authenticators)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Debugf("auth methods: %v", neg.Methods())
	return &Server{cfg: cfg, neg: neg, sem: semaphore.NewWeighted(cfg.MaxConns)}, nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string, opts ListenOptions) error {
	// 创建监听
	ln, err := Listen(ctx, addr, opts)
	if err != nil {
		return fmt.Errorf("fail in listen %s: %w", addr, err)
	}
	s.cfg.Logger.Infof("Socks5 server start at: %s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx is done, then waits for every session
// to finish. It returns nil after a shutdown through ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := s.cfg.Logger
	defer func() { _ = ln.Close() }()

	stop := context.AfterFunc(ctx, func() {
		logger.Info("Close socks5 listener...")
		_ = ln.Close()
	})
	defer stop()

	defer func() {
		s.wg.Wait()
		logger.Info("Server has gracefully shutdown.")
	}()

	for {
		// limit goroutine pool
		if err := s.sem.Acquire(ctx, 1); err != nil {
			logger.Warn("Shutting down server...")
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, net.ErrClosed) {
				if ctx.Err() != nil {
					logger.Debug("Server has gracefully shutdown from listener status")
					return nil
				}
				return err
			}
			logger.Warn("fail in accept: ", err)
			time.Sleep(5 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func(conn net.Conn) {
			defer func() {
				s.wg.Done()
				s.sem.Release(1)
			}()
			s.handle(ctx, conn)
		}(conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	labels := prometheus.Labels{"host": hostOf(conn.RemoteAddr())}
	metrics.ConnectGauge.With(labels).Inc()
	metrics.ConnectCounter.With(labels).Inc()
	defer metrics.ConnectGauge.With(labels).Dec()

	logger := s.cfg.Logger.WithField("client", conn.RemoteAddr().String())
	logger.Info("New connection")

	err := s.serveConn(ctx, conn, logger)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		logger.Debugf("session ended: %v", err)
	default:
		logger.Warnf("session failed: %v", err)
	}
	logger.Info("Connection closed")
}

// ServeConn runs one session on conn and closes it. Use it to serve streams
// that do not come from a net.Listener.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	return s.serveConn(ctx, conn, s.cfg.Logger.WithField("client", conn.RemoteAddr().String()))
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, logger *log.Entry) error {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ss := &session{srv: s, conn: conn, log: logger}
	return ss.run(ctx)
}

func (s *Server) disabled(cmd proto.Command) bool {
	switch cmd {
	case proto.CmdBind:
		return s.cfg.DisableBind
	case proto.CmdAssociate:
		return s.cfg.DisableAssociate
	}
	return false
}

func hostOf(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	if addr, err := proto.AddrFromNet(a); err == nil {
		return addr.Host()
	}
	return a.String()
}
