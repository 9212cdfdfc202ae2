package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/metrics"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/relay"
)

// failureWriteTimeout bounds the best-effort failure response.
const failureWriteTimeout = 5 * time.Second

type state int

const (
	stateHandshake state = iota
	stateAuth
	stateRequest
	stateConnect
	stateBind
	stateAssociate
	stateRelay
	stateClosed
)

var stateNames = [...]string{
	stateHandshake: "handshake",
	stateAuth:      "auth",
	stateRequest:   "request",
	stateConnect:   "connect",
	stateBind:      "bind",
	stateAssociate: "associate",
	stateRelay:     "relay",
	stateClosed:    "closed",
}

func (s state) String() string { return stateNames[s] }

// session drives one client connection through handshake, authentication,
// request and command execution. It only moves forward.
type session struct {
	srv  *Server
	conn net.Conn
	log  *log.Entry

	state state
	req   *Request

	// replied is set once a response was sent for the current phase.
	replied bool
	// reply is the last response code sent, for metrics.
	reply     proto.Reply
	sentReply bool
}

var errStateBackward = errors.New("session state cannot move back")

func (ss *session) enter(st state) error {
	if st < ss.state {
		return fmt.Errorf("%w: %s -> %s", errStateBackward, ss.state, st)
	}
	if st != ss.state {
		ss.log.Tracef("session %s -> %s", ss.state, st)
	}
	ss.state = st
	return nil
}

func (ss *session) run(ctx context.Context) error {
	defer ss.close()

	cfg := &ss.srv.cfg
	if cfg.HandshakeTimeout > 0 {
		_ = ss.conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	auth, err := ss.handshake()
	if err != nil {
		return err
	}
	info, err := ss.authenticate(ctx, auth)
	if err != nil {
		return err
	}
	req, err := ss.readRequest(ctx, info)
	if err != nil {
		return err
	}
	_ = ss.conn.SetDeadline(time.Time{})

	switch req.Command {
	case proto.CmdConnect:
		return ss.connect(ctx, req)
	case proto.CmdBind:
		return ss.bind(ctx, req)
	case proto.CmdAssociate:
		return ss.associate(ctx, req)
	}
	return ss.fail(proto.CommandNotSupported, fmt.Errorf("%w: %s", ErrCommandDisabled, req.Command))
}

func (ss *session) close() {
	_ = ss.enter(stateClosed)
	if ss.req == nil && !ss.sentReply {
		return
	}
	cmd, reply := "unknown", "none"
	if ss.req != nil {
		cmd = ss.req.Command.String()
	}
	if ss.sentReply {
		reply = ss.reply.String()
	}
	metrics.RequestCounter.WithLabelValues(cmd, reply).Inc()
}

func (ss *session) handshake() (Authenticator, error) {
	/*
		Read
		   +-----+----------+-----------+
		   | VER | NMETHODS |  METHODS  |
		   +-----+----------+-----------+
		   |  1  |    1     |  1 to 255 |
		   +-----+----------+-----------+
	*/
	hs, err := proto.ReadHandshakeRequest(ss.conn)
	if err != nil {
		err = fmt.Errorf("read handshake: %w", err)
		if proto.IsProtocol(err) {
			return nil, ss.rejectMethods(err)
		}
		return nil, err
	}

	auth := ss.srv.neg.Select(hs)
	if auth == nil {
		metrics.AuthCounter.WithLabelValues(proto.MethodNoAcceptable.String(), "rejected").Inc()
		return nil, ss.rejectMethods(fmt.Errorf("%w: offered %v", ErrNoAcceptableMethod, hs.Methods))
	}

	/*
		replay
		+-----+--------+
		| VER | METHOD |
		+-----+--------+
		|  1  |   1    |
		+-----+--------+
	*/
	resp := &proto.HandshakeResponse{Method: auth.Method()}
	if _, err := resp.WriteTo(ss.conn); err != nil {
		return nil, fmt.Errorf("write method: %w", err)
	}
	return auth, nil
}

// rejectMethods answers NO ACCEPTABLE METHODS. The session ends here.
func (ss *session) rejectMethods(cause error) error {
	resp := &proto.HandshakeResponse{Method: proto.MethodNoAcceptable}
	if _, err := resp.WriteTo(ss.conn); err != nil {
		return errors.Join(cause, fmt.Errorf("send failure response: %w", err))
	}
	return cause
}

func (ss *session) authenticate(ctx context.Context, auth Authenticator) (AuthInfo, error) {
	if auth.Method() != proto.MethodNoAuth {
		if err := ss.enter(stateAuth); err != nil {
			return AuthInfo{}, err
		}
	}

	method := auth.Method().String()
	info, err := auth.Authenticate(ctx, ss.conn)
	if err != nil {
		metrics.AuthCounter.WithLabelValues(method, "failure").Inc()
		return info, err
	}
	metrics.AuthCounter.WithLabelValues(method, "success").Inc()

	if info.Username != "" {
		ss.log = ss.log.WithField("user", info.Username)
	}
	return info, nil
}

func (ss *session) readRequest(ctx context.Context, info AuthInfo) (*Request, error) {
	if err := ss.enter(stateRequest); err != nil {
		return nil, err
	}

	/*
		Read
		   +----+-----+-------+------+----------+----------+
		   |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
		   +----+-----+-------+------+----------+----------+
		   | 1  |  1  | X'00' |  1   | Variable |    2     |
		   +----+-----+-------+------+----------+----------+
	*/
	msg, err := proto.ReadRequest(ss.conn)
	if err != nil {
		err = fmt.Errorf("read request: %w", err)
		if errors.Is(err, io.EOF) {
			// the client left between messages
			return nil, err
		}
		return nil, ss.fail(proto.ReplyFor(err), err)
	}

	req := &Request{
		Command: msg.Command,
		Dst:     msg.Addr,
		Client:  ss.conn.RemoteAddr(),
		Auth:    info,
	}
	ss.req = req
	ss.log = ss.log.WithFields(log.Fields{"cmd": req.Command, "dst": req.Dst.String()})
	ss.log.Debug("request is ", req.Command, " ", req.Dst)

	if ss.srv.disabled(req.Command) {
		return nil, ss.fail(proto.CommandNotSupported, fmt.Errorf("%w: %s", ErrCommandDisabled, req.Command))
	}
	if !ss.srv.cfg.Rules.Allow(ctx, req) {
		return nil, ss.fail(proto.ConnectionNotAllowed, fmt.Errorf("%w: %s %s", ErrCommandNotAllowed, req.Command, req.Dst))
	}
	return req, nil
}

func (ss *session) send(rep proto.Reply, addr proto.Address) error {
	/*
		write
		   +----+-----+-------+------+----------+----------+
		   |VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
		   +----+-----+-------+------+----------+----------+
		   | 1  |  1  | X'00' |  1   | Variable |    2     |
		   +----+-----+-------+------+----------+----------+
	*/
	ss.replied = true
	ss.reply, ss.sentReply = rep, true

	resp := &proto.Response{Reply: rep, Addr: addr}
	_, err := resp.WriteTo(ss.conn)
	return err
}

// fail makes one best-effort attempt to send a failure response with the
// unspecified address and returns err. Nothing is sent before the request
// stage, during relay, or when this phase was already answered.
func (ss *session) fail(rep proto.Reply, err error) error {
	if ss.state < stateRequest || ss.state >= stateRelay || ss.replied {
		return err
	}

	_ = ss.conn.SetWriteDeadline(time.Now().Add(failureWriteTimeout))
	if serr := ss.send(rep, proto.Unspecified()); serr != nil {
		return errors.Join(err, fmt.Errorf("send failure response: %w", serr))
	}
	return err
}

// relay pipes client and target until either side is done.
func (ss *session) relay(ctx context.Context, client, target net.Conn) error {
	if err := ss.enter(stateRelay); err != nil {
		_ = target.Close()
		return err
	}

	st, err := relay.Stream(ctx, client, target, ss.srv.cfg.Linger)
	metrics.RelayBytes.WithLabelValues("up").Add(float64(st.Up))
	metrics.RelayBytes.WithLabelValues("down").Add(float64(st.Down))
	ss.log.Debugf("transport has completed: up %d bytes, down %d bytes", st.Up, st.Down)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}
