package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/metrics"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/proto"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/resolver"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/socks5"
)

func init() {
	log.SetFormatter(&nested.Formatter{
		NoColors: false,
	})
	log.SetReportCaller(true)
	log.SetLevel(log.DebugLevel)
}

type options struct {
	listen        string
	metricsListen string
	authMethods   []string
	users         []string

	handshakeTimeout time.Duration
	connectTimeout   time.Duration
	bindTimeout      time.Duration
	linger           time.Duration

	bindIP           string
	udpIP            string
	udpPolicy        string
	disableBind      bool
	disableAssociate bool
	denyNets         []string

	dnsServer     string
	proxyProtocol bool
	maxConns      int64
	maxUDPPacket  int

	logLevel string
	noColor  bool
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("socks5d", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&o.listen, "listen", ":10080", "SOCKS5 listen address")
	fs.StringVar(&o.metricsListen, "metrics-listen", ":10081", "Prometheus metrics listen address. Empty disables.")
	fs.StringSliceVar(&o.authMethods, "auth-methods", []string{"no-auth"}, "Accepted auth methods in order of preference: no-auth, username-password")
	fs.StringArrayVar(&o.users, "user", nil, "Credentials as name:pass for username-password auth (repeatable)")

	fs.DurationVar(&o.handshakeTimeout, "handshake-timeout", socks5.DefaultHandshakeTimeout, "Timeout for negotiation, authentication and request")
	fs.DurationVar(&o.connectTimeout, "connect-timeout", socks5.DefaultConnectTimeout, "Timeout for each outbound CONNECT attempt")
	fs.DurationVar(&o.bindTimeout, "bind-timeout", socks5.DefaultBindTimeout, "How long BIND waits for the peer")
	fs.DurationVar(&o.linger, "half-close-linger", 0, "How long a relay keeps draining after one side closed")

	fs.StringVar(&o.bindIP, "bind-ip", "", "Listen IP for BIND (default 0.0.0.0)")
	fs.StringVar(&o.udpIP, "udp-ip", "", "Listen IP for UDP ASSOCIATE (default: wildcard of the control connection's family)")
	fs.StringVar(&o.udpPolicy, "udp-policy", "strict", "UDP peers forwarded to the client: strict (only addressed targets) or loose")
	fs.BoolVar(&o.disableBind, "disable-bind", false, "Answer BIND with command not supported")
	fs.BoolVar(&o.disableAssociate, "disable-associate", false, "Answer UDP ASSOCIATE with command not supported")
	fs.StringSliceVar(&o.denyNets, "deny-dst", nil, "Destination prefixes to refuse, e.g. 10.0.0.0/8")

	fs.StringVar(&o.dnsServer, "dns-server", "", "Resolve names through this DNS server (host[:port]) instead of the system resolver")
	fs.BoolVar(&o.proxyProtocol, "proxy-protocol", false, "Expect a PROXY protocol header on every connection")
	fs.Int64Var(&o.maxConns, "max-conns", socks5.DefaultMaxConns, "Maximum concurrent sessions")
	fs.IntVar(&o.maxUDPPacket, "max-udp-packet", 0, "Drop relayed UDP datagrams larger than this many bytes (0: no limit)")

	fs.StringVar(&o.logLevel, "log-level", "debug", "Log level: trace, debug, info, warn, error")
	fs.BoolVar(&o.noColor, "no-color", false, "Disable colored log output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *options) config() (socks5.Config, error) {
	cfg := socks5.Config{
		HandshakeTimeout: o.handshakeTimeout,
		ConnectTimeout:   o.connectTimeout,
		BindTimeout:      o.bindTimeout,
		Linger:           o.linger,
		DisableBind:      o.disableBind,
		DisableAssociate: o.disableAssociate,
		MaxConns:         o.maxConns,
		MaxUDPPacketSize: o.maxUDPPacket,
	}

	creds := socks5.StaticCredentials{}
	for _, u := range o.users {
		name, pass, ok := strings.Cut(u, ":")
		if !ok || name == "" || pass == "" || len(name) > 255 || len(pass) > 255 {
			return cfg, fmt.Errorf("invalid --user %q: expected name:pass", u)
		}
		creds[name] = pass
	}

	for _, m := range o.authMethods {
		switch strings.ToLower(strings.TrimSpace(m)) {
		case proto.MethodNoAuth.String(), "none":
			cfg.Authenticators = append(cfg.Authenticators, socks5.NoAuth{})
		case proto.MethodUserPass.String(), "userpass":
			if len(creds) == 0 {
				return cfg, errors.New("username-password auth needs at least one --user")
			}
			cfg.Authenticators = append(cfg.Authenticators, socks5.UserPass{Verifier: creds})
		default:
			return cfg, fmt.Errorf("unknown auth method %q", m)
		}
	}

	var err error
	if o.bindIP != "" {
		if cfg.BindIP, err = netip.ParseAddr(o.bindIP); err != nil {
			return cfg, fmt.Errorf("invalid --bind-ip: %w", err)
		}
	}
	if o.udpIP != "" {
		if cfg.UDPIP, err = netip.ParseAddr(o.udpIP); err != nil {
			return cfg, fmt.Errorf("invalid --udp-ip: %w", err)
		}
	}
	if cfg.UDPPolicy, err = socks5.ParseUDPPolicy(o.udpPolicy); err != nil {
		return cfg, fmt.Errorf("invalid --udp-policy: %w", err)
	}

	if len(o.denyNets) > 0 {
		deny := make(socks5.DenyNetworks, 0, len(o.denyNets))
		for _, s := range o.denyNets {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return cfg, fmt.Errorf("invalid --deny-dst: %w", err)
			}
			deny = append(deny, p.Masked())
		}
		cfg.Rules = deny
	}

	if o.dnsServer != "" {
		cfg.Resolver = resolver.NewDNS(o.dnsServer, o.connectTimeout)
	}
	return cfg, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}

	level, err := log.ParseLevel(opts.logLevel)
	if err != nil {
		log.Fatalf("invalid --log-level: %v", err)
	}
	log.SetLevel(level)
	log.SetFormatter(&nested.Formatter{NoColors: opts.noColor})

	log.Info("Welcome go socks5!")

	cfg, err := opts.config()
	if err != nil {
		log.Fatal(err)
	}
	srv, err := socks5.NewServer(cfg)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		count := 0
		for sig := range stopCh {
			count++
			log.Debugf("Receive signal: %v, count: %d", sig, count)

			if count == 1 {
				log.Info("First signal received, initiating graceful shutdown...")
				cancel()
			} else {
				log.Warn("Receive signal again, force exit.")
				os.Exit(1)
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	// metrics server
	if opts.metricsListen != "" {
		g.Go(func() error {
			log.Info("Starting metrics server...")
			if err := metrics.StartServer(gctx, opts.metricsListen); err != nil {
				if errors.Is(err, http.ErrServerClosed) {
					log.Info("Metrics server has gracefully shutdown.")
					return nil
				}
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
	}

	// socks5 server
	g.Go(func() error {
		return srv.ListenAndServe(gctx, opts.listen, socks5.ListenOptions{
			KeepAlive:     30 * time.Second,
			ProxyProtocol: opts.proxyProtocol,
		})
	})

	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	log.Info("Shutdown done.")
}
