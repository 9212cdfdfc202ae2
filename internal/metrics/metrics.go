package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectGauge is the current number of active SOCKS5 connections.
	ConnectGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "socks5_connections",
		Help: "Current number of active SOCKS5 connections",
	}, []string{"host"})

	// ConnectCounter is the total number of SOCKS5 connections.
	ConnectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_connections_total",
		Help: "Total number of SOCKS5 connections",
	}, []string{"host"})

	// RequestCounter counts requests by command and the reply sent.
	RequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_requests_total",
		Help: "Total number of SOCKS5 requests by command and reply",
	}, []string{"command", "reply"})

	// AuthCounter counts method negotiations and their outcome.
	AuthCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_auth_total",
		Help: "Total number of SOCKS5 authentications by method and result",
	}, []string{"method", "result"})

	// RelayBytes counts relayed payload bytes; direction is "up" (client to
	// target) or "down".
	RelayBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_relay_bytes_total",
		Help: "Total number of bytes relayed",
	}, []string{"direction"})

	// UDPDropped counts datagrams discarded by the UDP relay.
	UDPDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_udp_dropped_total",
		Help: "Total number of UDP datagrams dropped by the relay",
	}, []string{"reason"})
)

func init() {
	// Register the metrics.
	prometheus.MustRegister(ConnectGauge, ConnectCounter, RequestCounter, AuthCounter, RelayBytes, UDPDropped)
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 优雅关闭
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}
