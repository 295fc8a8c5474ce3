// Package metrics exposes the node's prometheus counters and the optional
// HTTP endpoint serving them.
package metrics

import (
	"net"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teleconsys/dora-storage/common/log"
)

var (
	// InboundDropped counts ledger messages dropped by a full inbound
	// buffer.
	InboundDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dora_inbound_dropped_total",
		Help: "Inbound ledger messages dropped on backpressure",
	})
	// PublishedBlocks counts blocks successfully published to the ledger.
	PublishedBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dora_published_blocks_total",
		Help: "Blocks published to the ledger",
	})
	// SessionTimeouts counts protocol sessions closed by their deadline.
	SessionTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dora_session_timeouts_total",
		Help: "Protocol sessions garbage collected at their deadline",
	})
	// FaucetRequests counts funding requests sent to the faucet.
	FaucetRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dora_faucet_requests_total",
		Help: "Faucet funding requests",
	})

	registry = prometheus.NewRegistry()
)

//nolint:gochecknoinits // metric registration is a process-wide concern
func init() {
	registry.MustRegister(InboundDropped, PublishedBlocks, SessionTimeouts, FaucetRequests)
}

// Start binds a metrics servlet on the given address and serves until the
// listener is closed.
func Start(addr string, l log.Logger) net.Listener {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		l.Errorw("metrics listen failed", "addr", addr, "error", err)
		return nil
	}
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		server := &http.Server{Handler: router}
		_ = server.Serve(listener)
	}()
	l.Infow("metrics served", "addr", listener.Addr().String())
	return listener
}
