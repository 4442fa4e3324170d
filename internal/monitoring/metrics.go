package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Prometheus collectors for the hub and admission paths. Registered on the
// default registry; served by ServeMetrics when a metrics address is
// configured.
var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ironchat_connections_current",
		Help: "Live client sessions registered with the hub.",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ironchat_connections_total",
		Help: "Sessions that completed the identity handshake.",
	})
	AdmissionDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ironchat_admission_denied_total",
		Help: "Connections refused by the allowlist gate.",
	})
	AcceptRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ironchat_accept_rate_limited_total",
		Help: "Connections dropped by the accept gate before TLS.",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ironchat_messages_received_total",
		Help: "Parsed client commands.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ironchat_messages_sent_total",
		Help: "Lines written to client sockets.",
	})
	BroadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ironchat_broadcast_dropped_total",
		Help: "Broadcast frames dropped because a client queue was full.",
	}, []string{"kind"})
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ironchat_rate_limited_total",
		Help: "Message-rate checks that failed.",
	}, []string{"scope"})
	SlowClientsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ironchat_slow_clients_evicted_total",
		Help: "Clients disconnected because their outbound queue rejected a chat message.",
	})
)

// ServeMetrics exposes /metrics on addr. Runs until the listener fails;
// intended to be started on its own goroutine.
func ServeMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics endpoint failed")
	}
}
