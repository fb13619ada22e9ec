package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tlsEnabled 1 when the TLS listener is open
	tlsEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pva_tls_enabled",
			Help: "Whether the TLS listener is currently open (1) or not (0)",
		},
	)

	// tlsConnectionsClosed counts TLS connections dropped by DisableTLS
	tlsConnectionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pva_tls_connections_closed_total",
			Help: "Total number of TLS connections closed because TLS was disabled",
		},
	)

	// activeConnections tracks open connections
	// Labels: transport (tcp, tls)
	activeConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pva_connections_active",
			Help: "Open connections grouped by transport",
		},
		[]string{"transport"},
	)

	// sseSubscribers tracks SSE subscribers across all topics
	sseSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvacms_status_subscribers",
			Help: "Number of connected certificate status stream subscribers",
		},
	)
)
