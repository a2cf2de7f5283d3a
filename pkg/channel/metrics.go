package channel

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/shmipc/internal/metrics"
)

type serverMetrics struct {
	inFlight      prometheus.Gauge
	accepted      prometheus.Counter
	handlerErrors prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	return &serverMetrics{
		inFlight: metrics.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "channel_connections_in_flight",
			Help:      "Number of channel connections currently being served.",
		})),
		accepted: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "channel_connections_accepted_total",
			Help:      "Total number of accepted channel connections.",
		})),
		handlerErrors: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "channel_handler_errors_total",
			Help:      "Total number of connection handlers that returned an error.",
		})),
	}
}
