package shm

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/shmipc/internal/metrics"
)

type spaceMetrics struct {
	open         prometheus.Gauge
	resizes      prometheus.Counter
	bytesWritten prometheus.Counter
}

// newMetrics builds the segment collectors and registers them with reg when
// it is non-nil.
func newMetrics(reg prometheus.Registerer) *spaceMetrics {
	return &spaceMetrics{
		open: metrics.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "segments_open",
			Help:      "Number of open shared memory segment handles.",
		})),
		resizes: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "segment_resizes_total",
			Help:      "Total number of segment resizes.",
		})),
		bytesWritten: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "segment_bytes_written_total",
			Help:      "Total number of bytes copied into segments.",
		})),
	}
}
