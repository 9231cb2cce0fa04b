// Package metrics holds the Prometheus collectors shared by every
// connection created with the same Metrics value.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "grpclite"

// Metrics groups the collectors a connection updates. The zero value is not
// usable; construct with NewMetrics.
type Metrics struct {
	FramesRead       *prometheus.CounterVec
	FramesWritten    *prometheus.CounterVec
	BytesRead        prometheus.Counter
	BytesWritten     prometheus.Counter
	FramesDropped    *prometheus.CounterVec
	Connections      prometheus.Gauge
	ActiveStreams    *prometheus.GaugeVec
	StreamsOpened    *prometheus.CounterVec
	StreamsCancelled *prometheus.CounterVec
	GateDepth        *prometheus.GaugeVec
	IDAllocFailures  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// yields working but unregistered collectors, which is what tests and
// embedded uses without a scrape endpoint want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesRead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_read_total",
			Help:      "Frames decoded from transports, by kind.",
		}, []string{"kind"}),
		FramesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_written_total",
			Help:      "Frames encoded onto transports, by kind.",
		}, []string{"kind"}),
		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Raw bytes read from transports.",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Raw bytes written to transports.",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped without reaching a stream, by reason.",
		}, []string{"reason"}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Connections whose loops are running.",
		}),
		ActiveStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams present in connection registries, by role.",
		}, []string{"role"}),
		StreamsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Streams registered, by role.",
		}, []string{"role"}),
		StreamsCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_cancelled_total",
			Help:      "Streams that ended in the cancelled state, by role.",
		}, []string{"role"}),
		GateDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_queue_depth",
			Help:      "Frames admitted by buffered gates and not yet drained, by direction.",
		}, []string{"direction"}),
		IDAllocFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_id_exhausted_total",
			Help:      "Stream ID allocations that ran out of attempts.",
		}),
	}
}
