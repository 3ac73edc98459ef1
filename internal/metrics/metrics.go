// Package metrics exposes the server's Prometheus counters/gauges and the
// handler that serves them. Instantiating a Metrics registers its
// collectors on the supplied registry (prometheus.DefaultRegisterer when nil
// is passed), so callers embedding the server in a larger process can
// provide their own registry instead of polluting the global one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the RTMP core reports through. Handlers call
// the typed methods below instead of touching the underlying collectors
// directly, so a renamed metric only requires one edit.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	HandshakeDuration   prometheus.Histogram
	HandshakeFailures   *prometheus.CounterVec // labeled by reason

	PublishesStarted prometheus.Counter
	PublishesActive  prometheus.Gauge
	PublishErrors    *prometheus.CounterVec // labeled by reason

	BytesIngested   prometheus.Counter
	MessagesDropped *prometheus.CounterVec // labeled by reason (the server reports idle_timeout)
}

// New creates and registers a Metrics instance. reg may be nil, in which
// case prometheus.DefaultRegisterer is used.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtmp_connections_accepted_total",
			Help: "Total TCP connections that completed the RTMP handshake.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtmp_connections_active",
			Help: "Currently open RTMP connections.",
		}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtmp_handshake_duration_seconds",
			Help:    "Time spent completing the RTMP simple handshake.",
			Buckets: prometheus.DefBuckets,
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmp_handshake_failures_total",
			Help: "Handshake attempts that did not complete, by reason.",
		}, []string{"reason"}),
		PublishesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtmp_publishes_started_total",
			Help: "Total publish commands accepted.",
		}),
		PublishesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtmp_publishes_active",
			Help: "Currently active publishers.",
		}),
		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmp_publish_errors_total",
			Help: "Publish attempts rejected or terminated, by reason.",
		}, []string{"reason"}),
		BytesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtmp_bytes_ingested_total",
			Help: "Total bytes read from publishers across all connections.",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmp_messages_dropped_total",
			Help: "Messages discarded before reaching the sink, by reason.",
		}, []string{"reason"}),
	}
}
