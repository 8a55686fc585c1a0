package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for stream metrics.
const (
	OutcomeStored   = "stored"
	OutcomeTooLarge = "too_large"
	OutcomeTimeout  = "timeout"
	OutcomeSinkErr  = "sink_error"
	OutcomeAborted  = "aborted"
)

// Recorder holds the server's transfer metrics. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	connections     prometheus.Counter
	openConnections prometheus.Gauge
	streams         *prometheus.CounterVec
	bytes           prometheus.Counter
	streamDuration  *prometheus.HistogramVec
}

// New creates a Recorder registered on its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quicdrop",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Accepted connections.",
		}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quicdrop",
			Subsystem: "server",
			Name:      "open_connections",
			Help:      "Connections currently being served.",
		}),
		streams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quicdrop",
				Subsystem: "server",
				Name:      "streams_total",
				Help:      "Handled streams by outcome.",
			},
			[]string{"outcome"},
		),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quicdrop",
			Subsystem: "server",
			Name:      "bytes_total",
			Help:      "Payload bytes stored.",
		}),
		streamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "quicdrop",
				Subsystem: "server",
				Name:      "stream_duration_seconds",
				Help:      "Time from stream accept to outcome.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
	}
	r.registry.MustRegister(r.connections, r.openConnections, r.streams, r.bytes, r.streamDuration)
	return r
}

func (r *Recorder) ConnectionOpened() {
	if r == nil {
		return
	}
	r.connections.Inc()
	r.openConnections.Inc()
}

func (r *Recorder) ConnectionClosed() {
	if r == nil {
		return
	}
	r.openConnections.Dec()
}

// StreamDone records the outcome of one stream. Bytes are only counted for
// stored payloads.
func (r *Recorder) StreamDone(outcome string, bytes int64, duration time.Duration) {
	if r == nil {
		return
	}
	r.streams.WithLabelValues(outcome).Inc()
	r.streamDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if outcome == OutcomeStored && bytes > 0 {
		r.bytes.Add(float64(bytes))
	}
}

// Handler serves the metrics in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
