package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Audio chunk directions.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	TurnsTotal       *prometheus.CounterVec
	TurnDuration     prometheus.Histogram
	GatewayDuration  *prometheus.HistogramVec
	ErrorsTotal      *prometheus.CounterVec
	AudioChunksTotal *prometheus.CounterVec
	AudioBytesTotal  *prometheus.CounterVec
	DroppedChunks    prometheus.Counter
	CancelsTotal     prometheus.Counter
}

// New creates a Metrics instance on its own registry
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "jarvis"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected voice sessions",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total voice sessions accepted",
		}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by input source and outcome",
		}, []string{"source", "outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from gateway dispatch to the end of synthesis",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_duration_seconds",
			Help:      "Text generation gateway latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to clients by kind",
		}, []string{"kind"}),
		AudioChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Audio chunks relayed by direction",
		}, []string{"direction"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed by direction",
		}, []string{"direction"}),
		DroppedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Client audio chunks dropped because the recognizer was not connected",
		}),
		CancelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_total",
			Help:      "Client cancel requests",
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.TurnsTotal,
		m.TurnDuration,
		m.GatewayDuration,
		m.ErrorsTotal,
		m.AudioChunksTotal,
		m.AudioBytesTotal,
		m.DroppedChunks,
		m.CancelsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

func (m *Metrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// RecordTurn counts a finished turn. outcome is "completed", "failed" or "cancelled".
func (m *Metrics) RecordTurn(source, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(source, outcome).Inc()
	if outcome == "completed" {
		m.TurnDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordGateway(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GatewayDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil {
		return
	}
	m.AudioChunksTotal.WithLabelValues(direction).Inc()
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordDroppedChunk() {
	if m == nil {
		return
	}
	m.DroppedChunks.Inc()
}

func (m *Metrics) RecordCancel() {
	if m == nil {
		return
	}
	m.CancelsTotal.Inc()
}
