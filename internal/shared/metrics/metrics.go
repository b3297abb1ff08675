// Package metrics exposes Prometheus collectors for the extraction chain,
// the stream proxy and the proxy pool.
package metrics

import (
	"errors"
	"net/http"

	"audiorelay/internal/extract"
	"audiorelay/internal/stream"
	"audiorelay/internal/shared/types"
	manager "audiorelay/proxypool"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "audiorelay"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	extractAttempts *prometheus.CounterVec
	extractDuration *prometheus.HistogramVec
	streamStates    *prometheus.CounterVec
	streamBytes     *prometheus.CounterVec
	poolCandidates  *prometheus.GaugeVec
	poolRotations   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		extractAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "attempts_total",
			Help:      "Extraction strategy attempts by outcome.",
		}, []string{"strategy", "result"}),
		extractDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "duration_seconds",
			Help:      "Time spent in each extraction strategy.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"strategy"}),
		streamStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "transitions_total",
			Help:      "Stream state machine transitions by target state.",
		}, []string{"state"}),
		streamBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Body bytes sent to clients by delivery path.",
		}, []string{"path"}),
		poolCandidates: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxypool",
			Name:      "candidates",
			Help:      "Proxy candidates by state.",
		}, []string{"state"}),
		poolRotations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxypool",
			Name:      "rotations",
			Help:      "Rotations of the current candidate since start.",
		}),
	}
}

// ObserveAttempt is an extract.Observer.
func (m *Metrics) ObserveAttempt(a extract.Attempt) {
	result := "ok"
	switch {
	case a.Err == nil:
	case errors.Is(a.Err, types.ErrProxyExhausted):
		result = "skipped"
	default:
		result = "error"
	}
	m.extractAttempts.WithLabelValues(a.Strategy, result).Inc()
	m.extractDuration.WithLabelValues(a.Strategy).Observe(a.Elapsed.Seconds())
}

// ObserveStream is a stream.Observer.
func (m *Metrics) ObserveStream(e stream.Event) {
	m.streamStates.WithLabelValues(e.To.String()).Inc()
	if !e.To.Terminal() || e.Bytes == 0 {
		return
	}
	path := "raw"
	if e.From == stream.StateFallbackToTranscode {
		path = "transcode"
	}
	m.streamBytes.WithLabelValues(path).Add(float64(e.Bytes))
}

// ObservePool records a pool snapshot.
func (m *Metrics) ObservePool(s manager.Snapshot) {
	m.poolCandidates.WithLabelValues("active").Set(float64(s.Active))
	m.poolCandidates.WithLabelValues("cooling").Set(float64(s.Cooling))
	m.poolRotations.Set(float64(s.Rotations))
}

// GaugeFunc registers a gauge sampled at scrape time.
func (m *Metrics) GaugeFunc(subsystem, name, help string, fn func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
