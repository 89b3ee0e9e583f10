// Package observability holds the Prometheus instruments shared by the memory components.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TurnsAppended     *prometheus.CounterVec
	RowsEmbedded      *prometheus.CounterVec
	EmbeddingFailures *prometheus.CounterVec
	Retrievals        *prometheus.CounterVec
	IndexSize         *prometheus.GaugeVec
	BuildDuration     *prometheus.HistogramVec
	RetrievalLatency  *prometheus.HistogramVec
	WSMessages        *prometheus.CounterVec
}

// NewMetrics registers every instrument on a fresh registry under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TurnsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_appended_total",
			Help:      "Turns appended by agent and role.",
		}, []string{"agent", "role"}),
		RowsEmbedded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_embedded_total",
			Help:      "Rows embedded and added to the vector index.",
		}, []string{"agent"}),
		EmbeddingFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_failures_total",
			Help:      "Embedding failures by agent and phase (index or query).",
		}, []string{"agent", "phase"}),
		Retrievals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Retrieval requests by agent and outcome.",
		}, []string{"agent", "outcome"}),
		IndexSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_size",
			Help:      "Vectors currently held by the index.",
		}, []string{"agent"}),
		BuildDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_ms",
			Help:      "Duration of build_or_update passes in milliseconds.",
			Buckets:   []float64{5, 25, 100, 250, 1000, 5000, 20000, 60000},
		}, []string{"agent"}),
		RetrievalLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_latency_ms",
			Help:      "Latency of retrieval requests in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 1000},
		}, []string{"agent"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TurnAppended(agent, role string) {
	if m == nil {
		return
	}
	m.TurnsAppended.WithLabelValues(agent, role).Inc()
}

func (m *Metrics) ObserveBuild(agent string, embedded, failed, indexSize int, d time.Duration) {
	if m == nil {
		return
	}
	m.RowsEmbedded.WithLabelValues(agent).Add(float64(embedded))
	m.EmbeddingFailures.WithLabelValues(agent, "index").Add(float64(failed))
	m.IndexSize.WithLabelValues(agent).Set(float64(indexSize))
	m.BuildDuration.WithLabelValues(agent).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SetIndexSize(agent string, n int) {
	if m == nil {
		return
	}
	m.IndexSize.WithLabelValues(agent).Set(float64(n))
}

// ObserveRetrieval records one retrieval. outcome is "ok", "empty", "not_ready",
// "embedding_error" or "error".
func (m *Metrics) ObserveRetrieval(agent, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Retrievals.WithLabelValues(agent, outcome).Inc()
	m.RetrievalLatency.WithLabelValues(agent).Observe(float64(d.Milliseconds()))
	if outcome == "embedding_error" {
		m.EmbeddingFailures.WithLabelValues(agent, "query").Inc()
	}
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
