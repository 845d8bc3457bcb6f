// Package metrics groups the Prometheus instruments of the session and
// memory services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics records nothing.
type Metrics struct {
	IngestedEntries   *prometheus.CounterVec
	IngestionFailures *prometheus.CounterVec
	EmbeddingFailures prometheus.Counter
	SearchResults     *prometheus.HistogramVec
	SearchLatency     *prometheus.HistogramVec
	SearchFailures    *prometheus.CounterVec
	SessionEvents     *prometheus.CounterVec
}

// New registers the instruments on reg under namespace.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IngestedEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_ingested_entries_total",
			Help:      "Memory entries written by ingestion, by strategy.",
		}, []string{"strategy"}),
		IngestionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_ingestion_failures_total",
			Help:      "Failed ingestions by stage.",
		}, []string{"stage"}),
		EmbeddingFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_embedding_failures_total",
			Help:      "Embedding calls that failed or returned an unusable vector.",
		}),
		SearchResults: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_search_results",
			Help:      "Number of memories returned per search.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}, []string{"strategy"}),
		SearchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_search_latency_ms",
			Help:      "Memory search latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"strategy"}),
		SearchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_search_failures_total",
			Help:      "Searches degraded to an empty result, by stage.",
		}, []string{"stage"}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_operations_total",
			Help:      "Session log operations by type.",
		}, []string{"op"}),
	}
}

func (m *Metrics) ObserveIngest(strategy string, entries int) {
	if m == nil {
		return
	}
	m.IngestedEntries.WithLabelValues(strategy).Add(float64(entries))
}

func (m *Metrics) IngestFailed(stage string) {
	if m == nil {
		return
	}
	m.IngestionFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) EmbeddingFailed() {
	if m == nil {
		return
	}
	m.EmbeddingFailures.Inc()
}

func (m *Metrics) ObserveSearch(strategy string, results int, d time.Duration) {
	if m == nil {
		return
	}
	m.SearchResults.WithLabelValues(strategy).Observe(float64(results))
	m.SearchLatency.WithLabelValues(strategy).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SearchFailed(stage string) {
	if m == nil {
		return
	}
	m.SearchFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) SessionOp(op string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(op).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
