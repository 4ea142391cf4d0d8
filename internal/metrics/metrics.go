// Package metrics registers the Prometheus metrics of the ingestion and query
// pipelines. A nil *Metrics is valid and records nothing, so components can be
// built without a registry in tests and one-shot CLI commands.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ragpipe"

// Metrics holds the pipeline collectors. Create one per registry with New.
type Metrics struct {
	// ingestionsTotal counts finished ingestion runs by outcome:
	// "indexed", "unchanged", "failed".
	ingestionsTotal *prometheus.CounterVec

	// stageDurationSeconds records the duration of each ingestion stage.
	stageDurationSeconds *prometheus.HistogramVec

	// chunksIndexedTotal counts chunks upserted into the vector index.
	chunksIndexedTotal prometheus.Counter

	// retriesTotal counts retried calls per external capability.
	retriesTotal *prometheus.CounterVec

	// queriesTotal counts finished queries by outcome: "ok", "cached", "error".
	queriesTotal *prometheus.CounterVec

	// queryDurationSeconds records end-to-end query latency.
	queryDurationSeconds *prometheus.HistogramVec

	// staleCandidatesTotal counts search hits dropped because their revision
	// is no longer served.
	staleCandidatesTotal prometheus.Counter
}

// New registers every pipeline metric against reg. promauto.With(reg) keeps
// test registries isolated from prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ingestionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "runs_total",
			Help:      "Total number of finished ingestion runs, partitioned by outcome.",
		}, []string{"outcome"}),

		stageDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each ingestion stage.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"stage"}),

		chunksIndexedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "chunks_indexed_total",
			Help:      "Total number of chunks upserted into the vector index.",
		}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retried calls to external capabilities.",
		}, []string{"capability"}),

		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Total number of finished queries, partitioned by outcome.",
		}, []string{"outcome"}),

		queryDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "End-to-end latency of queries.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),

		staleCandidatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "stale_candidates_total",
			Help:      "Search hits dropped because their revision is not the served one.",
		}),
	}
}

// IngestionFinished records one finished ingestion run.
func (m *Metrics) IngestionFinished(outcome string) {
	if m == nil {
		return
	}
	m.ingestionsTotal.WithLabelValues(outcome).Inc()
}

// StageDone records the duration of an ingestion stage started at start.
func (m *Metrics) StageDone(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDurationSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// ChunksIndexed adds n upserted chunks.
func (m *Metrics) ChunksIndexed(n int) {
	if m == nil {
		return
	}
	m.chunksIndexedTotal.Add(float64(n))
}

// Retry records one retried call to capability.
func (m *Metrics) Retry(capability string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(capability).Inc()
}

// QueryFinished records a finished query started at start.
func (m *Metrics) QueryFinished(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(outcome).Inc()
	m.queryDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// StaleCandidates adds n dropped search hits.
func (m *Metrics) StaleCandidates(n int) {
	if m == nil || n == 0 {
		return
	}
	m.staleCandidatesTotal.Add(float64(n))
}
